package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"iut/pkg/apperr"
	"iut/pkg/bus"
	"iut/pkg/clock"
	"iut/pkg/fleet"
)

const (
	// DefaultTimeout bounds the whole fleet installation.
	DefaultTimeout = 120 * time.Minute
	// DefaultPollInterval separates two supervision passes.
	DefaultPollInterval = 10 * time.Second

	// SubjectProvisioning receives a ProvisioningEvent per finished machine.
	SubjectProvisioning = "iut.machines.provisioning"

	// FlushTimeout bounds how long Run waits for queued events once the
	// machines are settled.
	FlushTimeout = 5 * time.Second
)

// StopSignal asks a driver to clean up and exit once its machine is done.
var StopSignal os.Signal = unix.SIGUSR1

// Launcher starts the out-of-band provisioning driver for one machine.
type Launcher interface {
	Launch(ctx context.Context, m fleet.Machine) (Process, error)
}

// Process is a running driver. Exited never blocks.
type Process interface {
	Pid() int
	LogPath() string
	Exited() (code int, ok bool)
	Signal(sig os.Signal) error
	Kill() error
}

// Refresher pulls the latest monitoring status into the fleet.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Publisher receives provisioning events. *bus.Bus satisfies it. The
// supervisor never calls it from the poll loop directly.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Outcome is the terminal state of one machine.
type Outcome int

const (
	Running Outcome = iota
	Succeeded
	ProcessFailed
	StatusFailed
	LaunchFailed
	TimedOut
	Cancelled
)

var outcomeNames = [...]string{
	Running:       "running",
	Succeeded:     "succeeded",
	ProcessFailed: "process-failed",
	StatusFailed:  "status-failed",
	LaunchFailed:  "launch-failed",
	TimedOut:      "timed-out",
	Cancelled:     "cancelled",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Failed reports whether the outcome fails the run.
func (o Outcome) Failed() bool { return o != Succeeded && o != Running }

// MachineResult describes how provisioning of one machine ended.
type MachineResult struct {
	Machine    fleet.Machine
	Outcome    Outcome
	ExitCode   int
	Status     string
	LogPath    string
	Pid        int
	StartedAt  time.Time
	FinishedAt time.Time
	// Reaped is set when the driver received StopSignal after finishing.
	Reaped bool
	// Killed is set when the driver was killed on timeout or cancellation.
	Killed bool
	Err    error
}

func (r MachineResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result is the outcome of one supervised installation.
type Result struct {
	Machines []MachineResult
	Started  time.Time
	Finished time.Time
	Deadline time.Time
}

// Failed returns the machines whose outcome failed the run.
func (r *Result) Failed() []MachineResult {
	var failed []MachineResult
	for _, m := range r.Machines {
		if m.Outcome.Failed() {
			failed = append(failed, m)
		}
	}
	return failed
}

// ProvisioningEvent is published once per machine when it leaves Running.
type ProvisioningEvent struct {
	ID       string    `json:"id"`
	Machine  string    `json:"machine"`
	Cluster  string    `json:"cluster"`
	Outcome  string    `json:"outcome"`
	ExitCode int       `json:"exit_code"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at"`
}

// Supervisor runs one driver per machine and reconciles process exit codes
// with the monitoring status until every machine finished, the deadline
// passes or the context is cancelled.
type Supervisor struct {
	launcher  Launcher
	refresher Refresher
	fleet     fleet.Reader
	clock     clock.Clock
	log       logrus.FieldLogger
	events    Publisher
	timeout   time.Duration
	interval  time.Duration

	// queue is the per-run buffer in front of events.
	queue *bus.Async
}

type Option func(*Supervisor)

func WithTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.timeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Supervisor) { s.log = log }
}

func WithPublisher(p Publisher) Option {
	return func(s *Supervisor) { s.events = p }
}

// NewSupervisor creates a supervisor for the machines of reader.
func NewSupervisor(launcher Launcher, refresher Refresher, reader fleet.Reader, opts ...Option) (*Supervisor, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if refresher == nil {
		return nil, errors.New("refresher is required")
	}
	if reader == nil {
		return nil, errors.New("fleet is required")
	}

	s := &Supervisor{
		launcher:  launcher,
		refresher: refresher,
		fleet:     reader,
		clock:     clock.Real(),
		log:       logrus.StandardLogger(),
		timeout:   DefaultTimeout,
		interval:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", s.timeout)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", s.interval)
	}
	return s, nil
}

// active is a launched driver that has not been reaped or killed yet.
type active struct {
	index int
	proc  Process
	// reported holds status values already logged for this machine.
	reported map[string]struct{}
}

// Run launches the drivers and supervises them. The returned Result is never
// nil; the error is nil only when every machine succeeded. Run must not be
// called concurrently on the same Supervisor.
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	if s.events != nil {
		s.queue = bus.NewAsync(s.events, 0, func(subject string, err error) {
			s.log.WithError(err).Debugf("Failed to publish %s event", subject)
		})
		defer s.flush(ctx)
	}

	machines := s.fleet.Machines()
	res := &Result{
		Machines: make([]MachineResult, len(machines)),
		Started:  s.clock.Now(),
	}
	res.Deadline = res.Started.Add(s.timeout)

	running := make([]*active, 0, len(machines))
	for i, m := range machines {
		mr := &res.Machines[i]
		mr.Machine = m
		mr.StartedAt = s.clock.Now()

		proc, err := s.launcher.Launch(ctx, m)
		if err != nil {
			s.log.WithError(err).WithField("machine", m.Key()).Errorf("Failed to start the provisioning process for %s", m.Name)
			mr.Outcome = LaunchFailed
			mr.Err = err
			mr.FinishedAt = mr.StartedAt
			s.publish(ctx, *mr)
			continue
		}
		mr.LogPath = proc.LogPath()
		mr.Pid = proc.Pid()
		running = append(running, &active{index: i, proc: proc, reported: map[string]struct{}{}})
	}

	s.log.Infof("Waiting for all hosts to be provisioned with OS (timeout: %s) ...", s.timeout)

	for len(running) > 0 {
		if ctx.Err() != nil {
			return s.cancel(ctx, res, running)
		}
		if !s.clock.Now().Before(res.Deadline) {
			break
		}

		if err := s.refresher.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return s.cancel(ctx, res, running)
			}
			s.log.WithError(apperr.New(apperr.KindTransientService, "refresh machines status", err)).
				Warn("Failed to update machine status")
		}

		still := running[:0]
		for _, a := range running {
			if s.check(ctx, res, a) {
				continue
			}
			still = append(still, a)
		}
		running = still
		if len(running) == 0 {
			break
		}

		wait := min(s.interval, clock.Until(s.clock, res.Deadline))
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return s.cancel(ctx, res, running)
		case <-s.clock.After(wait):
		}
	}

	if len(running) > 0 {
		return s.expire(ctx, res, running)
	}

	res.Finished = s.clock.Now()
	if failed := res.Failed(); len(failed) > 0 {
		return res, failure(failed)
	}
	s.log.Info("All provisioning processes have succeeded")
	return res, nil
}

// check classifies one running machine and reaps it when it reached a
// terminal state. It reports whether the machine left the active set.
func (s *Supervisor) check(ctx context.Context, res *Result, a *active) bool {
	mr := &res.Machines[a.index]
	m := s.fleet.Machine(a.index)
	log := s.log.WithField("machine", m.Key())

	if code, exited := a.proc.Exited(); exited {
		mr.ExitCode = code
		if code != 0 {
			log.Errorf("Provisioning %s process %d failed with exit code %d", m.Name, a.proc.Pid(), code)
			s.reap(ctx, mr, a, ProcessFailed, m.Status)
			return true
		}
	}

	switch m.Status {
	case fleet.StatusOSEnd:
		log.Infof("Provisioning machine %s successfully ended", m.Name)
		s.reap(ctx, mr, a, Succeeded, m.Status)
		return true
	case fleet.StatusOSFail:
		log.Errorf("Provisioning %s failed due to %s message received", m.Name, fleet.StatusOSFail)
		s.reap(ctx, mr, a, StatusFailed, m.Status)
		return true
	case "":
		log.Warnf("Failed to get status update for machine %s", m.Name)
	default:
		if _, seen := a.reported[m.Status]; !seen {
			a.reported[m.Status] = struct{}{}
			log.Infof("New status value '%s' received for machine %s", m.Status, m.Name)
		}
	}
	return false
}

func (s *Supervisor) reap(ctx context.Context, mr *MachineResult, a *active, outcome Outcome, status string) {
	mr.Outcome = outcome
	mr.Status = status
	mr.FinishedAt = s.clock.Now()
	if err := a.proc.Signal(StopSignal); err != nil {
		s.log.WithError(err).WithField("machine", mr.Machine.Key()).Warn("Failed to signal the provisioning process")
	} else {
		mr.Reaped = true
	}
	s.publish(ctx, *mr)
}

func (s *Supervisor) killAll(ctx context.Context, res *Result, running []*active, outcome Outcome) []string {
	names := make([]string, 0, len(running))
	for _, a := range running {
		mr := &res.Machines[a.index]
		m := s.fleet.Machine(a.index)
		s.log.WithField("machine", m.Key()).Infof("Killing subprocess %d ...", a.proc.Pid())
		if err := a.proc.Kill(); err != nil {
			s.log.WithError(err).WithField("machine", m.Key()).Warn("Failed to kill the provisioning process")
		} else {
			mr.Killed = true
		}
		mr.Outcome = outcome
		mr.Status = m.Status
		mr.FinishedAt = s.clock.Now()
		names = append(names, m.Key())
		s.publish(ctx, *mr)
	}
	return names
}

func (s *Supervisor) cancel(ctx context.Context, res *Result, running []*active) (*Result, error) {
	// ctx is already done; events still go out on a detached context.
	s.killAll(context.WithoutCancel(ctx), res, running, Cancelled)
	res.Finished = s.clock.Now()
	return res, apperr.New(apperr.KindCancelled, "", errors.New("script terminated by the user"))
}

func (s *Supervisor) expire(ctx context.Context, res *Result, running []*active) (*Result, error) {
	s.log.Error("Timeout exceeded killing all left processes")
	names := s.killAll(ctx, res, running, TimedOut)
	res.Finished = s.clock.Now()
	return res, apperr.Errorf(apperr.KindTimeout, "provision", "timeout of %s exceeded, killed %s", s.timeout, strings.Join(names, ", "))
}

func failure(failed []MachineResult) error {
	kind := apperr.KindStatus
	parts := make([]string, 0, len(failed))
	for _, mr := range failed {
		switch mr.Outcome {
		case ProcessFailed:
			kind = apperr.KindProcess
			parts = append(parts, fmt.Sprintf("%s (exit code %d)", mr.Machine.Key(), mr.ExitCode))
		case LaunchFailed:
			kind = apperr.KindProcess
			parts = append(parts, fmt.Sprintf("%s (%v)", mr.Machine.Key(), mr.Err))
		default:
			parts = append(parts, fmt.Sprintf("%s (status %s)", mr.Machine.Key(), mr.Status))
		}
	}
	return apperr.Errorf(kind, "provision", "provisioning process failed for %s", strings.Join(parts, ", "))
}

// flush waits for the queued events of the run, at most FlushTimeout.
func (s *Supervisor) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FlushTimeout)
	defer cancel()
	if err := s.queue.Close(ctx); err != nil {
		s.log.WithError(err).Warn("Dropped provisioning events that were still queued")
	}
	s.queue = nil
}

func (s *Supervisor) publish(ctx context.Context, mr MachineResult) {
	if s.queue == nil {
		return
	}
	event := ProvisioningEvent{
		ID:       mr.Machine.ID,
		Machine:  mr.Machine.Name,
		Cluster:  mr.Machine.Cluster,
		Outcome:  mr.Outcome.String(),
		ExitCode: mr.ExitCode,
		Status:   mr.Status,
		At:       mr.FinishedAt.UTC(),
	}
	if err := s.queue.Publish(ctx, SubjectProvisioning, event); err != nil {
		s.log.WithError(err).Debug("Failed to queue provisioning event")
	}
}
