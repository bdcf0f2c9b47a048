package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"iut/pkg/apperr"
	"iut/pkg/clock"
	"iut/pkg/fleet"
	"iut/pkg/monitoring"
	"iut/pkg/platform"
	"iut/pkg/render"
	"iut/services/bundler"
	"iut/services/history"
	"iut/services/monsvc"
)

// SubjectRuns receives a RunEvent when an installation ends.
const SubjectRuns = "iut.runs.finished"

// MonitoringConfig selects the monitoring service. A nil Service starts one
// in-process on Port or one of FallbackPorts.
type MonitoringConfig struct {
	Service       *monitoring.Service
	Port          int
	FallbackPorts []int
	// Middleware wraps the in-process service handler.
	Middleware []func(http.Handler) http.Handler
}

// BundleConfig enables the log bundle written after the run.
type BundleConfig struct {
	Dir    string
	Signer *bundler.Signer
	Store  bundler.ObjectStore
	Bucket string
	Prefix string
}

// HistoryRecorder stores the outcome of a run.
type HistoryRecorder interface {
	Record(ctx context.Context, run history.Run) (uuid.UUID, error)
}

// InstallConfig configures one installation.
type InstallConfig struct {
	Platform     *platform.Config
	Profile      string
	ImageURL     string
	DiscoverMACs bool
	Driver       DriverConfig
	PollInterval time.Duration
	Monitoring   MonitoringConfig
	Bundle       BundleConfig
}

// Installer runs the provisioning flow end to end. Zero value collaborators
// fall back to the production implementations.
type Installer struct {
	Log        logrus.FieldLogger
	Clock      clock.Clock
	Launcher   Launcher
	NICReaders NICReaderFactory
	Events     Publisher
	History    HistoryRecorder
	Stdout     io.Writer
}

// Report is what Install hands back once the run is over.
type Report struct {
	RunID     uuid.UUID
	ImageURL  string
	Result    *Result
	BundleURL string
	Summary   string
}

// RunEvent summarises a finished installation.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Outcome   string    `json:"outcome"`
	Machines  int       `json:"machines"`
	Failed    int       `json:"failed"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	BundleURL string    `json:"bundle_url,omitempty"`
}

func (in *Installer) defaults() {
	if in.Log == nil {
		in.Log = logrus.StandardLogger()
	}
	if in.Clock == nil {
		in.Clock = clock.Real()
	}
	if in.NICReaders == nil {
		in.NICReaders = RedfishNICReader
	}
	if in.Stdout == nil {
		in.Stdout = io.Discard
	}
}

// Install provisions every machine of cfg.Platform. The report is returned
// even when the error is not nil, unless the run never started.
func (in *Installer) Install(ctx context.Context, cfg InstallConfig) (*Report, error) {
	in.defaults()
	if cfg.Platform == nil {
		return nil, apperr.Errorf(apperr.KindConfig, "install", "platform configuration is required")
	}
	if cfg.ImageURL == "" {
		return nil, apperr.Errorf(apperr.KindArgument, "install", "image url is required")
	}

	reg := fleet.FromPlatform(cfg.Platform)
	if reg.Len() == 0 {
		return nil, apperr.Errorf(apperr.KindConfig, "install", "the platform configuration defines no hosts")
	}
	in.Log.Infof("Provisioning %d machine%s with %s", reg.Len(), plural(reg.Len()), cfg.ImageURL)

	if cfg.DiscoverMACs {
		if err := DiscoverMACs(ctx, reg, in.NICReaders, in.Log); err != nil {
			return nil, err
		}
	}

	svc, stop, err := in.monitoring(cfg.Monitoring)
	if err != nil {
		return nil, err
	}
	defer stop()

	client := monitoring.NewClient(svc,
		monitoring.WithLogger(in.Log),
		monitoring.WithClock(in.Clock),
		monitoring.WithPublisher(in.Events),
	)
	defer in.closeClient(ctx, client)
	if err := client.Register(ctx, reg); err != nil {
		return nil, err
	}

	launcher := in.Launcher
	if launcher == nil {
		driver := cfg.Driver
		driver.ImageURL = cfg.ImageURL
		execLauncher, err := NewExecLauncher(driver, in.Log)
		if err != nil {
			return nil, apperr.New(apperr.KindArgument, "install", err)
		}
		if err := execLauncher.RemoveOldLogs(); err != nil {
			return nil, apperr.New(apperr.KindFile, "install", err)
		}
		launcher = execLauncher
	}

	opts := []Option{WithLogger(in.Log), WithClock(in.Clock), WithPublisher(in.Events)}
	if cfg.Driver.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Driver.Timeout))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}
	sup, err := NewSupervisor(launcher, client.Track(reg), reg, opts...)
	if err != nil {
		return nil, apperr.New(apperr.KindArgument, "install", err)
	}

	report := &Report{RunID: uuid.New(), ImageURL: cfg.ImageURL}
	result, runErr := sup.Run(ctx)
	report.Result = result

	// The run is over; bookkeeping must not be cut short by a cancellation.
	after := context.WithoutCancel(ctx)
	in.record(after, cfg, report, runErr)
	report.BundleURL = in.bundle(after, cfg.Bundle, report, runErr)
	in.announce(after, report, runErr)

	summary, err := Summarize(report, runErr)
	if err != nil {
		in.Log.WithError(err).Warn("Failed to render the run summary")
	} else {
		report.Summary = summary
		fmt.Fprint(in.Stdout, summary)
	}
	return report, runErr
}

func (in *Installer) monitoring(cfg MonitoringConfig) (monitoring.Service, func(), error) {
	if cfg.Service != nil {
		in.Log.Infof("Using the monitoring service at %s", cfg.Service)
		return *cfg.Service, func() {}, nil
	}

	ln, err := monsvc.Listener(cfg.Port, cfg.FallbackPorts...)
	if err != nil {
		return monitoring.Service{}, nil, apperr.New(apperr.KindService, "start monitoring service", err)
	}
	running := monsvc.New(in.Log.WithField("component", "monsvc")).Serve(ln, cfg.Middleware...)
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := running.Shutdown(ctx); err != nil {
			in.Log.WithError(err).Warn("Failed to stop the monitoring service")
		}
	}
	return running.Service(), stop, nil
}

// closeClient flushes the status events the client still queues.
func (in *Installer) closeClient(ctx context.Context, client *monitoring.Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FlushTimeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		in.Log.WithError(err).Warn("Dropped status events that were still queued")
	}
}

func (in *Installer) record(ctx context.Context, cfg InstallConfig, report *Report, runErr error) {
	if in.History == nil {
		return
	}
	run := history.Run{
		ID:         report.RunID,
		Profile:    cfg.Profile,
		ImageURL:   report.ImageURL,
		Outcome:    Verdict(runErr),
		StartedAt:  report.Result.Started,
		FinishedAt: report.Result.Finished,
		Meta:       map[string]any{"deadline": report.Result.Deadline.UTC().Format(time.RFC3339)},
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	for _, mr := range report.Result.Machines {
		m := history.Machine{
			Cluster:    mr.Machine.Cluster,
			Name:       mr.Machine.Name,
			MonitorID:  mr.Machine.ID,
			Outcome:    mr.Outcome.String(),
			Status:     mr.Status,
			ExitCode:   mr.ExitCode,
			LogPath:    mr.LogPath,
			StartedAt:  mr.StartedAt,
			FinishedAt: mr.FinishedAt,
		}
		if mr.Err != nil {
			m.Error = mr.Err.Error()
		}
		run.Machines = append(run.Machines, m)
	}
	if _, err := in.History.Record(ctx, run); err != nil {
		in.Log.WithError(err).Warn("Failed to record the run history")
	}
}

func (in *Installer) bundle(ctx context.Context, cfg BundleConfig, report *Report, runErr error) string {
	if cfg.Signer == nil {
		return ""
	}
	owners := make(map[string]bundler.MachineLog)
	logDir := ""
	for _, mr := range report.Result.Machines {
		if mr.LogPath == "" {
			continue
		}
		logDir = filepath.Dir(mr.LogPath)
		owners[filepath.Base(mr.LogPath)] = bundler.MachineLog{Machine: mr.Machine.Key(), Outcome: mr.Outcome.String()}
	}
	if logDir == "" {
		in.Log.Debug("No driver logs to bundle")
		return ""
	}

	dir := cfg.Dir
	if dir == "" {
		dir = logDir
	}
	output := filepath.Join(dir, fmt.Sprintf("iut-logs-%s.tar.zst", report.RunID))
	manifest, err := bundler.Collect(ctx, bundler.CollectConfig{
		LogDir:   logDir,
		Output:   output,
		Signer:   cfg.Signer,
		RunID:    report.RunID.String(),
		Outcome:  Verdict(runErr),
		Machines: owners,
		Now:      in.Clock.Now,
	})
	if err != nil {
		in.Log.WithError(err).Warn("Failed to bundle the driver logs")
		return ""
	}
	in.Log.Infof("Wrote %d driver log%s to %s", len(manifest.Logs), plural(len(manifest.Logs)), output)

	if cfg.Store == nil {
		return output
	}
	url, err := bundler.Upload(ctx, bundler.UploadConfig{
		BundlePath: output,
		Store:      cfg.Store,
		Bucket:     cfg.Bucket,
		Prefix:     cfg.Prefix,
	})
	if err != nil {
		in.Log.WithError(err).Warn("Failed to upload the driver logs")
		return output
	}
	return url
}

func (in *Installer) announce(ctx context.Context, report *Report, runErr error) {
	if in.Events == nil {
		return
	}
	event := RunEvent{
		RunID:     report.RunID.String(),
		Outcome:   Verdict(runErr),
		Machines:  len(report.Result.Machines),
		Failed:    len(report.Result.Failed()),
		Started:   report.Result.Started.UTC(),
		Finished:  report.Result.Finished.UTC(),
		BundleURL: report.BundleURL,
	}
	if err := in.Events.Publish(ctx, SubjectRuns, event); err != nil {
		in.Log.WithError(err).Debug("Failed to publish the run event")
	}
}

// Verdict names the overall outcome of a run ending with err.
func Verdict(err error) string {
	if err == nil {
		return "succeeded"
	}
	switch apperr.KindOf(err) {
	case apperr.KindTimeout:
		return "timed out"
	case apperr.KindCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// WaitConfig configures a deployment-only wait.
type WaitConfig struct {
	Platform   *platform.Config
	Status     string
	Timeout    time.Duration
	Monitoring MonitoringConfig
}

// Wait registers the machines of cfg.Platform and blocks until all of them
// report cfg.Status. The machines are provisioned by some other means.
func (in *Installer) Wait(ctx context.Context, cfg WaitConfig) error {
	in.defaults()
	if cfg.Platform == nil {
		return apperr.Errorf(apperr.KindConfig, "wait", "platform configuration is required")
	}
	if cfg.Status == "" {
		cfg.Status = fleet.StatusFinish
	}
	if !fleet.ValidStatus(cfg.Status) {
		return apperr.Errorf(apperr.KindArgument, "wait", "unknown status %q, expected one of %v", cfg.Status, fleet.Statuses)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = monitoring.WaitTimeout
	}

	reg := fleet.FromPlatform(cfg.Platform)
	svc, stop, err := in.monitoring(cfg.Monitoring)
	if err != nil {
		return err
	}
	defer stop()

	client := monitoring.NewClient(svc,
		monitoring.WithLogger(in.Log),
		monitoring.WithClock(in.Clock),
		monitoring.WithPublisher(in.Events),
	)
	defer in.closeClient(ctx, client)
	if err := client.Register(ctx, reg); err != nil {
		return err
	}
	for _, m := range reg.Machines() {
		fmt.Fprintf(in.Stdout, "%s\t%s\n", m.Key(), m.ID)
	}
	return client.WaitForStatus(ctx, reg, cfg.Status, cfg.Timeout)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// Summarize renders the run summary of report.
func Summarize(report *Report, runErr error) (string, error) {
	if report == nil || report.Result == nil {
		return "", errors.New("no result to summarize")
	}
	engine, err := render.New()
	if err != nil {
		return "", err
	}
	return engine.Render("summary.tmpl", newSummary(report, runErr))
}
