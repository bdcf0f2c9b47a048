package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"iut/pkg/fleet"
)

const (
	// DefaultInterpreter runs the Redfish virtual media driver.
	DefaultInterpreter = "python3"
	// DefaultDriverScript is the driver entry point inside the driver dir.
	DefaultDriverScript = "redfish_virtual_media.py"

	logPrefix = "redfish_virtual_media_"
	masked    = "******"
)

// DriverConfig describes how to invoke the out-of-band driver.
type DriverConfig struct {
	Interpreter string
	Script      string
	// WorkDir is the driver's working directory.
	WorkDir string
	// LogDir receives one log file per machine.
	LogDir   string
	ImageURL string
	// Timeout is the fleet installation timeout; the driver gets one more
	// minute so the supervisor always gives up first.
	Timeout time.Duration
}

// LogFileName is the per-machine driver log name.
func LogFileName(m fleet.Machine) string {
	return fmt.Sprintf("%s%s_%s.log", logPrefix, m.Cluster, m.Name)
}

// DriverArgs builds the driver arguments for m.
func (c DriverConfig) DriverArgs(m fleet.Machine) ([]string, error) {
	if m.BMC == nil {
		return nil, fmt.Errorf("machine %s has no BMC specification", m.Key())
	}
	minutes := int(c.Timeout/time.Minute) + 1
	return []string{
		c.Script,
		"--ip", m.BMC.Address,
		"--user", m.BMC.Username,
		"--password", m.BMC.Password,
		"--image-url", c.ImageURL,
		"--no-logfile",
		"--timeout", strconv.Itoa(minutes),
	}, nil
}

// MaskCommand renders a command line with password values hidden.
func MaskCommand(name string, args []string) string {
	out := make([]string, 0, len(args)+1)
	out = append(out, name)
	for i := 0; i < len(args); i++ {
		out = append(out, quoteArg(args[i]))
		if args[i] == "--password" && i+1 < len(args) {
			out = append(out, masked)
			i++
		}
	}
	return strings.Join(out, " ")
}

func quoteArg(arg string) string {
	if arg == "" || strings.ContainsAny(arg, " \t\"'") {
		return strconv.Quote(arg)
	}
	return arg
}

// ExecLauncher starts drivers as operating system processes.
type ExecLauncher struct {
	cfg DriverConfig
	log logrus.FieldLogger
}

// NewExecLauncher validates cfg and returns a launcher.
func NewExecLauncher(cfg DriverConfig, log logrus.FieldLogger) (*ExecLauncher, error) {
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.Script == "" {
		cfg.Script = DefaultDriverScript
	}
	if cfg.ImageURL == "" {
		return nil, errors.New("image url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "."
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExecLauncher{cfg: cfg, log: log}, nil
}

// RemoveOldLogs deletes driver logs left by a previous run.
func (l *ExecLauncher) RemoveOldLogs() error {
	matches, err := filepath.Glob(filepath.Join(l.cfg.LogDir, logPrefix+"*.log"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		l.log.Infof("Removing previous logfile %s", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// Launch starts the driver for m with its output redirected to the
// machine's log file. The process runs in its own process group so an
// interrupt on the terminal reaches only the supervisor.
func (l *ExecLauncher) Launch(_ context.Context, m fleet.Machine) (Process, error) {
	args, err := l.cfg.DriverArgs(m)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(l.cfg.LogDir, LogFileName(m))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(l.cfg.Interpreter, args...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	l.log.WithField("machine", m.Key()).Infof("Starting provisioning process: %s > %s",
		MaskCommand(l.cfg.Interpreter, args), logPath)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}

	p := &execProcess{cmd: cmd, logPath: logPath, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logPath string

	done chan struct{}
	mu   sync.Mutex
	code int
}

func (p *execProcess) wait() {
	_ = p.cmd.Wait()
	p.mu.Lock()
	p.code = p.cmd.ProcessState.ExitCode()
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) LogPath() string { return p.logPath }

func (p *execProcess) Exited() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, true
	default:
		return 0, false
	}
}

func (p *execProcess) Signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
