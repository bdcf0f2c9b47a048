package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"iut/pkg/apperr"
	"iut/pkg/platform"
	"iut/pkg/telemetry"
	"iut/services/installer/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", apperr.Present(err))
		os.Exit(apperr.ExitCode(err))
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return apperr.New(apperr.KindConfig, "load settings", err)
	}
	a := &app{cfg: cfg}
	return a.execute(ctx, newRootCommand(a))
}

// app carries what every subcommand shares.
type app struct {
	cfg      config.Config
	jsonLogs bool
	tel      *telemetry.Telemetry
	// flush is set once telemetry is up and cleared by release.
	flush func(context.Context) error
}

// execute runs cmd and releases telemetry whether or not the command failed.
func (a *app) execute(ctx context.Context, cmd *cobra.Command) error {
	err := cmd.ExecuteContext(ctx)
	a.release()
	return err
}

func (a *app) release() {
	if a.flush == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.flush(ctx); err != nil {
		a.tel.Logger.WithError(err).Warn("Failed to flush telemetry")
	}
	a.flush = nil
}

func (a *app) platform() (*platform.Config, error) {
	plat, err := platform.Load(a.cfg.PlatformPath)
	if err != nil {
		return nil, err
	}
	if err := plat.Validate(); err != nil {
		return nil, err
	}
	return plat, nil
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "iutctl",
		Short:         "Provision bare-metal clusters over Redfish virtual media",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if a.cfg.Debug {
				level = "debug"
			}
			tel, err := telemetry.Init(cmd.Context(), "iutctl", telemetry.Options{Level: level, JSON: a.jsonLogs, Out: os.Stderr})
			if err != nil {
				return apperr.New(apperr.KindArgument, "init telemetry", err)
			}
			a.tel = tel
			a.flush = tel.Shutdown
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperr.New(apperr.KindArgument, "parse flags", err)
	})

	flags := cmd.PersistentFlags()
	flags.BoolVar(&a.cfg.Debug, "debug", a.cfg.Debug, "Enable debug logging")
	flags.BoolVar(&a.jsonLogs, "json-logs", false, "Emit JSON log lines")
	flags.StringVar(&a.cfg.PlatformPath, "platform", a.cfg.PlatformPath, "Platform configuration file")

	cmd.AddCommand(
		newInstallCommand(a),
		newWaitCommand(a),
		newLogsCommand(a),
		newHistoryCommand(a),
		newEventsCommand(a),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the iutctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
