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
	"iut/pkg/telemetry"
	"iut/services/monsvc"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, apperr.Present(err))
		os.Exit(apperr.ExitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	var (
		port      int
		fallbacks []int
		logLevel  string
		jsonLogs  bool
	)

	cmd := &cobra.Command{
		Use:           "monsvc",
		Short:         "Collect provisioning status reports from installed machines",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tel, err := telemetry.Init(ctx, "monsvc", telemetry.Options{Level: logLevel, JSON: jsonLogs})
			if err != nil {
				return apperr.New(apperr.KindArgument, "init telemetry", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()

			ln, err := monsvc.Listener(port, fallbacks...)
			if err != nil {
				return apperr.New(apperr.KindService, "start monitoring service", err)
			}
			running := monsvc.New(tel.Logger).Serve(ln, tel.Middleware)

			<-ctx.Done()
			tel.Logger.Info("Shutting down the monitoring service")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return running.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	cmd.Flags().IntSliceVar(&fallbacks, "fallback-port", nil, "Ports to try when the main one is taken")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", true, "Emit JSON log lines")
	return cmd
}
