package main

import (
	"time"

	"github.com/spf13/cobra"

	"iut/pkg/fleet"
	"iut/services/installer"
)

func newWaitCommand(a *app) *cobra.Command {
	var (
		status  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Register the platform hosts and wait until all report a status",
		Long: "Register every host of the platform configuration with the monitoring service and " +
			"block until all of them report the requested status. Use it when the hosts are " +
			"provisioned by other means and only the deployment has to be tracked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			plat, err := a.platform()
			if err != nil {
				return err
			}
			mon, err := a.monitoringConfig()
			if err != nil {
				return err
			}
			in := &installer.Installer{Log: a.tel.Logger, Stdout: cmd.OutOrStdout()}
			closeDeps, err := a.attach(ctx, in)
			defer closeDeps()
			if err != nil {
				return err
			}
			return in.Wait(ctx, installer.WaitConfig{
				Platform:   plat,
				Status:     status,
				Timeout:    timeout,
				Monitoring: mon,
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", fleet.StatusFinish, "Status every host has to reach")
	cmd.Flags().DurationVar(&timeout, "timeout", a.cfg.Monitoring.WaitTimeout, "How long to wait before giving up")
	addMonitoringFlags(cmd, a)
	return cmd
}
