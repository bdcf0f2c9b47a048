package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"iut/pkg/apperr"
	"iut/pkg/bus"
	"iut/pkg/monitoring"
	"iut/pkg/platform"
	gos3 "iut/pkg/s3"
	"iut/services/bundler"
	"iut/services/history"
	"iut/services/installer"
	"iut/services/installer/internal/config"
)

func newInstallCommand(a *app) *cobra.Command {
	var collectLogs bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Provision every host of the platform configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			plat, err := a.platform()
			if err != nil {
				return err
			}
			imageURL, err := resolveImageURL(a.cfg, plat)
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

			bundle := installer.BundleConfig{}
			if collectLogs {
				if bundle, err = a.bundleConfig(ctx); err != nil {
					return err
				}
			}

			_, err = in.Install(ctx, installer.InstallConfig{
				Platform:     plat,
				Profile:      a.cfg.Profile,
				ImageURL:     imageURL,
				DiscoverMACs: a.cfg.DiscoverMACs,
				Driver: installer.DriverConfig{
					Interpreter: a.cfg.Driver.Interpreter,
					WorkDir:     a.cfg.Driver.Dir,
					LogDir:      a.cfg.Driver.LogDir,
					Timeout:     a.cfg.Driver.Timeout,
				},
				PollInterval: a.cfg.Driver.PollInterval,
				Monitoring:   mon,
				Bundle:       bundle,
			})
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&a.cfg.Profile, "profile", a.cfg.Profile, "Deployment profile used to locate the boot image")
	flags.StringVar(&a.cfg.ImageURL, "image-url", a.cfg.ImageURL, "Boot image URL (overrides the profile image)")
	flags.StringVar(&a.cfg.AdminInterface, "admin-interface", a.cfg.AdminInterface, "Interface whose address serves the boot image")
	flags.BoolVar(&a.cfg.DiscoverMACs, "discover-macs", a.cfg.DiscoverMACs, "Read NIC MAC addresses over Redfish before provisioning")
	flags.StringVar(&a.cfg.Driver.Interpreter, "interpreter", a.cfg.Driver.Interpreter, "Interpreter running the Redfish driver")
	flags.StringVar(&a.cfg.Driver.Dir, "driver-dir", a.cfg.Driver.Dir, "Working directory of the Redfish driver")
	flags.StringVar(&a.cfg.Driver.LogDir, "log-dir", a.cfg.Driver.LogDir, "Directory receiving the driver logs")
	flags.DurationVar(&a.cfg.Driver.Timeout, "timeout", a.cfg.Driver.Timeout, "Deadline for the whole installation")
	flags.DurationVar(&a.cfg.Driver.PollInterval, "poll-interval", a.cfg.Driver.PollInterval, "Interval between supervision passes")
	flags.BoolVar(&collectLogs, "bundle-logs", false, "Write a signed bundle of the driver logs after the run")
	addMonitoringFlags(cmd, a)
	addBundleFlags(cmd, a)
	return cmd
}

func addMonitoringFlags(cmd *cobra.Command, a *app) {
	flags := cmd.Flags()
	flags.StringVar(&a.cfg.Monitoring.URL, "monitoring-url", a.cfg.Monitoring.URL, "Use a running monitoring service instead of starting one")
	flags.IntVar(&a.cfg.Monitoring.Port, "monitoring-port", a.cfg.Monitoring.Port, "Port of the in-process monitoring service")
	flags.IntSliceVar(&a.cfg.Monitoring.FallbackPorts, "monitoring-fallback-port", a.cfg.Monitoring.FallbackPorts, "Ports to try when the monitoring port is taken")
	flags.StringVar(&a.cfg.Events.NATSURL, "nats-url", a.cfg.Events.NATSURL, "Publish fleet events to this NATS server")
}

func addBundleFlags(cmd *cobra.Command, a *app) {
	flags := cmd.Flags()
	flags.StringVar(&a.cfg.Bundle.Dir, "bundle-dir", a.cfg.Bundle.Dir, "Directory receiving log bundles")
	flags.StringVar(&a.cfg.Bundle.Bucket, "bundle-bucket", a.cfg.Bundle.Bucket, "Upload log bundles to this S3 bucket")
	flags.StringVar(&a.cfg.Bundle.Prefix, "bundle-prefix", a.cfg.Bundle.Prefix, "Key prefix of uploaded log bundles")
}

func resolveImageURL(cfg config.Config, plat *platform.Config) (string, error) {
	if cfg.ImageURL != "" {
		if err := config.ValidateImageURL(cfg.ImageURL); err != nil {
			return "", apperr.New(apperr.KindArgument, "image url", err)
		}
		return cfg.ImageURL, nil
	}
	iface := cfg.AdminInterface
	if iface == "" {
		iface = plat.AdminInterface
	}
	ip, err := config.OwnIP(iface)
	if err != nil {
		return "", apperr.New(apperr.KindConfig, "resolve image url", err)
	}
	return config.ImageURL("", ip, cfg.Profile), nil
}

func (a *app) monitoringConfig() (installer.MonitoringConfig, error) {
	mon := installer.MonitoringConfig{
		Port:          a.cfg.Monitoring.Port,
		FallbackPorts: a.cfg.Monitoring.FallbackPorts,
		Middleware:    []func(http.Handler) http.Handler{a.tel.Middleware},
	}
	if a.cfg.Monitoring.URL == "" {
		return mon, nil
	}
	svc, err := monitoring.ParseService(a.cfg.Monitoring.URL)
	if err != nil {
		return mon, apperr.New(apperr.KindArgument, "monitoring url", err)
	}
	mon.Service = &svc
	return mon, nil
}

// attach connects the optional event bus and history store. The returned
// func releases whatever was connected.
func (a *app) attach(ctx context.Context, in *installer.Installer) (func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if a.cfg.Events.NATSURL != "" {
		b, err := bus.New(a.cfg.Events.NATSURL)
		if err != nil {
			return closeAll, apperr.New(apperr.KindService, "connect event bus", err)
		}
		closers = append(closers, b.Close)
		in.Events = b
	}
	if a.cfg.History.DSN != "" {
		store, err := history.Open(ctx, a.cfg.History.DSN)
		if err != nil {
			return closeAll, apperr.New(apperr.KindService, "open run history", err)
		}
		closers = append(closers, store.Close)
		in.History = store
	}
	return closeAll, nil
}

func (a *app) bundleConfig(ctx context.Context) (installer.BundleConfig, error) {
	signer, err := bundler.NewSignerFromEnv()
	if err != nil {
		return installer.BundleConfig{}, apperr.New(apperr.KindConfig, "log bundle signer", err)
	}
	bundle := installer.BundleConfig{
		Dir:    a.cfg.Bundle.Dir,
		Signer: signer,
		Bucket: a.cfg.Bundle.Bucket,
		Prefix: a.cfg.Bundle.Prefix,
	}
	if bundle.Bucket == "" {
		return bundle, nil
	}
	client, err := gos3.NewClientFromEnv(ctx)
	if err != nil {
		return installer.BundleConfig{}, apperr.New(apperr.KindConfig, "s3 client", fmt.Errorf("bundle upload: %w", err))
	}
	bundle.Store = client
	return bundle, nil
}
