package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"iut/pkg/apperr"
	"iut/services/bundler"
)

func newLogsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Bundle and verify driver logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newLogsBundleCommand(a), newLogsVerifyCommand())
	return cmd
}

func newLogsBundleCommand(a *app) *cobra.Command {
	var (
		output string
		upload bool
	)

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Write a signed tar.zst of the driver logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if output == "" {
				name := fmt.Sprintf("iut-logs-%s.tar.zst", time.Now().UTC().Format("20060102T150405Z"))
				output = filepath.Join(a.cfg.Bundle.Dir, name)
			}
			bundle, err := a.bundleConfig(ctx)
			if err != nil {
				return err
			}
			manifest, err := bundler.Collect(ctx, bundler.CollectConfig{
				LogDir: a.cfg.Driver.LogDir,
				Output: output,
				Signer: bundle.Signer,
			})
			if err != nil {
				return apperr.New(apperr.KindFile, "bundle logs", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d logs)\n", output, len(manifest.Logs))

			if !upload {
				return nil
			}
			if bundle.Store == nil {
				return apperr.Errorf(apperr.KindArgument, "upload logs", "--bundle-bucket or IUT_BUNDLE_BUCKET is required to upload")
			}
			url, err := bundler.Upload(ctx, bundler.UploadConfig{
				BundlePath: output,
				Store:      bundle.Store,
				Bucket:     bundle.Bucket,
				Prefix:     bundle.Prefix,
			})
			if err != nil {
				return apperr.New(apperr.KindService, "upload logs", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	cmd.Flags().StringVar(&a.cfg.Driver.LogDir, "log-dir", a.cfg.Driver.LogDir, "Directory holding the driver logs")
	cmd.Flags().StringVar(&output, "output", "", "Bundle file (default: a timestamped file in the bundle dir)")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the bundle and print a download URL")
	addBundleFlags(cmd, a)
	return cmd
}

func newLogsVerifyCommand() *cobra.Command {
	var (
		file       string
		extractDir string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the signature and checksums of a log bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return apperr.New(apperr.KindConfig, "log bundle signer", err)
			}
			manifest, err := bundler.Verify(cmd.Context(), bundler.VerifyConfig{
				BundlePath: file,
				Signer:     signer,
				ExtractDir: extractDir,
			})
			if err != nil {
				return apperr.New(apperr.KindFile, "verify logs", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "verified bundle signed at %s", manifest.CreatedAt.Format(time.RFC3339))
			if manifest.RunID != "" {
				fmt.Fprintf(out, " for run %s (%s)", manifest.RunID, manifest.Outcome)
			}
			fmt.Fprintln(out)
			for _, l := range manifest.Logs {
				fmt.Fprintf(out, "  %s\t%s\t%d bytes\n", l.Path, l.Machine, l.Size)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&extractDir, "extract-dir", "", "Also extract the logs into this directory")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
