package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"iut/pkg/apperr"
	"iut/pkg/bus"
)

func newEventsCommand(a *app) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print fleet events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Events.NATSURL == "" {
				return apperr.Errorf(apperr.KindArgument, "events", "--nats-url or IUT_NATS_URL is required")
			}
			b, err := bus.New(a.cfg.Events.NATSURL)
			if err != nil {
				return apperr.New(apperr.KindService, "connect event bus", err)
			}
			defer b.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, subject, "", func(_ context.Context, subj string, data []byte) error {
				_, err := fmt.Fprintf(out, "%s %s\n", subj, data)
				return err
			})
			if err != nil {
				return apperr.New(apperr.KindService, "subscribe "+subject, err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", bus.StreamSubject, "Subject filter")
	cmd.Flags().StringVar(&a.cfg.Events.NATSURL, "nats-url", a.cfg.Events.NATSURL, "NATS server publishing the events")
	return cmd
}
