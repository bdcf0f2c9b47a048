package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"iut/pkg/apperr"
	"iut/services/history"
)

func newHistoryCommand(a *app) *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the machine outcomes of recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.History.DSN == "" {
				return apperr.Errorf(apperr.KindArgument, "history", "--history-dsn or IUT_HISTORY_DSN is required")
			}
			store, err := history.Open(cmd.Context(), a.cfg.History.DSN)
			if err != nil {
				return apperr.New(apperr.KindService, "open run history", err)
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), runs)
			if err != nil {
				return apperr.New(apperr.KindService, "list run history", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tMACHINE\tOUTCOME\tSTATUS\tEXIT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%d\n",
					e.RunID.String()[:8], e.StartedAt.Format("2006-01-02 15:04"), e.Cluster, e.Name, e.Outcome, e.Status, e.ExitCode)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 10, "Number of runs to list")
	cmd.Flags().StringVar(&a.cfg.History.DSN, "history-dsn", a.cfg.History.DSN, "Postgres DSN of the run history")
	return cmd
}
