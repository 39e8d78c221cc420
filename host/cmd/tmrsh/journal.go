package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tmrbridge/host/journal"
)

func newJournalCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal [session]",
		Short: "Show recorded attach calls and callback failures",
		Long: `Without a session id, list the recorded sessions. With one, print its
attach calls and callback failures. Requires journal in the config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Journal == "" {
				return errors.New("no journal configured")
			}
			j, err := journal.Inspect(opts.cfg.Journal, journal.WithLogger(opts.logger))
			if err != nil {
				return err
			}
			defer j.Close()

			ctx := cmd.Context()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 0 {
				sessions, err := j.Sessions(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "SESSION\tSTARTED\tDRIVER\tSCRIPT")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.StartedAt.Format(time.RFC3339), s.Driver, s.Script)
				}
				return nil
			}

			attaches, err := j.Attaches(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tKIND\tUNIT\tPERIOD\tRESULT")
			for _, a := range attaches {
				result := "ok"
				if a.Replaced {
					result = "ok (replaced)"
				}
				if a.Code != "" {
					result = a.Code
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%dus\t%s\n", a.At.Format(time.TimeOnly), a.Kind, a.Unit, a.PeriodMicros, result)
			}

			failures, err := j.CallbackErrors(ctx, args[0])
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				fmt.Fprintln(w, "\nTIME\tUNIT\tERROR")
				for _, f := range failures {
					msg := f.Message
					if f.Interrupted {
						msg += " (interrupted)"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", f.At.Format(time.TimeOnly), f.Unit, msg)
				}
			}
			return nil
		},
	}
	return cmd
}
