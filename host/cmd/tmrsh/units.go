package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tmrbridge/host/config"
	"tmrbridge/tmr"
)

func newUnitsCommand(opts *rootOptions) *cobra.Command {
	var dict bool

	cmd := &cobra.Command{
		Use:   "units",
		Short: "List the timer units scripts can attach to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			printUnits(out, opts.cfg)
			if opts.cfg.Driver == config.DriverSim {
				return nil
			}

			s, err := openSession(cmd.Context(), opts.cfg, opts.logger, io.Discard, "units")
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.link.ConfigUint("TIMER_UNITS")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nfirmware reports %d units\n", n)
			if dict {
				fmt.Fprintln(out)
				s.link.PrintDictionary(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dict, "dict", false, "also print the firmware dictionary")
	return cmd
}

func printUnits(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "driver: %s\n", cfg.Driver)
	for unit := 0; unit < tmr.MaxUnits; unit++ {
		state := "available"
		if unit >= cfg.Units {
			state = "not configured"
		}
		fmt.Fprintf(w, "  tmr.TMR%d = %d  %s\n", unit, unit, state)
	}
	fmt.Fprintf(w, "minimum period: %dus\n", tmr.MinPeriodMicros)
}
