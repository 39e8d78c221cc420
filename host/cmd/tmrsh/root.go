package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"tmrbridge/host/config"
)

// rootOptions holds global flags and the state they resolve to
type rootOptions struct {
	ConfigPath string
	Verbose    bool
	Driver     string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tmrsh",
		Short: "Run timer-driven scripts",
		Long: `tmrsh runs JavaScript programs that attach callbacks to periodic timer
units. Units come from a simulator, an in-process firmware emulator or a
board on a serial port, selected by the driver setting.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Driver != "" {
				cfg.Driver = opts.Driver
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if opts.Verbose {
				cfg.Verbose = true
			}
			opts.cfg = cfg
			opts.logger = newLogger(cmd.ErrOrStderr(), cfg.Verbose)
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "tmrsh.yaml", "path to YAML config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "override the configured driver (sim|remote|emulated)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReplCommand(opts))
	cmd.AddCommand(newUnitsCommand(opts))
	cmd.AddCommand(newJournalCommand(opts))

	return cmd
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
