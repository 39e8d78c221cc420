package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newReplCommand(opts *rootOptions) *cobra.Command {
	var history string

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive interpreter with tmr installed",
		Long: `Start an interactive interpreter. Timer callbacks keep firing while the
prompt is idle. Ctrl-C aborts the running statement; .exit or Ctrl-D quits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if history == "" {
				if home, err := os.UserHomeDir(); err == nil {
					history = filepath.Join(home, ".tmrsh_history")
				}
			}
			return runRepl(cmd.Context(), opts, history)
		},
	}
	cmd.Flags().StringVar(&history, "history", "", "history file (default ~/.tmrsh_history)")
	return cmd
}

func runRepl(ctx context.Context, opts *rootOptions, history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "tmr> ",
		HistoryFile:       history,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         ".exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer func() {
		_ = rl.Close()
	}()

	// Callback output goes through readline so the prompt is redrawn
	s, err := openSession(ctx, opts.cfg, opts.logger, rl.Stdout(), "repl")
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(rl.Stdout(), "tmrsh (%s driver, %d units)\n", opts.cfg.Driver, opts.cfg.Units)
	return replLoop(ctx, rl, rl.Stdout(), func(ctx context.Context, line string) (string, error) {
		return evalLine(ctx, s, line)
	})
}

type lineReader interface {
	Readline() (string, error)
}

// replLoop reads lines until EOF or .exit and prints what eval returns
func replLoop(ctx context.Context, rl lineReader, out io.Writer, eval func(context.Context, string) (string, error)) error {
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					fmt.Fprintln(out, "(use .exit or Ctrl-D to quit)")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case ".exit", ".quit":
			return nil
		}

		evalCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		result, err := eval(evalCtx, line)
		stop()
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		if result != "" {
			fmt.Fprintln(out, result)
		}
	}
}

func evalLine(ctx context.Context, s *session, line string) (string, error) {
	res, err := s.state.RunContext(ctx, "repl", line)
	if err != nil {
		return "", err
	}
	if res.IsEmpty {
		return "", nil
	}
	return fmt.Sprint(res.Value), nil
}
