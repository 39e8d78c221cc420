package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"tmrbridge/core"
)

// runOptions holds flags for the run command
type runOptions struct {
	*rootOptions
	Watch bool
	For   time.Duration
	Trace bool
}

const watchDebounce = 200 * time.Millisecond

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a script",
		Long: `Run a script and keep serving its timer callbacks.

Without --for the command exits once the script returns. With --for it keeps
the units running for that long; --watch keeps serving until interrupted and
re-runs the script in a fresh interpreter whenever the file changes.

Example:
  tmrsh run blink.js --for 5s
  tmrsh run --driver emulated --watch blink.js`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.Watch {
				return watchScript(ctx, opts, args[0], cmd.OutOrStdout())
			}
			return runScript(ctx, opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "re-run the script when it changes")
	cmd.Flags().DurationVar(&opts.For, "for", 0, "keep serving callbacks this long after the script returns")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the firmware timing ring on exit")

	return cmd
}

func runScript(ctx context.Context, opts *runOptions, path string, out io.Writer) error {
	s, err := openSession(ctx, opts.cfg, opts.logger, out, filepath.Base(path))
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
		if opts.Trace {
			printTrace(out)
		}
	}()

	if _, err := s.state.RunFile(ctx, path); err != nil {
		return err
	}
	if opts.For > 0 {
		serve(ctx, opts.For)
	}
	report(opts, s)
	return nil
}

// serve waits while callbacks run
func serve(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func report(opts *runOptions, s *session) {
	st := s.svc.Stats()
	opts.logger.Info("run finished",
		"fires", st.Fires,
		"dispatched", st.Dispatched,
		"callback_errors", st.CallbackErrors,
		"live_handles", st.LiveHandles)
	if st.LastError != nil {
		opts.logger.Warn("last callback error", "err", st.LastError)
	}
}

// watchScript runs path and re-runs it in a new session on every change
func watchScript(ctx context.Context, opts *runOptions, path string, out io.Writer) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	changed := make(chan struct{}, 1)
	var debounce *time.Timer
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				opts.logger.Warn("watch error", "err", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if err := runOnce(ctx, opts, abs, out, changed); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		opts.logger.Info("script changed, restarting", "path", path)
	}
}

// runOnce runs one generation of a watched script. Script errors are
// logged, not returned, so a typo does not end the watch.
func runOnce(ctx context.Context, opts *runOptions, path string, out io.Writer, changed <-chan struct{}) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := openSession(runCtx, opts.cfg, opts.logger, out, filepath.Base(path))
	if err != nil {
		return err
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.state.RunFile(runCtx, path)
		done <- err
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				opts.logger.Error("script failed", "path", path, "err", err)
			}
			done = nil
		case <-changed:
			cancel()
			if done != nil {
				<-done
			}
			return nil
		case <-ctx.Done():
			cancel()
			if done != nil {
				<-done
			}
			return ctx.Err()
		}
	}
}

func printTrace(w io.Writer) {
	fmt.Fprintln(w, "timing ring:")
	for _, evt := range core.TimingEvents() {
		fmt.Fprintf(w, "  %-13s unit=%d clock=%d v1=%d v2=%d\n",
			core.TimingEventName(evt.EventType), evt.OID, evt.Clock, evt.Value1, evt.Value2)
	}
}
