package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"tmrbridge/driver"
	"tmrbridge/host/config"
	"tmrbridge/host/emu"
	"tmrbridge/host/journal"
	"tmrbridge/host/mcu"
	"tmrbridge/script"
	"tmrbridge/tmr"
)

// session is one interpreter wired to one driver
type session struct {
	cfg    config.Config
	logger *slog.Logger

	state   *script.State
	svc     *tmr.Service
	drv     driver.Driver
	link    *mcu.MCU
	journal *journal.Journal

	cancel  context.CancelFunc
	closers []func() error
	wg      sync.WaitGroup
}

// openSession builds the driver named by cfg and a state with tmr
// installed. Script output goes to out.
func openSession(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, scriptName string) (*session, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{cfg: cfg, logger: logger, cancel: cancel}
	if err := s.init(ctx, out, scriptName); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) init(ctx context.Context, out io.Writer, scriptName string) error {
	cfg, logger := s.cfg, s.logger
	if err := s.openDriver(ctx); err != nil {
		return err
	}

	svcOpts := []tmr.Option{
		tmr.WithLogger(logger),
		tmr.WithMaxHandles(cfg.MaxHandles),
	}
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal, cfg.Driver, scriptName, journal.WithLogger(logger))
		if err != nil {
			return err
		}
		s.journal = j
		s.closers = append(s.closers, j.Close)
		svcOpts = append(svcOpts,
			tmr.WithAttachHook(j.RecordAttach),
			tmr.WithErrorHook(j.RecordCallbackError))
		logger.Debug("journal open", "path", cfg.Journal, "session", j.Session())
	}

	s.state = script.New(
		script.WithLogger(logger),
		script.WithCallTimeout(cfg.CallbackTimeout),
		script.WithOutput(func(line string) { fmt.Fprintln(out, line) }),
	)
	s.svc = tmr.NewService(s.state, s.drv, svcOpts...)
	return tmr.Install(s.svc)
}

func (s *session) openDriver(ctx context.Context) error {
	switch s.cfg.Driver {
	case config.DriverSim:
		sim := driver.NewSim(s.cfg.Units, driver.WithSimLogger(s.logger))
		s.drv = sim
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sim.Run(ctx, s.cfg.Resolution); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("simulator stopped", "err", err)
			}
		}()
		return nil

	case config.DriverEmulated:
		e, conn, err := emu.Start(ctx,
			emu.WithLogger(s.logger),
			emu.WithUnits(s.cfg.Units),
			emu.WithResolution(s.cfg.Resolution))
		if err != nil {
			return fmt.Errorf("start emulator: %w", err)
		}
		s.closers = append(s.closers, e.Close)
		s.link = mcu.NewMCU(mcu.WithLogger(s.logger))
		if err := s.link.ConnectPort(conn); err != nil {
			return err
		}

	case config.DriverRemote:
		s.link = mcu.NewMCU(mcu.WithLogger(s.logger))
		if err := s.link.ConnectWithConfig(s.cfg.SerialPort()); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown driver %q", s.cfg.Driver)
	}

	s.closers = append(s.closers, s.link.Close)
	if err := s.link.RetrieveDictionary(); err != nil {
		return err
	}
	remote, err := driver.NewRemote(s.link,
		driver.WithRemoteLogger(s.logger),
		driver.WithCommandTimeout(s.cfg.CommandTimeout))
	if err != nil {
		return err
	}
	s.closers = append(s.closers, remote.Close)
	s.drv = remote
	return nil
}

// stopUnits halts every unit so no fire outlives the session
func (s *session) stopUnits() {
	if s.drv == nil {
		return
	}
	for unit := 0; unit < s.cfg.Units; unit++ {
		if err := s.drv.Stop(uint8(unit)); err != nil && !errors.Is(err, driver.ErrNotSetup) {
			s.logger.Debug("stop failed", "unit", unit, "err", err)
		}
	}
}

// Close stops the units and releases the driver and journal
func (s *session) Close() error {
	s.stopUnits()
	s.cancel()
	s.wg.Wait()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
