package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tmrbridge/core"
)

// Sim is an in-process driver backed by the firmware's timer unit model.
// Time only moves when Advance is called or while Run is driving it, so
// tests are deterministic.
type Sim struct {
	logger *slog.Logger
	sched  *core.Scheduler
	units  *core.TimerUnits

	// clockMu serializes clock movement and dispatch
	clockMu sync.Mutex
	now     atomic.Uint32

	setupCalls atomic.Int64
	startCalls atomic.Int64
	stopCalls  atomic.Int64
}

// SimOption configures a Sim
type SimOption func(*Sim)

// WithSimLogger sets the logger
func WithSimLogger(logger *slog.Logger) SimOption {
	return func(s *Sim) { s.logger = logger }
}

// NewSim creates a simulated bank of count units
func NewSim(count int, opts ...SimOption) *Sim {
	s := &Sim{
		logger: slog.Default(),
		sched:  core.NewScheduler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.units = core.NewTimerUnits(s.sched, s.now.Load, count)
	return s
}

// Setup programs a unit
func (s *Sim) Setup(unit uint8, periodMicros uint32, fire FireFunc, enable bool) error {
	s.setupCalls.Add(1)
	var fn core.TimerFireFunc
	if fire != nil {
		fn = core.TimerFireFunc(fire)
	}
	err := s.units.Setup(unit, periodMicros, fn, enable)
	s.logger.Debug("sim setup", "unit", unit, "period_us", periodMicros, "enable", enable, "err", err)
	return opError("setup", unit, mapCoreError(err))
}

// Start starts a unit
func (s *Sim) Start(unit uint8) error {
	s.startCalls.Add(1)
	return opError("start", unit, mapCoreError(s.units.Start(unit)))
}

// Stop stops a unit
func (s *Sim) Stop(unit uint8) error {
	s.stopCalls.Add(1)
	return opError("stop", unit, mapCoreError(s.units.Stop(unit)))
}

// Advance moves simulated time forward, firing every expiry on the way
// in order. Fire functions run on the calling goroutine.
func (s *Sim) Advance(micros uint32) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	target := s.now.Load() + micros
	for {
		next, ok := s.nextWake()
		if !ok || int32(next-target) > 0 {
			break
		}
		s.now.Store(next)
		s.sched.Dispatch(next)
	}
	s.now.Store(target)
	s.sched.Dispatch(target)
}

func (s *Sim) nextWake() (uint32, bool) {
	return s.sched.NextWake()
}

// Now returns the simulated time in microseconds
func (s *Sim) Now() uint32 {
	return s.now.Load()
}

// Fire raises a unit's interrupt immediately, as if its period expired.
// Stopped or masked units ignore it.
func (s *Sim) Fire(unit uint8) error {
	return opError("fire", unit, mapCoreError(s.units.Trigger(unit)))
}

// Run advances simulated time in step with the wall clock until ctx ends
func (s *Sim) Run(ctx context.Context, resolution time.Duration) error {
	if resolution <= 0 {
		resolution = time.Millisecond
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			s.Advance(uint32(elapsed / time.Microsecond))
		}
	}
}

// Running reports whether a unit is counting
func (s *Sim) Running(unit uint8) bool {
	return s.units.Running(unit)
}

// Expiries returns how many times a unit's period has expired
func (s *Sim) Expiries(unit uint8) uint32 {
	return s.units.Fires(unit)
}

// Calls returns how many times Setup, Start and Stop were called
func (s *Sim) Calls() (setup, start, stop int64) {
	return s.setupCalls.Load(), s.startCalls.Load(), s.stopCalls.Load()
}

// mapCoreError translates firmware errors to driver sentinels
func mapCoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrTimerUnit):
		return ErrInvalidUnit
	case errors.Is(err, core.ErrTimerNotSetup):
		return ErrNotSetup
	case errors.Is(err, core.ErrTimerPeriod):
		return ErrPeriodTooShort
	default:
		return err
	}
}

var _ Driver = (*Sim)(nil)
