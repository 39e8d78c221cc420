// Package tmr lets script callbacks run on hardware timer expiries. A
// Service records which callback belongs to which unit, programs the
// driver with its trampoline, and hands out the handles scripts use to
// start and stop units.
package tmr

import (
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"tmrbridge/driver"
	"tmrbridge/script"
)

// DefaultMaxHandles bounds live handles when WithMaxHandles is not given
const DefaultMaxHandles = 256

// ErrorHook observes callback failures. It runs in the fire context.
type ErrorHook func(unit int, err error)

// AttachEvent describes one attach call
type AttachEvent struct {
	Kind         Kind
	Unit         int // -1 for software handles
	PeriodMicros int64
	Replaced     bool // another callback was attached to the unit before
	Err          error
}

// AttachHook observes attach calls, successful or not
type AttachHook func(AttachEvent)

// Stats are running counters of a Service
type Stats struct {
	Fires          uint64 // trampoline invocations
	Dispatched     uint64 // invocations that found a callback
	CallbackErrors uint64
	LastError      error
	LiveHandles    int64
}

// Service owns the unit table and the driver it arms
type Service struct {
	table  *UnitTable
	drv    driver.Driver
	owner  *script.State
	logger *slog.Logger

	maxHandles int64
	live       atomic.Int64

	errorHook  ErrorHook
	attachHook AttachHook

	fires          atomic.Uint64
	dispatched     atomic.Uint64
	callbackErrors atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMaxHandles bounds how many handles may be alive at once. Zero lifts
// the bound; negative values keep the default.
func WithMaxHandles(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxHandles = int64(n)
		}
	}
}

// WithErrorHook observes callback failures
func WithErrorHook(hook ErrorHook) Option {
	return func(s *Service) { s.errorHook = hook }
}

// WithAttachHook observes attach calls
func WithAttachHook(hook AttachHook) Option {
	return func(s *Service) { s.attachHook = hook }
}

// NewService creates a service whose callbacks run in owner and whose
// units are driven by drv
func NewService(owner *script.State, drv driver.Driver, opts ...Option) *Service {
	s := &Service{
		table:      NewUnitTable(),
		drv:        drv,
		owner:      owner,
		logger:     slog.Default(),
		maxHandles: DefaultMaxHandles,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table returns the unit table
func (s *Service) Table() *UnitTable {
	return s.table
}

// State returns the main state callbacks run in
func (s *Service) State() *script.State {
	return s.owner
}

// Attach registers callback for unit, arms the driver with the trampoline
// and returns a hardware handle. The registration is kept when the driver
// rejects the setup.
func (s *Service) Attach(unit int, periodMicros int64, callback goja.Value) (h *Handle, err error) {
	ev := AttachEvent{Kind: HardwareBacked, Unit: unit, PeriodMicros: periodMicros}
	defer func() {
		ev.Err = err
		s.notifyAttach(ev)
	}()

	if periodMicros < MinPeriodMicros {
		return nil, newError(CodeInvalidPeriod, unit, "period %dus is below the %dus minimum", periodMicros, MinPeriodMicros)
	}
	if periodMicros > math.MaxUint32 {
		return nil, newError(CodeInvalidArgument, unit, "period %dus is out of range", periodMicros)
	}
	if unit < 0 || unit >= MaxUnits {
		return nil, driverError(unit, &driver.Error{Op: "setup", Unit: uint8(unit), Err: driver.ErrInvalidUnit})
	}
	if _, ok := goja.AssertFunction(callback); !ok {
		return nil, newError(CodeInvalidArgument, unit, "callback is not a function")
	}

	ref := s.owner.Registry().Ref(callback)
	if prev := s.table.Register(unit, ref, s.owner); prev != script.NoRef {
		ev.Replaced = true
		s.logger.Debug("callback replaced", "unit", unit, "orphaned_ref", prev)
	}

	h, err = s.newHandle(HardwareBacked, unit)
	if err != nil {
		return nil, err
	}

	if err := s.drv.Setup(uint8(unit), uint32(periodMicros), s.Fire, true); err != nil {
		return nil, driverError(unit, err)
	}

	s.logger.Debug("attached", "unit", unit, "period_us", periodMicros)
	return h, nil
}

// AttachSoftware returns a handle with no unit behind it
func (s *Service) AttachSoftware() (h *Handle, err error) {
	defer func() {
		s.notifyAttach(AttachEvent{Kind: SoftwareOnly, Unit: -1, Err: err})
	}()
	return s.newHandle(SoftwareOnly, -1)
}

// newHandle allocates a handle against the live handle quota. The quota
// is given back when the handle is garbage collected.
func (s *Service) newHandle(kind Kind, unit int) (*Handle, error) {
	if live := s.live.Add(1); s.maxHandles > 0 && live > s.maxHandles {
		s.live.Add(-1)
		return nil, newError(CodeNotEnoughMemory, unit, "%d handles already alive", s.maxHandles)
	}

	h := &Handle{svc: s, kind: kind, unit: unit}
	runtime.AddCleanup(h, func(live *atomic.Int64) { live.Add(-1) }, &s.live)
	return h, nil
}

func (s *Service) notifyAttach(ev AttachEvent) {
	if ev.Err != nil {
		s.logger.Debug("attach failed", "unit", ev.Unit, "err", ev.Err)
	}
	if s.attachHook != nil {
		s.attachHook(ev)
	}
}

// Stats returns a snapshot of the counters
func (s *Service) Stats() Stats {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()

	return Stats{
		Fires:          s.fires.Load(),
		Dispatched:     s.dispatched.Load(),
		CallbackErrors: s.callbackErrors.Load(),
		LastError:      lastErr,
		LiveHandles:    s.live.Load(),
	}
}
