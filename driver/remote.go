package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tmrbridge/core"
	"tmrbridge/host/mcu"
)

// Link is the part of an MCU connection the remote driver needs
type Link interface {
	Query(ctx context.Context, respName string, match func(*mcu.Response) bool, name string, args ...uint32) (*mcu.Response, error)
	HandleResponse(name string, fn mcu.ResponseHandler)
	ConfigUint(name string) (uint32, error)
}

// Remote drives the timer units of a firmware over its serial link.
// tmr_fire responses are queued by the link's reader and delivered on a
// dedicated goroutine, so a slow fire function never stalls command ACKs.
type Remote struct {
	link    Link
	logger  *slog.Logger
	timeout time.Duration
	units   uint32

	mu    sync.RWMutex
	fires map[uint8]FireFunc

	queue     chan uint8
	delivered atomic.Uint64
	overruns  atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// RemoteOption configures a Remote
type RemoteOption func(*Remote)

// WithRemoteLogger sets the logger
func WithRemoteLogger(logger *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = logger }
}

// WithCommandTimeout bounds each command round trip
func WithCommandTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithFireQueue sets how many fires may wait for delivery before new ones
// are dropped as overruns
func WithFireQueue(n int) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.queue = make(chan uint8, n)
		}
	}
}

// NewRemote creates a driver over link. The link's dictionary must be
// loaded.
func NewRemote(link Link, opts ...RemoteOption) (*Remote, error) {
	r := &Remote{
		link:    link,
		logger:  slog.Default(),
		timeout: 2 * time.Second,
		fires:   make(map[uint8]FireFunc),
		queue:   make(chan uint8, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	units, err := link.ConfigUint("TIMER_UNITS")
	if err != nil {
		return nil, fmt.Errorf("firmware has no timer units: %w", err)
	}
	r.units = units

	link.HandleResponse("tmr_fire", r.onFire)
	go r.deliver()

	r.logger.Debug("remote driver ready", "units", units)
	return r, nil
}

// Units returns the number of units the firmware reports
func (r *Remote) Units() int {
	return int(r.units)
}

// Setup programs a unit on the firmware
func (r *Remote) Setup(unit uint8, periodMicros uint32, fire FireFunc, enable bool) error {
	if uint32(unit) >= r.units {
		return opError("setup", unit, ErrInvalidUnit)
	}

	// Install the fire function first: the unit may already be running
	// with a previous period and fire before the status arrives
	r.mu.Lock()
	r.fires[unit] = fire
	r.mu.Unlock()

	var en uint32
	if enable {
		en = 1
	}
	return opError("setup", unit, r.command(core.TimerOpSetup, "config_tmr", uint32(unit), periodMicros, en))
}

// Start starts a unit on the firmware
func (r *Remote) Start(unit uint8) error {
	return opError("start", unit, r.command(core.TimerOpStart, "tmr_start", uint32(unit)))
}

// Stop stops a unit on the firmware
func (r *Remote) Stop(unit uint8) error {
	return opError("stop", unit, r.command(core.TimerOpStop, "tmr_stop", uint32(unit)))
}

// command sends a timer command and waits for its tmr_status
func (r *Remote) command(op uint32, name string, args ...uint32) error {
	select {
	case <-r.stop:
		return ErrNotConnected
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	unit := args[0]
	resp, err := r.link.Query(ctx, "tmr_status", func(resp *mcu.Response) bool {
		return resp.Args["unit"] == unit && resp.Args["op"] == op
	}, name, args...)
	if err != nil {
		if errors.Is(err, mcu.ErrNotConnected) {
			return ErrNotConnected
		}
		return err
	}

	switch resp.Args["status"] {
	case core.TimerStatusOK:
		return nil
	case core.TimerStatusInvalidUnit:
		return ErrInvalidUnit
	case core.TimerStatusNotSetup:
		return ErrNotSetup
	case core.TimerStatusPeriod:
		return ErrPeriodTooShort
	default:
		return fmt.Errorf("unknown timer status %d", resp.Args["status"])
	}
}

// onFire runs on the link's reader and must not block
func (r *Remote) onFire(resp *mcu.Response) {
	unit := uint8(resp.Args["unit"])
	select {
	case r.queue <- unit:
	default:
		n := r.overruns.Add(1)
		r.logger.Debug("fire overrun", "unit", unit, "overruns", n)
	}
}

func (r *Remote) deliver() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case unit := <-r.queue:
			r.mu.RLock()
			fire := r.fires[unit]
			r.mu.RUnlock()
			if fire != nil {
				fire(unit)
				r.delivered.Add(1)
			}
		}
	}
}

// Delivered returns how many fires reached a fire function
func (r *Remote) Delivered() uint64 {
	return r.delivered.Load()
}

// Overruns returns how many fires were dropped because delivery fell behind
func (r *Remote) Overruns() uint64 {
	return r.overruns.Load()
}

// Close stops fire delivery. The link stays open.
func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
	return nil
}

var _ Driver = (*Remote)(nil)
