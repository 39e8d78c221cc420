// Package emu runs the timer firmware in-process. The host side gets a
// byte stream that speaks the same framed protocol as the serial link,
// so the remote driver can be exercised without hardware.
package emu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tmrbridge/core"
	"tmrbridge/protocol"
)

// ErrBusy is returned by Start while another emulator is running. The
// firmware command tables are process globals.
var ErrBusy = errors.New("emulator already running")

var running atomic.Bool

// Emulator is an in-process timer firmware
type Emulator struct {
	conn       net.Conn
	units      *core.TimerUnits
	logger     *slog.Logger
	resolution time.Duration
	unitCount  int
	start      time.Time

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures an Emulator
type Option func(*Emulator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emulator) { e.logger = logger }
}

// WithResolution sets how often the emulated clock is advanced
func WithResolution(d time.Duration) Option {
	return func(e *Emulator) {
		if d > 0 {
			e.resolution = d
		}
	}
}

// WithUnits sets the number of emulated timer units
func WithUnits(n int) Option {
	return func(e *Emulator) {
		if n > 0 {
			e.unitCount = n
		}
	}
}

// Start boots the firmware and returns the host end of its link
func Start(ctx context.Context, opts ...Option) (*Emulator, io.ReadWriteCloser, error) {
	if !running.CompareAndSwap(false, true) {
		return nil, nil, ErrBusy
	}

	e := &Emulator{
		logger:     slog.Default(),
		resolution: 100 * time.Microsecond,
		unitCount:  4,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	core.SetTime(0)
	core.TimerInit()
	core.ClearTimingRing()
	core.SetDebugWriter(func(msg string) {
		e.logger.Debug(msg, "source", "firmware")
	})
	e.start = time.Now()

	e.units = core.NewTimerUnits(core.DefaultScheduler(), core.GetTime, e.unitCount)
	core.InitCoreCommands()
	core.InitTimerCommands(e.units)
	core.GetGlobalDictionary().BuildDictionary()

	hostSide, fwSide := net.Pipe()
	e.conn = fwSide

	ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(ctx)

	e.logger.Debug("emulator started", "units", e.unitCount, "resolution", e.resolution)
	return e, hostSide, nil
}

// Units exposes the emulated timer bank
func (e *Emulator) Units() *core.TimerUnits {
	return e.units
}

// Close stops the firmware loop and every running unit
func (e *Emulator) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.conn.Close()
		<-e.done

		for i := 0; i < e.units.Count(); i++ {
			_ = e.units.Stop(uint8(i))
		}
		core.SetGlobalTransport(nil)
		core.SetDebugWriter(nil)
		running.Store(false)
		e.logger.Debug("emulator stopped")
	})
	return nil
}

func (e *Emulator) now() uint32 {
	return uint32(time.Since(e.start) / time.Microsecond)
}

// loop is the firmware main loop: feed received bytes to the transport,
// advance the clock, run due timers, flush output
func (e *Emulator) loop(ctx context.Context) {
	defer close(e.done)

	out := protocol.NewScratchOutput()
	transport := protocol.NewTransport(out, core.DispatchCommand)
	core.SetGlobalTransport(transport)

	reads := make(chan []byte)
	go func() {
		defer close(reads)
		buf := make([]byte, 256)
		for {
			n, err := e.conn.Read(buf)
			if err != nil {
				return
			}
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case reads <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	input := protocol.NewFifoBuffer(1024)
	ticker := time.NewTicker(e.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-reads:
			if !ok {
				return
			}
			input.Write(chunk)
			transport.Receive(input)
		case <-ticker.C:
		}

		core.SetTime(e.now())
		core.ProcessTimers()

		if pending := out.Result(); len(pending) > 0 {
			if _, err := e.conn.Write(pending); err != nil {
				return
			}
			out.Reset()
		}
	}
}
