// Package driver adapts timer peripherals to the dispatch core. A Driver
// programs, starts and stops numbered timer units and calls a FireFunc on
// every period expiry.
package driver

import (
	"errors"
	"fmt"
)

// FireFunc is called on every period expiry of a unit whose delivery is
// enabled. It runs in the driver's fire context and may block; the driver
// holds no locks while it runs.
type FireFunc func(unit uint8)

// Driver is a bank of periodic timer units
type Driver interface {
	// Setup programs a unit. The unit does not count until Start.
	// enable=false masks fire delivery.
	Setup(unit uint8, periodMicros uint32, fire FireFunc, enable bool) error
	// Start begins the countdown; starting a running unit restarts it
	Start(unit uint8) error
	// Stop halts the countdown; stopping a stopped unit is not an error
	Stop(unit uint8) error
}

var (
	ErrInvalidUnit    = errors.New("invalid timer unit")
	ErrNotSetup       = errors.New("timer unit not set up")
	ErrPeriodTooShort = errors.New("timer period too short")
	ErrNotConnected   = errors.New("driver not connected")
)

// Error reports a failed driver operation
type Error struct {
	Op   string // "setup", "start" or "stop"
	Unit uint8
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tmr%d %s: %v", e.Unit, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, unit uint8, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Unit: unit, Err: err}
}
