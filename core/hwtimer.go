package core

import (
	"errors"
	"sync"
)

// HWMinPeriodMicros is the shortest period a timer unit can be programmed
// with. Anything shorter cannot be serviced before the next expiry.
const HWMinPeriodMicros = 50

var (
	ErrTimerUnit     = errors.New("invalid timer unit")
	ErrTimerNotSetup = errors.New("timer unit not set up")
	ErrTimerPeriod   = errors.New("timer period too short")
)

// TimerFireFunc is called each time a unit's period expires. It runs in the
// dispatching context (ISR on target, the driving goroutine on the host).
type TimerFireFunc func(unit uint8)

// timerUnit is one hardware timer peripheral
type timerUnit struct {
	id         uint8
	period     uint32 // ticks
	fire       TimerFireFunc
	enabled    bool // fire delivery unmasked
	configured bool
	running    bool
	generation uint32 // bumped on every start/stop so a stale expiry is dropped
	fires      uint32
	timer      Timer
}

// TimerUnits models a fixed bank of periodic hardware timers on top of a
// Scheduler. Units count down only between Start and Stop.
type TimerUnits struct {
	mu    sync.Mutex
	sched *Scheduler
	clock func() uint32
	units []timerUnit
}

// NewTimerUnits creates count units serviced by sched, reading the time from clock
func NewTimerUnits(sched *Scheduler, clock func() uint32, count int) *TimerUnits {
	tu := &TimerUnits{
		sched: sched,
		clock: clock,
		units: make([]timerUnit, count),
	}
	for i := range tu.units {
		unit := &tu.units[i]
		unit.id = uint8(i)
		unit.timer.Handler = func(t *Timer) uint8 {
			return tu.expire(unit, t)
		}
	}
	return tu
}

// Count returns the number of units
func (tu *TimerUnits) Count() int {
	return len(tu.units)
}

func (tu *TimerUnits) unit(id uint8) (*timerUnit, error) {
	if int(id) >= len(tu.units) {
		return nil, ErrTimerUnit
	}
	return &tu.units[id], nil
}

// Setup programs a unit's period and fire function. A running unit is
// stopped first; the unit does not count until Start.
func (tu *TimerUnits) Setup(id uint8, periodUS uint32, fire TimerFireFunc, enable bool) error {
	if periodUS < HWMinPeriodMicros {
		return ErrTimerPeriod
	}

	tu.mu.Lock()
	defer tu.mu.Unlock()

	unit, err := tu.unit(id)
	if err != nil {
		return err
	}

	if unit.running {
		tu.stopLocked(unit)
	}

	unit.period = TimerFromUS(periodUS)
	unit.fire = fire
	unit.enabled = enable
	unit.configured = true

	RecordTiming(EvtTimerSetup, unit.id, tu.clock(), periodUS, boolToU32(enable))
	return nil
}

// Start begins counting a full period from now. Starting a running unit
// restarts its countdown.
func (tu *TimerUnits) Start(id uint8) error {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	unit, err := tu.unit(id)
	if err != nil {
		return err
	}
	if !unit.configured {
		return ErrTimerNotSetup
	}

	if unit.running {
		tu.sched.Cancel(&unit.timer)
	}

	now := tu.clock()
	unit.running = true
	unit.generation++
	unit.timer.WakeTime = now + unit.period
	tu.sched.Schedule(&unit.timer)

	RecordTiming(EvtTimerStart, unit.id, now, unit.timer.WakeTime, 0)
	return nil
}

// Stop halts a unit. Stopping a stopped unit is not an error.
func (tu *TimerUnits) Stop(id uint8) error {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	unit, err := tu.unit(id)
	if err != nil {
		return err
	}
	if !unit.configured {
		return ErrTimerNotSetup
	}

	tu.stopLocked(unit)
	return nil
}

func (tu *TimerUnits) stopLocked(unit *timerUnit) {
	unit.running = false
	unit.generation++
	tu.sched.Cancel(&unit.timer)
	RecordTiming(EvtTimerStop, unit.id, tu.clock(), unit.fires, 0)
}

// Trigger raises a unit's interrupt immediately, as if its period had
// expired, without touching the countdown. Stopped or masked units ignore it.
func (tu *TimerUnits) Trigger(id uint8) error {
	tu.mu.Lock()
	unit, err := tu.unit(id)
	if err != nil {
		tu.mu.Unlock()
		return err
	}
	if !unit.running || !unit.enabled || unit.fire == nil {
		tu.mu.Unlock()
		return nil
	}
	unit.fires++
	fire := unit.fire
	tu.mu.Unlock()

	fire(unit.id)
	return nil
}

// Running reports whether a unit is counting
func (tu *TimerUnits) Running(id uint8) bool {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	unit, err := tu.unit(id)
	return err == nil && unit.running
}

// Fires returns how many times a unit has expired
func (tu *TimerUnits) Fires(id uint8) uint32 {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	unit, err := tu.unit(id)
	if err != nil {
		return 0
	}
	return unit.fires
}

// expire is the scheduler handler for a unit. The fire function is called
// without the unit lock so it may start or stop units itself.
func (tu *TimerUnits) expire(unit *timerUnit, t *Timer) uint8 {
	tu.mu.Lock()
	if !unit.running {
		tu.mu.Unlock()
		return SF_DONE
	}
	unit.fires++
	fire, enabled, gen := unit.fire, unit.enabled, unit.generation
	fires := unit.fires
	tu.mu.Unlock()

	RecordTiming(EvtTimerFire, unit.id, t.WakeTime, fires, 0)
	if enabled && fire != nil {
		fire(unit.id)
	}

	tu.mu.Lock()
	defer tu.mu.Unlock()
	if !unit.running || unit.generation != gen {
		// stopped or restarted from inside the fire function
		return SF_DONE
	}
	t.WakeTime += unit.period
	return SF_RESCHEDULE
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
