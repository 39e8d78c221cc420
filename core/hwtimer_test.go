package core

import (
	"errors"
	"testing"
)

type fakeClock struct{ now uint32 }

func (c *fakeClock) read() uint32 { return c.now }

func newTestUnits(count int) (*TimerUnits, *Scheduler, *fakeClock) {
	clock := &fakeClock{}
	sched := NewScheduler()
	return NewTimerUnits(sched, clock.read, count), sched, clock
}

func (c *fakeClock) advance(s *Scheduler, us uint32) {
	for i := uint32(0); i < us; i++ {
		c.now++
		s.Dispatch(c.now)
	}
}

func TestTimerUnitsPeriodicFire(t *testing.T) {
	units, sched, clock := newTestUnits(4)
	var fired []uint8

	if err := units.Setup(2, 100, func(unit uint8) { fired = append(fired, unit) }, true); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	clock.advance(sched, 250)
	if len(fired) != 0 {
		t.Errorf("Expected no fires before Start, got %d", len(fired))
	}

	if err := units.Start(2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.advance(sched, 350)

	if len(fired) != 3 {
		t.Errorf("Expected 3 fires, got %d", len(fired))
	}
	for _, unit := range fired {
		if unit != 2 {
			t.Errorf("Expected unit 2, got %d", unit)
		}
	}
	if units.Fires(2) != 3 {
		t.Errorf("Expected Fires 3, got %d", units.Fires(2))
	}
}

func TestTimerUnitsStop(t *testing.T) {
	units, sched, clock := newTestUnits(4)
	count := 0
	units.Setup(0, 100, func(uint8) { count++ }, true)
	units.Start(0)

	clock.advance(sched, 100)
	if err := units.Stop(0); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	clock.advance(sched, 500)

	if count != 1 {
		t.Errorf("Expected 1 fire, got %d", count)
	}
	if units.Running(0) {
		t.Error("Expected unit to be stopped")
	}
	if err := units.Stop(0); err != nil {
		t.Errorf("Expected second Stop to succeed, got %v", err)
	}
}

func TestTimerUnitsStopFromFire(t *testing.T) {
	units, sched, clock := newTestUnits(1)
	count := 0
	units.Setup(0, 100, func(unit uint8) {
		count++
		units.Stop(unit)
	}, true)
	units.Start(0)

	clock.advance(sched, 1000)
	if count != 1 {
		t.Errorf("Expected fire function to stop its own unit after 1 fire, got %d", count)
	}
}

func TestTimerUnitsRestart(t *testing.T) {
	units, sched, clock := newTestUnits(1)
	count := 0
	units.Setup(0, 100, func(uint8) { count++ }, true)
	units.Start(0)

	clock.advance(sched, 90)
	units.Start(0)
	clock.advance(sched, 90)
	if count != 0 {
		t.Errorf("Expected restart to reset the countdown, got %d fires", count)
	}
	clock.advance(sched, 10)
	if count != 1 {
		t.Errorf("Expected 1 fire after full period, got %d", count)
	}
}

func TestTimerUnitsMasked(t *testing.T) {
	units, sched, clock := newTestUnits(1)
	count := 0
	units.Setup(0, 100, func(uint8) { count++ }, false)
	units.Start(0)

	clock.advance(sched, 300)
	if count != 0 {
		t.Errorf("Expected masked unit not to deliver, got %d", count)
	}
	if units.Fires(0) != 3 {
		t.Errorf("Expected masked unit to keep counting expiries, got %d", units.Fires(0))
	}
}

func TestTimerUnitsErrors(t *testing.T) {
	units, _, _ := newTestUnits(4)

	if err := units.Setup(4, 100, nil, true); !errors.Is(err, ErrTimerUnit) {
		t.Errorf("Expected ErrTimerUnit, got %v", err)
	}
	if err := units.Setup(0, HWMinPeriodMicros-1, nil, true); !errors.Is(err, ErrTimerPeriod) {
		t.Errorf("Expected ErrTimerPeriod, got %v", err)
	}
	if err := units.Start(1); !errors.Is(err, ErrTimerNotSetup) {
		t.Errorf("Expected ErrTimerNotSetup, got %v", err)
	}
	if err := units.Stop(1); !errors.Is(err, ErrTimerNotSetup) {
		t.Errorf("Expected ErrTimerNotSetup, got %v", err)
	}
	if err := units.Trigger(9); !errors.Is(err, ErrTimerUnit) {
		t.Errorf("Expected ErrTimerUnit, got %v", err)
	}
}

func TestTimerUnitsTrigger(t *testing.T) {
	units, _, _ := newTestUnits(2)
	count := 0
	units.Setup(1, 100, func(uint8) { count++ }, true)

	units.Trigger(1)
	if count != 0 {
		t.Errorf("Expected stopped unit to ignore Trigger, got %d", count)
	}

	units.Start(1)
	units.Trigger(1)
	units.Trigger(1)
	if count != 2 {
		t.Errorf("Expected 2 triggered fires, got %d", count)
	}
}
