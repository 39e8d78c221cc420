package core

import "sync/atomic"

// TimerFreq is the tick rate of the timer clock. The RP2040 timer counts
// microseconds, so ticks and microseconds are the same unit on target.
const (
	TimerFreq = 1000000
)

var (
	ticks     atomic.Uint32
	tickWraps atomic.Uint32
	bootTime  atomic.Uint64

	// defaultScheduler is driven by ProcessTimers from the firmware main loop
	defaultScheduler = NewScheduler()
)

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return ticks.Load()
}

// SetTime publishes the hardware counter. A forward step that lands below
// the previous value is a counter wrap and extends the uptime high word.
func SetTime(t uint32) {
	old := ticks.Swap(t)
	if t < old && int32(t-old) > 0 {
		tickWraps.Add(1)
	}
}

func clock64() uint64 {
	return uint64(tickWraps.Load())<<32 | uint64(ticks.Load())
}

// GetUptime returns ticks elapsed since TimerInit
func GetUptime() uint64 {
	return clock64() - bootTime.Load()
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * TimerFreq / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / TimerFreq)
}

// TimerInit initializes the system timer
func TimerInit() {
	bootTime.Store(clock64())
}

// DefaultScheduler returns the scheduler serviced by ProcessTimers
func DefaultScheduler() *Scheduler {
	return defaultScheduler
}

// ProcessTimers runs every timer on the default scheduler that is due
func ProcessTimers() {
	defaultScheduler.Dispatch(GetTime())
}
