//go:build tinygo && rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"tmrbridge/core"
)

// timerRawLow is TIMERAWL of the RP2040 TIMER block, a free running
// microsecond counter. core.SetTime extends it past the 32-bit wrap.
var timerRawLow = (*volatile.Register32)(unsafe.Pointer(uintptr(0x40054000 + 0x0C)))

// InitClock publishes the constants the host needs to convert clocks
func InitClock() {
	core.RegisterConstant("MCU", "rp2040")
	core.RegisterConstant("CLOCK_FREQ", uint32(core.TimerFreq))
}

// UpdateSystemTime samples the counter once per main loop pass
func UpdateSystemTime() {
	core.SetTime(timerRawLow.Get())
}
