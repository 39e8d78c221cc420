//go:build tinygo

package core

import "runtime/interrupt"

// State is the saved interrupt state
type State = interrupt.State

// irqMask masks interrupts while a timer list is modified
type irqMask struct{}

// disable disables interrupts and returns the previous state
func (m *irqMask) disable() State {
	return interrupt.Disable()
}

// restore restores the interrupt state
func (m *irqMask) restore(state State) {
	interrupt.Restore(state)
}
