//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// irqMask stands in for the interrupt mask on regular Go, where timer
// lists are shared between goroutines instead of an ISR and main loop.
type irqMask struct {
	mu sync.Mutex
}

// disable masks the timer list and returns the previous state
func (m *irqMask) disable() State {
	m.mu.Lock()
	return 0
}

// restore releases the timer list
func (m *irqMask) restore(state State) {
	m.mu.Unlock()
}
