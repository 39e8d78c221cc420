// Package serial opens the link to a board running the timer firmware.
package serial

import (
	"io"
	"time"
)

// Port is a byte stream to the firmware.
type Port interface {
	io.ReadWriteCloser

	Flush() error
}

// Config describes a serial device.
type Config struct {
	Device string

	// Baud is ignored by USB CDC devices.
	Baud int

	// ReadTimeout bounds each Read; zero blocks.
	ReadTimeout time.Duration
}

// DefaultBaud matches the firmware's UART setting.
const DefaultBaud = 250000

// DefaultConfig returns a config for device with the firmware defaults.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100 * time.Millisecond,
	}
}
