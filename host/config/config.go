// Package config loads tmrsh settings from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tmrbridge/host/serial"
	"tmrbridge/tmr"
)

// Driver kinds.
const (
	DriverSim      = "sim"
	DriverRemote   = "remote"
	DriverEmulated = "emulated"
)

// SerialConfig selects the board used by the remote driver.
type SerialConfig struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Config holds tmrsh settings.
type Config struct {
	Driver string       `yaml:"driver"`
	Units  int          `yaml:"units"`
	Serial SerialConfig `yaml:"serial"`

	MaxHandles      int           `yaml:"max_handles"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`

	// Resolution is the tick of the simulated and emulated clocks.
	Resolution time.Duration `yaml:"resolution"`

	// Journal is a SQLite path; empty disables the journal.
	Journal string `yaml:"journal"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Driver: DriverSim,
		Units:  tmr.MaxUnits,
		Serial: SerialConfig{
			Device:      "/dev/ttyACM0",
			Baud:        serial.DefaultBaud,
			ReadTimeout: 100 * time.Millisecond,
		},
		MaxHandles:     tmr.DefaultMaxHandles,
		CommandTimeout: 2 * time.Second,
		Resolution:     time.Millisecond,
	}
}

// Load reads path and overlays it on Default. An empty path or a missing
// file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data over Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fill restores defaults for fields the file zeroed out.
func (c *Config) fill() {
	d := Default()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.Units == 0 {
		c.Units = d.Units
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = d.Serial.Baud
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = d.Serial.ReadTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.Resolution == 0 {
		c.Resolution = d.Resolution
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSim, DriverEmulated:
	case DriverRemote:
		if c.Serial.Device == "" {
			return errors.New("config: serial.device is required for the remote driver")
		}
	default:
		return fmt.Errorf("config: unknown driver %q (want sim, remote or emulated)", c.Driver)
	}
	if c.Units < 1 || c.Units > tmr.MaxUnits {
		return fmt.Errorf("config: units must be between 1 and %d, got %d", tmr.MaxUnits, c.Units)
	}
	if c.MaxHandles < 0 {
		return fmt.Errorf("config: max_handles must not be negative, got %d", c.MaxHandles)
	}
	if c.CallbackTimeout < 0 || c.CommandTimeout < 0 || c.Resolution < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

// SerialPort converts the serial section for serial.Open.
func (c *Config) SerialPort() *serial.Config {
	return &serial.Config{
		Device:      c.Serial.Device,
		Baud:        c.Serial.Baud,
		ReadTimeout: c.Serial.ReadTimeout,
	}
}
