package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tmrbridge/tmr"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverSim, cfg.Driver)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmrsh.yaml")
	data := `
driver: remote
units: 2
serial:
  device: /dev/ttyUSB1
max_handles: 16
callback_timeout: 250ms
journal: /tmp/tmr.db
verbose: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverRemote, cfg.Driver)
	assert.Equal(t, 2, cfg.Units)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Device)
	assert.Equal(t, 250000, cfg.Serial.Baud)
	assert.Equal(t, 100*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Equal(t, 16, cfg.MaxHandles)
	assert.Equal(t, 250*time.Millisecond, cfg.CallbackTimeout)
	assert.Equal(t, 2*time.Second, cfg.CommandTimeout)
	assert.Equal(t, "/tmp/tmr.db", cfg.Journal)
	assert.True(t, cfg.Verbose)

	port := cfg.SerialPort()
	assert.Equal(t, "/dev/ttyUSB1", port.Device)
	assert.Equal(t, 250000, port.Baud)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseZeroedFieldsFallBack(t *testing.T) {
	cfg, err := Parse([]byte("units: 0\nresolution: 0s\n"))
	require.NoError(t, err)
	assert.Equal(t, tmr.MaxUnits, cfg.Units)
	assert.Equal(t, time.Millisecond, cfg.Resolution)
}

func TestParseMaxHandlesZeroIsUnlimited(t *testing.T) {
	cfg, err := Parse([]byte("max_handles: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxHandles)

	cfg, err = Parse([]byte("verbose: true\n"))
	require.NoError(t, err)
	assert.Equal(t, tmr.DefaultMaxHandles, cfg.MaxHandles)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown driver":   "driver: pwm\n",
		"too many units":   "units: 5\n",
		"negative units":   "units: -1\n",
		"negative handles": "max_handles: -3\n",
		"negative timeout": "callback_timeout: -1s\n",
		"unknown key":      "drvier: sim\n",
		"bad yaml":         "driver: [\n",
		"remote no device": "driver: remote\nserial:\n  device: \"\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver: pwm\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
