package mcu

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tmrbridge/host/emu"
)

func connectEmulated(t *testing.T) *MCU {
	t.Helper()
	e, port, err := emu.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	m := NewMCU()
	require.NoError(t, m.ConnectPort(port))
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.RetrieveDictionary())
	return m
}

func statusFor(unit, op uint32) func(*Response) bool {
	return func(r *Response) bool {
		return r.Args["unit"] == unit && r.Args["op"] == op
	}
}

func TestMCUDictionary(t *testing.T) {
	m := connectEmulated(t)

	dict := m.GetDictionary()
	require.NotNil(t, dict)
	assert.Contains(t, dict.Commands, "config_tmr unit=%c period=%u enable=%c")
	assert.Contains(t, dict.Responses, "tmr_fire unit=%c clock=%u")

	units, err := m.ConfigUint("TIMER_UNITS")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), units)

	_, err = m.ConfigUint("NO_SUCH_CONSTANT")
	assert.Error(t, err)

	var buf bytes.Buffer
	m.PrintDictionary(&buf)
	assert.Contains(t, buf.String(), "tmr_start unit=%c")
}

func TestMCUTimerRoundTrip(t *testing.T) {
	m := connectEmulated(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var fires atomic.Int32
	m.HandleResponse("tmr_fire", func(r *Response) {
		if r.Args["unit"] == 2 {
			fires.Add(1)
		}
	})

	resp, err := m.Query(ctx, "tmr_status", statusFor(2, 0), "config_tmr", 2, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), resp.Args["status"])

	resp, err = m.Query(ctx, "tmr_status", statusFor(2, 1), "tmr_start", 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), resp.Args["status"])

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)

	_, err = m.Query(ctx, "tmr_status", statusFor(2, 2), "tmr_stop", 2)
	require.NoError(t, err)

	clock, err := m.Clock(ctx)
	require.NoError(t, err)
	assert.NotZero(t, clock)
}

func TestMCUStatusErrors(t *testing.T) {
	m := connectEmulated(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := m.Query(ctx, "tmr_status", statusFor(9, 0), "config_tmr", 9, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), resp.Args["status"])

	resp, err = m.Query(ctx, "tmr_status", statusFor(1, 1), "tmr_start", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), resp.Args["status"])
}

func TestMCUNotConnected(t *testing.T) {
	m := NewMCU()
	assert.ErrorIs(t, m.RetrieveDictionary(), ErrNotConnected)
	assert.ErrorIs(t, m.Send("tmr_start", 0), ErrNotConnected)

	_, err := m.Query(context.Background(), "tmr_status", nil, "tmr_start", 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMCUSendArgumentCount(t *testing.T) {
	m := connectEmulated(t)
	assert.Error(t, m.Send("tmr_start"))
	assert.Error(t, m.Send("no_such_command"))
}

func TestParseFormat(t *testing.T) {
	mf, err := ParseFormat(7, "identify_response offset=%u data=%*s")
	require.NoError(t, err)
	assert.Equal(t, "identify_response", mf.Name)
	assert.Equal(t, []Param{{Name: "offset"}, {Name: "data", IsBytes: true}}, mf.Params)

	mf, err = ParseFormat(3, "get_clock")
	require.NoError(t, err)
	assert.Empty(t, mf.Params)

	_, err = ParseFormat(1, "bad arg")
	assert.Error(t, err)
	_, err = ParseFormat(1, "bad arg=%q")
	assert.Error(t, err)
	_, err = ParseFormat(1, "")
	assert.Error(t, err)
}
