package core

import (
	"errors"

	"tmrbridge/protocol"
)

// Operation codes reported in tmr_status
const (
	TimerOpSetup = 0
	TimerOpStart = 1
	TimerOpStop  = 2
)

// Status codes reported in tmr_status
const (
	TimerStatusOK          = 0
	TimerStatusInvalidUnit = 1
	TimerStatusNotSetup    = 2
	TimerStatusPeriod      = 3
)

// timerUnits is the bank driven by the timer commands (set by InitTimerCommands)
var timerUnits *TimerUnits

// InitTimerCommands registers the timer unit commands for units.
//
//	config_tmr unit=%c period=%u enable=%c
//	tmr_start unit=%c
//	tmr_stop unit=%c
//
// Every command answers with tmr_status; each expiry of a started unit
// sends tmr_fire.
func InitTimerCommands(units *TimerUnits) {
	timerUnits = units

	RegisterCommand("config_tmr", "unit=%c period=%u enable=%c", handleConfigTimer)
	RegisterCommand("tmr_start", "unit=%c", handleTimerStart)
	RegisterCommand("tmr_stop", "unit=%c", handleTimerStop)

	RegisterResponse("tmr_status", "unit=%c op=%c status=%c")
	RegisterResponse("tmr_fire", "unit=%c clock=%u")

	RegisterConstant("TIMER_UNITS", uint32(units.Count()))
	RegisterConstant("TIMER_MIN_PERIOD", uint32(HWMinPeriodMicros))
	RegisterEnumeration("timer_op", []string{"setup", "start", "stop"})
	RegisterEnumeration("timer_status", []string{"ok", "invalid_unit", "not_setup", "period_too_short"})
}

// TimerStatus maps a TimerUnits error to its wire status code
func TimerStatus(err error) uint32 {
	switch {
	case err == nil:
		return TimerStatusOK
	case errors.Is(err, ErrTimerUnit):
		return TimerStatusInvalidUnit
	case errors.Is(err, ErrTimerNotSetup):
		return TimerStatusNotSetup
	case errors.Is(err, ErrTimerPeriod):
		return TimerStatusPeriod
	default:
		return TimerStatusInvalidUnit
	}
}

// sendTimerFire reports one expiry to the host
func sendTimerFire(unit uint8) {
	clock := GetTime()
	SendResponse("tmr_fire", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(unit))
		protocol.EncodeVLQUint(output, clock)
	})
}

func sendTimerStatus(unit uint32, op uint32, err error) {
	SendResponse("tmr_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, unit)
		protocol.EncodeVLQUint(output, op)
		protocol.EncodeVLQUint(output, TimerStatus(err))
	})
}

// handleConfigTimer programs a unit
// Format: config_tmr unit=%c period=%u enable=%c
func handleConfigTimer(data *[]byte) error {
	unit, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	period, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	enable, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if unit > 0xFF {
		err = ErrTimerUnit
	} else {
		err = timerUnits.Setup(uint8(unit), period, sendTimerFire, enable != 0)
	}
	sendTimerStatus(unit, TimerOpSetup, err)
	return nil
}

// handleTimerStart starts a unit
// Format: tmr_start unit=%c
func handleTimerStart(data *[]byte) error {
	unit, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if unit > 0xFF {
		sendTimerStatus(unit, TimerOpStart, ErrTimerUnit)
		return nil
	}
	sendTimerStatus(unit, TimerOpStart, timerUnits.Start(uint8(unit)))
	return nil
}

// handleTimerStop stops a unit
// Format: tmr_stop unit=%c
func handleTimerStop(data *[]byte) error {
	unit, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if unit > 0xFF {
		sendTimerStatus(unit, TimerOpStop, ErrTimerUnit)
		return nil
	}
	sendTimerStatus(unit, TimerOpStop, timerUnits.Stop(uint8(unit)))
	return nil
}
