//go:build tinygo && rp2040

// Command rp2040 is the timer firmware for RP2040 boards. It exposes a bank
// of periodic timer units over USB CDC and reports every expiry with
// tmr_fire.
package main

import (
	"machine"
	"time"

	"tmrbridge/core"
	"tmrbridge/protocol"
)

// timerUnitCount is how many units the host may program
const timerUnitCount = 4

var (
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport
	units        *core.TimerUnits

	msgErrors uint32

	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Clear a watchdog left armed by a previous reset
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	InitUSB()
	InitClock()
	core.TimerInit()

	units = core.NewTimerUnits(core.DefaultScheduler(), core.GetTime, timerUnitCount)
	core.InitCoreCommands()
	core.InitTimerCommands(units)
	core.GetGlobalDictionary().BuildDictionary()

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()

	transport = protocol.NewTransport(outputBuffer, core.DispatchCommand)
	transport.SetResetCallback(resetState)
	// ACKs must reach the host before any response they precede
	transport.SetFlushCallback(writeUSB)
	core.SetGlobalTransport(transport)

	go usbReaderLoop()

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgErrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			UpdateSystemTime()

			if inputBuffer.Available() > 0 {
				data := inputBuffer.Data()
				in := protocol.NewSliceInputBuffer(data)
				transport.Receive(in)
				if consumed := len(data) - in.Available(); consumed > 0 {
					inputBuffer.Pop(consumed)
				}
			}

			// Expiries queue tmr_fire frames into outputBuffer
			core.ProcessTimers()

			if len(outputBuffer.Result()) > 0 {
				writeUSB()
			}
		}()

		time.Sleep(10 * time.Microsecond)
	}
}

// resetState stops every unit and drops buffered traffic
func resetState() {
	for i := 0; i < units.Count(); i++ {
		_ = units.Stop(uint8(i))
	}
	inputBuffer.Reset()
	outputBuffer.Reset()
}

func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgErrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		if USBAvailable() > 0 {
			b, err := USBRead()
			if err != nil {
				msgErrors++
				time.Sleep(time.Millisecond)
				continue
			}

			if usbWasDisconnected {
				usbWasDisconnected = false
				transport.Reset()
				resetState()
				consecutiveWriteFailures = 0
			}

			if inputBuffer.Write([]byte{b}) == 0 {
				msgErrors++
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB drains outputBuffer. After repeated failures the host is
// assumed gone and pending output is dropped.
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}
