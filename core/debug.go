package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TimingEvent captures a timing-critical event for post-mortem analysis
type TimingEvent struct {
	EventType uint8  // Event type code
	OID       uint8  // Object ID (timer unit)
	Clock     uint32 // System clock at event
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtTimerSetup   = 1 // Unit programmed (v1=period us, v2=enable)
	EvtTimerStart   = 2 // Unit started (v1=first wake time)
	EvtTimerStop    = 3 // Unit stopped (v1=fires so far)
	EvtTimerFire    = 4 // Unit period expired (v1=fire count)
	EvtTimerOverrun = 5 // Fire dropped because the consumer fell behind
	EvtResetClock   = 6 // Clock reset
)

const (
	TimingRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln receives firmware diagnostics; nil discards them
	debugPrintln DebugWriter

	// Timing capture ring buffer, kept for post-mortem dumps
	timingRing     [TimingRingSize]TimingEvent
	timingRingHead uint8
	timingMask     irqMask
)

// SetDebugWriter routes debug messages to the platform console. Passing nil
// silences them.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugPrintln != nil {
		debugPrintln(msg)
	}
}

// RecordTiming captures a timing event in the ring buffer
func RecordTiming(eventType, oid uint8, clock, value1, value2 uint32) {
	state := timingMask.disable()
	defer timingMask.restore(state)

	idx := timingRingHead
	timingRing[idx] = TimingEvent{
		EventType: eventType,
		OID:       oid,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	timingRingHead = (idx + 1) % TimingRingSize
}

// DumpTimingRing writes the ring through the debug writer
func DumpTimingRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[TIMING] === Timing Ring Dump ===")

	for _, evt := range TimingEvents() {
		name := TimingEventName(evt.EventType)

		debugPrintln("[TIMING] " + name +
			" unit=" + itoa(int(evt.OID)) +
			" clock=" + itoa(int(evt.Clock)) +
			" v1=" + itoa(int(evt.Value1)) +
			" v2=" + itoa(int(evt.Value2)))
	}
	debugPrintln("[TIMING] === End Dump ===")
}

// TimingEvents returns the recorded events from oldest to newest
func TimingEvents() []TimingEvent {
	state := timingMask.disable()
	defer timingMask.restore(state)

	events := make([]TimingEvent, 0, TimingRingSize)
	start := timingRingHead
	for i := uint8(0); i < TimingRingSize; i++ {
		evt := timingRing[(start+i)%TimingRingSize]
		if evt.EventType == 0 {
			continue
		}
		events = append(events, evt)
	}
	return events
}

// TimingEventName returns the dump label for an event type
func TimingEventName(eventType uint8) string {
	switch eventType {
	case EvtTimerSetup:
		return "TMR_SETUP"
	case EvtTimerStart:
		return "TMR_START"
	case EvtTimerStop:
		return "TMR_STOP"
	case EvtTimerFire:
		return "TMR_FIRE"
	case EvtTimerOverrun:
		return "TMR_OVERRUN!"
	case EvtResetClock:
		return "RESET_CLK"
	default:
		return "UNKNOWN"
	}
}

// ClearTimingRing clears the timing buffer
func ClearTimingRing() {
	state := timingMask.disable()
	defer timingMask.restore(state)

	for i := range timingRing {
		timingRing[i] = TimingEvent{}
	}
	timingRingHead = 0
}
