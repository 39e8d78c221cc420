package protocol

import "sync/atomic"

// CommandHandler decodes and runs one command from a received frame
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the firmware side of the link. The sequence it expects
// next doubles as the sequence it stamps on ACKs and responses.
type Transport struct {
	synced  atomic.Bool
	nextSeq atomic.Uint32

	output        OutputBuffer
	handler       CommandHandler
	resetCallback func()
	flushCallback func()
}

func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{output: output, handler: handler}
	t.synced.Store(true)
	t.nextSeq.Store(MessageDest)
	return t
}

// Receive parses every complete frame in input, runs its commands and
// acknowledges it. Consumed bytes are popped from input.
func (t *Transport) Receive(input InputBuffer) {
	n := splitFrames(input.Data(), &t.synced, t.encodeAckNak, t.handleFrame)
	if n > 0 {
		input.Pop(n)
	}
}

func (t *Transport) handleFrame(frame []byte) {
	seq := frame[MessagePositionSeq]
	expected := uint8(t.nextSeq.Load())

	// A host that restarts begins again at MessageDest
	if seq == MessageDest && expected != MessageDest {
		t.nextSeq.Store(MessageDest)
		expected = MessageDest
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}

	if seq == expected {
		t.nextSeq.Store(uint32(nextSequence(seq)))
		_ = t.parseFrame(frame[MessageHeaderSize : len(frame)-MessageTrailerSize])
	}
	// On a sequence mismatch this carries the expected sequence and acts
	// as a NAK
	t.encodeAckNak()
}

// parseFrame runs each command in the frame. A panicking handler drops
// the link out of sync instead of crashing the firmware.
func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.synced.Store(false)
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.synced.Store(false)
			return err
		}
		if t.handler == nil {
			continue
		}
		// A failing command ends the frame but keeps the link in sync
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			return err
		}
	}
	return nil
}

// encodeAckNak queues an empty frame and flushes it immediately; the host
// does not send its next command until the ACK arrives.
func (t *Transport) encodeAckNak() {
	writeFrame(t.output, uint8(t.nextSeq.Load()), nil)
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame queues a frame. Responses reuse the current sequence.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	writeFrame(t.output, uint8(t.nextSeq.Load()), frameData)
}

// SendCommand queues a message with the given ID
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns to the power-on state, e.g. after a USB reconnect
func (t *Transport) Reset() {
	t.synced.Store(true)
	t.nextSeq.Store(MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets the function called when the host restarts
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets the function that pushes queued output to the host
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}
