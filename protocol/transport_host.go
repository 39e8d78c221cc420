package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTransportClosed is returned by calls made after Close
var ErrTransportClosed = errors.New("transport stopped")

// DefaultAckTimeout bounds SendCommand
const DefaultAckTimeout = 2 * time.Second

// ResponseHandler is called from the read goroutine for every response
// frame. It must not block on a SendCommand of the same transport.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// Message is one received frame
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // between header and trailer
	CRC      uint16
}

// HostTransport is the host side of the link: it sends commands, waits
// for ACKs and hands response frames to a handler and a channel.
type HostTransport struct {
	port io.ReadWriteCloser

	seq    atomic.Uint32 // sequence of the next command
	synced atomic.Bool

	input *FifoBuffer // owned by the read goroutine

	acks      chan *Message
	responses chan *Message

	handlerMu sync.RWMutex
	handler   ResponseHandler

	// sendMu covers a whole send/ACK exchange so sequences never interleave
	sendMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHostTransport starts reading port. Close stops the reader and closes
// the port.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:      port,
		input:     NewFifoBuffer(MessageMax),
		acks:      make(chan *Message, 1),
		responses: make(chan *Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.seq.Store(MessageDest)
	t.synced.Store(true)

	go t.readLoop()
	return t
}

// SendCommand sends a command and waits for its ACK
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultAckTimeout)
}

// SendCommandWithTimeout is SendCommand with an explicit ACK timeout
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	select {
	case <-t.stop:
		return ErrTransportClosed
	default:
	}

	// Drop an ACK left over from an exchange that timed out
	select {
	case <-t.acks:
	default:
	}

	seq := uint8(t.seq.Load())
	frame, err := encodeCommand(seq, cmdID, args)
	if err != nil {
		return err
	}
	if err := t.write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := t.waitForAck(seq, timeout); err != nil {
		return fmt.Errorf("ACK timeout or error: %w", err)
	}
	return nil
}

func encodeCommand(seq uint8, cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	out := NewScratchOutput()
	writeFrame(out, seq, func(o OutputBuffer) {
		EncodeVLQUint(o, uint32(cmdID))
		if args != nil {
			args(o)
		}
	})
	frame := out.Result()
	if len(frame) > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", len(frame), MessageLengthMax)
	}
	return append([]byte(nil), frame...), nil
}

func (t *HostTransport) write(frame []byte) error {
	n, err := t.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
	}
	return nil
}

// waitForAck waits for the ACK of the frame sent with seq. The ACK
// carries the sequence the firmware expects next.
func (t *HostTransport) waitForAck(seq uint8, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-t.acks:
		want := nextSequence(seq)
		if ack.Sequence != want {
			return fmt.Errorf("sequence mismatch: expected 0x%02x, got 0x%02x", want, ack.Sequence)
		}
		t.seq.Store(uint32(want))
		return nil
	case <-timer.C:
		return fmt.Errorf("ACK timeout after %v", timeout)
	case <-t.stop:
		return ErrTransportClosed
	}
}

// ReceiveResponse returns the oldest unread response frame
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-t.responses:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("response timeout after %v", timeout)
	case <-t.stop:
		return nil, ErrTransportClosed
	}
}

// SetResponseHandler sets the callback every response frame is passed to
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = handler
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		select {
		case <-t.stop:
			return
		default:
		}
		if err != nil {
			// serial reads report io.EOF on a read timeout
			if !errors.Is(err, io.EOF) {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}

		for data := buf[:n]; len(data) > 0; {
			w := t.input.Write(data)
			data = data[w:]
			t.input.Pop(splitFrames(t.input.Data(), &t.synced, nil, t.dispatch))
			if w == 0 && len(data) > 0 {
				// A full buffer with no frame in it is garbage
				t.input.Reset()
				t.synced.Store(false)
			}
		}
	}
}

// dispatch routes an empty frame to the ACK waiter and anything else to
// the response handler and channel. When the channel is full the oldest
// response is dropped.
func (t *HostTransport) dispatch(frame []byte) {
	n := len(frame)
	msg := &Message{
		Length:   frame[MessagePositionLen],
		Sequence: frame[MessagePositionSeq],
		Payload:  append([]byte(nil), frame[MessageHeaderSize:n-MessageTrailerSize]...),
		CRC:      uint16(frame[n-MessageTrailerCRC])<<8 | uint16(frame[n-MessageTrailerCRC+1]),
	}

	if len(msg.Payload) == 0 {
		select {
		case t.acks <- msg:
		default:
		}
		return
	}

	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler != nil {
		payload := append([]byte(nil), msg.Payload...)
		if cmdID, err := DecodeVLQUint(&payload); err == nil {
			_ = handler(uint16(cmdID), &payload)
		}
	}

	for {
		select {
		case t.responses <- msg:
			return
		default:
		}
		select {
		case <-t.responses:
		default:
		}
	}
}

// Close stops the transport and closes the port. The port is closed
// before waiting on the read loop so a blocked Read returns.
func (t *HostTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.done
	})
	return err
}

// GetCurrentSequence returns the sequence the next command will carry
func (t *HostTransport) GetCurrentSequence() uint8 {
	return uint8(t.seq.Load())
}
