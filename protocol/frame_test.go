package protocol

import (
	"sync/atomic"
	"testing"
)

func frameBytes(seq uint8, payload ...byte) []byte {
	out := NewScratchOutput()
	writeFrame(out, seq, func(o OutputBuffer) { o.Output(payload) })
	return append([]byte(nil), out.Result()...)
}

func collect(data []byte, synced *atomic.Bool) (frames [][]byte, consumed int, resyncs int) {
	consumed = splitFrames(data, synced, func() { resyncs++ }, func(f []byte) {
		frames = append(frames, append([]byte(nil), f...))
	})
	return frames, consumed, resyncs
}

func TestWriteFrameLayout(t *testing.T) {
	f := frameBytes(MessageDest|3, 0xAA, 0xBB)
	if len(f) != 7 || f[0] != 7 || f[1] != MessageDest|3 || f[6] != MessageValueSync {
		t.Fatalf("Unexpected frame %x", f)
	}
	if n, res := scanFrame(f); res != frameComplete || n != 7 {
		t.Errorf("scanFrame = %d, %v", n, res)
	}

	ack := frameBytes(MessageDest, []byte{}...)
	if len(ack) != MessageLengthMin {
		t.Errorf("Empty frame should be %d bytes, got %d", MessageLengthMin, len(ack))
	}
}

func TestScanFrameRejects(t *testing.T) {
	good := frameBytes(MessageDest, 1, 2, 3)

	badCRC := append([]byte(nil), good...)
	badCRC[2] ^= 0xFF
	if _, res := scanFrame(badCRC); res != frameCorrupt {
		t.Error("Corrupted payload accepted")
	}

	badDest := frameBytes(0x20, 1)
	if _, res := scanFrame(badDest); res != frameCorrupt {
		t.Error("Frame without destination bits accepted")
	}

	if _, res := scanFrame([]byte{70, MessageDest, 0, 0, 0}); res != frameCorrupt {
		t.Error("Oversized length accepted")
	}

	if _, res := scanFrame(good[:len(good)-1]); res != frameIncomplete {
		t.Error("Partial frame not reported as incomplete")
	}
}

func TestSplitFrames(t *testing.T) {
	var synced atomic.Bool
	synced.Store(true)

	a := frameBytes(MessageDest, 1)
	b := frameBytes(MessageDest|1, 2, 3)
	stream := append(append([]byte{MessageValueSync}, a...), b...)
	stream = append(stream, b[:3]...)

	frames, consumed, resyncs := collect(stream, &synced)
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if consumed != len(stream)-3 {
		t.Errorf("Expected the partial frame left over, consumed %d of %d", consumed, len(stream))
	}
	if resyncs != 0 {
		t.Errorf("Unexpected resync")
	}
}

func TestSplitFramesResync(t *testing.T) {
	var synced atomic.Bool
	synced.Store(true)

	good := frameBytes(MessageDest, 9)
	stream := append([]byte{3, 0x99, 0x98, 0x97, 0x96, MessageValueSync}, good...)

	frames, consumed, resyncs := collect(stream, &synced)
	if len(frames) != 1 || frames[0][2] != 9 {
		t.Fatalf("Expected the frame after the garbage, got %x", frames)
	}
	if consumed != len(stream) {
		t.Errorf("Expected everything consumed, got %d of %d", consumed, len(stream))
	}
	if resyncs != 1 {
		t.Errorf("Expected one resync, got %d", resyncs)
	}
	if !synced.Load() {
		t.Error("Should be synchronized again")
	}
}

func TestTransportAcksAndNaks(t *testing.T) {
	out := NewScratchOutput()
	var got []uint32
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		got = append(got, uint32(cmdID))
		return nil
	})

	// In-order frame is run and acknowledged with the next sequence
	tr.Receive(NewSliceInputBuffer(frameBytes(MessageDest, 7)))
	// A repeated frame is not run again and is answered with the expected sequence
	tr.Receive(NewSliceInputBuffer(frameBytes(MessageDest|5, 8)))

	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("Expected only command 7 to run, got %v", got)
	}

	acks := out.Result()
	if len(acks) != 2*MessageLengthMin {
		t.Fatalf("Expected two ACK frames, got %x", acks)
	}
	if acks[MessagePositionSeq] != MessageDest|1 || acks[MessageLengthMin+MessagePositionSeq] != MessageDest|1 {
		t.Errorf("Unexpected ACK sequences %x", acks)
	}
}

func TestTransportHostRestart(t *testing.T) {
	out := NewScratchOutput()
	resets := 0
	tr := NewTransport(out, func(uint16, *[]byte) error { return nil })
	tr.SetResetCallback(func() { resets++ })

	tr.Receive(NewSliceInputBuffer(frameBytes(MessageDest, 1)))
	tr.Receive(NewSliceInputBuffer(frameBytes(MessageDest, 1)))
	if resets != 1 {
		t.Errorf("Expected a reset when the host restarts at the first sequence, got %d", resets)
	}
}
