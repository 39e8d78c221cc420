package protocol

import "sync/atomic"

// Frame layout, both directions:
//
//	len seq payload... crc_hi crc_lo sync
//
// len counts the whole frame. seq carries MessageDest in its high bits
// and a 4-bit sequence number in its low bits.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
)

type scanResult int

const (
	frameComplete scanResult = iota
	frameIncomplete
	frameCorrupt
)

// scanFrame checks the frame at the head of data, which must not start
// with a sync byte, and returns its length when complete.
func scanFrame(data []byte) (int, scanResult) {
	if len(data) < MessageLengthMin {
		return 0, frameIncomplete
	}
	n := int(data[MessagePositionLen])
	if n < MessageLengthMin || n > MessageLengthMax {
		return 0, frameCorrupt
	}
	if data[MessagePositionSeq]&^MessageSeqMask != MessageDest {
		return 0, frameCorrupt
	}
	if len(data) < n {
		return 0, frameIncomplete
	}
	if data[n-MessageTrailerSync] != MessageValueSync {
		return 0, frameCorrupt
	}
	want := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
	if CRC16(data[:n-MessageTrailerSize]) != want {
		return 0, frameCorrupt
	}
	return n, frameComplete
}

// splitFrames calls fn with every valid frame in data and returns the
// number of bytes consumed; a trailing partial frame is left in place.
// After a corrupt frame, input is discarded up to the next sync byte,
// at which point onResync (if set) is called.
func splitFrames(data []byte, synced *atomic.Bool, onResync func(), fn func(frame []byte)) int {
	total := len(data)
	for len(data) > 0 {
		if !synced.Load() {
			i := 0
			for i < len(data) && data[i] != MessageValueSync {
				i++
			}
			if i == len(data) {
				data = nil
				break
			}
			data = data[i+1:]
			synced.Store(true)
			if onResync != nil {
				onResync()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		n, res := scanFrame(data)
		if res == frameIncomplete {
			break
		}
		if res == frameCorrupt {
			synced.Store(false)
			continue
		}
		fn(data[:n])
		data = data[n:]
	}
	return total - len(data)
}

// writeFrame encodes one frame into out. A nil payload writes an empty
// frame, which is how ACK and NAK are sent.
func writeFrame(out OutputBuffer, seq uint8, payload func(OutputBuffer)) {
	start := out.CurPosition()
	out.Output([]byte{0, seq})
	if payload != nil {
		payload(out)
	}
	out.Update(start, uint8(len(out.DataSince(start))+MessageTrailerSize))
	crc := CRC16(out.DataSince(start))
	out.Output([]byte{byte(crc >> 8), byte(crc), MessageValueSync})
}

// nextSequence returns the sequence that follows seq
func nextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
