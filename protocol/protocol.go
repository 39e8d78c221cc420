// Package protocol implements the framed serial protocol spoken between
// the timer firmware and the host: VLQ argument encoding, CRC16 framing
// and the sequence/ACK handshake.
package protocol

// Version is the protocol revision reported by the firmware
const Version = "0.1.0"

const (
	// MessageMax sizes the output scratch buffer; it holds several frames
	// so responses queued in one pass go out in one write
	MessageMax = 512

	MessageSeqMask = 0x0F
)
