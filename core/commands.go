package core

import (
	"tmrbridge/protocol"
)

// responder carries replies back to the host. Nil until the platform wires
// its transport, in which case replies are dropped.
var responder *protocol.Transport

// SetGlobalTransport installs the transport SendResponse writes to
func SetGlobalTransport(transport *protocol.Transport) {
	responder = transport
}

// SendResponse encodes a registered response and queues it for the host
func SendResponse(name string, args func(output protocol.OutputBuffer)) {
	if responder == nil {
		return
	}
	cmd, ok := globalRegistry.GetCommandByName(name)
	if !ok {
		panic("response not registered: " + name)
	}
	responder.SendCommand(cmd.ID, args)
}

// InitCoreCommands registers the handshake and clock commands. The host
// decodes identify before it has a dictionary, so identify_response must
// take ID 0 and identify ID 1.
func InitCoreCommands() {
	RegisterResponse("identify_response", "offset=%u data=%*s")
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify)

	RegisterCommand("get_uptime", "", handleGetUptime)
	RegisterCommand("get_clock", "", handleGetClock)
	RegisterResponse("clock", "clock=%u")
	RegisterResponse("uptime", "high=%u clock=%u")
}

func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	chunk := GetGlobalDictionary().GetChunk(offset, uint8(count))
	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

func handleGetUptime(*[]byte) error {
	up := GetUptime()
	SendResponse("uptime", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(up>>32))
		protocol.EncodeVLQUint(output, uint32(up))
	})
	return nil
}

func handleGetClock(*[]byte) error {
	now := GetTime()
	SendResponse("clock", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, now)
	})
	return nil
}
