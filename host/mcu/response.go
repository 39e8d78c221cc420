package mcu

import (
	"fmt"
	"strings"

	"tmrbridge/protocol"
)

// Response is one decoded response frame
type Response struct {
	Name string
	Args map[string]uint32
	Data []byte // the byte-string parameter, if the format has one
}

// ResponseHandler receives every response with a given name. It runs on
// the transport read goroutine and must not send commands itself.
type ResponseHandler func(*Response)

type waiter struct {
	name  string
	match func(*Response) bool
	ch    chan *Response
}

// Param is one parameter of a message format
type Param struct {
	Name    string
	IsBytes bool
}

// MessageFormat describes a command or response from the dictionary,
// e.g. "tmr_status unit=%c op=%c status=%c"
type MessageFormat struct {
	ID     uint16
	Name   string
	Params []Param
}

// ParseFormat parses a dictionary format string
func ParseFormat(id uint16, format string) (*MessageFormat, error) {
	fields := strings.Fields(format)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty message format for ID %d", id)
	}

	mf := &MessageFormat{ID: id, Name: fields[0]}
	for _, field := range fields[1:] {
		name, typ, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%s: malformed parameter %q", mf.Name, field)
		}
		switch typ {
		case "%c", "%u", "%i", "%hu", "%hi":
			mf.Params = append(mf.Params, Param{Name: name})
		case "%s", "%*s", "%.*s":
			mf.Params = append(mf.Params, Param{Name: name, IsBytes: true})
		default:
			return nil, fmt.Errorf("%s: unknown parameter type %q", mf.Name, typ)
		}
	}
	return mf, nil
}

// Decode reads the parameters of one message from data
func (mf *MessageFormat) Decode(data *[]byte) (*Response, error) {
	resp := &Response{Name: mf.Name, Args: make(map[string]uint32, len(mf.Params))}
	for _, p := range mf.Params {
		if p.IsBytes {
			b, err := protocol.DecodeVLQBytes(data)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", mf.Name, p.Name, err)
			}
			resp.Data = append([]byte(nil), b...)
			continue
		}
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", mf.Name, p.Name, err)
		}
		resp.Args[p.Name] = v
	}
	return resp, nil
}

// HandleResponse registers fn for every response named name
func (m *MCU) HandleResponse(name string, fn ResponseHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = append(m.handlers[name], fn)
}
