package mcu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"tmrbridge/host/serial"
	"tmrbridge/protocol"
)

// ErrNotConnected is returned by calls made before Connect or after Close
var ErrNotConnected = errors.New("not connected to MCU")

// MCU represents a connection to a timer firmware
type MCU struct {
	transport *protocol.HostTransport
	logger    *slog.Logger

	dictionary     *Dictionary
	dictionaryData []byte

	mu        sync.RWMutex
	connected bool
	commands  map[string]*MessageFormat // by name
	responses map[uint16]*MessageFormat // by ID
	handlers  map[string][]ResponseHandler
	waiters   []*waiter
}

// Dictionary represents the parsed MCU dictionary
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// Option configures an MCU
type Option func(*MCU)

// WithLogger sets the logger used for connection events
func WithLogger(logger *slog.Logger) Option {
	return func(m *MCU) {
		m.logger = logger
	}
}

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU(opts ...Option) *MCU {
	m := &MCU{
		logger:   slog.Default(),
		handlers: make(map[string][]ResponseHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect connects to an MCU via serial port
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects to an MCU with a custom serial config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := m.ConnectPort(port); err != nil {
		return err
	}

	// Give MCU time to initialize (if it just powered on)
	time.Sleep(100 * time.Millisecond)
	return nil
}

// ConnectPort attaches the MCU to an already open byte stream
func (m *MCU) ConnectPort(port io.ReadWriteCloser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return errors.New("already connected")
	}

	m.transport = protocol.NewHostTransport(port)
	m.transport.SetResponseHandler(m.handleResponse)
	m.connected = true
	return nil
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	m.mu.Lock()
	transport := m.transport
	m.connected = false
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}

	if transport != nil {
		return transport.Close()
	}
	return nil
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// RetrieveDictionary retrieves the complete dictionary from the MCU
func (m *MCU) RetrieveDictionary() error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	m.logger.Debug("retrieving dictionary")

	var dictBuffer bytes.Buffer
	offset := uint32(0)
	chunkSize := uint8(40)
	maxIterations := 1000 // Safety limit

	for i := 0; i < maxIterations; i++ {
		chunk, err := m.sendIdentify(offset, chunkSize)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}

		if len(chunk) == 0 {
			break
		}

		dictBuffer.Write(chunk)
		offset += uint32(len(chunk))

		// If we got less than requested, we're done
		if len(chunk) < int(chunkSize) {
			break
		}
	}

	m.dictionaryData = dictBuffer.Bytes()
	m.logger.Debug("dictionary retrieved", "bytes", len(m.dictionaryData))

	if err := m.parseDictionary(); err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}
	return nil
}

// sendIdentify sends an identify command and waits for its response.
// The bootstrap IDs are fixed: identify = 1, identify_response = 0.
func (m *MCU) sendIdentify(offset uint32, count uint8) ([]byte, error) {
	err := m.transport.SendCommand(1, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send identify command: %w", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		resp, err := m.transport.ReceiveResponse(time.Until(deadline))
		if err != nil {
			return nil, fmt.Errorf("failed to receive identify response: %w", err)
		}

		payload := resp.Payload
		cmdID, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode response command ID: %w", err)
		}
		if cmdID != 0 {
			// unrelated traffic, e.g. a timer fire from a previous session
			continue
		}

		respOffset, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode response offset: %w", err)
		}
		if respOffset != offset {
			return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
		}

		data, err := protocol.DecodeVLQBytes(&payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode response data: %w", err)
		}
		return data, nil
	}
}

// parseDictionary parses the dictionary JSON and indexes its formats
func (m *MCU) parseDictionary() error {
	dict := &Dictionary{}
	if err := json.Unmarshal(m.dictionaryData, dict); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	commands := make(map[string]*MessageFormat, len(dict.Commands))
	for format, id := range dict.Commands {
		mf, err := ParseFormat(uint16(id), format)
		if err != nil {
			return err
		}
		commands[mf.Name] = mf
	}
	responses := make(map[uint16]*MessageFormat, len(dict.Responses))
	for format, id := range dict.Responses {
		mf, err := ParseFormat(uint16(id), format)
		if err != nil {
			return err
		}
		responses[mf.ID] = mf
	}

	m.mu.Lock()
	m.dictionary = dict
	m.commands = commands
	m.responses = responses
	m.mu.Unlock()
	return nil
}

// GetDictionary returns the parsed dictionary
func (m *MCU) GetDictionary() *Dictionary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dictionary
}

// GetDictionaryRaw returns the raw dictionary data
func (m *MCU) GetDictionaryRaw() []byte {
	return m.dictionaryData
}

// ConfigUint returns a numeric dictionary constant
func (m *MCU) ConfigUint(name string) (uint32, error) {
	dict := m.GetDictionary()
	if dict == nil {
		return 0, errors.New("dictionary not loaded")
	}
	raw, ok := dict.Config[name]
	if !ok {
		return 0, fmt.Errorf("unknown constant: %s", name)
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("constant %s: %w", name, err)
	}
	return uint32(v), nil
}

// PrintDictionary writes a summary of the dictionary
func (m *MCU) PrintDictionary(w io.Writer) {
	dict := m.GetDictionary()
	if dict == nil {
		fmt.Fprintln(w, "No dictionary loaded")
		return
	}

	fmt.Fprintf(w, "Version: %s\n", dict.Version)
	fmt.Fprintf(w, "Build: %s\n", dict.BuildVersions)

	fmt.Fprintln(w, "\nConfig:")
	for _, k := range sortedKeys(dict.Config) {
		fmt.Fprintf(w, "  %s = %s\n", k, dict.Config[k])
	}

	fmt.Fprintf(w, "\nCommands (%d):\n", len(dict.Commands))
	for _, name := range sortedKeys(dict.Commands) {
		fmt.Fprintf(w, "  [%d] %s\n", dict.Commands[name], name)
	}

	fmt.Fprintf(w, "\nResponses (%d):\n", len(dict.Responses))
	for _, name := range sortedKeys(dict.Responses) {
		fmt.Fprintf(w, "  [%d] %s\n", dict.Responses[name], name)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SendCommand sends a command by name with hand-encoded arguments
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	m.mu.RLock()
	connected, transport := m.connected, m.transport
	mf, ok := m.commands[name]
	loaded := m.commands != nil
	m.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if !loaded {
		return errors.New("dictionary not loaded")
	}
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}

	return transport.SendCommand(mf.ID, args)
}

// Send sends a command whose parameters are all integers
func (m *MCU) Send(name string, args ...uint32) error {
	m.mu.RLock()
	mf, ok := m.commands[name]
	m.mu.RUnlock()
	if ok && len(args) != len(mf.Params) {
		return fmt.Errorf("%s takes %d arguments, got %d", name, len(mf.Params), len(args))
	}

	return m.SendCommand(name, func(output protocol.OutputBuffer) {
		for _, a := range args {
			protocol.EncodeVLQUint(output, a)
		}
	})
}

// Query sends a command and waits for the first response named respName
// accepted by match (nil accepts any).
func (m *MCU) Query(ctx context.Context, respName string, match func(*Response) bool, name string, args ...uint32) (*Response, error) {
	w := &waiter{name: respName, match: match, ch: make(chan *Response, 1)}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	defer m.removeWaiter(w)

	if err := m.Send(name, args...); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-w.ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", respName, ctx.Err())
	}
}

// Clock reads the firmware clock
func (m *MCU) Clock(ctx context.Context) (uint32, error) {
	resp, err := m.Query(ctx, "clock", nil, "get_clock")
	if err != nil {
		return 0, err
	}
	return resp.Args["clock"], nil
}

func (m *MCU) removeWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.waiters {
		if cur == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// handleResponse runs on the transport read goroutine
func (m *MCU) handleResponse(cmdID uint16, data *[]byte) error {
	m.mu.RLock()
	mf, ok := m.responses[cmdID]
	m.mu.RUnlock()
	if !ok {
		// identify_response before the dictionary is loaded
		return nil
	}

	resp, err := mf.Decode(data)
	if err != nil {
		m.logger.Debug("undecodable response", "name", mf.Name, "err", err)
		return err
	}

	m.mu.Lock()
	handlers := m.handlers[resp.Name]
	for i, w := range m.waiters {
		if w.name == resp.Name && (w.match == nil || w.match(resp)) {
			w.ch <- resp
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(resp)
	}
	return nil
}
