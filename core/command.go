package core

import (
	"errors"
	"strings"
	"sync"
)

// CommandHandler decodes its own arguments from data
type CommandHandler func(data *[]byte) error

// Command is a registered message. Commands flow host to firmware and
// have a handler; responses flow back and have none.
type Command struct {
	ID      uint16
	Name    string
	Format  string // parameters, e.g. "unit=%c period=%u"
	Handler CommandHandler
}

// IsResponse reports whether the message is sent by the firmware
func (c *Command) IsResponse() bool {
	return c.Handler == nil
}

// Spec is the "name params" line the dictionary carries
func (c *Command) Spec() string {
	if c.Format == "" {
		return c.Name
	}
	return c.Name + " " + c.Format
}

// CommandRegistry assigns message IDs in registration order
type CommandRegistry struct {
	mu     sync.RWMutex
	byID   []*Command
	byName map[string]*Command
}

var globalRegistry = NewCommandRegistry()

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{byName: make(map[string]*Command)}
}

// RegisterCommand adds a command to the global registry
func RegisterCommand(name string, format string, handler CommandHandler) uint16 {
	return globalRegistry.Register(name, format, handler)
}

// RegisterResponse adds a firmware-to-host message to the global registry
func RegisterResponse(name string, format string) uint16 {
	return globalRegistry.Register(name, format, nil)
}

// Register adds a message and returns its ID. Registering a name twice
// returns the first ID and keeps the first definition.
func (r *CommandRegistry) Register(name string, format string, handler CommandHandler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd, ok := r.byName[name]; ok {
		return cmd.ID
	}
	cmd := &Command{
		ID:      uint16(len(r.byID)),
		Name:    name,
		Format:  format,
		Handler: handler,
	}
	r.byID = append(r.byID, cmd)
	r.byName[name] = cmd
	return cmd.ID
}

func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.byID) {
		return nil, false
	}
	return r.byID[id], true
}

func (r *CommandRegistry) GetCommandByName(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[name]
	return cmd, ok
}

func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Dispatch runs the handler registered for cmdID. Response IDs are
// rejected like unknown ones.
func (r *CommandRegistry) Dispatch(cmdID uint16, data *[]byte) error {
	cmd, ok := r.GetCommand(cmdID)
	if !ok || cmd.IsResponse() {
		return errors.New("unknown command ID: " + itoa(int(cmdID)))
	}
	return cmd.Handler(data)
}

// GetDictionary lists every message spec, one per line, in ID order
func (r *CommandRegistry) GetDictionary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, cmd := range r.byID {
		sb.WriteString(cmd.Spec())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// GetCommandsAndResponses maps message specs to IDs, split by direction
func (r *CommandRegistry) GetCommandsAndResponses() (commands, responses map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands = make(map[string]int)
	responses = make(map[string]int)
	for _, cmd := range r.byID {
		if cmd.IsResponse() {
			responses[cmd.Spec()] = int(cmd.ID)
		} else {
			commands[cmd.Spec()] = int(cmd.ID)
		}
	}
	return commands, responses
}

// DispatchCommand dispatches through the global registry. It is the
// transport's command handler on the firmware.
func DispatchCommand(cmdID uint16, data *[]byte) error {
	return globalRegistry.Dispatch(cmdID, data)
}

func GetGlobalRegistry() *CommandRegistry {
	return globalRegistry
}
