package script

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// MainID is the execution id of code run through State.Run
const MainID uint64 = 0

// frame is one entry into the runtime
type frame struct {
	id      uint64
	expired bool
	reason  string
}

// State is the main interpreter state
type State struct {
	vm          *goja.Runtime
	registry    *Registry
	logger      *slog.Logger
	callTimeout time.Duration

	outputMu sync.RWMutex
	output   func(string)

	// ownership lock; frames is the stack of entries into the runtime,
	// innermost last
	mu     sync.Mutex
	cond   *sync.Cond
	held   bool
	frames []*frame

	nextID atomic.Uint64
}

// Option configures a State
type Option func(*State)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *State) { s.logger = logger }
}

// WithOutput sets the sink for print() and console.log()
func WithOutput(fn func(string)) Option {
	return func(s *State) { s.SetOutput(fn) }
}

// WithCallTimeout bounds how long a protected call may own the runtime.
// Zero disables the watchdog.
func WithCallTimeout(d time.Duration) Option {
	return func(s *State) { s.callTimeout = d }
}

// New creates a main state with print and console.log installed
func New(opts ...Option) *State {
	s := &State{
		vm:       goja.New(),
		registry: NewRegistry(),
		logger:   slog.Default(),
		output:   func(string) {},
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	s.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := s.installConsole(); err != nil {
		// Registration errors are programming bugs, not runtime errors
		panic("failed to install console: " + err.Error())
	}
	return s
}

// Runtime returns the goja runtime. It may only be used by code that owns
// the runtime: native functions called from script, or inside Do.
func (s *State) Runtime() *goja.Runtime {
	return s.vm
}

// Registry returns the reference registry shared by all threads
func (s *State) Registry() *Registry {
	return s.registry
}

// Logger returns the state's logger
func (s *State) Logger() *slog.Logger {
	return s.logger
}

// SetOutput sets the function used for print() and console.log() output
func (s *State) SetOutput(fn func(string)) {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()
	if fn == nil {
		s.output = func(string) {}
	} else {
		s.output = fn
	}
}

func (s *State) print(msg string) {
	s.outputMu.RLock()
	out := s.output
	s.outputMu.RUnlock()
	out(msg)
}

func (s *State) installConsole() error {
	printFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		s.print(strings.Join(parts, " "))
		return goja.Undefined()
	}

	if err := s.vm.Set("print", printFn); err != nil {
		return fmt.Errorf("failed to register print: %w", err)
	}
	console := s.vm.NewObject()
	if err := console.Set("log", printFn); err != nil {
		return fmt.Errorf("failed to register console.log: %w", err)
	}
	return s.vm.Set("console", console)
}

// Run executes code as the main execution
func (s *State) Run(code string) (Result, error) {
	return s.RunContext(context.Background(), "", code)
}

// RunFile executes a script file as the main execution
func (s *State) RunFile(ctx context.Context, path string) (Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	return s.RunContext(ctx, path, string(src))
}

// RunContext executes code as the main execution. Cancelling ctx
// interrupts the script.
func (s *State) RunContext(ctx context.Context, name, code string) (Result, error) {
	f := s.enter(MainID)
	stop := context.AfterFunc(ctx, func() {
		s.expire(f, "context canceled")
	})

	var (
		result goja.Value
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
			}
		}()
		if name == "" {
			result, err = s.vm.RunString(code)
		} else {
			result, err = s.vm.RunScript(name, code)
		}
	}()

	stop()
	s.exit(f)

	if err != nil {
		return Result{}, toScriptError(err)
	}

	// Check for empty/void results
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return Result{IsEmpty: true}, nil
	}
	return Result{Value: result.Export()}, nil
}

// Do runs fn while owning the runtime as a fresh execution
func (s *State) Do(fn func(vm *goja.Runtime)) {
	f := s.enter(s.nextID.Add(1))
	defer s.exit(f)
	fn(s.vm)
}

// Interrupt stops every execution currently inside the runtime. Safe to
// call from any goroutine.
func (s *State) Interrupt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		f.expired = true
		f.reason = reason
	}
	if s.held && len(s.frames) > 0 {
		s.vm.Interrupt(reason)
	}
}

// Unlocked releases the runtime for the duration of fn so other
// executions, such as timer callbacks, can run. It must only be called
// from a native function invoked by script code. The caller resumes once
// every execution that entered meanwhile has finished.
func (s *State) Unlocked(fn func()) {
	s.mu.Lock()
	if !s.held || len(s.frames) == 0 {
		s.mu.Unlock()
		panic("script: Unlocked called without owning the runtime")
	}
	f := s.frames[len(s.frames)-1]
	s.held = false
	s.cond.Broadcast()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for s.held || s.frames[len(s.frames)-1] != f {
			s.cond.Wait()
		}
		s.held = true
		if f.expired {
			// expired while released
			s.vm.Interrupt(f.reason)
		}
		s.mu.Unlock()
	}()

	fn()
}

// Depth returns how many executions are inside the runtime, including
// ones that released it with Unlocked
func (s *State) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// enter blocks until the runtime is free and pushes a new frame
func (s *State) enter(id uint64) *frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.held {
		s.cond.Wait()
	}
	s.held = true
	f := &frame{id: id}
	s.frames = append(s.frames, f)
	return f
}

// exit pops the innermost frame and releases the runtime
func (s *State) exit(f *frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.frames); n == 0 || s.frames[n-1] != f {
		panic("script: executions unwound out of order")
	}
	s.frames = s.frames[:len(s.frames)-1]
	if f.expired {
		// an interrupt that arrived after the code finished must not hit
		// the next execution
		s.vm.ClearInterrupt()
	}
	s.held = false
	s.cond.Broadcast()
}

// expire marks f for interruption and interrupts it if it is running now
func (s *State) expire(f *frame, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.expired {
		return
	}
	f.expired = true
	f.reason = reason
	if s.held && len(s.frames) > 0 && s.frames[len(s.frames)-1] == f {
		s.vm.Interrupt(reason)
	}
}

// NewThread derives a new execution thread sharing this state's heap and
// registry but with its own private value stack
func (s *State) NewThread() *Thread {
	return &Thread{
		state: s,
		id:    s.nextID.Add(1),
	}
}
