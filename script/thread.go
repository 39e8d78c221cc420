package script

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ErrNotCallable is returned by PCall when the called value is not a function
var ErrNotCallable = errors.New("attempt to call a non-function value")

// Thread is an isolated execution derived from a State. It shares the
// state's heap and registry and has a private value stack that PCall
// consumes.
type Thread struct {
	state *State
	id    uint64
	stack []any
}

// ID returns the execution id (MainID is never used by threads)
func (t *Thread) ID() uint64 {
	return t.id
}

// State returns the main state the thread was derived from
func (t *Thread) State() *State {
	return t.state
}

// Push pushes a value onto the private stack
func (t *Thread) Push(v any) {
	t.stack = append(t.stack, v)
}

// PushRef pushes the value held in a registry slot. A stale or empty
// slot pushes nil.
func (t *Thread) PushRef(ref Ref) {
	v, _ := t.state.registry.Get(ref)
	t.Push(v)
}

// Top returns the value on top of the private stack
func (t *Thread) Top() any {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// Len returns the private stack depth
func (t *Thread) Len() int {
	return len(t.stack)
}

// PCall pops nargs arguments and the callable beneath them and calls it
// in protected mode: a throw, an interrupt or a Go panic inside the call
// is returned as a *ScriptError. The private stack is empty afterwards.
func (t *Thread) PCall(nargs int) (err error) {
	if nargs < 0 || nargs >= len(t.stack) {
		depth := len(t.stack)
		clear(t.stack)
		t.stack = t.stack[:0]
		return &ScriptError{Message: fmt.Sprintf("pcall: %d arguments on a stack of %d", nargs, depth)}
	}

	base := len(t.stack) - nargs - 1
	callee := t.stack[base]
	rawArgs := append([]any(nil), t.stack[base+1:]...)
	clear(t.stack)
	t.stack = t.stack[:0]

	s := t.state
	f := s.enter(t.id)
	defer s.exit(f)

	if s.callTimeout > 0 {
		timer := time.AfterFunc(s.callTimeout, func() {
			s.expire(f, ErrCallTimeout.Error())
		})
		defer timer.Stop()
	}

	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()

	fn, ok := callable(callee)
	if !ok {
		return &ScriptError{Message: ErrNotCallable.Error()}
	}

	args := make([]goja.Value, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = s.vm.ToValue(a)
	}

	if _, err := fn(goja.Undefined(), args...); err != nil {
		return toScriptError(err)
	}
	return nil
}

func callable(v any) (goja.Callable, bool) {
	switch fn := v.(type) {
	case goja.Callable:
		return fn, true
	case goja.Value:
		return goja.AssertFunction(fn)
	default:
		return nil, false
	}
}
