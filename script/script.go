// Package script hosts the JavaScript interpreter that timer callbacks run
// in. A State owns one goja runtime; native code and timer fires enter it
// through an ownership lock so exactly one execution uses the runtime at a
// time and nested entries unwind last-in first-out.
package script

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// ScriptError represents an error raised while running script code
type ScriptError struct {
	Message string
	// Interrupted is set when the run was stopped by a watchdog,
	// cancellation or Interrupt rather than by a throw
	Interrupted bool
	// Value is the exported thrown value, if any
	Value any
}

func (e *ScriptError) Error() string {
	return e.Message
}

// Result holds the outcome of running a script.
type Result struct {
	// Value is the exported result value (nil if IsEmpty is true)
	Value any
	// IsEmpty is true if the script returned undefined/null/void
	IsEmpty bool
}

// ErrCallTimeout is the interrupt reason used by the call watchdog
var ErrCallTimeout = errors.New("callback exceeded its time limit")

// toScriptError converts anything a goja call can fail with
func toScriptError(err error) *ScriptError {
	var jsErr *goja.Exception
	var intErr *goja.InterruptedError
	var se *ScriptError
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &intErr):
		return &ScriptError{Message: intErr.Error(), Interrupted: true}
	case errors.As(err, &jsErr):
		// Value().Export() flattens Error objects to maps, so the message
		// comes from the exception itself
		return &ScriptError{Message: jsErr.Error(), Value: jsErr.Value().Export()}
	default:
		return &ScriptError{Message: err.Error()}
	}
}

// panicError converts a recovered Go panic
func panicError(r any) *ScriptError {
	if err, ok := r.(error); ok {
		return &ScriptError{Message: "panic: " + err.Error()}
	}
	return &ScriptError{Message: fmt.Sprint("panic: ", r)}
}
