package tmr

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Install exposes the service to scripts as the global tmr object
func Install(s *Service) error {
	var err error
	s.owner.Do(func(vm *goja.Runtime) {
		err = vm.Set("tmr", s.module(vm))
	})
	if err != nil {
		return fmt.Errorf("failed to register tmr: %w", err)
	}
	return nil
}

func (s *Service) module(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	set := func(name string, v any) {
		if err := obj.Set(name, v); err != nil {
			// Registration errors are programming bugs, not runtime errors
			panic("failed to register tmr." + name + ": " + err.Error())
		}
	}

	set("attach", s.jsAttach(vm))
	set("stats", s.jsStats(vm))

	for unit, name := range []string{"TMR0", "TMR1", "TMR2", "TMR3"} {
		set(name, unit)
	}
	set("MIN_PERIOD", MinPeriodMicros)

	s.installDelays(vm, set)
	return obj
}

// jsAttach implements tmr.attach(unit, periodMicros, fn) and tmr.attach().
// Exactly three arguments select a hardware handle.
func (s *Service) jsAttach(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var (
			h   *Handle
			err error
		)
		if len(call.Arguments) == 3 {
			unit, uerr := intArg(call.Argument(0))
			period, perr := intArg(call.Argument(1))
			switch {
			case uerr != nil:
				err = newError(CodeInvalidArgument, -1, "unit: %v", uerr)
			case perr != nil:
				err = newError(CodeInvalidArgument, int(unit), "period: %v", perr)
			default:
				h, err = s.Attach(int(unit), period, call.Argument(2))
			}
		} else {
			h, err = s.AttachSoftware()
		}
		if err != nil {
			throw(vm, err)
		}
		return handleObject(vm, h)
	}
}

func handleObject(vm *goja.Runtime, h *Handle) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("start", func(goja.FunctionCall) goja.Value {
		if err := h.Start(); err != nil {
			throw(vm, err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("stop", func(goja.FunctionCall) goja.Value {
		if err := h.Stop(); err != nil {
			throw(vm, err)
		}
		return goja.Undefined()
	})

	unit := goja.Undefined()
	if u, ok := h.Unit(); ok {
		unit = vm.ToValue(u)
	}
	_ = obj.DefineDataProperty("kind", vm.ToValue(h.Kind().String()), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.DefineDataProperty("unit", unit, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}

func (s *Service) jsStats(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		st := s.Stats()
		obj := vm.NewObject()
		_ = obj.Set("fires", st.Fires)
		_ = obj.Set("dispatched", st.Dispatched)
		_ = obj.Set("errors", st.CallbackErrors)
		_ = obj.Set("liveHandles", st.LiveHandles)
		if st.LastError != nil {
			_ = obj.Set("lastError", st.LastError.Error())
		} else {
			_ = obj.Set("lastError", goja.Null())
		}
		return obj
	}
}

// throw raises err in the calling script as an Error with a code property
func throw(vm *goja.Runtime, err error) {
	code := CodeDriverError
	var te *Error
	if errors.As(err, &te) {
		code = te.Code
	}
	obj := vm.NewGoError(err)
	_ = obj.Set("code", string(code))
	panic(obj)
}

// intArg converts a script number to an integer, rejecting non-numbers
// and fractions
func intArg(v goja.Value) (int64, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0, errors.New("missing number")
	}
	switch n := v.Export().(type) {
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
}
