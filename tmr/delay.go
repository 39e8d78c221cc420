package tmr

import (
	"math"
	"time"

	"github.com/dop251/goja"
)

// installDelays adds the wait functions. delay* keep the interpreter, so
// fired callbacks queue behind the caller; sleep* release it, so fired
// callbacks run while the caller waits.
func (s *Service) installDelays(vm *goja.Runtime, set func(string, any)) {
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"", time.Second},
		{"ms", time.Millisecond},
		{"us", time.Microsecond},
	}

	for _, u := range units {
		set("delay"+u.suffix, s.jsWait(vm, "delay"+u.suffix, u.unit, false))
		set("sleep"+u.suffix, s.jsWait(vm, "sleep"+u.suffix, u.unit, true))
	}
}

func (s *Service) jsWait(vm *goja.Runtime, name string, unit time.Duration, release bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if goja.IsUndefined(arg) {
			throw(vm, newError(CodeInvalidArgument, -1, "%s() requires a duration", name))
		}
		n := arg.ToFloat()
		if n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			throw(vm, newError(CodeInvalidArgument, -1, "%s(): invalid duration %v", name, arg))
		}

		d := time.Duration(n * float64(unit))
		if release {
			s.owner.Unlocked(func() { time.Sleep(d) })
		} else {
			time.Sleep(d)
		}
		return goja.Undefined()
	}
}
