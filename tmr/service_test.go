package tmr

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tmrbridge/driver"
	"tmrbridge/script"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *driver.Sim, *script.State) {
	t.Helper()
	st := script.New()
	sim := driver.NewSim(MaxUnits)
	svc := NewService(st, sim, opts...)
	require.NoError(t, Install(svc))
	return svc, sim, st
}

// jsFunc evaluates a function expression in st
func jsFunc(t *testing.T, st *script.State, src string) goja.Value {
	t.Helper()
	var (
		v   goja.Value
		err error
	)
	st.Do(func(vm *goja.Runtime) {
		v, err = vm.RunString("(" + src + ")")
	})
	require.NoError(t, err)
	return v
}

func runInt(t *testing.T, st *script.State, code string) int64 {
	t.Helper()
	res, err := st.Run(code)
	require.NoError(t, err)
	n, ok := res.Value.(int64)
	require.True(t, ok, "result %v is not an integer", res.Value)
	return n
}

type failingDriver struct{ err error }

func (d failingDriver) Setup(uint8, uint32, driver.FireFunc, bool) error { return d.err }
func (d failingDriver) Start(uint8) error                                { return d.err }
func (d failingDriver) Stop(uint8) error                                 { return d.err }

func TestAttachInvalidPeriod(t *testing.T) {
	svc, sim, st := newTestService(t)
	cb := jsFunc(t, st, "function() {}")

	for _, period := range []int64{-5, 0, 1, 499} {
		_, err := svc.Attach(TMR0, period, cb)
		assert.ErrorIs(t, err, ErrInvalidPeriod, "period %d", period)
	}

	_, ok := svc.Table().Lookup(TMR0)
	assert.False(t, ok, "an invalid period must not register")
	setup, start, stop := sim.Calls()
	assert.Zero(t, setup+start+stop)
}

func TestAttachMinimumPeriod(t *testing.T) {
	svc, sim, st := newTestService(t)
	h, err := svc.Attach(TMR2, MinPeriodMicros, jsFunc(t, st, "function() {}"))
	require.NoError(t, err)

	unit, ok := h.Unit()
	assert.True(t, ok)
	assert.Equal(t, TMR2, unit)
	assert.Equal(t, HardwareBacked, h.Kind())

	setup, _, _ := sim.Calls()
	assert.Equal(t, int64(1), setup)
}

func TestAttachLastWriteWins(t *testing.T) {
	var events []AttachEvent
	svc, sim, st := newTestService(t, WithAttachHook(func(ev AttachEvent) { events = append(events, ev) }))
	_, err := st.Run("var first = 0, second = 0")
	require.NoError(t, err)

	h1, err := svc.Attach(TMR0, 1000, jsFunc(t, st, "function() { first++ }"))
	require.NoError(t, err)
	_, err = svc.Attach(TMR0, 1000, jsFunc(t, st, "function() { second++ }"))
	require.NoError(t, err)

	// the orphaned callback stays pinned
	assert.Equal(t, 2, st.Registry().Len())

	require.NoError(t, h1.Start())
	sim.Advance(1000)

	assert.Equal(t, int64(0), runInt(t, st, "first"))
	assert.Equal(t, int64(1), runInt(t, st, "second"))

	require.Len(t, events, 2)
	assert.False(t, events[0].Replaced)
	assert.True(t, events[1].Replaced)
}

func TestAttachUnitOutOfRange(t *testing.T) {
	svc, sim, st := newTestService(t)
	cb := jsFunc(t, st, "function() {}")

	for _, unit := range []int{-1, MaxUnits, 200} {
		_, err := svc.Attach(unit, 1000, cb)
		assert.ErrorIs(t, err, ErrDriver)
		assert.ErrorIs(t, err, driver.ErrInvalidUnit)
	}
	assert.Equal(t, 0, st.Registry().Len())
	setup, _, _ := sim.Calls()
	assert.Zero(t, setup)
}

func TestAttachNotCallable(t *testing.T) {
	svc, _, st := newTestService(t)
	var v goja.Value
	st.Do(func(vm *goja.Runtime) { v = vm.ToValue(42) })

	_, err := svc.Attach(TMR0, 1000, v)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.Attach(TMR0, 1000, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, ok := svc.Table().Lookup(TMR0)
	assert.False(t, ok)
}

func TestAttachDriverFailureKeepsRegistration(t *testing.T) {
	st := script.New()
	drvErr := errors.New("unit busy")
	svc := NewService(st, failingDriver{err: drvErr})

	_, err := svc.Attach(TMR3, 1000, jsFunc(t, st, "function() {}"))
	assert.ErrorIs(t, err, ErrDriver)
	assert.ErrorIs(t, err, drvErr)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TMR3, te.Unit)

	_, ok := svc.Table().Lookup(TMR3)
	assert.True(t, ok, "registration is not rolled back")
}

func TestHandleStartStopErrors(t *testing.T) {
	svc, _, st := newTestService(t)
	h, err := svc.Attach(TMR1, 1000, jsFunc(t, st, "function() {}"))
	require.NoError(t, err)

	svc.drv = failingDriver{err: driver.ErrNotConnected}
	assert.ErrorIs(t, h.Start(), ErrDriver)
	assert.ErrorIs(t, h.Stop(), driver.ErrNotConnected)
}

func TestSoftwareHandleNoSideEffects(t *testing.T) {
	svc, sim, _ := newTestService(t)

	h, err := svc.AttachSoftware()
	require.NoError(t, err)
	assert.Equal(t, SoftwareOnly, h.Kind())
	_, ok := h.Unit()
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		assert.NoError(t, h.Start())
		assert.NoError(t, h.Stop())
	}

	setup, start, stop := sim.Calls()
	assert.Zero(t, setup+start+stop)
	for unit := 0; unit < MaxUnits; unit++ {
		_, ok := svc.Table().Lookup(unit)
		assert.False(t, ok)
	}
}

func TestFireUnregisteredIsNoop(t *testing.T) {
	svc, _, st := newTestService(t)

	svc.Fire(TMR2)
	svc.Fire(TMR2)

	stats := svc.Stats()
	assert.Equal(t, uint64(2), stats.Fires)
	assert.Zero(t, stats.Dispatched)
	assert.Zero(t, stats.CallbackErrors)
	assert.Nil(t, stats.LastError)
	assert.Equal(t, 0, st.Registry().Len())
	assert.Equal(t, 0, st.Depth())
}

func TestScenarioAttachStartFireStop(t *testing.T) {
	svc, sim, st := newTestService(t)
	_, err := st.Run("var calls = 0")
	require.NoError(t, err)

	h, err := svc.Attach(TMR0, 50000, jsFunc(t, st, "function() { calls++ }"))
	require.NoError(t, err)
	require.NoError(t, h.Start())

	sim.Advance(50000)
	assert.Equal(t, int64(1), runInt(t, st, "calls"))

	require.NoError(t, h.Stop())
	require.NoError(t, sim.Fire(TMR0))
	sim.Advance(500000)
	assert.Equal(t, int64(1), runInt(t, st, "calls"))
}

func TestTrampolineReleasesThreadRef(t *testing.T) {
	svc, sim, st := newTestService(t)
	h, err := svc.Attach(TMR0, 1000, jsFunc(t, st, "function() {}"))
	require.NoError(t, err)
	require.NoError(t, h.Start())

	sim.Advance(5000)
	// only the callback itself stays pinned
	assert.Equal(t, 1, st.Registry().Len())
	assert.Equal(t, uint64(5), svc.Stats().Dispatched)
}

func TestCallbackErrorIsolated(t *testing.T) {
	var (
		mu     sync.Mutex
		hooked []error
	)
	svc, sim, st := newTestService(t, WithErrorHook(func(unit int, err error) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, err)
	}))
	_, err := st.Run("var good = 0")
	require.NoError(t, err)

	bad, err := svc.Attach(TMR0, 1000, jsFunc(t, st, "function() { throw new Error('bad callback') }"))
	require.NoError(t, err)
	ok, err := svc.Attach(TMR1, 1000, jsFunc(t, st, "function() { good++ }"))
	require.NoError(t, err)
	require.NoError(t, bad.Start())
	require.NoError(t, ok.Start())

	assert.NotPanics(t, func() { sim.Advance(3000) })

	assert.Equal(t, int64(3), runInt(t, st, "good"))
	stats := svc.Stats()
	assert.Equal(t, uint64(3), stats.CallbackErrors)
	assert.Equal(t, uint64(6), stats.Dispatched)
	assert.ErrorIs(t, stats.LastError, ErrCallback)
	assert.ErrorContains(t, stats.LastError, "bad callback")

	mu.Lock()
	assert.Len(t, hooked, 3)
	mu.Unlock()
}

func TestConcurrentFiresIsolated(t *testing.T) {
	svc, _, st := newTestService(t)
	_, err := st.Run("var counter = 0, results = []")
	require.NoError(t, err)

	_, err = svc.Attach(TMR0, 1000, jsFunc(t, st, `function() {
		var mine = ++counter;
		tmr.sleepms(30);
		results.push(mine);
	}`))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Fire(TMR0)
		}()
	}
	wg.Wait()

	res, err := st.Run("results")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(1), int64(2)}, res.Value)
	assert.Zero(t, svc.Stats().CallbackErrors)
	assert.Equal(t, 0, st.Depth())
}

func TestHandleQuota(t *testing.T) {
	svc, _, st := newTestService(t, WithMaxHandles(2))

	h1, err := svc.AttachSoftware()
	require.NoError(t, err)
	h2, err := svc.Attach(TMR0, 1000, jsFunc(t, st, "function() {}"))
	require.NoError(t, err)

	_, err = svc.AttachSoftware()
	assert.ErrorIs(t, err, ErrNotEnoughMemory)
	_, err = svc.Attach(TMR1, 1000, jsFunc(t, st, "function() {}"))
	assert.ErrorIs(t, err, ErrNotEnoughMemory)

	assert.Equal(t, int64(2), svc.Stats().LiveHandles)
	runtime.KeepAlive(h1)
	runtime.KeepAlive(h2)
}

func TestHandleQuotaZeroIsUnlimited(t *testing.T) {
	svc, _, _ := newTestService(t, WithMaxHandles(0))

	handles := make([]*Handle, 0, DefaultMaxHandles+10)
	for i := 0; i < DefaultMaxHandles+10; i++ {
		h, err := svc.AttachSoftware()
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, int64(len(handles)), svc.Stats().LiveHandles)
	runtime.KeepAlive(handles)
}

func TestHandleQuotaDefault(t *testing.T) {
	svc, _, _ := newTestService(t, WithMaxHandles(-1))

	handles := make([]*Handle, 0, DefaultMaxHandles)
	for i := 0; i < DefaultMaxHandles; i++ {
		h, err := svc.AttachSoftware()
		require.NoError(t, err)
		handles = append(handles, h)
	}
	_, err := svc.AttachSoftware()
	assert.ErrorIs(t, err, ErrNotEnoughMemory)
	runtime.KeepAlive(handles)
}

func TestHandleQuotaReleasedByGC(t *testing.T) {
	svc, _, _ := newTestService(t, WithMaxHandles(1))

	func() {
		_, err := svc.AttachSoftware()
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return svc.Stats().LiveHandles == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := svc.AttachSoftware()
	assert.NoError(t, err)
}
