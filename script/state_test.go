package script

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gates installs wait(name), a native function that signals entered[name]
// and then blocks until gate(name) is closed. With release set the runtime
// is given up while blocked.
type gates struct {
	mu      sync.Mutex
	entered map[string]chan struct{}
	open    map[string]chan struct{}
}

func newGates(names ...string) *gates {
	g := &gates{entered: map[string]chan struct{}{}, open: map[string]chan struct{}{}}
	for _, n := range names {
		g.entered[n] = make(chan struct{})
		g.open[n] = make(chan struct{})
	}
	return g
}

func (g *gates) install(t *testing.T, s *State, release bool) {
	t.Helper()
	s.Do(func(vm *goja.Runtime) {
		require.NoError(t, vm.Set("wait", func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			close(g.entered[name])
			if release {
				s.Unlocked(func() { <-g.open[name] })
			} else {
				<-g.open[name]
			}
			return goja.Undefined()
		}))
	})
}

func global(s *State, name string) goja.Value {
	var v goja.Value
	s.Do(func(vm *goja.Runtime) { v = vm.Get(name) })
	return v
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRunResults(t *testing.T) {
	s := New()

	res, err := s.Run("1 + 2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
	assert.False(t, res.IsEmpty)

	res, err = s.Run("var x = 5")
	require.NoError(t, err)
	assert.True(t, res.IsEmpty)

	res, err = s.Run("x * 2")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Value)
}

func TestRunErrors(t *testing.T) {
	s := New()

	_, err := s.Run("throw new Error('kaboom')")
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "kaboom")
	assert.False(t, se.Interrupted)

	_, err = s.Run("this is not javascript")
	require.ErrorAs(t, err, &se)

	// the state survives errors
	res, err := s.Run("'ok'")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 0, s.Depth())
}

func TestPrintAndConsole(t *testing.T) {
	var lines []string
	s := New(WithOutput(func(msg string) { lines = append(lines, msg) }))

	_, err := s.Run(`print("a", 1); console.log("b", true)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a 1", "b true"}, lines)

	s.SetOutput(nil)
	_, err = s.Run(`print("dropped")`)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestRunContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.RunContext(ctx, "spin.js", "for (;;) {}")
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Interrupted)

	res, err := s.Run("'alive'")
	require.NoError(t, err)
	assert.Equal(t, "alive", res.Value)
}

func TestInterrupt(t *testing.T) {
	s := New()
	g := newGates("main")
	g.install(t, s, false)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run("wait('main'); for (;;) {}")
		done <- err
	}()
	waitFor(t, g.entered["main"])
	s.Interrupt("stop")
	close(g.open["main"])

	select {
	case err := <-done:
		var se *ScriptError
		require.ErrorAs(t, err, &se)
		assert.True(t, se.Interrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("script was not interrupted")
	}
}

func TestUnlockedLetsThreadsRun(t *testing.T) {
	s := New()
	g := newGates("main")
	g.install(t, s, true)
	_, err := s.Run("var hits = 0; function cb(n) { hits += n }")
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		res, _ := s.Run("wait('main'); hits")
		done <- res
	}()
	waitFor(t, g.entered["main"])

	th := s.NewThread()
	th.Push(global(s, "cb"))
	th.Push(3)
	require.NoError(t, th.PCall(1))

	close(g.open["main"])
	res := <-done
	assert.Equal(t, int64(3), res.Value)
}

func TestOwnedBlocksThreads(t *testing.T) {
	s := New()
	g := newGates("main")
	g.install(t, s, false)
	_, err := s.Run("var hits = 0; function cb() { hits++ }")
	require.NoError(t, err)
	cb := global(s, "cb")

	mainDone := make(chan struct{})
	go func() {
		s.Run("wait('main')")
		close(mainDone)
	}()
	waitFor(t, g.entered["main"])

	threadDone := make(chan error, 1)
	go func() {
		th := s.NewThread()
		th.Push(cb)
		threadDone <- th.PCall(0)
	}()

	select {
	case <-threadDone:
		t.Fatal("thread ran while the runtime was owned")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.open["main"])
	waitFor(t, mainDone)
	require.NoError(t, <-threadDone)

	res, err := s.Run("hits")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Value)
}

func TestNestedEntriesUnwindLIFO(t *testing.T) {
	s := New()
	g := newGates("main", "a")
	g.install(t, s, true)
	_, err := s.Run("var order = []; function cb() { wait('a'); order.push('a') }")
	require.NoError(t, err)
	cb := global(s, "cb")

	mainDone := make(chan struct{})
	go func() {
		s.Run("wait('main'); order.push('main')")
		close(mainDone)
	}()
	waitFor(t, g.entered["main"])

	threadDone := make(chan error, 1)
	go func() {
		th := s.NewThread()
		th.Push(cb)
		threadDone <- th.PCall(0)
	}()
	waitFor(t, g.entered["a"])
	assert.Equal(t, 2, s.Depth())

	// main's wait ends first but it must not resume above the thread
	close(g.open["main"])
	select {
	case <-mainDone:
		t.Fatal("main resumed while a nested execution was inside")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.open["a"])
	require.NoError(t, <-threadDone)
	waitFor(t, mainDone)

	res, err := s.Run("order.join(',')")
	require.NoError(t, err)
	assert.Equal(t, "a,main", res.Value)
}

func TestUnlockedWithoutOwnership(t *testing.T) {
	s := New()
	assert.Panics(t, func() { s.Unlocked(func() {}) })
}
