package script

import "sync"

// Ref is a registry slot. NoRef never refers to a value.
type Ref int

// NoRef is the empty reference
const NoRef Ref = 0

// Registry pins values so they stay reachable from Go while no script
// variable refers to them. Slots are reused after Unref.
type Registry struct {
	mu    sync.Mutex
	slots []any // slots[0] is reserved for NoRef
	used  []bool
	free  []Ref
	live  int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		slots: make([]any, 1),
		used:  make([]bool, 1),
	}
}

// Ref stores v and returns its slot. A nil value is not stored.
func (r *Registry) Ref(v any) Ref {
	if v == nil {
		return NoRef
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var ref Ref
	if n := len(r.free); n > 0 {
		ref = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		ref = Ref(len(r.slots))
		r.slots = append(r.slots, nil)
		r.used = append(r.used, false)
	}
	r.slots[ref] = v
	r.used[ref] = true
	r.live++
	return ref
}

// Get returns the value in a slot
func (r *Registry) Get(ref Ref) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(ref) {
		return nil, false
	}
	return r.slots[ref], true
}

// Unref releases a slot. Releasing NoRef or a free slot does nothing.
func (r *Registry) Unref(ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(ref) {
		return
	}
	r.slots[ref] = nil
	r.used[ref] = false
	r.free = append(r.free, ref)
	r.live--
}

// Len returns the number of occupied slots
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *Registry) valid(ref Ref) bool {
	return ref > NoRef && int(ref) < len(r.slots) && r.used[ref]
}
