package tmr

import (
	"sync/atomic"

	"tmrbridge/script"
)

// Hardware timer unit ids
const (
	TMR0 = iota
	TMR1
	TMR2
	TMR3

	// MaxUnits is the number of hardware timer units
	MaxUnits = 4
)

// MinPeriodMicros is the shortest period attach accepts
const MinPeriodMicros = 500

// Entry is one attached callback: a registry slot in the owner's main state
type Entry struct {
	Ref   script.Ref
	Owner *script.State
}

// UnitTable maps each hardware unit to its attached callback. Slots are
// replaced whole, so a reader always sees a consistent snapshot.
type UnitTable struct {
	slots [MaxUnits]atomic.Pointer[Entry]
}

// NewUnitTable returns a cleared table
func NewUnitTable() *UnitTable {
	return &UnitTable{}
}

// Register attaches ref for unit and returns the ref it replaced (NoRef if
// none). The replaced ref is not released. Out of range units are ignored.
func (t *UnitTable) Register(unit int, ref script.Ref, owner *script.State) script.Ref {
	if unit < 0 || unit >= MaxUnits {
		return script.NoRef
	}
	prev := t.slots[unit].Swap(&Entry{Ref: ref, Owner: owner})
	if prev == nil {
		return script.NoRef
	}
	return prev.Ref
}

// Lookup returns the callback attached to unit
func (t *UnitTable) Lookup(unit int) (Entry, bool) {
	if unit < 0 || unit >= MaxUnits {
		return Entry{}, false
	}
	e := t.slots[unit].Load()
	if e == nil || e.Ref == script.NoRef {
		return Entry{}, false
	}
	return *e, true
}

// Reset clears every slot
func (t *UnitTable) Reset() {
	for i := range t.slots {
		t.slots[i].Store(nil)
	}
}
