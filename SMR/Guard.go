package SMR

import (
	"sync/atomic"
	"unsafe"
)

// Guard owns one slot of its thread record. The zero value is empty;
// every method on an empty guard is a no-op returning nil.
type Guard struct {
	t   *Thread
	idx int
}

func (g *Guard) Empty() bool {
	return g.t == nil
}

// Protect publishes the pointer read from src and rereads src until the
// published value is confirmed still current. After return the pointee
// cannot be disposed until the guard moves or is released.
func (g *Guard) Protect(src *unsafe.Pointer) unsafe.Pointer {
	if g.t == nil {
		return nil
	}
	cell := &g.t.slots[g.idx]
	for p := atomic.LoadPointer(src); ; {
		atomic.StorePointer(cell, p)
		if q := atomic.LoadPointer(src); q == p {
			return p
		} else {
			p = q
		}
	}
}

// Assign publishes p directly, for pointers whose stability the caller
// has already established through another guard.
func (g *Guard) Assign(p unsafe.Pointer) {
	if g.t != nil {
		atomic.StorePointer(&g.t.slots[g.idx], p)
	}
}

// Get returns the currently published pointer.
func (g *Guard) Get() unsafe.Pointer {
	if g.t == nil {
		return nil
	}
	return atomic.LoadPointer(&g.t.slots[g.idx])
}

// Clear unpublishes without giving up the slot.
func (g *Guard) Clear() {
	if g.t != nil {
		atomic.StorePointer(&g.t.slots[g.idx], nil)
	}
}

// Release clears the slot and returns it to the record. Under PTB any
// pointer bucked to this slot is taken over and re-retired locally, so
// responsibility for it is never dropped.
func (g *Guard) Release() {
	t := g.t
	if t == nil {
		return
	}
	atomic.StorePointer(&t.slots[g.idx], nil)
	if t.bucks != nil {
		if b := atomic.SwapPointer(&t.bucks[g.idx], nil); b != nil {
			t.retired = append(t.retired, *(*retired)(b))
		}
	}
	t.inUse.Down(g.idx)
	g.t = nil
}
