package SMR

import (
	"sync/atomic"
	"unsafe"

	Lockfree "github.com/g-m-twostay/go-lockfree"
)

// Thread is one record in the process-wide registry. Only the claiming
// goroutine mutates it; other threads read slots (and CAS bucks) during
// collection cycles. Records are recycled through claim/unclaim rather
// than unlinked, so registry walks never race a removal.
type Thread struct {
	next    *Thread // immutable after publication
	claimed atomic.Bool
	slots   []unsafe.Pointer // hazard (HP) or trap (PTB) cells
	bucks   []unsafe.Pointer // *retired handoff cells, PTB only
	inUse   Lockfree.BitArray
	retired []retired
	ptb     *PTB // owner scheme if PTB, for buck recovery on release
}

// Guard reserves one free slot. It fails with false when all of the
// record's K slots are held; callers must treat a failed acquisition as
// "not found" and back out without mutating anything.
func (t *Thread) Guard() (Guard, bool) {
	i := t.inUse.FirstDown()
	if i < 0 || i >= len(t.slots) {
		return Guard{}, false
	}
	t.inUse.Up(i)
	return Guard{t, i}, true
}

// registry is a grow-only lock-free list of thread records, shared by
// both schemes.
type registry struct {
	head atomic.Pointer[Thread]
}

func (r *registry) pin(slots int, ptb *PTB) *Thread {
	for t := r.head.Load(); t != nil; t = t.next {
		if t.claimed.CompareAndSwap(false, true) {
			return t
		}
	}
	t := &Thread{
		slots: make([]unsafe.Pointer, slots),
		inUse: Lockfree.NewBitArray(slots),
		ptb:   ptb,
	}
	if ptb != nil {
		t.bucks = make([]unsafe.Pointer, slots)
	}
	t.claimed.Store(true)
	for {
		h := r.head.Load()
		t.next = h
		if r.head.CompareAndSwap(h, t) {
			return t
		}
	}
}

func (r *registry) unpin(t *Thread) {
	t.claimed.Store(false)
}
