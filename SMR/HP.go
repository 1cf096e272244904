package SMR

import (
	"slices"
	"sync/atomic"
	"unsafe"
)

// HP is the hazard-pointer scheme: K slots per thread, a per-thread
// bounded retired list, and a scan that disposes every retired entry no
// published hazard protects.
type HP struct {
	reg       registry
	slots     int
	threshold int
	pool      batchStack
}

// NewHP builds a hazard-pointer domain. slots<=0 and threshold<=0 select
// DefaultSlots and DefaultThreshold.
func NewHP(slots, threshold int) *HP {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &HP{slots: slots, threshold: threshold}
}

func (h *HP) Pin() *Thread {
	return h.reg.pin(h.slots, nil)
}

func (h *HP) Unpin(t *Thread) {
	h.reg.unpin(t)
}

// Attach claims a record for a long-lived thread. Identical to Pin; the
// name pairs with Detach for callers managing explicit thread lifetime.
func (h *HP) Attach() *Thread {
	return h.Pin()
}

// Detach hands t's remaining retired entries to the global pool and
// releases the record. The entries are disposed by the next scan anyone
// runs.
func (h *HP) Detach(t *Thread) {
	if len(t.retired) > 0 {
		h.pool.push(&retiredBatch{entries: t.retired})
		t.retired = nil
	}
	h.reg.unpin(t)
}

func (h *HP) Retire(t *Thread, p unsafe.Pointer, d Disposer) {
	t.retired = append(t.retired, retired{p, d})
	if len(t.retired) >= h.threshold {
		h.Collect(t)
	}
}

// Collect is the scan phase: snapshot every thread's hazard slots, then
// dispose each retired entry absent from the snapshot. Entries pulled
// from the global pool of detached threads join the cycle.
func (h *HP) Collect(t *Thread) {
	hazards := make([]uintptr, 0, 4*h.slots)
	for r := h.reg.head.Load(); r != nil; r = r.next {
		for i := range r.slots {
			if p := atomic.LoadPointer(&r.slots[i]); p != nil {
				hazards = append(hazards, uintptr(p))
			}
		}
	}
	slices.Sort(hazards)
	for b := h.pool.take(); b != nil; b = b.next {
		t.retired = append(t.retired, b.entries...)
	}
	kept := t.retired[:0]
	for _, e := range t.retired {
		if _, hot := slices.BinarySearch(hazards, uintptr(e.p)); hot {
			kept = append(kept, e)
		} else {
			e.dispose(e.p)
		}
	}
	clear(t.retired[len(kept):])
	t.retired = kept
}

// batchStack is the global pool: a Treiber-style stack of retired
// batches from detached threads.
type batchStack struct {
	top atomic.Pointer[retiredBatch]
}

func (s *batchStack) push(b *retiredBatch) {
	for {
		h := s.top.Load()
		b.next = h
		if s.top.CompareAndSwap(h, b) {
			return
		}
	}
}

// take detaches the whole stack.
func (s *batchStack) take() *retiredBatch {
	return s.top.Swap(nil)
}
