package SMR

import (
	"sync/atomic"
	"unsafe"
)

// PTB is the pass-the-buck scheme. The slot array of a thread record
// doubles as its trap set; each trap has a paired buck cell. Liberation
// hands every still-trapped retired pointer to its protector by CASing
// it into the buck cell; the protector re-retires it on guard release.
// Pointers nobody traps are disposed on the spot.
type PTB struct {
	reg       registry
	slots     int
	threshold int
	liberated batchStack
}

// NewPTB builds a pass-the-buck domain. slots<=0 and threshold<=0 select
// DefaultSlots and DefaultThreshold.
func NewPTB(slots, threshold int) *PTB {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &PTB{slots: slots, threshold: threshold}
}

func (p *PTB) Pin() *Thread {
	return p.reg.pin(p.slots, p)
}

func (p *PTB) Unpin(t *Thread) {
	p.reg.unpin(t)
}

func (p *PTB) Attach() *Thread {
	return p.Pin()
}

// Detach moves t's outstanding entries to the global liberated pool and
// releases the record.
func (p *PTB) Detach(t *Thread) {
	if len(t.retired) > 0 {
		p.liberated.push(&retiredBatch{entries: t.retired})
		t.retired = nil
	}
	p.reg.unpin(t)
}

func (p *PTB) Retire(t *Thread, ptr unsafe.Pointer, d Disposer) {
	t.retired = append(t.retired, retired{ptr, d})
	if len(t.retired) >= p.threshold {
		p.Collect(t)
	}
}

// Collect liberates t's retired list plus the global pool: each entry is
// either handed to a protector, disposed, or (when its protector's buck
// is already occupied) kept for the next cycle.
func (p *PTB) Collect(t *Thread) {
	for b := p.liberated.take(); b != nil; b = b.next {
		t.retired = append(t.retired, b.entries...)
	}
	kept := t.retired[:0]
	for _, e := range t.retired {
		switch p.pass(e) {
		case passed:
		case free:
			e.dispose(e.p)
		case trapped:
			kept = append(kept, e)
		}
	}
	clear(t.retired[len(kept):])
	t.retired = kept
}

type passResult byte

const (
	free    passResult = iota // no trap holds the pointer
	passed                    // handed to a protector's buck
	trapped                   // protected, but the buck was occupied
)

// pass scans the registry for a trap holding e.p and tries to hand the
// buck. A protector clears its trap only when done, so a pointer absent
// from every trap is visible to no thread.
func (p *PTB) pass(e retired) passResult {
	res := free
	for r := p.reg.head.Load(); r != nil; r = r.next {
		for i := range r.slots {
			if atomic.LoadPointer(&r.slots[i]) != e.p {
				continue
			}
			h := new(retired)
			*h = e
			if atomic.CompareAndSwapPointer(&r.bucks[i], nil, unsafe.Pointer(h)) {
				if atomic.LoadPointer(&r.slots[i]) == e.p {
					return passed
				}
				// The trap moved on between the check and the handoff.
				// Take the buck back unless the releaser already did.
				if atomic.CompareAndSwapPointer(&r.bucks[i], unsafe.Pointer(h), nil) {
					continue
				}
				return passed
			}
			res = trapped
		}
	}
	return res
}
