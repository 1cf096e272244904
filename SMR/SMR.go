/*
Package SMR implements safe memory reclamation for the lock-free
containers in this module: hazard pointers (HP) and pass-the-buck (PTB).

Both schemes delay the disposal of a retired node until no thread can
still dereference it. A reader publishes the pointer it is about to
dereference into a per-thread slot (a hazard, or a trap); a writer that
unlinked a node hands it to Retire instead of freeing it. HP reclaims by
scanning every published slot; PTB reclaims by handing each still-trapped
pointer to its protector, which takes it over into its own retired list
when it lets go and disposes of it in a later collection cycle.

Under the default heap allocator the disposer simply drops the last
reference and the runtime GC does the rest; the schemes earn their keep
when nodes are recycled through a pool, where a reader racing a recycle
would otherwise observe a node reinitialized under it.

Containers are written against the GC interface and Guard only, never
against a concrete scheme.
*/
package SMR

import (
	"unsafe"
)

// Disposer releases one retired object. It is invoked exactly once per
// Retire call, after no slot in the registry holds the object's address.
type Disposer func(unsafe.Pointer)

// GC is the reclamation interface shared by HP and PTB.
type GC interface {
	// Pin claims a thread record for the calling goroutine. Every
	// SMR-protected operation runs between a Pin and the matching Unpin.
	Pin() *Thread
	// Unpin releases the record for reuse. Retired entries stay with the
	// record and are collected by whoever claims it next.
	Unpin(*Thread)
	// Retire queues p for disposal once unreachable. Never fails; hitting
	// the retired-list threshold triggers a collection cycle inline.
	Retire(t *Thread, p unsafe.Pointer, d Disposer)
	// Collect runs one reclamation cycle (scan for HP, liberate for PTB)
	// over t's retired list and the global pool.
	Collect(*Thread)
}

const (
	// DefaultSlots is K, the number of hazard/trap slots per thread.
	DefaultSlots = 8
	// DefaultThreshold is R, the retired-list length that triggers a
	// collection cycle: 2*K*N for N=64 presumed threads.
	DefaultThreshold = 2 * DefaultSlots * 64
)

type retired struct {
	p       unsafe.Pointer
	dispose Disposer
}

// retiredBatch carries a detached thread's leftover retired entries into
// the global pool.
type retiredBatch struct {
	next    *retiredBatch
	entries []retired
}
