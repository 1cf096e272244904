package Lists

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// FlagLock pairs a node lock with the logical-delete flag. Lockers take
// the lock and then check Marked, bailing out when the node was marked
// before the lock was won (SafeLock does both in one call); wait-free
// readers poll Marked without taking the lock.
type FlagLock struct {
	sync.Mutex
	marked atomic.Bool
}

func (l *FlagLock) Marked() bool {
	return l.marked.Load()
}

// SafeLock acquires the lock and reports whether the node is still live.
func (l *FlagLock) SafeLock() bool {
	l.Lock()
	return !l.marked.Load()
}

type lnode[K any] struct {
	nx unsafe.Pointer // *lnode[K], atomic
	v  unsafe.Pointer // *V, atomic; nil only on the head sentinel
	FlagLock
	k K
}

func (n *lnode[K]) next() unsafe.Pointer {
	return atomic.LoadPointer(&n.nx)
}

func (n *lnode[K]) vPtr() unsafe.Pointer {
	return atomic.LoadPointer(&n.v)
}

func (n *lnode[K]) setVPtr(p unsafe.Pointer) {
	atomic.StorePointer(&n.v, p)
}
