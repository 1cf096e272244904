package Queues

import (
	"sync"
	"sync/atomic"
	"unsafe"

	Lockfree "github.com/g-m-twostay/go-lockfree"
	"github.com/g-m-twostay/go-lockfree/SMR"
)

type onode[T any] struct {
	nx unsafe.Pointer // toward head (written once at enqueue)
	pv unsafe.Pointer // toward tail, lazy; fixList repairs it
	v  T
}

// OptimisticQueue is the Ladan-Mozes–Shavit queue: enqueue does a single
// CAS on tail and writes the dequeue-direction pv link with a plain
// store afterward. When a dequeuer finds the pv chain broken it walks
// the always-consistent nx chain from tail to head and rebuilds pv.
type OptimisticQueue[T any] struct {
	head unsafe.Pointer // *onode[T]; the sentinel
	_    [56]byte       // keep head and tail off the same cache line
	tail unsafe.Pointer // *onode[T]
	options
	pool *sync.Pool
}

func NewOptimistic[T any](os ...Option) *OptimisticQueue[T] {
	o := defaults()
	for _, f := range os {
		f(&o)
	}
	q := &OptimisticQueue[T]{options: o}
	q.pool = newPool[onode[T]](o.pooled)
	d := unsafe.Pointer(new(onode[T]))
	q.head, q.tail = d, d
	return q
}

func (q *OptimisticQueue[T]) alloc(v T) *onode[T] {
	if q.pool == nil {
		return &onode[T]{v: v}
	}
	n := q.pool.Get().(*onode[T])
	n.v = v
	return n
}

func (q *OptimisticQueue[T]) dispose(p unsafe.Pointer) {
	if q.pool != nil {
		n := (*onode[T])(p)
		var zero T
		n.nx, n.pv, n.v = nil, nil, zero
		q.pool.Put(n)
	}
}

func (q *OptimisticQueue[T]) Push(v T) {
	n := q.alloc(v)
	th := q.gc.Pin()
	g, _ := th.Guard()
	bo := q.newBo()
	for {
		t := g.Protect(&q.tail)
		atomic.StorePointer(&n.nx, t)
		if atomic.CompareAndSwapPointer(&q.tail, t, unsafe.Pointer(n)) {
			// Optimistic part: pv is set after the fact; a dequeuer that
			// arrives first repairs it through fixList.
			atomic.StorePointer(&(*onode[T])(t).pv, unsafe.Pointer(n))
			break
		}
		q.stat.Retry()
		bo.Backoff()
	}
	g.Release()
	q.gc.Unpin(th)
	q.counter.Inc()
	q.stat.Add(true)
}

func (q *OptimisticQueue[T]) Pop() (v T, ok bool) {
	th := q.gc.Pin()
	gh, _ := th.Guard()
	gt, _ := th.Guard()
	gf, _ := th.Guard()
	bo := q.newBo()
	for {
		h := gh.Protect(&q.head)
		t := gt.Protect(&q.tail)
		first := gf.Protect(&(*onode[T])(h).pv)
		if h != atomic.LoadPointer(&q.head) {
			q.stat.Retry()
			continue
		}
		if h == t {
			break // empty
		}
		// While head is unchanged nothing between head and tail can be
		// retired, so first (always on the tail side of head) is safe to
		// inspect once guarded.
		if first == nil || atomic.LoadPointer(&(*onode[T])(first).nx) != h {
			q.fixList(th, t, h)
			q.stat.Help()
			continue
		}
		if atomic.CompareAndSwapPointer(&q.head, h, first) {
			v, ok = (*onode[T])(first).v, true
			q.gc.Retire(th, h, q.dispose)
			q.counter.Dec()
			break
		}
		q.stat.Retry()
		bo.Backoff()
	}
	gh.Release()
	gt.Release()
	gf.Release()
	q.gc.Unpin(th)
	q.stat.Remove(ok)
	return
}

// fixList rebuilds pv links by walking nx from tail toward head. The
// walk aborts as soon as head moves; staleness is bounded by the number
// of enqueues that beat their pv store.
func (q *OptimisticQueue[T]) fixList(th *SMR.Thread, t, h unsafe.Pointer) {
	gc, _ := th.Guard()
	gn, _ := th.Guard()
	gc.Assign(t) // t is covered by the caller's tail guard
	for cur := t; cur != h && atomic.LoadPointer(&q.head) == h; {
		nx := gn.Protect(&(*onode[T])(cur).nx)
		if nx == nil || atomic.LoadPointer(&q.head) != h {
			break
		}
		atomic.StorePointer(&(*onode[T])(nx).pv, cur)
		cur = nx
		gc.Assign(cur)
	}
	gc.Release()
	gn.Release()
}

func (q *OptimisticQueue[T]) Peek() (v T, ok bool) {
	th := q.gc.Pin()
	gh, _ := th.Guard()
	gt, _ := th.Guard()
	gf, _ := th.Guard()
	for {
		h := gh.Protect(&q.head)
		t := gt.Protect(&q.tail)
		first := gf.Protect(&(*onode[T])(h).pv)
		if h != atomic.LoadPointer(&q.head) {
			continue
		}
		if h == t {
			break
		}
		if first == nil || atomic.LoadPointer(&(*onode[T])(first).nx) != h {
			q.fixList(th, t, h)
			continue
		}
		v, ok = (*onode[T])(first).v, true
		break
	}
	gh.Release()
	gt.Release()
	gf.Release()
	q.gc.Unpin(th)
	return
}

func (q *OptimisticQueue[T]) Empty() bool {
	th := q.gc.Pin()
	g, _ := th.Guard()
	h := g.Protect(&q.head)
	e := h == atomic.LoadPointer(&q.tail)
	g.Release()
	q.gc.Unpin(th)
	return e
}

func (q *OptimisticQueue[T]) Size() uint {
	return q.counter.Value()
}

// Clear drains the queue; it is not atomic.
func (q *OptimisticQueue[T]) Clear() {
	for _, ok := q.Pop(); ok; _, ok = q.Pop() {
	}
}

func (q *OptimisticQueue[T]) Statistics() Lockfree.StatSnapshot {
	return q.stat.Snapshot()
}
