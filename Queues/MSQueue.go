package Queues

import (
	"sync"
	"sync/atomic"
	"unsafe"

	Lockfree "github.com/g-m-twostay/go-lockfree"
)

type qnode[T any] struct {
	nx unsafe.Pointer // *qnode[T]
	v  T
}

// MSQueue is the Michael–Scott lock-free FIFO. head always points at a
// sentinel: the node whose value was last handed out. tail lags behind
// the true last node by at most one link; any thread repairs the lag.
type MSQueue[T any] struct {
	head unsafe.Pointer // *qnode[T]
	_    [56]byte       // keep head and tail off the same cache line
	tail unsafe.Pointer // *qnode[T]
	options
	pool *sync.Pool
}

func NewMS[T any](os ...Option) *MSQueue[T] {
	o := defaults()
	for _, f := range os {
		f(&o)
	}
	q := &MSQueue[T]{options: o}
	q.pool = newPool[qnode[T]](o.pooled)
	d := unsafe.Pointer(new(qnode[T]))
	q.head, q.tail = d, d
	return q
}

func (q *MSQueue[T]) alloc(v T) *qnode[T] {
	if q.pool == nil {
		return &qnode[T]{v: v}
	}
	n := q.pool.Get().(*qnode[T])
	n.v = v
	return n
}

func (q *MSQueue[T]) dispose(p unsafe.Pointer) {
	if q.pool != nil {
		n := (*qnode[T])(p)
		var zero T
		n.nx, n.v = nil, zero
		q.pool.Put(n)
	}
}

func (q *MSQueue[T]) Push(v T) {
	n := unsafe.Pointer(q.alloc(v))
	th := q.gc.Pin()
	g, _ := th.Guard()
	bo := q.newBo()
	for {
		t := g.Protect(&q.tail)
		tn := atomic.LoadPointer(&(*qnode[T])(t).nx)
		if t != atomic.LoadPointer(&q.tail) {
			q.stat.Retry()
			continue
		}
		if tn != nil { // tail lags, help swing it
			atomic.CompareAndSwapPointer(&q.tail, t, tn)
			continue
		}
		if atomic.CompareAndSwapPointer(&(*qnode[T])(t).nx, nil, n) {
			atomic.CompareAndSwapPointer(&q.tail, t, n) // best effort
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

func (q *MSQueue[T]) Pop() (v T, ok bool) {
	th := q.gc.Pin()
	gh, _ := th.Guard()
	gn, _ := th.Guard()
	bo := q.newBo()
	for {
		h := gh.Protect(&q.head)
		nx := gn.Protect(&(*qnode[T])(h).nx)
		t := atomic.LoadPointer(&q.tail)
		if h != atomic.LoadPointer(&q.head) {
			q.stat.Retry()
			continue
		}
		if nx == nil {
			break // empty
		}
		if h == t { // tail lags behind head's successor
			atomic.CompareAndSwapPointer(&q.tail, t, nx)
			continue
		}
		if atomic.CompareAndSwapPointer(&q.head, h, nx) {
			v, ok = (*qnode[T])(nx).v, true
			q.gc.Retire(th, h, q.dispose)
			q.counter.Dec()
			break
		}
		q.stat.Retry()
		bo.Backoff()
	}
	gh.Release()
	gn.Release()
	q.gc.Unpin(th)
	q.stat.Remove(ok)
	return
}

// Peek copies the front value without removing it.
func (q *MSQueue[T]) Peek() (v T, ok bool) {
	th := q.gc.Pin()
	gh, _ := th.Guard()
	gn, _ := th.Guard()
	for {
		h := gh.Protect(&q.head)
		nx := gn.Protect(&(*qnode[T])(h).nx)
		if h != atomic.LoadPointer(&q.head) {
			continue
		}
		if nx != nil {
			v, ok = (*qnode[T])(nx).v, true
		}
		break
	}
	gh.Release()
	gn.Release()
	q.gc.Unpin(th)
	return
}

func (q *MSQueue[T]) Empty() bool {
	th := q.gc.Pin()
	g, _ := th.Guard()
	h := g.Protect(&q.head)
	e := atomic.LoadPointer(&(*qnode[T])(h).nx) == nil
	g.Release()
	q.gc.Unpin(th)
	return e
}

func (q *MSQueue[T]) Size() uint {
	return q.counter.Value()
}

// Clear drains the queue; it is not atomic.
func (q *MSQueue[T]) Clear() {
	for _, ok := q.Pop(); ok; _, ok = q.Pop() {
	}
}

func (q *MSQueue[T]) Statistics() Lockfree.StatSnapshot {
	return q.stat.Snapshot()
}
