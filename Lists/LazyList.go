package Lists

import (
	"sync"
	"sync/atomic"
	"unsafe"

	Lockfree "github.com/g-m-twostay/go-lockfree"
	"github.com/g-m-twostay/go-lockfree/SMR"
)

type options struct {
	gc      SMR.GC
	newBo   Lockfree.NewBackoff
	counter Lockfree.Counter
	stat    *Lockfree.OpStat
	model   Lockfree.Model
	pooled  bool
}

type Option func(*options)

func defaults() options {
	return options{
		gc:      SMR.NewHP(0, 0),
		newBo:   Lockfree.NoBackoff,
		counter: Lockfree.EmptyCounter{},
	}
}

func WithGC(g SMR.GC) Option                   { return func(o *options) { o.gc = g } }
func WithBackoff(f Lockfree.NewBackoff) Option { return func(o *options) { o.newBo = f } }
func WithCounter(c Lockfree.Counter) Option    { return func(o *options) { o.counter = c } }
func WithStat(s *Lockfree.OpStat) Option       { return func(o *options) { o.stat = s } }
func WithModel(m Lockfree.Model) Option        { return func(o *options) { o.model = m } }
func WithNodePool() Option                     { return func(o *options) { o.pooled = true } }

// LazyList is the Heller et al. lazy ordered list: per-node locks with
// optimistic locate-lock-validate writers and lock-free readers that
// observe logical deletion through the marked flag.
type LazyList[K, V any] struct {
	head *lnode[K] // sentinel, never marked, never retired
	less func(K, K) bool
	options
	pool *sync.Pool
}

// NewLazy builds a list ordered by less; less must be a strict weak
// ordering and is also used for key equality.
func NewLazy[K, V any](less func(K, K) bool, os ...Option) *LazyList[K, V] {
	o := defaults()
	for _, f := range os {
		f(&o)
	}
	l := &LazyList[K, V]{head: new(lnode[K]), less: less, options: o}
	if o.pooled {
		l.pool = &sync.Pool{New: func() any { return new(lnode[K]) }}
	}
	return l
}

func (l *LazyList[K, V]) eq(a, b K) bool {
	return !l.less(a, b) && !l.less(b, a)
}

func (l *LazyList[K, V]) alloc(k K, v *V) *lnode[K] {
	var n *lnode[K]
	if l.pool == nil {
		n = new(lnode[K])
	} else {
		n = l.pool.Get().(*lnode[K])
	}
	n.k = k
	n.v = unsafe.Pointer(v)
	return n
}

func (l *LazyList[K, V]) dispose(p unsafe.Pointer) {
	if l.pool != nil {
		n := (*lnode[K])(p)
		var zk K
		n.nx, n.v, n.k = nil, nil, zk
		n.marked.Store(false)
		l.pool.Put(n)
	}
}

// search positions gp on the last node with key < k and gcur on its
// successor (nil at the end of the list). The walk revalidates each hop
// after publishing its hazard and restarts from the head when a node it
// stands on was unlinked under it; with an unpooled allocator the
// validation never fires and the walk is a plain wait-free scan.
func (l *LazyList[K, V]) search(k K, gp, gcur *SMR.Guard) (pred, cur *lnode[K]) {
retry:
	pred = l.head
	gp.Assign(unsafe.Pointer(pred))
	for {
		curP := gcur.Protect(&pred.nx)
		if pred != l.head && pred.Marked() {
			l.stat.Retry()
			goto retry
		}
		if curP == nil {
			return pred, nil
		}
		cur = (*lnode[K])(curP)
		if !l.less(cur.k, k) {
			return pred, cur
		}
		pred = cur
		*gp, *gcur = *gcur, *gp
	}
}

func (l *LazyList[K, V]) Insert(k K, v V) bool {
	return l.insert(k, v, nil)
}

// InsertWith links the value, then calls init on it while still holding
// the position locks; init runs only when the insert succeeded.
func (l *LazyList[K, V]) InsertWith(k K, v V, init func(*V)) bool {
	return l.insert(k, v, init)
}

func (l *LazyList[K, V]) insert(k K, v V, init func(*V)) (ok bool) {
	th := l.gc.Pin()
	gp, _ := th.Guard()
	gcur, _ := th.Guard()
	bo := l.newBo()
	for {
		pred, cur := l.search(k, &gp, &gcur)
		if cur != nil && !l.less(k, cur.k) {
			if cur.Marked() { // dying duplicate; wait out its unlink
				l.stat.Retry()
				bo.Backoff()
				continue
			}
			break
		}
		pred.Lock()
		if cur != nil {
			cur.Lock()
		}
		if !pred.Marked() && (cur == nil || !cur.Marked()) && pred.next() == unsafe.Pointer(cur) {
			n := l.alloc(k, &v)
			n.nx = unsafe.Pointer(cur)
			atomic.StorePointer(&pred.nx, unsafe.Pointer(n))
			if init != nil {
				init((*V)(n.v))
			}
			ok = true
		}
		if cur != nil {
			cur.Unlock()
		}
		pred.Unlock()
		if ok {
			break
		}
		l.stat.Retry()
		bo.Backoff()
	}
	gp.Release()
	gcur.Release()
	l.gc.Unpin(th)
	if ok {
		l.counter.Inc()
	}
	l.stat.Add(ok)
	return
}

// Upsert inserts k or replaces the value of the existing node. Returns
// whether the operation took effect and whether it inserted.
func (l *LazyList[K, V]) Upsert(k K, v V) (bool, bool) {
	return l.UpsertWith(k, v, nil)
}

// UpsertWith calls upd(existing, v) under the node's lock when k is
// already present; otherwise it inserts v. A nil upd swaps the value
// pointer whole, which is the only update concurrent readers may observe
// mid-flight; an in-place upd races with them by contract.
func (l *LazyList[K, V]) UpsertWith(k K, v V, upd func(*V, V)) (ok, inserted bool) {
	th := l.gc.Pin()
	gp, _ := th.Guard()
	gcur, _ := th.Guard()
	bo := l.newBo()
	for {
		pred, cur := l.search(k, &gp, &gcur)
		if cur != nil && !l.less(k, cur.k) {
			cur.Lock()
			if !cur.Marked() {
				if upd == nil {
					cur.setVPtr(unsafe.Pointer(&v))
				} else {
					upd((*V)(cur.vPtr()), v)
				}
				cur.Unlock()
				ok = true
				break
			}
			cur.Unlock()
			l.stat.Retry()
			bo.Backoff()
			continue
		}
		pred.Lock()
		if cur != nil {
			cur.Lock()
		}
		if !pred.Marked() && (cur == nil || !cur.Marked()) && pred.next() == unsafe.Pointer(cur) {
			n := l.alloc(k, &v)
			n.nx = unsafe.Pointer(cur)
			atomic.StorePointer(&pred.nx, unsafe.Pointer(n))
			ok, inserted = true, true
		}
		if cur != nil {
			cur.Unlock()
		}
		pred.Unlock()
		if ok {
			break
		}
		l.stat.Retry()
		bo.Backoff()
	}
	gp.Release()
	gcur.Release()
	l.gc.Unpin(th)
	if inserted {
		l.counter.Inc()
		l.stat.Add(true)
	}
	return
}

func (l *LazyList[K, V]) Remove(k K) bool {
	_, ok := l.removeIf(k, nil, nil)
	return ok
}

// RemoveWith calls f with the removed value after the unlink, before the
// node is retired.
func (l *LazyList[K, V]) RemoveWith(k K, f func(V)) bool {
	_, ok := l.removeIf(k, nil, f)
	return ok
}

// RemoveIf removes k only when cond approves the current value.
func (l *LazyList[K, V]) RemoveIf(k K, cond func(V) bool) bool {
	_, ok := l.removeIf(k, cond, nil)
	return ok
}

// Extract removes k and returns the value it held.
func (l *LazyList[K, V]) Extract(k K) (V, bool) {
	return l.removeIf(k, nil, nil)
}

func (l *LazyList[K, V]) removeIf(k K, cond func(V) bool, f func(V)) (v V, ok bool) {
	th := l.gc.Pin()
	gp, _ := th.Guard()
	gcur, _ := th.Guard()
	bo := l.newBo()
	for {
		pred, cur := l.search(k, &gp, &gcur)
		if cur == nil || l.less(k, cur.k) || cur.Marked() {
			break // absent, or a concurrent remove already won
		}
		pred.Lock()
		cur.Lock()
		if !pred.Marked() && !cur.Marked() && pred.next() == unsafe.Pointer(cur) {
			v = *(*V)(cur.vPtr())
			if cond != nil && !cond(v) {
				cur.Unlock()
				pred.Unlock()
				break
			}
			cur.marked.Store(true) // logical delete: readers see it instantly
			atomic.StorePointer(&pred.nx, cur.next())
			cur.Unlock()
			pred.Unlock()
			if f != nil {
				f(v)
			}
			l.gc.Retire(th, unsafe.Pointer(cur), l.dispose)
			l.counter.Dec()
			ok = true
			break
		}
		cur.Unlock()
		pred.Unlock()
		l.stat.Retry()
		bo.Backoff()
	}
	gp.Release()
	gcur.Release()
	l.gc.Unpin(th)
	l.stat.Remove(ok)
	return
}

// Contains is the wait-free lookup: no locks, a single marked check at
// the target.
func (l *LazyList[K, V]) Contains(k K) bool {
	return l.Find(k, nil)
}

// Find invokes f(value, key) on hit.
func (l *LazyList[K, V]) Find(k K, f func(*V, K)) bool {
	th := l.gc.Pin()
	gp, _ := th.Guard()
	gcur, _ := th.Guard()
	_, cur := l.search(k, &gp, &gcur)
	ok := cur != nil && !l.less(k, cur.k) && !cur.Marked()
	if ok && f != nil {
		f((*V)(cur.vPtr()), cur.k)
	}
	gp.Release()
	gcur.Release()
	l.gc.Unpin(th)
	return ok
}

// Get looks k up and hands the value back under a still-published
// hazard; the caller releases the Ref.
func (l *LazyList[K, V]) Get(k K) (SMR.Ref[V], bool) {
	th := l.gc.Pin()
	gp, _ := th.Guard()
	gcur, _ := th.Guard()
	_, cur := l.search(k, &gp, &gcur)
	if cur != nil && !l.less(k, cur.k) && !cur.Marked() {
		gp.Release()
		return SMR.MakeRef(l.gc, th, gcur, (*V)(cur.vPtr())), true
	}
	gp.Release()
	gcur.Release()
	l.gc.Unpin(th)
	return SMR.Ref[V]{}, false
}

// Range calls f on each live pair until f returns false. The view is
// weakly consistent: concurrent updates may or may not be observed.
func (l *LazyList[K, V]) Range(f func(K, V) bool) {
	th := l.gc.Pin()
	gp, _ := th.Guard()
	gcur, _ := th.Guard()
	pred := l.head
	gp.Assign(unsafe.Pointer(pred))
	for {
		curP := gcur.Protect(&pred.nx)
		if pred != l.head && pred.Marked() {
			break // restartless: iteration is best-effort
		}
		if curP == nil {
			break
		}
		cur := (*lnode[K])(curP)
		if !cur.Marked() && !f(cur.k, *(*V)(cur.vPtr())) {
			break
		}
		pred = cur
		gp, gcur = gcur, gp
	}
	gp.Release()
	gcur.Release()
	l.gc.Unpin(th)
}

func (l *LazyList[K, V]) Empty() bool {
	return l.head.next() == nil
}

func (l *LazyList[K, V]) Size() uint {
	return l.counter.Value()
}

// Clear unlinks everything. Callers serialize it externally; it is the
// single-threaded teardown path.
func (l *LazyList[K, V]) Clear() {
	th := l.gc.Pin()
	p := atomic.SwapPointer(&l.head.nx, nil)
	for p != nil {
		n := (*lnode[K])(p)
		p = n.next()
		n.marked.Store(true)
		l.gc.Retire(th, unsafe.Pointer(n), l.dispose)
		l.counter.Dec()
	}
	l.gc.Unpin(th)
}

func (l *LazyList[K, V]) Statistics() Lockfree.StatSnapshot {
	return l.stat.Snapshot()
}
