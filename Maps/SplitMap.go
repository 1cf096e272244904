package Maps

import (
	"sync"
	"sync/atomic"
	"unsafe"

	Lockfree "github.com/g-m-twostay/go-lockfree"
	"github.com/g-m-twostay/go-lockfree/SMR"
	"golang.org/x/exp/constraints"
)

type options struct {
	gc         SMR.GC
	newBo      Lockfree.NewBackoff
	counter    Lockfree.Counter
	stat       *Lockfree.OpStat
	model      Lockfree.Model
	pooled     bool
	dynamic    bool
	capacity   uint
	loadFactor uint
}

type Option func(*options)

func defaults() options {
	return options{
		gc: SMR.NewHP(0, 0),
		// Resizing is driven by the item count, so the map defaults to a
		// real counter unlike the other containers.
		counter:    &Lockfree.UintCounter{},
		newBo:      Lockfree.NoBackoff,
		capacity:   1 << 16,
		loadFactor: 4,
	}
}

func WithGC(g SMR.GC) Option                   { return func(o *options) { o.gc = g } }
func WithBackoff(f Lockfree.NewBackoff) Option { return func(o *options) { o.newBo = f } }
func WithStat(s *Lockfree.OpStat) Option       { return func(o *options) { o.stat = s } }
func WithModel(m Lockfree.Model) Option        { return func(o *options) { o.model = m } }
func WithNodePool() Option                     { return func(o *options) { o.pooled = true } }

// WithCounter overrides item counting. EmptyCounter also disables load
// tracking, freezing the bucket count.
func WithCounter(c Lockfree.Counter) Option { return func(o *options) { o.counter = c } }

// WithDynamicTable picks the segmented two-level bucket table instead of
// the flat preallocated array.
func WithDynamicTable() Option { return func(o *options) { o.dynamic = true } }

// WithCapacity bounds the bucket count; rounded up to a power of two.
func WithCapacity(c uint) Option { return func(o *options) { o.capacity = c } }

// WithLoadFactor doubles the bucket count once items exceed lf*buckets.
// 0 disables resizing.
func WithLoadFactor(lf uint) Option { return func(o *options) { o.loadFactor = lf } }

// SplitMap is a split-ordered hash map: one lock-free ordered list of
// bit-reversed hashes, plus a grow-only bucket table of sentinels
// pointing into it. Doubling the table never moves an item, it only
// makes new sentinels reachable; missing sentinels are spliced in lazily
// from their parent bucket.
type SplitMap[K comparable, V any] struct {
	table   table[K]
	buckets Lockfree.AtomicUint // live bucket count, power of two
	hash    func(K) uint
	options
	pool *sync.Pool
}

// seed for the convenience constructors' runtime hashing; per-process
// so split orders differ across runs.
var seed = Lockfree.Hasher(Lockfree.CheapRandN(1<<31 - 1))

// NewSplitInt builds a map over integer keys hashed through the runtime
// hasher. Use NewSplit to supply a custom hash function.
func NewSplitInt[K constraints.Integer, V any](os ...Option) *SplitMap[K, V] {
	return NewSplit[K, V](func(k K) uint { return seed.HashUint(uint(k)) }, os...)
}

// NewSplitString builds a map over string keys hashed through the
// runtime string hasher.
func NewSplitString[V any](os ...Option) *SplitMap[string, V] {
	return NewSplit[string, V](seed.HashString, os...)
}

// NewSplit builds a map over the given hash function.
func NewSplit[K comparable, V any](hash func(K) uint, os ...Option) *SplitMap[K, V] {
	o := defaults()
	for _, f := range os {
		f(&o)
	}
	for o.capacity&(o.capacity-1) != 0 {
		o.capacity += o.capacity &^ (o.capacity - 1)
	}
	s := &SplitMap[K, V]{hash: hash, options: o}
	if o.dynamic {
		s.table = newSegTable[K](o.capacity)
	} else {
		s.table = newFlatTable[K](o.capacity)
	}
	if o.pooled {
		s.pool = &sync.Pool{New: func() any { return new(node[K]) }}
	}
	s.table.set(0, &node[K]{hash: dummyKey(0)}) // list head
	s.buckets.Store(2)
	return s
}

func (s *SplitMap[K, V]) alloc(sk uint, k K, v *V) *node[K] {
	var n *node[K]
	if s.pool == nil {
		n = new(node[K])
	} else {
		n = s.pool.Get().(*node[K])
	}
	n.hash, n.k = sk, k
	n.v = unsafe.Pointer(v)
	return n
}

func (s *SplitMap[K, V]) dispose(p unsafe.Pointer) {
	if s.pool != nil {
		n := (*node[K])(p)
		var zk K
		n.nx, n.v, n.hash, n.k = nil, nil, 0, zk
		s.pool.Put(n)
	}
}

// find walks from start for split-order key sk, helping to unlink every
// logically deleted node it passes (the unlinker retires, so each
// removal retires exactly once). On return *prev held exp, and cur is
// the first node with hash >= sk (nil at list end); found reports an
// exact (hash, key) hit. k == nil searches for a sentinel.
func (s *SplitMap[K, V]) find(th *SMR.Thread, start *node[K], sk uint, k *K, g1, g2 *SMR.Guard) (prev *unsafe.Pointer, exp unsafe.Pointer, cur *node[K], found bool) {
retry:
	prev = &start.nx
	for {
		raw := atomic.LoadPointer(prev)
		if marked(raw) { // the node owning prev died under us
			s.stat.Retry()
			goto retry
		}
		if raw == nil {
			return prev, nil, nil, false
		}
		cur = (*node[K])(raw)
		g2.Assign(raw)
		if atomic.LoadPointer(prev) != raw {
			s.stat.Retry()
			goto retry
		}
		nxt := atomic.LoadPointer(&cur.nx)
		if marked(nxt) {
			if !atomic.CompareAndSwapPointer(prev, raw, addr(nxt)) {
				s.stat.Retry()
				goto retry
			}
			s.gc.Retire(th, raw, s.dispose)
			continue
		}
		if cur.hash > sk {
			return prev, raw, cur, false
		}
		if cur.hash == sk && (k == nil || cur.k == *k) {
			return prev, raw, cur, true
		}
		// same reversed hash, different key: keep scanning the collision run
		prev = &cur.nx
		*g1, *g2 = *g2, *g1
	}
}

// sentinel resolves bucket b, splicing its sentinel in after the parent
// bucket's on first touch.
func (s *SplitMap[K, V]) sentinel(th *SMR.Thread, g1, g2 *SMR.Guard, b uint) *node[K] {
	if d := s.table.get(b); d != nil {
		return d
	}
	parent := s.sentinel(th, g1, g2, parentOf(b))
	sk := dummyKey(b)
	d := &node[K]{hash: sk}
	for {
		prev, exp, cur, found := s.find(th, parent, sk, nil, g1, g2)
		if found {
			d = cur
			break
		}
		d.nx = exp
		if atomic.CompareAndSwapPointer(prev, exp, unsafe.Pointer(d)) {
			break
		}
		s.stat.Retry()
	}
	s.table.set(b, d)
	return s.table.get(b)
}

func (s *SplitMap[K, V]) bucketOf(h uint) uint {
	return h & (s.buckets.Load() - 1)
}

func (s *SplitMap[K, V]) checkGrow() {
	if s.loadFactor == 0 {
		return
	}
	if nb := s.buckets.Load(); s.counter.Value() > s.loadFactor*nb && nb<<1 <= s.table.cap() {
		s.buckets.CompareAndSwap(nb, nb<<1)
	}
}

func (s *SplitMap[K, V]) Insert(k K, v V) bool {
	return s.insert(k, v, nil)
}

// InsertWith calls init on the linked value only when the insert won.
func (s *SplitMap[K, V]) InsertWith(k K, v V, init func(*V)) bool {
	return s.insert(k, v, init)
}

func (s *SplitMap[K, V]) insert(k K, v V, init func(*V)) (ok bool) {
	h := s.hash(k)
	sk := regularKey(h)
	th := s.gc.Pin()
	g1, _ := th.Guard()
	g2, _ := th.Guard()
	start := s.sentinel(th, &g1, &g2, s.bucketOf(h))
	bo := s.newBo()
	var n *node[K]
	for {
		prev, exp, _, found := s.find(th, start, sk, &k, &g1, &g2)
		if found {
			if n != nil {
				s.dispose(unsafe.Pointer(n))
			}
			break
		}
		if n == nil {
			n = s.alloc(sk, k, &v)
		}
		n.nx = exp
		if atomic.CompareAndSwapPointer(prev, exp, unsafe.Pointer(n)) {
			if init != nil {
				init((*V)(n.v))
			}
			ok = true
			break
		}
		s.stat.Retry()
		bo.Backoff()
	}
	g1.Release()
	g2.Release()
	s.gc.Unpin(th)
	if ok {
		s.counter.Inc()
		s.checkGrow()
	}
	s.stat.Add(ok)
	return
}

// Store unconditionally maps k to v.
func (s *SplitMap[K, V]) Store(k K, v V) {
	s.Upsert(k, v)
}

// Upsert inserts k or atomically swaps the existing node's value.
// Returns (took effect, inserted).
func (s *SplitMap[K, V]) Upsert(k K, v V) (ok, inserted bool) {
	h := s.hash(k)
	sk := regularKey(h)
	th := s.gc.Pin()
	g1, _ := th.Guard()
	g2, _ := th.Guard()
	start := s.sentinel(th, &g1, &g2, s.bucketOf(h))
	bo := s.newBo()
	var n *node[K]
	for {
		prev, exp, cur, found := s.find(th, start, sk, &k, &g1, &g2)
		if found {
			nv := new(V)
			*nv = v
			atomic.StorePointer(&cur.v, unsafe.Pointer(nv))
			if n != nil {
				s.dispose(unsafe.Pointer(n))
			}
			ok = true
			break
		}
		if n == nil {
			n = s.alloc(sk, k, &v)
		}
		n.nx = exp
		if atomic.CompareAndSwapPointer(prev, exp, unsafe.Pointer(n)) {
			ok, inserted = true, true
			break
		}
		s.stat.Retry()
		bo.Backoff()
	}
	g1.Release()
	g2.Release()
	s.gc.Unpin(th)
	if inserted {
		s.counter.Inc()
		s.checkGrow()
		s.stat.Add(true)
	}
	return
}

func (s *SplitMap[K, V]) Delete(k K) bool {
	_, ok := s.remove(k, nil)
	return ok
}

// DeleteWith calls f with the removed value once the node is logically
// deleted and before this call unlinks and retires it. A concurrent
// walker that unlinks the marked node first retires it itself.
func (s *SplitMap[K, V]) DeleteWith(k K, f func(V)) bool {
	_, ok := s.remove(k, f)
	return ok
}

// Extract removes k and returns the value it held.
func (s *SplitMap[K, V]) Extract(k K) (V, bool) {
	return s.remove(k, nil)
}

func (s *SplitMap[K, V]) remove(k K, f func(V)) (v V, ok bool) {
	h := s.hash(k)
	sk := regularKey(h)
	th := s.gc.Pin()
	g1, _ := th.Guard()
	g2, _ := th.Guard()
	start := s.sentinel(th, &g1, &g2, s.bucketOf(h))
	bo := s.newBo()
	for {
		prev, exp, cur, found := s.find(th, start, sk, &k, &g1, &g2)
		if !found {
			break
		}
		nxt := atomic.LoadPointer(&cur.nx)
		if marked(nxt) { // racing remover owns it
			continue
		}
		v = *(*V)(cur.vPtr())
		if !atomic.CompareAndSwapPointer(&cur.nx, nxt, mark(nxt)) {
			s.stat.Retry()
			bo.Backoff()
			continue
		}
		if f != nil {
			f(v)
		}
		// Logically deleted; unlink or leave it to a helping walker.
		if atomic.CompareAndSwapPointer(prev, exp, addr(nxt)) {
			s.gc.Retire(th, exp, s.dispose)
		} else {
			s.find(th, start, sk, &k, &g1, &g2)
		}
		s.counter.Dec()
		ok = true
		break
	}
	g1.Release()
	g2.Release()
	s.gc.Unpin(th)
	s.stat.Remove(ok)
	return
}

func (s *SplitMap[K, V]) Load(k K) (v V, ok bool) {
	h := s.hash(k)
	th := s.gc.Pin()
	g1, _ := th.Guard()
	g2, _ := th.Guard()
	start := s.sentinel(th, &g1, &g2, s.bucketOf(h))
	_, _, cur, found := s.find(th, start, regularKey(h), &k, &g1, &g2)
	if found {
		v, ok = *(*V)(cur.vPtr()), true
	}
	g1.Release()
	g2.Release()
	s.gc.Unpin(th)
	return
}

func (s *SplitMap[K, V]) HasKey(k K) bool {
	_, ok := s.Load(k)
	return ok
}

// Get hands the value back under a still-published hazard.
func (s *SplitMap[K, V]) Get(k K) (SMR.Ref[V], bool) {
	h := s.hash(k)
	th := s.gc.Pin()
	g1, _ := th.Guard()
	g2, _ := th.Guard()
	start := s.sentinel(th, &g1, &g2, s.bucketOf(h))
	_, _, cur, found := s.find(th, start, regularKey(h), &k, &g1, &g2)
	if found {
		g1.Release()
		return SMR.MakeRef(s.gc, th, g2, (*V)(cur.vPtr())), true
	}
	g1.Release()
	g2.Release()
	s.gc.Unpin(th)
	return SMR.Ref[V]{}, false
}

// Range visits live entries in split order; weakly consistent.
func (s *SplitMap[K, V]) Range(f func(K, V) bool) {
	th := s.gc.Pin()
	g1, _ := th.Guard()
	g2, _ := th.Guard()
	pred := s.table.get(0)
	for {
		raw := atomic.LoadPointer(&pred.nx)
		if marked(raw) || raw == nil {
			break
		}
		cur := (*node[K])(raw)
		g2.Assign(raw)
		if atomic.LoadPointer(&pred.nx) != raw {
			continue
		}
		if vp := cur.vPtr(); vp != nil && !marked(atomic.LoadPointer(&cur.nx)) {
			if !f(cur.k, *(*V)(vp)) {
				break
			}
		}
		pred = cur
		g1, g2 = g2, g1
	}
	g1.Release()
	g2.Release()
	s.gc.Unpin(th)
}

func (s *SplitMap[K, V]) Size() uint {
	return s.counter.Value()
}

func (s *SplitMap[K, V]) Empty() bool {
	found := false
	s.Range(func(K, V) bool {
		found = true
		return false
	})
	return !found
}

// Clear drops every user node, keeping the sentinel skeleton. Callers
// serialize it externally.
func (s *SplitMap[K, V]) Clear() {
	th := s.gc.Pin()
	lastRelay := s.table.get(0)
	for p := addr(atomic.LoadPointer(&lastRelay.nx)); p != nil; {
		n := (*node[K])(p)
		p = addr(atomic.LoadPointer(&n.nx))
		if n.isRelay() {
			atomic.StorePointer(&lastRelay.nx, unsafe.Pointer(n))
			lastRelay = n
		} else {
			s.gc.Retire(th, unsafe.Pointer(n), s.dispose)
			s.counter.Dec()
		}
	}
	atomic.StorePointer(&lastRelay.nx, nil)
	s.gc.Unpin(th)
}

func (s *SplitMap[K, V]) Statistics() Lockfree.StatSnapshot {
	return s.stat.Snapshot()
}
