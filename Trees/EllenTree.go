package Trees

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	Lockfree "github.com/g-m-twostay/go-lockfree"
	"github.com/g-m-twostay/go-lockfree/SMR"
	"golang.org/x/exp/constraints"
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

// EllenTree is the Ellen et al. non-blocking external binary search
// tree. Values live only in leaves; internal nodes route and carry the
// update word that serializes structural changes on them. Every
// operation that runs into a flagged node helps it finish before
// retrying, which is what makes the tree lock-free. The tree is
// deliberately unbalanced.
type EllenTree[K, V any] struct {
	root *tnode[K] // internal, ∞₂ key; never retired
	less func(K, K) bool
	options
	pool *sync.Pool
}

// NewEllenOrdered builds a tree over a naturally ordered key type.
func NewEllenOrdered[K constraints.Ordered, V any](os ...Option) *EllenTree[K, V] {
	return NewEllen[K, V](func(a, b K) bool { return a < b }, os...)
}

func NewEllen[K, V any](less func(K, K) bool, os ...Option) *EllenTree[K, V] {
	o := defaults()
	for _, f := range os {
		f(&o)
	}
	t := &EllenTree[K, V]{
		root: &tnode[K]{inf: 2},
		less: less,
		options: o,
	}
	t.root.left = unsafe.Pointer(&tnode[K]{leaf: true, inf: 1})
	t.root.right = unsafe.Pointer(&tnode[K]{leaf: true, inf: 2})
	if o.pooled {
		t.pool = &sync.Pool{New: func() any { return new(tnode[K]) }}
	}
	return t
}

func (t *EllenTree[K, V]) allocNode() *tnode[K] {
	if t.pool == nil {
		return new(tnode[K])
	}
	return t.pool.Get().(*tnode[K])
}

func (t *EllenTree[K, V]) dispose(p unsafe.Pointer) {
	if t.pool != nil {
		n := (*tnode[K])(p)
		var zk K
		n.left, n.right, n.update, n.v = nil, nil, nil, nil
		n.k, n.inf, n.leaf = zk, 0, false
		t.pool.Put(n)
	}
}

// nodeLess reports k < n's routing key; the two infinity levels order
// above every real key.
func (t *EllenTree[K, V]) nodeLess(k K, n *tnode[K]) bool {
	return n.inf != 0 || t.less(k, n.k)
}

func (t *EllenTree[K, V]) leafMatches(l *tnode[K], k K) bool {
	return l.inf == 0 && !t.less(l.k, k) && !t.less(k, l.k)
}

// searchLeaf walks to a leaf, branching left wherever pick says so.
// Each hop publishes the child's hazard and then revalidates through
// the parent's update word: a parent that is Marked may have frozen
// child links, so the hop is only trusted while the grandparent still
// carries the matching DFlag (meaning the removal has not completed and
// nothing on this path has been retired yet). Any other inconsistency
// restarts from the root.
func (t *EllenTree[K, V]) searchLeaf(pick func(*tnode[K]) bool, ggp, gpp, gl *SMR.Guard) (gp, p, l *tnode[K], gpupdate, pupdate unsafe.Pointer) {
retry:
	gp, p = nil, nil
	gpupdate, pupdate = nil, nil
	l = t.root
	gl.Assign(unsafe.Pointer(t.root))
	for !l.leaf {
		gp, p = p, l
		gpupdate = pupdate
		hold := *ggp
		*ggp = *gpp
		*gpp = *gl
		*gl = hold
		pupdate = atomic.LoadPointer(&p.update)
		raw := gl.Protect(p.child(pick(p)))
		if raw == nil {
			t.stat.Retry()
			goto retry
		}
		if pu := atomic.LoadPointer(&p.update); state(pu) == sMark {
			opm := infoOf[K](pu)
			if gp == nil || atomic.LoadPointer(&gp.update) != tagged(opm, sDFlag) {
				t.stat.Retry()
				goto retry
			}
		}
		l = (*tnode[K])(raw)
	}
	return
}

func (t *EllenTree[K, V]) search(k K, ggp, gpp, gl *SMR.Guard) (gp, p, l *tnode[K], gpupdate, pupdate unsafe.Pointer) {
	return t.searchLeaf(func(n *tnode[K]) bool { return t.nodeLess(k, n) }, ggp, gpp, gl)
}

// help finishes the operation a flagged update word describes.
func (t *EllenTree[K, V]) help(th *SMR.Thread, u unsafe.Pointer) {
	switch state(u) {
	case sIFlag:
		t.helpInsert(th, infoOf[K](u))
	case sMark:
		t.helpMarked(th, infoOf[K](u))
	case sDFlag:
		t.helpDelete(th, infoOf[K](u), false)
	}
	t.stat.Help()
}

// helpInsert swings the flagged parent's child from the old leaf to the
// new internal and unflags. The child-CAS winner retires the old leaf;
// retiring strictly after the unflag keeps the still-flagged state as
// proof for other helpers that nothing here is reclaimed yet.
func (t *EllenTree[K, V]) helpInsert(th *SMR.Thread, op *info[K]) {
	g, ok := th.Guard()
	if !ok {
		return
	}
	iw := tagged(op, sIFlag)
	g.Assign(unsafe.Pointer(op.p))
	if atomic.LoadPointer(&op.p.update) == iw {
		won := casChild(op.p, op.l, op.newInternal)
		atomic.CompareAndSwapPointer(&op.p.update, iw, nil)
		if won {
			t.gc.Retire(th, unsafe.Pointer(op.l), t.dispose)
		}
	}
	g.Release()
}

// helpMarked finishes a delete whose parent is already marked: route
// the grandparent around the parent to the surviving sibling, unflag,
// and let the child-CAS winner retire the two unlinked nodes.
func (t *EllenTree[K, V]) helpMarked(th *SMR.Thread, op *info[K]) {
	g1, ok1 := th.Guard()
	g2, ok2 := th.Guard()
	if !ok1 || !ok2 {
		g1.Release()
		g2.Release()
		return
	}
	dw := tagged(op, sDFlag)
	g1.Assign(unsafe.Pointer(op.gp))
	g2.Assign(unsafe.Pointer(op.p))
	if atomic.LoadPointer(&op.gp.update) == dw {
		var sib unsafe.Pointer
		if atomic.LoadPointer(&op.p.right) == unsafe.Pointer(op.l) {
			sib = atomic.LoadPointer(&op.p.left)
		} else {
			sib = atomic.LoadPointer(&op.p.right)
		}
		won := casChild(op.gp, op.p, (*tnode[K])(sib))
		atomic.CompareAndSwapPointer(&op.gp.update, dw, nil)
		if won {
			t.gc.Retire(th, unsafe.Pointer(op.p), t.dispose)
			t.gc.Retire(th, unsafe.Pointer(op.l), t.dispose)
		}
	}
	g1.Release()
	g2.Release()
}

// helpDelete tries to mark the parent. Marking won (by anyone) means
// the delete is committed; an interfering operation in the parent's
// update word is helped, then the grandparent flag is backed off and
// the delete reports failure. own distinguishes the flagging thread,
// which alone may interpret a finished op as its own success.
func (t *EllenTree[K, V]) helpDelete(th *SMR.Thread, op *info[K], own bool) bool {
	g1, ok1 := th.Guard()
	g2, ok2 := th.Guard()
	if !ok1 || !ok2 {
		g1.Release()
		g2.Release()
		return false
	}
	dw, mw := tagged(op, sDFlag), tagged(op, sMark)
	g1.Assign(unsafe.Pointer(op.gp))
	g2.Assign(unsafe.Pointer(op.p))
	res := false
	if atomic.LoadPointer(&op.gp.update) != dw {
		// Finished or backed off before we got here; only the owner,
		// whose search guards still cover p, may read the verdict.
		res = own && atomic.LoadPointer(&op.p.update) == mw
	} else if atomic.CompareAndSwapPointer(&op.p.update, op.pupdate, mw) ||
		atomic.LoadPointer(&op.p.update) == mw {
		t.helpMarked(th, op)
		res = true
	} else {
		switch fresh := atomic.LoadPointer(&op.p.update); state(fresh) {
		case sIFlag:
			t.helpInsert(th, infoOf[K](fresh))
		case sMark:
			t.helpMarked(th, infoOf[K](fresh))
		}
		atomic.CompareAndSwapPointer(&op.gp.update, dw, nil)
	}
	g1.Release()
	g2.Release()
	return res
}

// buildInternal wires the replacement subtree for an insert: a fresh
// internal routing on the larger key, over the new leaf and a copy of
// the leaf being split.
func (t *EllenTree[K, V]) buildInternal(nl, l *tnode[K]) *tnode[K] {
	lc := t.allocNode()
	lc.leaf, lc.k, lc.inf = true, l.k, l.inf
	lc.v = atomic.LoadPointer(&l.v)
	ni := t.allocNode()
	ni.leaf = false
	if l.inf != 0 || t.less(nl.k, l.k) {
		ni.k, ni.inf = l.k, l.inf
		ni.left, ni.right = unsafe.Pointer(nl), unsafe.Pointer(lc)
	} else {
		ni.k, ni.inf = nl.k, 0
		ni.left, ni.right = unsafe.Pointer(lc), unsafe.Pointer(nl)
	}
	return ni
}

// disposeSpare returns a never-published speculative subtree (internal
// plus leaf copy, but not the reusable new leaf) to the pool.
func (t *EllenTree[K, V]) disposeSpare(ni, nl *tnode[K]) {
	lc := ni.left
	if lc == unsafe.Pointer(nl) {
		lc = ni.right
	}
	t.dispose(lc)
	t.dispose(unsafe.Pointer(ni))
}

func (t *EllenTree[K, V]) Insert(k K, v V) bool {
	return t.insert(k, v, nil)
}

// InsertWith calls init on the linked value once the insert has won.
func (t *EllenTree[K, V]) InsertWith(k K, v V, init func(*V)) bool {
	return t.insert(k, v, init)
}

func (t *EllenTree[K, V]) insert(k K, v V, init func(*V)) (ok bool) {
	th := t.gc.Pin()
	ggp, _ := th.Guard()
	gpp, _ := th.Guard()
	gl, _ := th.Guard()
	bo := t.newBo()
	var nl *tnode[K]
	for {
		_, p, l, _, pupdate := t.search(k, &ggp, &gpp, &gl)
		if t.leafMatches(l, k) {
			if nl != nil {
				t.dispose(unsafe.Pointer(nl))
			}
			break
		}
		if state(pupdate) != sClean {
			t.help(th, pupdate)
			continue
		}
		if nl == nil {
			nl = t.allocNode()
			nl.leaf, nl.k = true, k
			nl.v = unsafe.Pointer(&v)
		}
		op := &info[K]{p: p, l: l, newInternal: t.buildInternal(nl, l)}
		if atomic.CompareAndSwapPointer(&p.update, pupdate, tagged(op, sIFlag)) {
			t.helpInsert(th, op)
			if init != nil {
				init((*V)(nl.v))
			}
			ok = true
			break
		}
		t.disposeSpare(op.newInternal, nl)
		t.help(th, atomic.LoadPointer(&p.update))
		t.stat.Retry()
		bo.Backoff()
	}
	ggp.Release()
	gpp.Release()
	gl.Release()
	t.gc.Unpin(th)
	if ok {
		t.counter.Inc()
	}
	t.stat.Add(ok)
	return
}

// Upsert inserts k or swaps the existing leaf's value atomically.
func (t *EllenTree[K, V]) Upsert(k K, v V) (ok, inserted bool) {
	th := t.gc.Pin()
	ggp, _ := th.Guard()
	gpp, _ := th.Guard()
	gl, _ := th.Guard()
	bo := t.newBo()
	var nl *tnode[K]
	for {
		_, p, l, _, pupdate := t.search(k, &ggp, &gpp, &gl)
		if t.leafMatches(l, k) {
			nv := new(V)
			*nv = v
			atomic.StorePointer(&l.v, unsafe.Pointer(nv))
			if nl != nil {
				t.dispose(unsafe.Pointer(nl))
			}
			ok = true
			break
		}
		if state(pupdate) != sClean {
			t.help(th, pupdate)
			continue
		}
		if nl == nil {
			nl = t.allocNode()
			nl.leaf, nl.k = true, k
			nl.v = unsafe.Pointer(&v)
		}
		op := &info[K]{p: p, l: l, newInternal: t.buildInternal(nl, l)}
		if atomic.CompareAndSwapPointer(&p.update, pupdate, tagged(op, sIFlag)) {
			t.helpInsert(th, op)
			ok, inserted = true, true
			break
		}
		t.disposeSpare(op.newInternal, nl)
		t.help(th, atomic.LoadPointer(&p.update))
		t.stat.Retry()
		bo.Backoff()
	}
	ggp.Release()
	gpp.Release()
	gl.Release()
	t.gc.Unpin(th)
	if inserted {
		t.counter.Inc()
		t.stat.Add(true)
	}
	return
}

func (t *EllenTree[K, V]) Delete(k K) bool {
	_, _, ok := t.remove(func(n *tnode[K]) bool { return t.nodeLess(k, n) },
		func(l *tnode[K]) bool { return t.leafMatches(l, k) }, nil)
	return ok
}

// DeleteWith calls f with the removed value before control returns.
func (t *EllenTree[K, V]) DeleteWith(k K, f func(V)) bool {
	_, _, ok := t.remove(func(n *tnode[K]) bool { return t.nodeLess(k, n) },
		func(l *tnode[K]) bool { return t.leafMatches(l, k) }, f)
	return ok
}

// Extract removes k and returns its value.
func (t *EllenTree[K, V]) Extract(k K) (V, bool) {
	_, v, ok := t.remove(func(n *tnode[K]) bool { return t.nodeLess(k, n) },
		func(l *tnode[K]) bool { return t.leafMatches(l, k) }, nil)
	return v, ok
}

// ExtractMin removes and returns the leftmost leaf. The value is the
// minimum as of the moment the walk pinned that leaf; a smaller key
// inserted concurrently after that point may survive it.
func (t *EllenTree[K, V]) ExtractMin() (K, V, bool) {
	return t.remove(func(*tnode[K]) bool { return true },
		func(l *tnode[K]) bool { return l.inf == 0 }, nil)
}

// ExtractMax removes and returns the rightmost real leaf; same
// concurrency caveat as ExtractMin. Subtrees under an infinity routing
// key hold no real leaves, so the walk turns left there.
func (t *EllenTree[K, V]) ExtractMax() (K, V, bool) {
	return t.remove(func(n *tnode[K]) bool { return n.inf != 0 },
		func(l *tnode[K]) bool { return l.inf == 0 }, nil)
}

func (t *EllenTree[K, V]) remove(pick func(*tnode[K]) bool, want func(*tnode[K]) bool, f func(V)) (k K, v V, ok bool) {
	th := t.gc.Pin()
	ggp, _ := th.Guard()
	gpp, _ := th.Guard()
	gl, _ := th.Guard()
	bo := t.newBo()
	for {
		gp, p, l, gpupdate, pupdate := t.searchLeaf(pick, &ggp, &gpp, &gl)
		if !want(l) || gp == nil {
			break
		}
		if state(gpupdate) != sClean {
			t.help(th, gpupdate)
			continue
		}
		if state(pupdate) != sClean {
			t.help(th, pupdate)
			continue
		}
		op := &info[K]{gp: gp, p: p, l: l, pupdate: pupdate}
		if atomic.CompareAndSwapPointer(&gp.update, gpupdate, tagged(op, sDFlag)) {
			if t.helpDelete(th, op, true) {
				k, v, ok = l.k, *(*V)(atomic.LoadPointer(&l.v)), true
				break
			}
		} else {
			t.help(th, atomic.LoadPointer(&gp.update))
		}
		t.stat.Retry()
		bo.Backoff()
	}
	ggp.Release()
	gpp.Release()
	gl.Release()
	t.gc.Unpin(th)
	if ok {
		if f != nil {
			f(v)
		}
		t.counter.Dec()
	}
	t.stat.Remove(ok)
	return
}

func (t *EllenTree[K, V]) Find(k K) (v V, ok bool) {
	th := t.gc.Pin()
	ggp, _ := th.Guard()
	gpp, _ := th.Guard()
	gl, _ := th.Guard()
	_, _, l, _, _ := t.search(k, &ggp, &gpp, &gl)
	if t.leafMatches(l, k) {
		v, ok = *(*V)(atomic.LoadPointer(&l.v)), true
	}
	ggp.Release()
	gpp.Release()
	gl.Release()
	t.gc.Unpin(th)
	return
}

func (t *EllenTree[K, V]) HasKey(k K) bool {
	_, ok := t.Find(k)
	return ok
}

// FindWith invokes f(value, key) on hit.
func (t *EllenTree[K, V]) FindWith(k K, f func(*V, K)) bool {
	th := t.gc.Pin()
	ggp, _ := th.Guard()
	gpp, _ := th.Guard()
	gl, _ := th.Guard()
	_, _, l, _, _ := t.search(k, &ggp, &gpp, &gl)
	ok := t.leafMatches(l, k)
	if ok && f != nil {
		f((*V)(atomic.LoadPointer(&l.v)), l.k)
	}
	ggp.Release()
	gpp.Release()
	gl.Release()
	t.gc.Unpin(th)
	return ok
}

// Get hands the value back under a still-published hazard on its leaf.
func (t *EllenTree[K, V]) Get(k K) (SMR.Ref[V], bool) {
	th := t.gc.Pin()
	ggp, _ := th.Guard()
	gpp, _ := th.Guard()
	gl, _ := th.Guard()
	_, _, l, _, _ := t.search(k, &ggp, &gpp, &gl)
	if t.leafMatches(l, k) {
		ggp.Release()
		gpp.Release()
		return SMR.MakeRef(t.gc, th, gl, (*V)(atomic.LoadPointer(&l.v))), true
	}
	ggp.Release()
	gpp.Release()
	gl.Release()
	t.gc.Unpin(th)
	return SMR.Ref[V]{}, false
}

func (t *EllenTree[K, V]) Size() uint {
	return t.counter.Value()
}

func (t *EllenTree[K, V]) Empty() bool {
	l := (*tnode[K])(atomic.LoadPointer(&t.root.left))
	return l.leaf && l.inf != 0
}

// Range walks the leaves in key order. Without a node pool the walk is
// safe against concurrent writers (though weakly consistent); with
// pooling it belongs to quiescent use only, like Clear.
func (t *EllenTree[K, V]) Range(f func(K, V) bool) {
	t.rangeFrom(unsafe.Pointer(t.root), f)
}

func (t *EllenTree[K, V]) rangeFrom(p unsafe.Pointer, f func(K, V) bool) bool {
	n := (*tnode[K])(p)
	if n.leaf {
		if n.inf != 0 {
			return true
		}
		return f(n.k, *(*V)(atomic.LoadPointer(&n.v)))
	}
	return t.rangeFrom(atomic.LoadPointer(&n.left), f) &&
		t.rangeFrom(atomic.LoadPointer(&n.right), f)
}

// Clear rebuilds the empty sentinel pair and retires the old subtree.
// Callers serialize it externally.
func (t *EllenTree[K, V]) Clear() {
	th := t.gc.Pin()
	stack := []unsafe.Pointer{
		atomic.LoadPointer(&t.root.left),
		atomic.LoadPointer(&t.root.right),
	}
	atomic.StorePointer(&t.root.left, unsafe.Pointer(&tnode[K]{leaf: true, inf: 1}))
	atomic.StorePointer(&t.root.right, unsafe.Pointer(&tnode[K]{leaf: true, inf: 2}))
	atomic.StorePointer(&t.root.update, nil)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := (*tnode[K])(p)
		if n.leaf {
			if n.inf == 0 {
				t.counter.Dec()
			}
		} else {
			stack = append(stack, atomic.LoadPointer(&n.left), atomic.LoadPointer(&n.right))
		}
		t.gc.Retire(th, p, t.dispose)
	}
	t.gc.Unpin(th)
}

var errStructure = errors.New("tree structure violated")

// Validate checks the structural invariants: two children per internal
// node, keys only in leaves, routing order respected. Debug only, not
// thread-safe.
func (t *EllenTree[K, V]) Validate() error {
	return t.validateFrom(t.root)
}

func (t *EllenTree[K, V]) validateFrom(n *tnode[K]) error {
	if n.leaf {
		if n.left != nil || n.right != nil {
			return errStructure
		}
		return nil
	}
	l, r := (*tnode[K])(n.left), (*tnode[K])(n.right)
	if l == nil || r == nil {
		return errStructure
	}
	// left subtree strictly below the routing key, right at or above
	if l.inf > n.inf || (l.inf == 0 && n.inf == 0 && !t.less(l.k, n.k)) {
		return errStructure
	}
	if r.inf == 0 && n.inf == 0 && t.less(r.k, n.k) {
		return errStructure
	}
	if err := t.validateFrom(l); err != nil {
		return err
	}
	return t.validateFrom(r)
}

func (t *EllenTree[K, V]) Statistics() Lockfree.StatSnapshot {
	return t.stat.Snapshot()
}
