package Stacks

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
	elim    int // exchange cells; 0 disables elimination
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

// WithElimination adds an elimination back-off layer of the given cell
// count: a push and a pop that collide on a cell cancel out without
// ever touching the contended top pointer.
func WithElimination(cells int) Option {
	return func(o *options) { o.elim = cells }
}

type snode[T any] struct {
	nx unsafe.Pointer // *snode[T]
	v  T
}

// TreiberStack is the classic CAS-on-top lock-free stack.
type TreiberStack[T any] struct {
	top unsafe.Pointer // *snode[T]
	options
	cells []unsafe.Pointer // elimination exchange cells
	pool  *sync.Pool
}

func NewTreiber[T any](os ...Option) *TreiberStack[T] {
	o := defaults()
	for _, f := range os {
		f(&o)
	}
	s := &TreiberStack[T]{options: o}
	if o.elim > 0 {
		s.cells = make([]unsafe.Pointer, o.elim)
	}
	if o.pooled {
		s.pool = &sync.Pool{New: func() any { return new(snode[T]) }}
	}
	return s
}

func (s *TreiberStack[T]) alloc(v T) *snode[T] {
	if s.pool == nil {
		return &snode[T]{v: v}
	}
	n := s.pool.Get().(*snode[T])
	n.v = v
	return n
}

func (s *TreiberStack[T]) dispose(p unsafe.Pointer) {
	if s.pool != nil {
		n := (*snode[T])(p)
		var zero T
		n.nx, n.v = nil, zero
		s.pool.Put(n)
	}
}

const elimSpin = 64

// tryEliminatePush parks n in a random cell for a short window; a
// colliding pop takes it, completing both operations off the stack.
func (s *TreiberStack[T]) tryEliminatePush(n *snode[T]) bool {
	cell := &s.cells[Lockfree.CheapRandN(uint32(len(s.cells)))]
	if !atomic.CompareAndSwapPointer(cell, nil, unsafe.Pointer(n)) {
		return false
	}
	for i := 0; i < elimSpin; i++ {
		if atomic.LoadPointer(cell) != unsafe.Pointer(n) {
			return true
		}
	}
	// Window over; the cell empties either by our hand or a last-moment
	// taker, and only a taker can make this CAS fail.
	return !atomic.CompareAndSwapPointer(cell, unsafe.Pointer(n), nil)
}

// tryEliminatePop claims a parked push. The winner of the cell CAS is
// the node's sole owner, so it bypasses retirement entirely.
func (s *TreiberStack[T]) tryEliminatePop() (v T, ok bool) {
	cell := &s.cells[Lockfree.CheapRandN(uint32(len(s.cells)))]
	p := atomic.LoadPointer(cell)
	if p == nil || !atomic.CompareAndSwapPointer(cell, p, nil) {
		return
	}
	n := (*snode[T])(p)
	v, ok = n.v, true
	s.dispose(p)
	return
}

func (s *TreiberStack[T]) Push(v T) {
	n := s.alloc(v)
	bo := s.newBo()
	for {
		h := atomic.LoadPointer(&s.top)
		n.nx = h
		if atomic.CompareAndSwapPointer(&s.top, h, unsafe.Pointer(n)) {
			break
		}
		s.stat.Retry()
		if s.cells != nil && s.tryEliminatePush(n) {
			s.stat.Help()
			break
		}
		bo.Backoff()
	}
	s.counter.Inc()
	s.stat.Add(true)
}

func (s *TreiberStack[T]) Pop() (v T, ok bool) {
	th := s.gc.Pin()
	g, _ := th.Guard()
	bo := s.newBo()
	for {
		h := g.Protect(&s.top)
		if h == nil {
			break
		}
		n := (*snode[T])(h)
		nx := atomic.LoadPointer(&n.nx)
		if atomic.CompareAndSwapPointer(&s.top, h, nx) {
			v, ok = n.v, true
			s.gc.Retire(th, h, s.dispose)
			break
		}
		s.stat.Retry()
		if s.cells != nil {
			if v, ok = s.tryEliminatePop(); ok {
				s.stat.Help()
				break
			}
		}
		bo.Backoff()
	}
	g.Release()
	s.gc.Unpin(th)
	if ok {
		s.counter.Dec()
	}
	s.stat.Remove(ok)
	return
}

// Top copies the top value without removing it.
func (s *TreiberStack[T]) Top() (v T, ok bool) {
	th := s.gc.Pin()
	g, _ := th.Guard()
	if h := g.Protect(&s.top); h != nil {
		v, ok = (*snode[T])(h).v, true
	}
	g.Release()
	s.gc.Unpin(th)
	return
}

func (s *TreiberStack[T]) Empty() bool {
	return atomic.LoadPointer(&s.top) == nil
}

func (s *TreiberStack[T]) Size() uint {
	return s.counter.Value()
}

// Clear drains the stack; not atomic.
func (s *TreiberStack[T]) Clear() {
	for _, ok := s.Pop(); ok; _, ok = s.Pop() {
	}
}

func (s *TreiberStack[T]) Statistics() Lockfree.StatSnapshot {
	return s.stat.Snapshot()
}
