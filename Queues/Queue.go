package Queues

import (
	"sync"

	Lockfree "github.com/g-m-twostay/go-lockfree"
	"github.com/g-m-twostay/go-lockfree/SMR"
)

type Queue[T any] interface {
	Push(item T)
	Pop() (T, bool)
	Peek() (T, bool)
	Empty() bool
	Size() uint
	Clear()
}

// options shared by both queue variants. Defaults follow the usual
// policy set: hazard pointers, no back-off, no item counting, no stats.
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

// WithGC selects the reclamation scheme (SMR.NewHP or SMR.NewPTB).
func WithGC(g SMR.GC) Option {
	return func(o *options) { o.gc = g }
}

func WithBackoff(f Lockfree.NewBackoff) Option {
	return func(o *options) { o.newBo = f }
}

// WithCounter enables Size; without it Size reports 0 and Empty is
// answered structurally.
func WithCounter(c Lockfree.Counter) Option {
	return func(o *options) { o.counter = c }
}

func WithStat(s *Lockfree.OpStat) Option {
	return func(o *options) { o.stat = s }
}

func WithModel(m Lockfree.Model) Option {
	return func(o *options) { o.model = m }
}

// WithNodePool recycles queue nodes through a sync.Pool. Recycling is
// what makes reclamation observable in Go: a node returns to the pool
// only after its disposer ran, i.e. after no guard can reach it.
func WithNodePool() Option {
	return func(o *options) { o.pooled = true }
}

func newPool[N any](pooled bool) *sync.Pool {
	if !pooled {
		return nil
	}
	return &sync.Pool{New: func() any { return new(N) }}
}
