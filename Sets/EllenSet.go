package Sets

import (
	"github.com/g-m-twostay/go-lockfree/SMR"
	"github.com/g-m-twostay/go-lockfree/Trees"
)

// EllenSet is the non-intrusive set face of the Ellen tree: elements of
// type E are stored whole, ordered by the key the extractor derives.
// The extractor must be pure; two elements with equal keys are the same
// member.
type EllenSet[E, K any] struct {
	tree *Trees.EllenTree[K, E]
	key  func(E) K
}

func NewEllen[E, K any](key func(E) K, less func(K, K) bool, os ...Trees.Option) *EllenSet[E, K] {
	return &EllenSet[E, K]{tree: Trees.NewEllen[K, E](less, os...), key: key}
}

func (s *EllenSet[E, K]) Put(e E) bool {
	return s.tree.Insert(s.key(e), e)
}

// Replace upserts: the stored element with the same key is swapped out.
func (s *EllenSet[E, K]) Replace(e E) (bool, bool) {
	return s.tree.Upsert(s.key(e), e)
}

func (s *EllenSet[E, K]) Has(e E) bool {
	return s.tree.HasKey(s.key(e))
}

// HasKey checks membership by key alone.
func (s *EllenSet[E, K]) HasKey(k K) bool {
	return s.tree.HasKey(k)
}

func (s *EllenSet[E, K]) Remove(e E) bool {
	return s.tree.Delete(s.key(e))
}

func (s *EllenSet[E, K]) RemoveKey(k K) bool {
	return s.tree.Delete(k)
}

// Get holds the stored element through a guarded reference.
func (s *EllenSet[E, K]) Get(k K) (SMR.Ref[E], bool) {
	return s.tree.Get(k)
}

// TakeMin removes the least element; see EllenTree.ExtractMin for the
// concurrency caveat.
func (s *EllenSet[E, K]) TakeMin() (E, bool) {
	_, e, ok := s.tree.ExtractMin()
	return e, ok
}

func (s *EllenSet[E, K]) TakeMax() (E, bool) {
	_, e, ok := s.tree.ExtractMax()
	return e, ok
}

func (s *EllenSet[E, K]) Size() uint {
	return s.tree.Size()
}

func (s *EllenSet[E, K]) Empty() bool {
	return s.tree.Empty()
}

func (s *EllenSet[E, K]) Range(f func(E) bool) {
	s.tree.Range(func(_ K, e E) bool { return f(e) })
}

func (s *EllenSet[E, K]) Clear() {
	s.tree.Clear()
}
