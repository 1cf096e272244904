package Trees

import (
	"math/rand"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	Lockfree "github.com/g-m-twostay/go-lockfree"
	"github.com/g-m-twostay/go-lockfree/SMR"
)

func newTree(os ...Option) *EllenTree[int, int] {
	base := []Option{WithCounter(&Lockfree.UintCounter{})}
	return NewEllenOrdered[int, int](append(base, os...)...)
}

func TestTreeBasic(t *testing.T) {
	c := qt.New(t)
	tr := newTree()
	c.Assert(tr.Empty(), qt.IsTrue)
	c.Assert(tr.Insert(5, 50), qt.IsTrue)
	c.Assert(tr.Insert(5, 51), qt.IsFalse)
	c.Assert(tr.Size(), qt.Equals, uint(1))
	v, ok := tr.Find(5)
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 50)
	c.Assert(tr.Delete(5), qt.IsTrue)
	c.Assert(tr.Delete(5), qt.IsFalse)
	c.Assert(tr.Empty(), qt.IsTrue)
	c.Assert(tr.Validate(), qt.IsNil)
}

func TestTreeExtractMin(t *testing.T) {
	c := qt.New(t)
	tr := newTree()
	dups := 0
	for _, k := range []int{3, 1, 4, 1, 5, 9, 2, 6} {
		if !tr.Insert(k, k) {
			dups++
		}
	}
	c.Assert(dups, qt.Equals, 1) // the second 1 is rejected
	want := []int{1, 2, 3, 4, 5, 6}
	for _, w := range want {
		k, v, ok := tr.ExtractMin()
		c.Assert(ok, qt.IsTrue)
		c.Assert(k, qt.Equals, w)
		c.Assert(v, qt.Equals, w)
	}
	k, _, ok := tr.ExtractMin()
	c.Assert(ok, qt.IsTrue)
	c.Assert(k, qt.Equals, 9)
	_, _, ok = tr.ExtractMin()
	c.Assert(ok, qt.IsFalse)
}

func TestTreeExtractMax(t *testing.T) {
	c := qt.New(t)
	tr := newTree()
	for _, k := range []int{3, 1, 4, 5, 9, 2, 6} {
		tr.Insert(k, k)
	}
	for _, w := range []int{9, 6, 5, 4, 3, 2, 1} {
		k, _, ok := tr.ExtractMax()
		c.Assert(ok, qt.IsTrue)
		c.Assert(k, qt.Equals, w)
	}
	_, _, ok := tr.ExtractMax()
	c.Assert(ok, qt.IsFalse)
	c.Assert(tr.Empty(), qt.IsTrue)
}

func TestTreeRangeOrdered(t *testing.T) {
	c := qt.New(t)
	tr := newTree()
	perm := rand.New(rand.NewSource(1)).Perm(512)
	for _, k := range perm {
		tr.Insert(k, k<<1)
	}
	c.Assert(tr.Validate(), qt.IsNil)
	next := 0
	tr.Range(func(k, v int) bool {
		c.Assert(k, qt.Equals, next)
		c.Assert(v, qt.Equals, k<<1)
		next++
		return true
	})
	c.Assert(next, qt.Equals, 512)
}

func TestTreeUpsert(t *testing.T) {
	c := qt.New(t)
	tr := newTree()
	ok, inserted := tr.Upsert(7, 70)
	c.Assert(ok, qt.IsTrue)
	c.Assert(inserted, qt.IsTrue)
	ok, inserted = tr.Upsert(7, 71)
	c.Assert(ok, qt.IsTrue)
	c.Assert(inserted, qt.IsFalse)
	v, _ := tr.Find(7)
	c.Assert(v, qt.Equals, 71)
}

func TestTreeGetAndCallbacks(t *testing.T) {
	c := qt.New(t)
	tr := newTree()
	initRan := false
	c.Assert(tr.InsertWith(1, 10, func(v *int) { initRan = true; *v = 11 }), qt.IsTrue)
	c.Assert(initRan, qt.IsTrue)

	r, ok := tr.Get(1)
	c.Assert(ok, qt.IsTrue)
	c.Assert(*r.Value(), qt.Equals, 11)
	r.Release()

	got := 0
	c.Assert(tr.DeleteWith(1, func(v int) { got = v }), qt.IsTrue)
	c.Assert(got, qt.Equals, 11)

	seen := false
	c.Assert(tr.FindWith(1, func(*int, int) { seen = true }), qt.IsFalse)
	c.Assert(seen, qt.IsFalse)
}

func TestTreeConcurrentSet(t *testing.T) {
	const blockSize, blockNum = 64, 32
	for _, tc := range []struct {
		name string
		tr   *EllenTree[int, int]
	}{
		{"HP", newTree(WithNodePool(), WithGC(SMR.NewHP(0, 256)))},
		{"PTB", newTree(WithNodePool(), WithGC(SMR.NewPTB(0, 256)))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := tc.tr
			wg := &sync.WaitGroup{}
			wg.Add(blockNum)
			for j := 0; j < blockNum; j++ {
				go func(lo, hi int) {
					defer wg.Done()
					for i := lo; i < hi; i++ {
						if !tr.Insert(i, i) {
							t.Errorf("not put: %v", i)
							return
						}
					}
					for i := lo; i < hi; i++ {
						if !tr.HasKey(i) {
							t.Errorf("missing: %v", i)
							return
						}
					}
					for i := lo; i < hi; i++ {
						if !tr.Delete(i) {
							t.Errorf("not removed: %v", i)
							return
						}
					}
					for i := lo; i < hi; i++ {
						if tr.HasKey(i) {
							t.Errorf("still present: %v", i)
							return
						}
					}
				}(j*blockSize, (j+1)*blockSize)
			}
			wg.Wait()
			if !tr.Empty() {
				t.Error("tree not empty")
			}
			if err := tr.Validate(); err != nil {
				t.Error(err)
			}
		})
	}
}

// Concurrent ExtractMin consumers against producers: every inserted key
// comes out exactly once.
func TestTreeConcurrentExtractMin(t *testing.T) {
	const producers, per = 4, 1 << 9
	tr := newTree()
	var out [producers * per]Lockfree.AtomicUint
	var taken Lockfree.AtomicUint
	wg := sync.WaitGroup{}
	wg.Add(producers + 2)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				tr.Insert(base+i, base+i)
			}
		}(p * per)
	}
	for c := 0; c < 2; c++ {
		go func() {
			defer wg.Done()
			for taken.Load() < producers*per {
				if k, _, ok := tr.ExtractMin(); ok {
					out[k].Add(1)
					taken.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	for k := range out {
		if out[k].Load() != 1 {
			t.Fatalf("key %d extracted %d times", k, out[k].Load())
		}
	}
	if !tr.Empty() {
		t.Error("tree not empty")
	}
}

func TestTreeClear(t *testing.T) {
	c := qt.New(t)
	tr := newTree(WithNodePool())
	for i := 0; i < 256; i++ {
		tr.Insert(i, i)
	}
	tr.Clear()
	c.Assert(tr.Empty(), qt.IsTrue)
	c.Assert(tr.Size(), qt.Equals, uint(0))
	c.Assert(tr.Validate(), qt.IsNil)
	c.Assert(tr.Insert(1, 1), qt.IsTrue)
}
