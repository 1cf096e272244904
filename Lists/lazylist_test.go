package Lists

import (
	"sync"
	"sync/atomic"
	"testing"

	qt "github.com/frankban/quicktest"
	Lockfree "github.com/g-m-twostay/go-lockfree"
	"github.com/g-m-twostay/go-lockfree/SMR"
)

func intLess(a, b int) bool { return a < b }

func newList(os ...Option) *LazyList[int, int] {
	base := []Option{WithCounter(&Lockfree.UintCounter{})}
	return NewLazy[int, int](intLess, append(base, os...)...)
}

func TestListSetLaws(t *testing.T) {
	c := qt.New(t)
	l := newList()
	c.Assert(l.Insert(5, 50), qt.IsTrue)
	c.Assert(l.Insert(5, 51), qt.IsFalse)
	c.Assert(l.Size(), qt.Equals, uint(1))
	c.Assert(l.Contains(5), qt.IsTrue)
	c.Assert(l.Remove(5), qt.IsTrue)
	c.Assert(l.Contains(5), qt.IsFalse)
	c.Assert(l.Remove(5), qt.IsFalse)
	c.Assert(l.Empty(), qt.IsTrue)
}

func TestListOrdering(t *testing.T) {
	c := qt.New(t)
	l := newList()
	for _, k := range []int{3, 1, 4, 1, 5, 9, 2, 6} {
		l.Insert(k, k*10)
	}
	var got []int
	l.Range(func(k, v int) bool {
		c.Assert(v, qt.Equals, k*10)
		got = append(got, k)
		return true
	})
	c.Assert(got, qt.DeepEquals, []int{1, 2, 3, 4, 5, 6, 9})
}

func TestListFindAndGet(t *testing.T) {
	c := qt.New(t)
	l := newList()
	l.Insert(7, 70)
	seen := 0
	c.Assert(l.Find(7, func(v *int, k int) {
		seen = *v
		c.Assert(k, qt.Equals, 7)
	}), qt.IsTrue)
	c.Assert(seen, qt.Equals, 70)

	r, ok := l.Get(7)
	c.Assert(ok, qt.IsTrue)
	c.Assert(*r.Value(), qt.Equals, 70)
	r.Release()

	_, ok = l.Get(8)
	c.Assert(ok, qt.IsFalse)
}

func TestListUpsert(t *testing.T) {
	c := qt.New(t)
	l := newList()
	ok, inserted := l.Upsert(1, 10)
	c.Assert(ok, qt.IsTrue)
	c.Assert(inserted, qt.IsTrue)
	ok, inserted = l.Upsert(1, 11)
	c.Assert(ok, qt.IsTrue)
	c.Assert(inserted, qt.IsFalse)
	v, ok := l.Extract(1)
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 11)
}

func TestListRemoveIf(t *testing.T) {
	c := qt.New(t)
	l := newList()
	l.Insert(2, 20)
	c.Assert(l.RemoveIf(2, func(v int) bool { return v == 99 }), qt.IsFalse)
	c.Assert(l.Contains(2), qt.IsTrue)
	c.Assert(l.RemoveIf(2, func(v int) bool { return v == 20 }), qt.IsTrue)
	c.Assert(l.Contains(2), qt.IsFalse)
}

func TestListConcurrentSet(t *testing.T) {
	const blockSize, blockNum = 64, 32
	l := newList(WithNodePool(), WithGC(SMR.NewHP(0, 64)))
	wg := &sync.WaitGroup{}
	wg.Add(blockNum)
	for j := 0; j < blockNum; j++ {
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if !l.Insert(i, i) {
					t.Errorf("not put: %v", i)
					return
				}
			}
			for i := lo; i < hi; i++ {
				if !l.Contains(i) {
					t.Errorf("missing: %v", i)
					return
				}
			}
			for i := lo; i < hi; i++ {
				if !l.Remove(i) {
					t.Errorf("not removed: %v", i)
					return
				}
			}
			for i := lo; i < hi; i++ {
				if l.Contains(i) {
					t.Errorf("still present: %v", i)
					return
				}
			}
		}(j*blockSize, (j+1)*blockSize)
	}
	wg.Wait()
	if !l.Empty() {
		t.Error("list not empty after removals")
	}
}

// A reader looping Contains(20) never blocks while a writer churns
// around it, and sees 20 from the moment its insert completes.
func TestListWaitFreeFind(t *testing.T) {
	l := newList()
	l.Insert(10, 10)
	l.Insert(30, 30)
	inserted := atomic.Bool{}
	stop := atomic.Bool{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1<<10; i++ {
			l.Insert(40+i, i)
			if i == 8 {
				l.Insert(20, 20)
				inserted.Store(true)
			}
		}
		stop.Store(true)
	}()
	go func() {
		defer wg.Done()
		for !stop.Load() {
			if inserted.Load() && !l.Contains(20) {
				t.Error("find(20) failed after insert completed")
				return
			}
		}
	}()
	wg.Wait()
}

func TestListPrePostCallbacks(t *testing.T) {
	c := qt.New(t)
	l := newList()
	initRan := false
	c.Assert(l.InsertWith(1, 10, func(v *int) {
		initRan = true
		*v = 11
	}), qt.IsTrue)
	c.Assert(initRan, qt.IsTrue)

	got := 0
	c.Assert(l.RemoveWith(1, func(v int) { got = v }), qt.IsTrue)
	c.Assert(got, qt.Equals, 11)

	initRan = false
	l.Insert(2, 20)
	c.Assert(l.InsertWith(2, 21, func(*int) { initRan = true }), qt.IsFalse)
	c.Assert(initRan, qt.IsFalse)
}
