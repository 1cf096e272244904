package Maps

import (
	"sync"
	"sync/atomic"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/g-m-twostay/go-lockfree/SMR"
)

func intHash(x int) uint { return uint(x) * 0x9e3779b97f4a7c15 }

func newMap(os ...Option) *SplitMap[int, int] {
	return NewSplitInt[int, int](os...)
}

func TestSplitMapBasic(t *testing.T) {
	c := qt.New(t)
	m := newMap()
	c.Assert(m.Insert(5, 50), qt.IsTrue)
	c.Assert(m.Insert(5, 51), qt.IsFalse)
	c.Assert(m.Size(), qt.Equals, uint(1))
	v, ok := m.Load(5)
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 50)
	c.Assert(m.Delete(5), qt.IsTrue)
	c.Assert(m.HasKey(5), qt.IsFalse)
	c.Assert(m.Delete(5), qt.IsFalse)
	c.Assert(m.Empty(), qt.IsTrue)
}

func TestSplitMapUpsert(t *testing.T) {
	c := qt.New(t)
	m := newMap()
	ok, inserted := m.Upsert(1, 10)
	c.Assert(ok, qt.IsTrue)
	c.Assert(inserted, qt.IsTrue)
	ok, inserted = m.Upsert(1, 11)
	c.Assert(ok, qt.IsTrue)
	c.Assert(inserted, qt.IsFalse)
	v, _ := m.Load(1)
	c.Assert(v, qt.Equals, 11)
	m.Store(1, 12)
	v, _ = m.Load(1)
	c.Assert(v, qt.Equals, 12)
}

func TestSplitMapSentinelOrder(t *testing.T) {
	m := newMap(WithLoadFactor(1))
	for i := 0; i < 1<<10; i++ {
		m.Insert(i, i)
	}
	// Sentinel (relay) keys must strictly precede the user keys of their
	// bucket, and the whole list must be sorted by split-order key.
	last := uint(0)
	for p := m.table.get(0); p != nil; p = (*node[int])(addr(atomic.LoadPointer(&p.nx))) {
		if p.hash < last {
			t.Fatalf("split-order violated: %b after %b", p.hash, last)
		}
		if p.isRelay() && p.hash&1 != 0 {
			t.Fatalf("relay key %b has LSB set", p.hash)
		}
		if !p.isRelay() && p.hash&1 == 0 {
			t.Fatalf("user key %b has LSB clear", p.hash)
		}
		last = p.hash
	}
	if got := m.buckets.Load(); got < 4 {
		t.Fatalf("table never grew: %d buckets", got)
	}
}

func TestSplitMapDynamicTable(t *testing.T) {
	c := qt.New(t)
	// explicit hash function path
	m := NewSplit[int, int](intHash, WithDynamicTable(), WithLoadFactor(2), WithCapacity(1<<12))
	const n = 1 << 11
	for i := 0; i < n; i++ {
		c.Assert(m.Insert(i, i*3), qt.IsTrue)
	}
	for i := 0; i < n; i++ {
		v, ok := m.Load(i)
		c.Assert(ok, qt.IsTrue)
		c.Assert(v, qt.Equals, i*3)
	}
	c.Assert(m.Size(), qt.Equals, uint(n))
}

func TestSplitMapGetExtract(t *testing.T) {
	c := qt.New(t)
	m := newMap()
	m.Insert(9, 90)
	r, ok := m.Get(9)
	c.Assert(ok, qt.IsTrue)
	c.Assert(*r.Value(), qt.Equals, 90)
	r.Release()

	v, ok := m.Extract(9)
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 90)
	_, ok = m.Get(9)
	c.Assert(ok, qt.IsFalse)
}

func TestSplitMapRangeClear(t *testing.T) {
	c := qt.New(t)
	m := newMap()
	for i := 0; i < 100; i++ {
		m.Insert(i, i)
	}
	seen := 0
	m.Range(func(k, v int) bool {
		c.Assert(v, qt.Equals, k)
		seen++
		return true
	})
	c.Assert(seen, qt.Equals, 100)
	m.Clear()
	c.Assert(m.Empty(), qt.IsTrue)
	c.Assert(m.Size(), qt.Equals, uint(0))
}

func TestSplitMapConcurrent(t *testing.T) {
	const blockSize, blockNum = 64, 64
	for _, tc := range []struct {
		name string
		m    *SplitMap[int, int]
	}{
		{"HP", newMap(WithNodePool(), WithGC(SMR.NewHP(0, 128)))},
		{"PTB", newMap(WithNodePool(), WithGC(SMR.NewPTB(0, 128)))},
		{"dynamic", newMap(WithDynamicTable(), WithLoadFactor(1))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.m
			wg := &sync.WaitGroup{}
			wg.Add(blockNum)
			for j := 0; j < blockNum; j++ {
				go func(lo, hi int) {
					defer wg.Done()
					for i := lo; i < hi; i++ {
						m.Store(i, i)
					}
					for i := lo; i < hi; i++ {
						if !m.HasKey(i) {
							t.Errorf("not put: %v", i)
							return
						}
					}
					for i := lo; i < hi; i++ {
						m.Delete(i)
					}
					for i := lo; i < hi; i++ {
						if m.HasKey(i) {
							t.Errorf("not removed: %v", i)
							return
						}
					}
				}(j*blockSize, (j+1)*blockSize)
			}
			wg.Wait()
			if !m.Empty() {
				t.Error("map not empty")
			}
		})
	}
}

func TestSplitMapStringKeys(t *testing.T) {
	c := qt.New(t)
	m := NewSplitString[int]()
	c.Assert(m.Insert("alpha", 1), qt.IsTrue)
	c.Assert(m.Insert("alpha", 2), qt.IsFalse)
	c.Assert(m.Insert("beta", 2), qt.IsTrue)
	v, ok := m.Load("alpha")
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 1)
	c.Assert(m.Delete("alpha"), qt.IsTrue)
	c.Assert(m.HasKey("alpha"), qt.IsFalse)
	c.Assert(m.HasKey("beta"), qt.IsTrue)
}

func TestSplitMapDeleteWith(t *testing.T) {
	c := qt.New(t)
	m := newMap()
	m.Insert(3, 33)
	got := 0
	c.Assert(m.DeleteWith(3, func(v int) { got = v }), qt.IsTrue)
	c.Assert(got, qt.Equals, 33)
}
