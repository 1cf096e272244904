package Lockfree

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestOrderConversions(t *testing.T) {
	c := qt.New(t)
	// store half: acquire->relaxed, acq_rel->release, rest unchanged
	c.Assert(StoreOrder(Acquire), qt.Equals, Relaxed)
	c.Assert(StoreOrder(AcqRel), qt.Equals, Release)
	c.Assert(StoreOrder(Release), qt.Equals, Release)
	c.Assert(StoreOrder(SeqCst), qt.Equals, SeqCst)
	// load half: release->relaxed, acq_rel->acquire, rest unchanged
	c.Assert(LoadOrder(Release), qt.Equals, Relaxed)
	c.Assert(LoadOrder(AcqRel), qt.Equals, Acquire)
	c.Assert(LoadOrder(Acquire), qt.Equals, Acquire)
	c.Assert(LoadOrder(SeqCst), qt.Equals, SeqCst)
}

func TestModel(t *testing.T) {
	c := qt.New(t)
	c.Assert(ModelRelaxed.OrderFor(Acquire), qt.Equals, Acquire)
	c.Assert(ModelSeqCst.OrderFor(Acquire), qt.Equals, SeqCst)
}

func TestCounters(t *testing.T) {
	c := qt.New(t)
	var e EmptyCounter
	e.Inc()
	c.Assert(e.Value(), qt.Equals, uint(0))
	u := &UintCounter{}
	u.Inc()
	u.Inc()
	u.Dec()
	c.Assert(u.Value(), qt.Equals, uint(1))
}

func TestBitArray(t *testing.T) {
	c := qt.New(t)
	b := NewBitArray(8)
	c.Assert(b.FirstDown(), qt.Equals, 0)
	b.Up(0)
	b.Up(1)
	c.Assert(b.Get(1), qt.IsTrue)
	c.Assert(b.FirstDown(), qt.Equals, 2)
	b.Down(0)
	c.Assert(b.FirstDown(), qt.Equals, 0)
}

func TestBackoffs(t *testing.T) {
	// Only exercised for termination; timing is not asserted.
	for _, b := range []Backoff{EmptyBackoff{}, PauseBackoff{}, YieldBackoff{}} {
		for i := 0; i < 4; i++ {
			b.Backoff()
		}
	}
	e := NewExpBackoff(4, 64)
	for i := 0; i < 16; i++ {
		e.Backoff()
	}
}

func TestStatSnapshot(t *testing.T) {
	c := qt.New(t)
	var nilStat *OpStat
	nilStat.Add(true) // dummy sink is a no-op
	c.Assert(nilStat.Snapshot(), qt.Equals, StatSnapshot{})

	s := &OpStat{}
	s.Add(true)
	s.Add(false)
	s.Remove(true)
	s.Retry()
	s.Help()
	got := s.Snapshot()
	c.Assert(got, qt.Equals, StatSnapshot{Adds: 1, FailedAdds: 1, Removes: 1, CASRetries: 1, Helps: 1})
}
