package Lockfree

// OpStat gathers per-container internal statistics. A nil *OpStat is
// the dummy sink: every record call is a no-op and Snapshot returns the
// zero value.
type OpStat struct {
	adds, removes, failedAdds, failedRemoves, casRetries, helps AtomicUint
}

type StatSnapshot struct {
	Adds, Removes, FailedAdds, FailedRemoves, CASRetries, Helps uint
}

func (s *OpStat) Add(ok bool) {
	if s != nil {
		if ok {
			s.adds.Add(1)
		} else {
			s.failedAdds.Add(1)
		}
	}
}

func (s *OpStat) Remove(ok bool) {
	if s != nil {
		if ok {
			s.removes.Add(1)
		} else {
			s.failedRemoves.Add(1)
		}
	}
}

func (s *OpStat) Retry() {
	if s != nil {
		s.casRetries.Add(1)
	}
}

// Help records one completed help step on another thread's operation.
func (s *OpStat) Help() {
	if s != nil {
		s.helps.Add(1)
	}
}

func (s *OpStat) Snapshot() StatSnapshot {
	if s == nil {
		return StatSnapshot{}
	}
	return StatSnapshot{
		Adds:          s.adds.Load(),
		Removes:       s.removes.Load(),
		FailedAdds:    s.failedAdds.Load(),
		FailedRemoves: s.failedRemoves.Load(),
		CASRetries:    s.casRetries.Load(),
		Helps:         s.helps.Load(),
	}
}
