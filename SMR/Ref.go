package SMR

// Ref hands a container lookup result to the caller while keeping its
// hazard published: the pointee cannot be disposed until Release. The
// zero value is an empty Ref; Value returns nil and Release is a no-op.
type Ref[T any] struct {
	gc GC
	th *Thread
	g  Guard
	v  *T
}

// MakeRef transfers ownership of g (and the pinned record) to the Ref.
func MakeRef[T any](gc GC, th *Thread, g Guard, v *T) Ref[T] {
	return Ref[T]{gc, th, g, v}
}

func (r *Ref[T]) Value() *T {
	return r.v
}

func (r *Ref[T]) Empty() bool {
	return r.v == nil
}

// Release drops the hazard and unpins the carrier thread record.
func (r *Ref[T]) Release() {
	if r.th != nil {
		r.g.Release()
		r.gc.Unpin(r.th)
		r.th, r.v = nil, nil
	}
}
