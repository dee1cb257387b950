package bluez

// listener is one registered callback. active flips to false on detach so a
// dispatch already in progress skips it.
type listener[F any] struct {
	fn     F
	active bool
}

// listenerSet is an ordered list of callbacks that tolerates being mutated
// from inside one of its own callbacks. Loop-only; no locking.
type listenerSet[F any] struct {
	items []*listener[F]
}

func (s *listenerSet[F]) add(fn F) *listener[F] {
	l := &listener[F]{fn: fn, active: true}
	s.items = append(s.items, l)
	return l
}

func (s *listenerSet[F]) remove(l *listener[F]) {
	if l == nil || !l.active {
		return
	}
	l.active = false
	kept := make([]*listener[F], 0, len(s.items))
	for _, item := range s.items {
		if item != l {
			kept = append(kept, item)
		}
	}
	s.items = kept
}

// detach returns an idempotent function removing l.
func (s *listenerSet[F]) detach(l *listener[F]) func() {
	return func() { s.remove(l) }
}

// each calls fn for every listener registered when dispatch started and still
// attached when its turn comes.
func (s *listenerSet[F]) each(call func(F)) {
	snapshot := s.items
	for _, l := range snapshot {
		if l.active {
			call(l.fn)
		}
	}
}

func (s *listenerSet[F]) clear() {
	for _, l := range s.items {
		l.active = false
	}
	s.items = nil
}

func (s *listenerSet[F]) len() int {
	return len(s.items)
}
