package collsync

// FastFail is a strategy that performs no real locking.
//
// It is pinned to one owner. Reads by any owner and writes by the pinned
// owner are granted immediately; a write by any other owner panics with
// [ErrWrongOwner]. Optimistic reads are validated against the stamp and
// rerun from scratch if it moved, which catches a collection being modified
// by its own owner while it is being iterated.
//
// FastFail is not safe under concurrent mutation. Use [Blocking] or
// [Stamped] when more than one goroutine writes.
type FastFail struct {
	monitor

	pinned *Owner

	// writes is the stack of the pinned owner's open write transactions.
	// Only the pinned owner touches it.
	writes []*fastTxn
}

// NewFastFail creates a FastFail strategy pinned to owner.
// It panics if owner is nil.
func NewFastFail(owner *Owner, opts ...Option) *FastFail {
	if owner == nil {
		panic("collsync: NewFastFail requires an owner")
	}
	return &FastFail{
		monitor: monitor{cfg: newConfig(opts)},
		pinned:  owner,
	}
}

// Pinned returns the owner allowed to write.
func (s *FastFail) Pinned() *Owner {
	return s.pinned
}

// Lock implements [Strategy.Lock]. It never blocks.
func (s *FastFail) Lock(o *Owner, write bool, cause *Cause) Transaction {
	return s.open(o, write, cause, "Lock")
}

// TryLock implements [Strategy.TryLock]. It never fails for the pinned
// owner; writes by other owners panic exactly as with Lock.
func (s *FastFail) TryLock(o *Owner, write bool, cause *Cause) Transaction {
	return s.open(o, write, cause, "TryLock")
}

func (s *FastFail) open(o *Owner, write bool, cause *Cause, op string) Transaction {
	if o == nil {
		fatal(ErrNilOwner, op, nil)
	}
	t := &fastTxn{
		s:     s,
		owner: o,
		write: write,
		local: cause,
	}
	if write && o != s.pinned {
		fatal(ErrWrongOwner, op, o)
	}
	if o == s.pinned && len(s.writes) > 0 {
		t.cause = s.writes[0].cause
	}
	if write {
		if t.cause == nil {
			t.cause = cause
		}
		s.writes = append(s.writes, t)
	}
	s.acquired(o, write, t.cause)
	return t
}

func (s *FastFail) release(t *fastTxn) {
	if t.closed {
		fatal(ErrAlreadyClosed, "Close", t.owner)
	}
	if t.write {
		if n := len(s.writes); n == 0 || s.writes[n-1] != t {
			fatal(ErrOutOfOrder, "Close", t.owner)
		}
		s.writes[len(s.writes)-1] = nil
		s.writes = s.writes[:len(s.writes)-1]
	}
	t.closed = true
	s.emit(EventReleased, t.owner, t.write, t.cause)
}

// Stamp implements [Strategy.Stamp].
func (s *FastFail) Stamp() uint64 {
	return s.modification.Load()
}

// MarkModified implements [Strategy.MarkModified].
func (s *FastFail) MarkModified() {
	s.modification.Add(1)
	s.emit(EventModified, s.pinned, true, s.CurrentCause(s.pinned))
}

// RunOptimistic implements [Strategy.RunOptimistic]. A run is discarded and
// restarted whenever the stamp changed while it was running.
func (s *FastFail) RunOptimistic(o *Owner, op func(ctx OptimisticContext)) {
	if o == s.pinned && len(s.writes) > 0 {
		s.attempts.Add(1)
		op(AlwaysValid)
		return
	}
	for {
		s.attempts.Add(1)
		stamp := s.Stamp()
		op(NewOptimisticContext(func() bool {
			return s.Stamp() == stamp
		}))
		if s.Stamp() == stamp {
			return
		}
		s.emit(EventRetry, o, false, nil)
	}
}

// CurrentCause implements [Strategy.CurrentCause].
func (s *FastFail) CurrentCause(o *Owner) *Cause {
	if o != s.pinned {
		return nil
	}
	for i := len(s.writes) - 1; i >= 0; i-- {
		if live(s.writes[i].local) {
			return s.writes[i].local
		}
	}
	return nil
}

// Stats implements [Strategy.Stats].
func (s *FastFail) Stats() LockStats {
	return s.snapshot()
}

type fastTxn struct {
	s     *FastFail
	owner *Owner
	write bool

	cause *Cause
	local *Cause

	closed bool
}

func (t *fastTxn) Close()        { t.s.release(t) }
func (t *fastTxn) IsWrite() bool { return t.write }
func (t *fastTxn) Owner() *Owner { return t.owner }
func (t *fastTxn) Cause() *Cause { return t.cause }

func (t *fastTxn) stackKey() any {
	if !t.write {
		return nil
	}
	return t.s
}

func (t *fastTxn) atDepth(depth int) bool {
	if t.closed {
		return false
	}
	if !t.write {
		return true
	}
	i := len(t.s.writes) - 1 - depth
	return i >= 0 && t.s.writes[i] == t
}
