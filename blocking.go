package collsync

// Blocking is a strategy backed by an [UpgradableLock].
//
// Write transactions record the [Cause] they were opened with; nested write
// transactions of the same owner report the outermost cause.
//
// Optimistic reads validate against the lock's sequence version and are
// retried for as long as they keep failing. When a writer is observed
// holding the lock at the start of an attempt, the read takes a full read
// lock instead of spinning against the writer.
type Blocking struct {
	lock *UpgradableLock
}

// NewBlocking creates a Blocking strategy.
func NewBlocking(opts ...Option) *Blocking {
	return &Blocking{lock: NewUpgradableLock(opts...)}
}

// Underlying returns the lock backing the strategy.
func (b *Blocking) Underlying() *UpgradableLock {
	return b.lock
}

// Lock implements [Strategy.Lock].
func (b *Blocking) Lock(o *Owner, write bool, cause *Cause) Transaction {
	return b.lock.acquire(o, write, cause, true)
}

// TryLock implements [Strategy.TryLock].
func (b *Blocking) TryLock(o *Owner, write bool, cause *Cause) Transaction {
	if t := b.lock.acquire(o, write, cause, false); t != nil {
		return t
	}
	return nil
}

// Stamp implements [Strategy.Stamp].
func (b *Blocking) Stamp() uint64 {
	return b.lock.modification.Load()
}

// MarkModified implements [Strategy.MarkModified].
func (b *Blocking) MarkModified() {
	b.lock.modification.Add(1)
	b.lock.emit(EventModified, nil, true, nil)
}

// RunOptimistic implements [Strategy.RunOptimistic].
func (b *Blocking) RunOptimistic(o *Owner, op func(ctx OptimisticContext)) {
	l := b.lock
	if l.holds(o) {
		l.attempts.Add(1)
		op(AlwaysValid)
		return
	}
	for {
		v, ok := l.beginOptimistic()
		if !ok {
			l.emit(EventEscalated, o, false, nil)
			runLocked(b, o, op)
			return
		}
		l.attempts.Add(1)
		op(NewOptimisticContext(func() bool {
			return l.validate(v)
		}))
		if l.validate(v) {
			return
		}
		l.emit(EventRetry, o, false, nil)
	}
}

// CurrentCause implements [Strategy.CurrentCause].
func (b *Blocking) CurrentCause(o *Owner) *Cause {
	return b.lock.currentCause(o)
}

// Stats implements [Strategy.Stats].
func (b *Blocking) Stats() LockStats {
	return b.lock.snapshot()
}

// Stamped is a [Blocking] strategy whose optimistic reads never wait for a
// writer up front. An attempt that overlaps a writer is discarded; after a
// configurable number of consecutive failures (two by default, see
// [WithEscalateAfter]) the read takes a full read lock, which bounds the
// work wasted under sustained write contention.
type Stamped struct {
	*Blocking
}

// NewStamped creates a Stamped strategy.
func NewStamped(opts ...Option) *Stamped {
	return &Stamped{Blocking: NewBlocking(opts...)}
}

// RunOptimistic implements [Strategy.RunOptimistic].
func (s *Stamped) RunOptimistic(o *Owner, op func(ctx OptimisticContext)) {
	l := s.lock
	if l.holds(o) {
		l.attempts.Add(1)
		op(AlwaysValid)
		return
	}
	for failures := 0; failures < l.cfg.escalateAfter; failures++ {
		if v, ok := l.beginOptimistic(); ok {
			l.attempts.Add(1)
			op(NewOptimisticContext(func() bool {
				return l.validate(v)
			}))
			if l.validate(v) {
				return
			}
		}
		l.emit(EventRetry, o, false, nil)
		l.pause(failures)
	}
	l.emit(EventEscalated, o, false, nil)
	runLocked(s, o, op)
}

// runLocked runs op once under a read transaction.
func runLocked(s Strategy, o *Owner, op func(ctx OptimisticContext)) {
	t := s.Lock(o, false, nil)
	defer t.Close()

	op(AlwaysValid)
}
