package collsync

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// UpgradableLock is a reentrant read/write lock whose holders may upgrade a
// read hold to a write hold without releasing it first.
//
// Writers claim an exclusive slot with a compare-and-swap and then wait for
// the global reader count to drop to the number of read holds they own
// themselves (zero or one). When two read holders race to upgrade, the
// loser yields its read claim while it waits, so the winner can drain the
// readers and finish. The loser re-claims its read hold once it wins the
// write slot; anything it observed under the read hold may be stale by then.
//
// Reentrancy is tracked per [Owner] in the lock's own holder table. Each
// owner's transactions form a stack: they must be closed in reverse order of
// acquisition, and closing out of order or twice panics with a [*LockError].
//
// Blocking waits spin with [runtime.Gosched] and then sleep; see [WithSpin].
type UpgradableLock struct {
	monitor

	writer  atomic.Pointer[Owner]
	readers atomic.Int64

	// version is odd while a writer holds the lock. Optimistic readers use
	// it as a sequence lock.
	version atomic.Uint64

	mu      sync.Mutex
	holders map[*Owner]*holder

	// held mirrors len(holders) for lookups that must not take mu.
	held atomic.Int64
}

type holder struct {
	reads  int
	writes int

	// registered is set while the owner is counted in readers.
	registered bool

	stack []*lockTxn
}

// batchCause returns the cause of the owner's outermost open write.
func (h *holder) batchCause() *Cause {
	for _, t := range h.stack {
		if t.write {
			return t.cause
		}
	}
	return nil
}

// NewUpgradableLock creates an unlocked UpgradableLock.
func NewUpgradableLock(opts ...Option) *UpgradableLock {
	return &UpgradableLock{
		monitor: monitor{cfg: newConfig(opts)},
		holders: make(map[*Owner]*holder),
	}
}

// Lock acquires a read or write hold for o, blocking until it is granted.
func (l *UpgradableLock) Lock(o *Owner, write bool) Transaction {
	return l.acquire(o, write, nil, true)
}

// TryLock acquires a read or write hold for o only if that is possible
// without waiting. It returns nil otherwise.
func (l *UpgradableLock) TryLock(o *Owner, write bool) Transaction {
	if t := l.acquire(o, write, nil, false); t != nil {
		return t
	}
	return nil
}

// ReadHolds returns the number of open read transactions of o.
func (l *UpgradableLock) ReadHolds(o *Owner) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h := l.holders[o]; h != nil {
		return h.reads
	}
	return 0
}

// WriteHolds returns the number of open write transactions of o.
func (l *UpgradableLock) WriteHolds(o *Owner) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h := l.holders[o]; h != nil {
		return h.writes
	}
	return 0
}

// IsWriteLocked reports whether any owner holds the write slot.
// The value may be stale in concurrent contexts.
func (l *UpgradableLock) IsWriteLocked() bool {
	return l.writer.Load() != nil
}

// Readers returns the number of owners currently counted as readers.
// Reentrant holds of one owner count once.
func (l *UpgradableLock) Readers() int64 {
	return l.readers.Load()
}

// Stats returns a point-in-time snapshot of lock activity.
func (l *UpgradableLock) Stats() LockStats {
	return l.snapshot()
}

func (l *UpgradableLock) acquire(o *Owner, write bool, cause *Cause, block bool) *lockTxn {
	op := "TryLock"
	if block {
		op = "Lock"
	}
	o.enter(op)
	defer o.leave()

	var t *lockTxn
	if write {
		t = l.acquireWrite(o, cause, block)
	} else {
		t = l.acquireRead(o, block)
	}
	if t == nil {
		l.tryFailures.Add(1)
		return nil
	}
	l.acquired(o, write, t.cause)
	return t
}

func (l *UpgradableLock) acquireRead(o *Owner, block bool) *lockTxn {
	l.mu.Lock()
	if h := l.holders[o]; h != nil && (h.reads > 0 || h.writes > 0) {
		h.reads++
		t := l.pushLocked(h, o, false, h.batchCause(), nil)
		l.mu.Unlock()
		return t
	}
	l.mu.Unlock()

	contended := false
	for spins := 0; ; spins++ {
		if l.writer.Load() == nil {
			l.readers.Add(1)
			if l.writer.Load() == nil {
				break
			}
			l.readers.Add(-1)
		}
		if !block {
			return nil
		}
		if !contended {
			contended = true
			l.emit(EventContended, o, false, nil)
		}
		l.pause(spins)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.holderLocked(o)
	h.registered = true
	h.reads++
	return l.pushLocked(h, o, false, nil, nil)
}

func (l *UpgradableLock) acquireWrite(o *Owner, cause *Cause, block bool) *lockTxn {
	l.mu.Lock()
	h := l.holders[o]
	if h != nil && h.writes > 0 {
		h.writes++
		t := l.pushLocked(h, o, true, h.batchCause(), cause)
		l.mu.Unlock()
		return t
	}
	registered := h != nil && h.registered
	l.mu.Unlock()

	contended, yielded := false, false
	for spins := 0; !l.writer.CompareAndSwap(nil, o); spins++ {
		if !block {
			return nil
		}
		if registered && !yielded {
			// Another upgrader owns the slot and is waiting for our read
			// claim to go away.
			l.readers.Add(-1)
			yielded = true
		}
		if !contended {
			contended = true
			l.emit(EventContended, o, true, cause)
		}
		l.pause(spins)
	}

	var own int64
	if registered && !yielded {
		own = 1
	}
	for spins := 0; l.readers.Load() != own; spins++ {
		if !block {
			l.writer.Store(nil)
			return nil
		}
		if !contended {
			contended = true
			l.emit(EventContended, o, true, cause)
		}
		l.pause(spins)
	}
	if yielded {
		l.readers.Add(1)
	}
	l.version.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()

	h = l.holderLocked(o)
	h.writes++
	return l.pushLocked(h, o, true, cause, cause)
}

func (l *UpgradableLock) holderLocked(o *Owner) *holder {
	h := l.holders[o]
	if h == nil {
		h = &holder{}
		l.holders[o] = h
		l.held.Add(1)
	}
	return h
}

func (l *UpgradableLock) pushLocked(h *holder, o *Owner, write bool, batch, local *Cause) *lockTxn {
	t := &lockTxn{
		lock:  l,
		owner: o,
		write: write,
		cause: batch,
		local: local,
	}
	if write && t.cause == nil {
		t.cause = local
	}
	h.stack = append(h.stack, t)
	o.open.Add(1)
	return t
}

func (l *UpgradableLock) release(t *lockTxn) {
	l.mu.Lock()
	if t.closed {
		l.mu.Unlock()
		fatal(ErrAlreadyClosed, "Close", t.owner)
	}
	h := l.holders[t.owner]
	if h == nil || len(h.stack) == 0 || h.stack[len(h.stack)-1] != t {
		l.mu.Unlock()
		fatal(ErrOutOfOrder, "Close", t.owner)
	}

	t.closed = true
	h.stack[len(h.stack)-1] = nil
	h.stack = h.stack[:len(h.stack)-1]
	t.owner.open.Add(-1)

	if t.write {
		h.writes--
		if h.writes == 0 {
			l.version.Add(1)
			l.writer.Store(nil)
		}
	} else {
		h.reads--
		if h.reads == 0 && h.registered {
			h.registered = false
			l.readers.Add(-1)
		}
	}
	if h.reads == 0 && h.writes == 0 {
		delete(l.holders, t.owner)
		l.held.Add(-1)
	}
	l.mu.Unlock()

	l.emit(EventReleased, t.owner, t.write, t.cause)
}

// holds reports whether o has any open transaction on l. An owner with no
// open transactions, or a lock with no holders, is answered without mu.
func (l *UpgradableLock) holds(o *Owner) bool {
	if o == nil || o.open.Load() == 0 || l.held.Load() == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.holders[o]
	return ok
}

// currentCause returns the innermost unfinished cause among o's open
// write transactions.
func (l *UpgradableLock) currentCause(o *Owner) *Cause {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.holders[o]
	if h == nil {
		return nil
	}
	for i := len(h.stack) - 1; i >= 0; i-- {
		if t := h.stack[i]; t.write && live(t.local) {
			return t.local
		}
	}
	return nil
}

// beginOptimistic snapshots the sequence version. It reports false while a
// writer holds the lock.
func (l *UpgradableLock) beginOptimistic() (uint64, bool) {
	v := l.version.Load()
	return v, v&1 == 0
}

func (l *UpgradableLock) validate(v uint64) bool {
	return l.version.Load() == v
}

func (m *monitor) pause(spins int) {
	if spins < m.cfg.spins {
		runtime.Gosched()
		return
	}
	time.Sleep(m.cfg.sleep)
}

// lockTxn is the transaction handed out by UpgradableLock and the blocking
// strategies built on it.
type lockTxn struct {
	lock  *UpgradableLock
	owner *Owner
	write bool

	cause *Cause
	local *Cause

	// closed is only touched under lock.mu.
	closed bool
}

func (t *lockTxn) Close()        { t.lock.release(t) }
func (t *lockTxn) IsWrite() bool { return t.write }
func (t *lockTxn) Owner() *Owner { return t.owner }
func (t *lockTxn) Cause() *Cause { return t.cause }

func (t *lockTxn) stackKey() any { return t.lock }

func (t *lockTxn) atDepth(depth int) bool {
	l := t.lock
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.holders[t.owner]
	if t.closed || h == nil {
		return false
	}
	i := len(h.stack) - 1 - depth
	return i >= 0 && h.stack[i] == t
}
