package collsync

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// EventKind classifies a [LockEvent].
type EventKind int

const (
	// EventAcquired fires when a transaction is opened.
	EventAcquired EventKind = iota

	// EventReleased fires when a transaction is closed.
	EventReleased

	// EventContended fires when a blocking acquisition has to wait.
	EventContended

	// EventModified fires on every MarkModified.
	EventModified

	// EventRetry fires when an optimistic attempt is discarded.
	EventRetry

	// EventEscalated fires when an optimistic read gives up and takes a
	// read lock instead.
	EventEscalated
)

func (k EventKind) String() string {
	switch k {
	case EventAcquired:
		return "acquired"
	case EventReleased:
		return "released"
	case EventContended:
		return "contended"
	case EventModified:
		return "modified"
	case EventRetry:
		return "retry"
	case EventEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// LockEvent describes a state change of a lock or strategy.
// It is passed to hooks registered via [WithOnEvent].
type LockEvent struct {
	Kind  EventKind
	Name  string
	Owner *Owner
	Write bool
	Cause *Cause
	Stamp uint64
}

// LockStats is a point-in-time snapshot of lock activity.
type LockStats struct {
	ReadLocks          int64 // read transactions opened
	WriteLocks         int64 // write transactions opened
	TryLockFailures    int64 // TryLock calls that returned nil
	Contended          int64 // blocking acquisitions that had to wait
	OptimisticAttempts int64 // optimistic attempts started
	OptimisticRetries  int64 // optimistic attempts discarded
	Escalations        int64 // optimistic reads that fell back to a read lock
	Modifications      int64 // MarkModified calls, equal to the stamp
}

// monitor carries the configuration and counters shared by every lock type.
type monitor struct {
	cfg config

	readLocks    atomic.Int64
	writeLocks   atomic.Int64
	tryFailures  atomic.Int64
	contended    atomic.Int64
	attempts     atomic.Int64
	retries      atomic.Int64
	escalations  atomic.Int64
	modification atomic.Uint64
}

func (m *monitor) snapshot() LockStats {
	return LockStats{
		ReadLocks:          m.readLocks.Load(),
		WriteLocks:         m.writeLocks.Load(),
		TryLockFailures:    m.tryFailures.Load(),
		Contended:          m.contended.Load(),
		OptimisticAttempts: m.attempts.Load(),
		OptimisticRetries:  m.retries.Load(),
		Escalations:        m.escalations.Load(),
		Modifications:      int64(m.modification.Load()),
	}
}

func (m *monitor) acquired(o *Owner, write bool, cause *Cause) {
	if write {
		m.writeLocks.Add(1)
	} else {
		m.readLocks.Add(1)
	}
	m.emit(EventAcquired, o, write, cause)
}

func (m *monitor) emit(kind EventKind, o *Owner, write bool, cause *Cause) {
	switch kind {
	case EventContended:
		m.contended.Add(1)
	case EventRetry:
		m.retries.Add(1)
	case EventEscalated:
		m.escalations.Add(1)
	}

	if m.cfg.onEvent == nil && m.cfg.logger == nil {
		return
	}

	e := LockEvent{
		Kind:  kind,
		Name:  m.cfg.name,
		Owner: o,
		Write: write,
		Cause: cause,
		Stamp: m.modification.Load(),
	}
	if m.cfg.onEvent != nil {
		m.cfg.onEvent(e)
	}
	if l := m.cfg.logger; l != nil && l.Enabled(context.Background(), slog.LevelDebug) {
		attrs := []any{
			slog.String("lock", e.Name),
			slog.String("event", kind.String()),
			slog.Bool("write", write),
			slog.Uint64("stamp", e.Stamp),
		}
		if o != nil {
			attrs = append(attrs, slog.String("owner", o.String()))
		}
		if cause != nil {
			attrs = append(attrs, slog.String("cause", cause.ID().String()))
		}
		l.Debug("collsync lock event", attrs...)
	}
}
