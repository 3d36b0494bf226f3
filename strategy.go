package collsync

import (
	"fmt"
	"strings"
)

// Transaction is a scoped lock acquisition. Close releases it; it must be
// called exactly once, by the owner that acquired it, in reverse order of
// acquisition relative to the owner's other transactions on the same lock.
//
//	t := s.Lock(owner, true, cause)
//	defer t.Close()
type Transaction interface {
	// Close releases the acquisition. Closing twice or out of order panics
	// with a [*LockError].
	Close()

	// IsWrite reports whether the transaction grants write access.
	IsWrite() bool

	// Owner returns the owner the transaction was acquired for.
	Owner() *Owner

	// Cause returns the cause of the outermost write transaction of the
	// owner's current batch, or nil.
	Cause() *Cause
}

// Strategy is the locking policy of one collection. The collection's
// algorithm is written against this interface and never knows whether it is
// read optimistically or under a blocking lock.
//
// Reads go through [Strategy.RunOptimistic] (or the generic [Optimistic]
// helper). Structural writes open a write transaction, mutate, call
// [Strategy.MarkModified] exactly once, and close the transaction.
type Strategy interface {
	// Lock blocks until a read or write transaction is granted to o.
	Lock(o *Owner, write bool, cause *Cause) Transaction

	// TryLock grants a transaction only if that is possible without
	// blocking. It returns nil otherwise.
	TryLock(o *Owner, write bool, cause *Cause) Transaction

	// Stamp returns the number of completed structural modifications.
	Stamp() uint64

	// MarkModified records one completed structural modification. It must
	// be called while holding a write transaction.
	MarkModified()

	// RunOptimistic runs op until one run completes against consistent
	// state. op must not mutate anything visible outside itself; results of
	// discarded runs are simply overwritten by the next run.
	RunOptimistic(o *Owner, op func(ctx OptimisticContext))

	// CurrentCause returns the innermost unfinished cause among o's open
	// write transactions, or nil.
	CurrentCause(o *Owner) *Cause

	// Stats returns a point-in-time snapshot of activity.
	Stats() LockStats
}

var (
	_ Strategy = (*FastFail)(nil)
	_ Strategy = (*Blocking)(nil)
	_ Strategy = (*Stamped)(nil)
	_ Strategy = (*Node)(nil)
)

// Optimistic runs op through s.RunOptimistic and returns the result of the
// run that was validated. Every run starts from init.
//
//	size := collsync.Optimistic(s, owner, 0, func(n int, ctx collsync.OptimisticContext) int {
//	    for e := list.head; e != nil && ctx.Check(); e = e.next {
//	        n++
//	    }
//	    return n
//	})
func Optimistic[T any](s Strategy, o *Owner, init T, op func(init T, ctx OptimisticContext) T) T {
	var out T
	s.RunOptimistic(o, func(ctx OptimisticContext) {
		out = op(init, ctx)
	})
	return out
}

// Kind selects a [Strategy] implementation.
type Kind int

const (
	// KindFastFail selects [FastFail].
	KindFastFail Kind = iota

	// KindBlocking selects [Blocking].
	KindBlocking

	// KindStamped selects [Stamped].
	KindStamped
)

func (k Kind) String() string {
	switch k {
	case KindFastFail:
		return "fastfail"
	case KindBlocking:
		return "blocking"
	case KindStamped:
		return "stamped"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses the names returned by [Kind.String].
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fastfail", "fast-fail":
		return KindFastFail, nil
	case "blocking":
		return KindBlocking, nil
	case "stamped":
		return KindStamped, nil
	default:
		return 0, fmt.Errorf("collsync: unknown strategy %q", s)
	}
}

// Factory creates a fresh strategy for each new collection or node.
type Factory func() Strategy

// NewFactory returns a [Factory] producing strategies of kind k.
// pinned is the owner FastFail strategies are bound to; it is ignored by
// the other kinds. NewFactory panics on an unknown kind.
func NewFactory(k Kind, pinned *Owner, opts ...Option) Factory {
	switch k {
	case KindFastFail:
		return func() Strategy { return NewFastFail(pinned, opts...) }
	case KindBlocking:
		return func() Strategy { return NewBlocking(opts...) }
	case KindStamped:
		return func() Strategy { return NewStamped(opts...) }
	default:
		panic(fmt.Sprintf("collsync: unknown strategy kind %d", int(k)))
	}
}
