package collsync

import (
	"errors"
	"fmt"
	"runtime"
)

// Kinds of lock-discipline violations. A [*LockError] wraps exactly one of
// these, so callers that recover the panic can match with [errors.Is].
var (
	// ErrOutOfOrder reports a transaction closed while a more recently
	// acquired transaction of the same owner on the same lock is still open.
	ErrOutOfOrder = errors.New("transaction closed out of order")

	// ErrAlreadyClosed reports a second Close of the same transaction.
	ErrAlreadyClosed = errors.New("transaction already closed")

	// ErrWrongOwner reports a write on a [FastFail] strategy by an owner
	// other than the one it is pinned to.
	ErrWrongOwner = errors.New("write by non-pinned owner")

	// ErrOwnerInUse reports an owner entering an acquisition while another
	// acquisition on its behalf is still in flight.
	ErrOwnerInUse = errors.New("owner used by concurrent goroutines")

	// ErrNilOwner reports an operation issued without an owner.
	ErrNilOwner = errors.New("nil owner")
)

// LockError describes a violation of the locking discipline. It is never
// returned; it is the value passed to panic, because every violation is a
// programming error in the caller.
//
// Bookkeeping is validated before it is modified, so the lock that raised
// the error is left in the state it had before the offending call.
type LockError struct {
	// Kind is one of the Err* sentinels of this package.
	Kind error

	// Op names the operation that detected the violation.
	Op string

	// Owner is the diagnostic form of the owner involved, if any.
	Owner string

	// Stack is the goroutine stack at the point of the violation.
	Stack string
}

func (e *LockError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("collsync: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("collsync: %s by %s: %v", e.Op, e.Owner, e.Kind)
}

// Unwrap returns the violation kind.
func (e *LockError) Unwrap() error {
	return e.Kind
}

// IsLockError reports whether v is, or wraps, a [*LockError]. v may be an
// error or a value obtained from recover.
func IsLockError(v any) bool {
	_, ok := asLockError(v)
	return ok
}

// KindOf extracts the violation kind from a [*LockError] found in v.
// Returns false if v holds no LockError.
func KindOf(v any) (error, bool) {
	le, ok := asLockError(v)
	if !ok {
		return nil, false
	}
	return le.Kind, true
}

func asLockError(v any) (*LockError, bool) {
	err, ok := v.(error)
	if !ok || err == nil {
		return nil, false
	}
	var le *LockError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

func newLockError(kind error, op string, o *Owner) *LockError {
	// 8 KiB is enough for most stack traces. runtime.Stack truncates
	// gracefully if the buffer is too small.
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)

	le := &LockError{
		Kind:  kind,
		Op:    op,
		Stack: string(buf[:n]),
	}
	if o != nil {
		le.Owner = o.String()
	}
	return le
}

// fatal panics with a LockError.
func fatal(kind error, op string, o *Owner) {
	panic(newLockError(kind, op, o))
}
