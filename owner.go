package collsync

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Owner identifies a logical thread of control for lock bookkeeping.
//
// Every lock, transaction, and optimistic read is issued on behalf of an
// Owner. Reentrancy counts and the per-owner stack of open transactions are
// kept by each lock, keyed by Owner. The Owner itself only counts its open
// [UpgradableLock] transactions, so an owner holding nothing can skip the
// holder lookup on optimistic reads.
//
// An Owner must not be used by more than one goroutine at a time. Blocking
// acquisitions detect concurrent use and panic with [ErrOwnerInUse].
type Owner struct {
	id   uuid.UUID
	name string

	// busy is set for the duration of a blocking acquisition.
	busy atomic.Bool

	// open counts transactions on UpgradableLocks not yet closed.
	open atomic.Int64
}

// NewOwner creates an Owner with the given diagnostic name.
func NewOwner(name string) *Owner {
	return &Owner{
		id:   uuid.New(),
		name: name,
	}
}

// ID returns the Owner's unique identifier.
func (o *Owner) ID() uuid.UUID {
	return o.id
}

// Name returns the diagnostic name passed to [NewOwner].
func (o *Owner) Name() string {
	return o.name
}

func (o *Owner) String() string {
	if o == nil {
		return "<nil owner>"
	}
	if o.name == "" {
		return o.id.String()
	}
	return fmt.Sprintf("%s(%s)", o.name, o.id.String()[:8])
}

// enter marks the owner as inside an acquisition. A second concurrent
// entry means two goroutines share the owner.
func (o *Owner) enter(op string) {
	if o == nil {
		fatal(ErrNilOwner, op, nil)
	}
	if !o.busy.CompareAndSwap(false, true) {
		fatal(ErrOwnerInUse, op, o)
	}
}

func (o *Owner) leave() {
	o.busy.Store(false)
}
