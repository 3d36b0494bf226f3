package collsync

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Cause attributes a batch of writes to the event that triggered them.
//
// A cause is handed to a write acquisition and travels with the resulting
// [Transaction]. Nested write transactions of the same owner on the same
// lock report the cause of the outermost one, so every change made inside a
// batch can be traced back to one originating event.
type Cause struct {
	id       uuid.UUID
	value    any
	parent   *Cause
	finished atomic.Bool
}

// NewCause creates a root cause carrying value.
func NewCause(value any) *Cause {
	return &Cause{
		id:    uuid.New(),
		value: value,
	}
}

// Child creates a cause triggered by c.
func (c *Cause) Child(value any) *Cause {
	return &Cause{
		id:     uuid.New(),
		value:  value,
		parent: c,
	}
}

// ID returns the unique identifier of the cause.
func (c *Cause) ID() uuid.UUID {
	return c.id
}

// Value returns the payload passed at creation.
func (c *Cause) Value() any {
	return c.value
}

// Parent returns the cause that triggered c, or nil for a root cause.
func (c *Cause) Parent() *Cause {
	return c.parent
}

// Root follows parent links to the originating cause.
func (c *Cause) Root() *Cause {
	for c.parent != nil {
		c = c.parent
	}
	return c
}

// Finish terminates the cause. A finished cause is skipped by
// [Node.CurrentCause] and [Strategy.CurrentCause].
func (c *Cause) Finish() {
	c.finished.Store(true)
}

// IsFinished reports whether [Cause.Finish] has been called.
func (c *Cause) IsFinished() bool {
	return c.finished.Load()
}

func (c *Cause) String() string {
	if c == nil {
		return "<nil cause>"
	}
	return fmt.Sprintf("cause(%v, %s)", c.value, c.id.String()[:8])
}

func live(c *Cause) bool {
	return c != nil && !c.IsFinished()
}
