package collsync

import (
	"sync"
	"sync/atomic"
	"weak"
)

// Node is one lockable unit in a tree of related collections, such as a
// source collection and the views derived from it.
//
// Locking a node read-locks every ancestor, locks the node itself, and then
// locks every descendant with the same mode. Ancestors are always taken
// before the node and descendants after it, so any two lockers in the same
// tree acquire shared nodes in the same order and cannot deadlock. Siblings
// and cousins are never touched: two nodes with a common ancestor but no
// ancestor/descendant relation lock without contending, apart from the
// shared read locks on their common ancestors.
//
// While a hierarchical transaction is open, further hierarchical locks by
// the same owner should target the same node or its descendants. Taking a
// write lock on an ancestor from inside a descendant's transaction upgrades
// that ancestor's read hold and can deadlock against another owner doing
// the same.
//
// A Node is itself a [Strategy]; a collection participating in a hierarchy
// uses its node wherever it would use a plain strategy.
type Node struct {
	strategy Strategy

	parent    weak.Pointer[Node]
	hasParent bool
	depth     int

	// children is copy-on-write so lockers can iterate a snapshot while
	// children are created or removed.
	mu       sync.Mutex
	children atomic.Pointer[[]*Node]

	removed atomic.Bool
}

// NewRoot creates a node without a parent that locks through s.
// It panics if s is nil.
func NewRoot(s Strategy) *Node {
	if s == nil {
		panic("collsync: NewRoot requires a strategy")
	}
	return &Node{strategy: s}
}

// CreateChild creates a node below n that locks through s.
// The parent is referenced weakly: the child does not keep it alive.
// It panics if s is nil or n has been removed.
func (n *Node) CreateChild(s Strategy) *Node {
	if s == nil {
		panic("collsync: CreateChild requires a strategy")
	}
	if n.removed.Load() {
		panic("collsync: CreateChild on a removed node")
	}

	child := &Node{
		strategy:  s,
		parent:    weak.Make(n),
		hasParent: true,
		depth:     n.depth + 1,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.snapshot()
	next := make([]*Node, len(old), len(old)+1)
	copy(next, old)
	next = append(next, child)
	n.children.Store(&next)

	return child
}

// Remove detaches n from its parent. Later locks on the parent no longer
// reach n or its subtree. Remove is idempotent.
func (n *Node) Remove() {
	if n.removed.Load() {
		return
	}
	p := n.Parent()
	if !n.removed.CompareAndSwap(false, true) || p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.snapshot()
	next := make([]*Node, 0, len(old))
	for _, c := range old {
		if c != n {
			next = append(next, c)
		}
	}
	p.children.Store(&next)
}

// Parent returns the parent node, or nil for a root, a removed node, or a
// node whose parent has been garbage collected.
func (n *Node) Parent() *Node {
	if !n.hasParent || n.removed.Load() {
		return nil
	}
	return n.parent.Value()
}

// Children returns a snapshot of the current children.
func (n *Node) Children() []*Node {
	s := n.snapshot()
	out := make([]*Node, len(s))
	copy(out, s)
	return out
}

// Depth returns the distance from the root at creation time.
func (n *Node) Depth() int {
	return n.depth
}

// IsRemoved reports whether [Node.Remove] has been called.
func (n *Node) IsRemoved() bool {
	return n.removed.Load()
}

// Strategy returns the node's own strategy.
func (n *Node) Strategy() Strategy {
	return n.strategy
}

func (n *Node) snapshot() []*Node {
	if p := n.children.Load(); p != nil {
		return *p
	}
	return nil
}

// Lock implements [Strategy.Lock] over the node's lineage: ancestors are
// read-locked, n and its descendants are locked with the requested mode.
func (n *Node) Lock(o *Owner, write bool, cause *Cause) Transaction {
	t, _ := n.lock(o, write, cause, true, false, false)
	return t
}

// TryLock implements [Strategy.TryLock]. If any node of the lineage is
// unavailable, everything acquired so far is released in reverse order and
// nil is returned.
func (n *Node) TryLock(o *Owner, write bool, cause *Cause) Transaction {
	t, ok := n.lock(o, write, cause, false, false, false)
	if !ok {
		return nil
	}
	return t
}

// lock acquires n's lineage. fromParent is set when the parent is already
// being locked by the caller, fromChild when a child is. If a strategy
// panics, everything acquired so far is released before the panic resumes.
func (n *Node) lock(o *Owner, write bool, cause *Cause, block, fromParent, fromChild bool) (*treeTxn, bool) {
	t := &treeTxn{owner: o, write: write}
	defer func() {
		if r := recover(); r != nil {
			t.unwind()
			panic(r)
		}
	}()

	if p := n.Parent(); p != nil && !fromParent {
		pt, ok := p.lock(o, false, cause, block, false, true)
		if !ok {
			return nil, false
		}
		t.add(pt)
	}

	var own Transaction
	if block {
		own = n.strategy.Lock(o, write, cause)
	} else {
		own = n.strategy.TryLock(o, write, cause)
	}
	if own == nil {
		t.unwind()
		return nil, false
	}
	t.add(own)
	t.own = own

	if !fromChild {
		for _, c := range n.snapshot() {
			if c.removed.Load() {
				continue
			}
			ct, ok := c.lock(o, write, cause, block, true, false)
			if !ok {
				t.unwind()
				return nil, false
			}
			t.add(ct)
		}
	}
	return t, true
}

// Stamp implements [Strategy.Stamp] with the node's own stamp.
func (n *Node) Stamp() uint64 {
	return n.strategy.Stamp()
}

// MarkModified implements [Strategy.MarkModified] on the node's own
// strategy.
func (n *Node) MarkModified() {
	n.strategy.MarkModified()
}

// RunOptimistic implements [Strategy.RunOptimistic] on the node's own
// strategy. A write anywhere above n write-locks n as well, so n's own
// validation covers changes made through its ancestors.
func (n *Node) RunOptimistic(o *Owner, op func(ctx OptimisticContext)) {
	n.strategy.RunOptimistic(o, op)
}

// CurrentCause returns the innermost unfinished cause among o's open write
// transactions on n or, failing that, on the nearest ancestor that has one.
func (n *Node) CurrentCause(o *Owner) *Cause {
	for cur := n; cur != nil; cur = cur.Parent() {
		if c := cur.strategy.CurrentCause(o); c != nil {
			return c
		}
	}
	return nil
}

// Stats implements [Strategy.Stats] with the node's own counters.
func (n *Node) Stats() LockStats {
	return n.strategy.Stats()
}

// treeTxn holds the strategy transactions of one hierarchical acquisition
// in the order they were taken: ancestors, the node itself, descendants.
// Nested hierarchical acquisitions are flattened into their parent.
type treeTxn struct {
	owner  *Owner
	write  bool
	own    Transaction
	parts  []Transaction
	closed bool
}

func (t *treeTxn) add(x Transaction) {
	if tt, ok := x.(*treeTxn); ok {
		t.parts = append(t.parts, tt.parts...)
		tt.parts = nil
		tt.closed = true
		return
	}
	t.parts = append(t.parts, x)
}

// Close releases descendants, then the node, then its ancestors. The whole
// release is validated first, so a violation leaves every part held.
func (t *treeTxn) Close() {
	if t.closed {
		fatal(ErrAlreadyClosed, "Close", t.owner)
	}
	if !t.releasable() {
		fatal(ErrOutOfOrder, "Close", t.owner)
	}
	t.closed = true
	t.unwind()
}

// releasable reports whether closing parts last-to-first would respect
// every lock's stack discipline.
func (t *treeTxn) releasable() bool {
	depth := make(map[any]int, len(t.parts))
	for i := len(t.parts) - 1; i >= 0; i-- {
		v, ok := t.parts[i].(stacked)
		if !ok {
			continue
		}
		key := v.stackKey()
		if !v.atDepth(depth[key]) {
			return false
		}
		if key != nil {
			depth[key]++
		}
	}
	return true
}

func (t *treeTxn) unwind() {
	for i := len(t.parts) - 1; i >= 0; i-- {
		t.parts[i].Close()
	}
	t.parts = nil
}

func (t *treeTxn) IsWrite() bool { return t.write }
func (t *treeTxn) Owner() *Owner { return t.owner }

func (t *treeTxn) Cause() *Cause {
	if t.own == nil {
		return nil
	}
	return t.own.Cause()
}

// stacked is implemented by transactions that live on a per-owner stack.
type stacked interface {
	// stackKey identifies the stack; nil means the transaction is not
	// stacked and may be closed at any time.
	stackKey() any

	// atDepth reports whether the transaction is open and sits depth
	// entries below the top of its stack.
	atDepth(depth int) bool
}
