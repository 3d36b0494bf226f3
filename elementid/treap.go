package elementid

import "math/rand/v2"

// slot is one element position. While live it is a node of the generator's
// treap. Once retired, the same links place it in the retired run of the
// slot it now sorts behind.
type slot struct {
	gen *Generator

	left, right, parent *slot
	prio                uint64
	size                int
	live                bool

	// run is the root of the treap of retired slots that sort directly after
	// this one and before the next live slot.
	run *slot
	// base is set on run roots only: the slot owning the run.
	base *slot

	// seq is the generator-wide removal sequence number.
	seq uint64
}

func size(n *slot) int {
	if n == nil {
		return 0
	}
	return n.size
}

func (n *slot) resize() {
	n.size = size(n.left) + size(n.right) + 1
}

// treap is an order-statistic treap with parent links. Order is purely
// positional: there are no keys.
type treap struct {
	root *slot
}

func newSlotPrio() uint64 {
	return rand.Uint64()
}

func leftmost(n *slot) *slot {
	for n.left != nil {
		n = n.left
	}
	return n
}

func rightmost(n *slot) *slot {
	for n.right != nil {
		n = n.right
	}
	return n
}

// rank returns the zero-based in-order position of n.
func (t *treap) rank(n *slot) int {
	_, r := locate(n)
	return r
}

// locate returns the root of the treap holding n and n's position in it.
func locate(n *slot) (*slot, int) {
	r := size(n.left)
	cur := n
	for ; cur.parent != nil; cur = cur.parent {
		if cur == cur.parent.right {
			r += size(cur.parent.left) + 1
		}
	}
	return cur, r
}

// merge concatenates the treaps rooted at a and b and returns the new root.
// The caller clears the root's parent.
func merge(a, b *slot) *slot {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.prio > b.prio:
		r := merge(a.right, b)
		a.right, r.parent = r, a
		a.resize()
		return a
	default:
		l := merge(a, b.left)
		b.left, l.parent = l, b
		b.resize()
		return b
	}
}

func (t *treap) at(i int) *slot {
	n := t.root
	for n != nil {
		l := size(n.left)
		switch {
		case i < l:
			n = n.left
		case i == l:
			return n
		default:
			i -= l + 1
			n = n.right
		}
	}
	return nil
}

func (t *treap) predecessor(n *slot) *slot {
	if n.left != nil {
		return rightmost(n.left)
	}
	for n.parent != nil && n == n.parent.left {
		n = n.parent
	}
	return n.parent
}

// insertAdjacent links n as the in-order neighbour of rel on the given side.
// A nil rel inserts at the front (after=false) or back (after=true).
func (t *treap) insertAdjacent(n, rel *slot, after bool) {
	n.size = 1
	if t.root == nil {
		t.root = n
		return
	}

	var parent *slot
	var asLeft bool
	switch {
	case rel == nil && after:
		parent, asLeft = rightmost(t.root), false
	case rel == nil:
		parent, asLeft = leftmost(t.root), true
	case after && rel.right == nil:
		parent, asLeft = rel, false
	case after:
		parent, asLeft = leftmost(rel.right), true
	case rel.left == nil:
		parent, asLeft = rel, true
	default:
		parent, asLeft = rightmost(rel.left), false
	}

	n.parent = parent
	if asLeft {
		parent.left = n
	} else {
		parent.right = n
	}
	for p := parent; p != nil; p = p.parent {
		p.size++
	}
	for n.parent != nil && n.prio > n.parent.prio {
		t.rotateUp(n)
	}
}

func (t *treap) delete(n *slot) {
	for n.left != nil || n.right != nil {
		c := n.left
		if c == nil || (n.right != nil && n.right.prio > c.prio) {
			c = n.right
		}
		t.rotateUp(c)
	}

	p := n.parent
	switch {
	case p == nil:
		t.root = nil
	case p.left == n:
		p.left = nil
	default:
		p.right = nil
	}
	for ; p != nil; p = p.parent {
		p.size--
	}
	n.parent = nil
	n.size = 0
}

// rotateUp moves n above its parent, preserving in-order sequence.
func (t *treap) rotateUp(n *slot) {
	p := n.parent
	g := p.parent

	if n == p.left {
		p.left = n.right
		if n.right != nil {
			n.right.parent = p
		}
		n.right = p
	} else {
		p.right = n.left
		if n.left != nil {
			n.left.parent = p
		}
		n.left = p
	}
	p.parent = n
	n.parent = g

	switch {
	case g == nil:
		t.root = n
	case g.left == p:
		g.left = n
	default:
		g.right = n
	}
	p.resize()
	n.resize()
}

// walk calls fn for every live slot in order.
func (t *treap) walk(fn func(*slot)) {
	var rec func(*slot)
	rec = func(n *slot) {
		if n == nil {
			return
		}
		rec(n.left)
		fn(n)
		rec(n.right)
	}
	rec(t.root)
}
