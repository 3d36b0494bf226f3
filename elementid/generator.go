package elementid

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// Generator errors. They are raised through panic, because every one of them
// is a programming error in the calling collection.
var (
	// ErrForeignID reports an id used with a generator that did not mint it.
	ErrForeignID = errors.New("elementid: id belongs to another generator")

	// ErrZeroID reports use of the zero ID where a real id is required.
	ErrZeroID = errors.New("elementid: zero ID")

	// ErrRemovedRelative reports an insertion next to an id that is no
	// longer present.
	ErrRemovedRelative = errors.New("elementid: relative id is not present")
)

// Generator mints element ids for one collection and answers order queries
// between them.
//
// Live ids are kept in an order-statistic treap, so minting, removal,
// comparison, and index lookup are O(log n). A removed id leaves the treap
// and joins the retired run of its predecessor at removal time: the ids that
// sort directly after that predecessor and before the next live id. Its own
// run follows it there. Runs are positional treaps as well, so comparing
// removed ids stays O(log n) however many removals they went through.
//
// Generator is safe for concurrent use.
type Generator struct {
	id uuid.UUID

	mu   sync.RWMutex
	tree treap

	// head owns the run of ids removed from the front. It is never live and
	// sorts before every id.
	head *slot
	seq  uint64
}

// NewGenerator creates an empty generator.
func NewGenerator() *Generator {
	g := &Generator{id: uuid.New()}
	g.head = &slot{gen: g}
	return g
}

// ID returns the generator's unique identifier.
func (g *Generator) ID() uuid.UUID {
	return g.id
}

// NewID mints an id adjacent to relative: after it if after is true,
// before it otherwise. If relative is reversed, the side is mirrored and the
// new id is reversed as well. The zero ID as relative inserts at the back
// (after=true) or the front (after=false).
//
// NewID panics if relative is foreign or no longer present.
func (g *Generator) NewID(relative ID, after bool) ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rel *slot
	if !relative.IsZero() {
		g.own(relative)
		if !relative.s.live {
			panic(ErrRemovedRelative)
		}
		rel = relative.s
		if relative.reversed {
			after = !after
		}
	}

	s := &slot{
		gen:  g,
		prio: newSlotPrio(),
		live: true,
	}
	g.tree.insertAdjacent(s, rel, after)
	return ID{s: s, reversed: relative.reversed}
}

// Append mints an id after every present id.
func (g *Generator) Append() ID {
	return g.NewID(ID{}, true)
}

// Prepend mints an id before every present id.
func (g *Generator) Prepend() ID {
	return g.NewID(ID{}, false)
}

// Remove retires id. It returns false if id was already removed.
func (g *Generator) Remove(id ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.own(id)
	s := id.s
	if !s.live {
		return false
	}
	pred := g.tree.predecessor(s)
	if pred == nil {
		pred = g.head
	}
	g.tree.delete(s)
	g.retire(s, pred)
	return true
}

// Clear retires every present id, keeping their relative order.
func (g *Generator) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	var all []*slot
	g.tree.walk(func(s *slot) {
		all = append(all, s)
	})
	g.tree.root = nil
	for _, s := range all {
		g.retire(s, g.head)
	}
}

// retire appends s, followed by its own run, to the run of anchor.
func (g *Generator) retire(s *slot, anchor *slot) {
	g.seq++
	s.live = false
	s.seq = g.seq
	s.left, s.right, s.parent = nil, nil, nil
	s.size = 1

	own := s.run
	s.run = nil
	if own != nil {
		own.base = nil
	}
	prev := anchor.run
	if prev != nil {
		prev.base = nil
	}

	r := merge(prev, merge(s, own))
	r.parent = nil
	r.base = anchor
	anchor.run = r
}

// Len returns the number of present ids.
func (g *Generator) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return size(g.tree.root)
}

// At returns the present id at index i in forward order.
// It panics if i is out of range.
func (g *Generator) At(i int) ID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := g.tree.at(i)
	if s == nil {
		panic(fmt.Sprintf("elementid: index %d out of range [0:%d]", i, size(g.tree.root)))
	}
	return ID{s: s}
}

// Index returns the position of id among present ids, counted in id's own
// direction, or -1 if id has been removed.
func (g *Generator) Index(id ID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	g.own(id)
	if !id.s.live {
		return -1
	}
	r := g.tree.rank(id.s)
	if id.reversed {
		return size(g.tree.root) - 1 - r
	}
	return r
}

// All yields a snapshot of the present ids in forward order.
func (g *Generator) All() iter.Seq[ID] {
	return func(yield func(ID) bool) {
		g.mu.RLock()
		snap := make([]*slot, 0, size(g.tree.root))
		g.tree.walk(func(s *slot) {
			snap = append(snap, s)
		})
		g.mu.RUnlock()

		for _, s := range snap {
			if !yield(ID{s: s}) {
				return
			}
		}
	}
}

// Compare orders a and b in a's direction: negative if a comes first, zero
// if they are the same element, positive otherwise. The result for any pair
// never changes, whether or not either id is still present.
//
// Compare panics if either id was minted by another generator.
func (g *Generator) Compare(a, b ID) int {
	g.own(a)
	g.own(b)
	if a.s == b.s {
		return 0
	}

	g.mu.RLock()
	c := g.compareSlots(a.s, b.s)
	g.mu.RUnlock()

	if a.reversed {
		return -c
	}
	return c
}

func (g *Generator) compareSlots(x, y *slot) int {
	bx, px := g.resolve(x)
	by, py := g.resolve(y)
	if bx != by {
		return g.compareBase(bx, by)
	}
	return cmp.Compare(px, py)
}

// resolve returns the live slot (or head) s sorts behind and s's position
// in that slot's run. A live slot is its own base at position -1.
func (g *Generator) resolve(s *slot) (*slot, int) {
	if s.live {
		return s, -1
	}
	root, pos := locate(s)
	return root.base, pos
}

func (g *Generator) compareBase(x, y *slot) int {
	switch {
	case x == g.head:
		return -1
	case y == g.head:
		return 1
	}
	return cmp.Compare(g.tree.rank(x), g.tree.rank(y))
}

func (g *Generator) own(id ID) {
	if id.s == nil {
		panic(ErrZeroID)
	}
	if id.s.gen != g {
		panic(fmt.Errorf("%w: minted by %s, used with %s", ErrForeignID, id.s.gen.id, g.id))
	}
}
