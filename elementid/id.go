package elementid

import "fmt"

// ID identifies one element slot of one collection.
//
// An ID is either direct or reversed. A reversed ID belongs to a reversed
// view of the collection: it compares in the opposite direction and mirrors
// the side of adjacent insertions, but it is [ID.Equal] to its direct form.
//
// The == operator and map hashing do see the direction: an ID and its
// reverse are different map keys. Maps and sets that may receive ids of
// both directions must be keyed by [ID.Direct].
//
// Only [ID.IsPresent] and [ID.Index] change over an ID's lifetime; equality
// and ordering are fixed from the moment it is minted.
type ID struct {
	s        *slot
	reversed bool
}

// IsZero reports whether id is the zero ID, which identifies nothing.
func (id ID) IsZero() bool {
	return id.s == nil
}

// IsPresent reports whether the element is still part of the collection.
// Once false, it stays false.
func (id ID) IsPresent() bool {
	if id.s == nil {
		return false
	}
	g := id.s.gen
	g.mu.RLock()
	defer g.mu.RUnlock()

	return id.s.live
}

// Compare orders id against other in id's direction. See
// [Generator.Compare].
func (id ID) Compare(other ID) int {
	if id.s == nil {
		panic(ErrZeroID)
	}
	return id.s.gen.Compare(id, other)
}

// Equal reports whether id and other identify the same slot, regardless of
// direction.
func (id ID) Equal(other ID) bool {
	return id.s == other.s
}

// Reverse returns the id as seen from the opposite direction.
// Reverse(Reverse(id)) == id.
func (id ID) Reverse() ID {
	id.reversed = !id.reversed
	return id
}

// IsReversed reports whether id belongs to a reversed view.
func (id ID) IsReversed() bool {
	return id.reversed
}

// Direct returns the forward form of id.
func (id ID) Direct() ID {
	id.reversed = false
	return id
}

// Index returns the current position of id in its own direction, or -1
// once it has been removed.
func (id ID) Index() int {
	if id.s == nil {
		return -1
	}
	return id.s.gen.Index(id)
}

// Generator returns the generator that minted id, or nil for the zero ID.
func (id ID) Generator() *Generator {
	if id.s == nil {
		return nil
	}
	return id.s.gen
}

func (id ID) String() string {
	if id.s == nil {
		return "id(zero)"
	}
	dir := ""
	if id.reversed {
		dir = "~"
	}
	if i := id.Index(); i >= 0 {
		return fmt.Sprintf("%sid#%d", dir, i)
	}
	return fmt.Sprintf("%sid(removed:%d)", dir, id.s.seq)
}
