// Package elementid provides stable element identities for ordered
// collections.
//
// A [Generator] belongs to one collection and mints an [ID] for every
// element slot the collection allocates. IDs are totally ordered in the
// collection's iteration order and keep that order after their element is
// removed, so code holding an ID across mutations can still compare it, test
// it with [ID.IsPresent], and use it to locate neighbouring elements.
//
// # Removed IDs
//
// When an ID is removed it sorts directly after its predecessor at that
// moment, after any ID removed from the same spot before it, and before
// every ID inserted into that spot later: an ID that was there first stays
// first. When the predecessor is removed in turn, the removed IDs behind it
// move along with it. Comparing removed IDs costs the same as comparing
// present ones.
//
// # Reversed views
//
// [ID.Reverse] returns the same ID as seen from a reversed view. Comparison
// results flip, adjacent insertion through [Generator.NewID] mirrors its
// side, and [ID.Equal] still holds between both forms. The == operator does
// not: key maps by [ID.Direct].
//
// # Misuse
//
// IDs are only meaningful within the generator that minted them. Passing an
// ID to another generator panics with an error wrapping [ErrForeignID].
package elementid
