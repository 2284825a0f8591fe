package riverbed

import "github.com/0xReLogic/riverbed/internal/fold"

// Range bounds a range fold. A nil FromKey/ToKey leaves that side
// unbounded.
type Range = fold.Range

// KeyRange builds a half-open [from, to) range; pass nil for either
// bound to leave it open.
func KeyRange(from, to []byte) Range {
	return Range{FromKey: from, FromInclusive: true, ToKey: to, ToInclusive: false}
}

// FullRange spans every key in the tree.
func FullRange() Range {
	return Range{}
}
