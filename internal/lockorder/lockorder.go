// Package lockorder computes the acquisition order for row locks held by a
// single ledger operation. Every operation that locks more than one wallet
// collects the full set first, orders it here, and then locks it with one
// statement, so concurrent operations over overlapping sets always request
// their locks in the same global order.
package lockorder

import (
	"cmp"
	"slices"
)

// Order returns the distinct identifiers in ascending order. The input is
// left untouched.
func Order[T cmp.Ordered](ids ...T) []T {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
