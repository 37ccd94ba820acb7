package core

import (
	"cmp"
	"slices"
)

// CompareForAuction defines the total auction order of the pool.
// It returns a negative number when a ranks ahead of b, positive when b ranks ahead of a
// and 0 when neither is preferred.
//
// Ordering:
//  1. Effective bid rate, higher first
//  2. Priority score, higher first
//  3. Timestamp, earlier first
func CompareForAuction(a, b *AuctionTransaction) int {
	if c := cmp.Compare(b.EffectiveBidRate(), a.EffectiveBidRate()); c != 0 {
		return c
	}
	if c := cmp.Compare(b.PriorityScore, a.PriorityScore); c != 0 {
		return c
	}
	return cmp.Compare(a.Timestamp, b.Timestamp)
}

// SortForAuction sorts txs in place into auction order. Equal keys keep their
// relative order.
func SortForAuction(txs []AuctionTransaction) {
	slices.SortStableFunc(txs, func(a, b AuctionTransaction) int {
		return CompareForAuction(&a, &b)
	})
}

// IsAuctionOrdered reports whether txs respects the auction order.
func IsAuctionOrdered(txs []AuctionTransaction) bool {
	for i := 1; i < len(txs); i++ {
		if CompareForAuction(&txs[i-1], &txs[i]) > 0 {
			return false
		}
	}
	return true
}
