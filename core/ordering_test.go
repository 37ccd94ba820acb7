package core

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

func newTx(id byte, bid, gas uint64, size uint32) AuctionTransaction {
	return NewAuctionTransaction(Hash{id}, uint64(id), bid, gas, size, "addr", time.Unix(1700000000, 0))
}

func TestEffectiveBidRate(t *testing.T) {
	tests := []struct {
		name     string
		tx       AuctionTransaction
		expected float64
	}{
		{"regular", newTx(1, 2100, 21000, 100), 0.001},
		{"zero gas", newTx(2, 1000, 0, 100), 0},
		{"zero size", newTx(3, 1000, 21000, 0), 0},
		{"zero bid", newTx(4, 0, 21000, 100), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check.Equal(t, tt.expected, tt.tx.EffectiveBidRate())
		})
	}
}

func TestCompareForAuction_BidRate(t *testing.T) {
	tx1 := newTx(1, 1000, 21000, 100)
	tx2 := newTx(2, 2000, 21000, 100)
	tx3 := newTx(3, 1000, 21000, 50)

	// tx2 has the highest rate, tx3 beats tx1 by its smaller size
	check.True(t, CompareForAuction(&tx1, &tx2) > 0)
	check.True(t, CompareForAuction(&tx2, &tx1) < 0)
	check.True(t, CompareForAuction(&tx3, &tx1) < 0)
}

func TestCompareForAuction_TieBreaks(t *testing.T) {
	a := newTx(1, 1000, 21000, 100)
	b := newTx(2, 1000, 21000, 100)

	// Equal rate: higher priority first
	b.PriorityScore = 900
	check.True(t, CompareForAuction(&b, &a) < 0)

	// Equal rate and priority: earlier timestamp first
	b.PriorityScore = a.PriorityScore
	b.Timestamp = a.Timestamp - 10
	check.True(t, CompareForAuction(&b, &a) < 0)

	// Fully equal keys
	b.Timestamp = a.Timestamp
	check.Equal(t, 0, CompareForAuction(&a, &b))
}

func TestCompareForAuction_ZeroRateSortsLast(t *testing.T) {
	malformed := newTx(1, 1_000_000, 0, 100)
	malformed.PriorityScore = MaxPriorityScore
	cheap := newTx(2, 1, 21000, 100)

	check.True(t, CompareForAuction(&cheap, &malformed) < 0)
}

func TestSortForAuction(t *testing.T) {
	txs := []AuctionTransaction{
		newTx(1, 1000, 21000, 100),
		newTx(2, 2000, 21000, 100),
		newTx(3, 1500, 21000, 100),
		newTx(4, 5000, 0, 100),
	}

	SortForAuction(txs)

	check.True(t, IsAuctionOrdered(txs))
	check.Equal(t, Hash{2}, txs[0].ID)
	check.Equal(t, Hash{3}, txs[1].ID)
	check.Equal(t, Hash{1}, txs[2].ID)
	check.Equal(t, Hash{4}, txs[3].ID)
}
