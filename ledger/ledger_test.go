package ledger

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/auctionpool/core"
)

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()

	db, err := OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Ledger{
		"memory": NewMemory(),
		"bolt":   db,
	}
}

func TestLedger_DebitCredit(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			balance, err := l.Balance("alice")
			assert.NoError(t, err)
			check.Equal(t, uint64(0), balance)

			assert.NoError(t, l.SetBalance("alice", 5000))
			assert.NoError(t, l.Debit("alice", 2000))
			assert.NoError(t, l.Credit("alice", 300))

			balance, err = l.Balance("alice")
			assert.NoError(t, err)
			check.Equal(t, uint64(3300), balance)
		})
	}
}

func TestLedger_DebitInsufficient(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, l.SetBalance("bob", 100))

			err := l.Debit("bob", 101)
			check.True(t, errors.Is(err, core.ErrInsufficientBalance))

			balance, err := l.Balance("bob")
			assert.NoError(t, err)
			check.Equal(t, uint64(100), balance)
		})
	}
}

func TestLedger_ApplyCreditsAllOrNothing(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, l.SetBalance("carol", 10))
			assert.NoError(t, l.SetBalance("dave", math.MaxUint64-5))

			err := l.ApplyCredits([]Credit{
				{Account: "carol", Amount: 50},
				{Account: "dave", Amount: 10},
			})
			check.Error(t, err)

			carol, _ := l.Balance("carol")
			dave, _ := l.Balance("dave")
			check.Equal(t, uint64(10), carol)
			check.Equal(t, uint64(math.MaxUint64-5), dave)

			err = l.ApplyCredits([]Credit{
				{Account: "carol", Amount: 50},
				{Account: "carol", Amount: 40},
				{Account: "erin", Amount: 7},
			})
			assert.NoError(t, err)

			carol, _ = l.Balance("carol")
			erin, _ := l.Balance("erin")
			check.Equal(t, uint64(100), carol)
			check.Equal(t, uint64(7), erin)
		})
	}
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := OpenBolt(path)
	assert.NoError(t, err)
	assert.NoError(t, db.SetBalance("alice", 42))
	assert.NoError(t, db.Close())

	db, err = OpenBolt(path)
	assert.NoError(t, err)
	defer db.Close()

	balance, err := db.Balance("alice")
	assert.NoError(t, err)
	check.Equal(t, uint64(42), balance)
}
