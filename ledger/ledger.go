// Package ledger tracks bidder balances for the bundle auction house.
package ledger

import (
	"fmt"
	"sync"

	"github.com/cloudx-io/auctionpool/core"
)

// Credit is one balance increase applied as part of a batch.
type Credit struct {
	Account string
	Amount  uint64
}

// Ledger maps an account id to its available balance. Unknown accounts have a zero balance.
type Ledger interface {
	Balance(account string) (uint64, error)
	SetBalance(account string, amount uint64) error
	// Debit fails with core.ErrInsufficientBalance and leaves the balance untouched when
	// the account cannot cover amount.
	Debit(account string, amount uint64) error
	Credit(account string, amount uint64) error
	// ApplyCredits applies every credit or none of them.
	ApplyCredits(credits []Credit) error
}

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]uint64)}
}

func (m *Memory) Balance(account string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *Memory) SetBalance(account string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = amount
	return nil
}

func (m *Memory) Debit(account string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance := m.balances[account]
	if balance < amount {
		return fmt.Errorf("account %s has %d, needs %d: %w", account, balance, amount, core.ErrInsufficientBalance)
	}
	m.balances[account] = balance - amount
	return nil
}

func (m *Memory) Credit(account string, amount uint64) error {
	return m.ApplyCredits([]Credit{{Account: account, Amount: amount}})
}

func (m *Memory) ApplyCredits(credits []Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := applyCredits(credits, func(account string) (uint64, error) {
		return m.balances[account], nil
	})
	if err != nil {
		return err
	}
	for account, balance := range next {
		m.balances[account] = balance
	}
	return nil
}

// applyCredits computes the post-credit balance of every touched account without
// writing anything, so a failure leaves the ledger unchanged.
func applyCredits(credits []Credit, balance func(string) (uint64, error)) (map[string]uint64, error) {
	next := make(map[string]uint64, len(credits))
	for _, c := range credits {
		current, ok := next[c.Account]
		if !ok {
			var err error
			current, err = balance(c.Account)
			if err != nil {
				return nil, err
			}
		}
		sum, ok := core.AddChecked(current, c.Amount)
		if !ok {
			return nil, fmt.Errorf("credit of %d overflows balance of account %s: %w", c.Amount, c.Account, core.ErrInvalidState)
		}
		next[c.Account] = sum
	}
	return next, nil
}
