package mempool

import (
	"sync"

	"github.com/echa/log"

	"github.com/cloudx-io/auctionpool/core"
)

// ChainStats aggregates the activity of one partner chain.
type ChainStats struct {
	ChainID            uint64  `json:"chain_id"`
	TotalTransactions  uint64  `json:"total_transactions"`
	TotalBidAmount     uint64  `json:"total_bid_amount"`
	SuccessfulAuctions uint64  `json:"successful_auctions"`
	AverageBidRate     float64 `json:"average_bid_rate"`

	rateSum float64
}

// CommitmentPool is the shared, lock-guarded transaction pool. All mutations are
// serialized through one exclusive lock; reads share it.
type CommitmentPool struct {
	mu     sync.RWMutex
	tree   *CommitmentTree
	chains map[uint64]*ChainStats
}

// NewCommitmentPool creates an empty pool.
func NewCommitmentPool() *CommitmentPool {
	return &CommitmentPool{
		tree:   NewCommitmentTree(),
		chains: make(map[uint64]*ChainStats),
	}
}

// Insert adds tx at its auction position and rebuilds the commitment tree.
// Nothing is rejected: a transaction with a zero rate sorts last.
func (p *CommitmentPool) Insert(tx core.AuctionTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tree.Insert(tx)

	stats := p.chainStatsLocked(tx.ChainID)
	stats.TotalTransactions++
	stats.TotalBidAmount = core.AddSaturating(stats.TotalBidAmount, tx.BidAmount)
	stats.rateSum += tx.EffectiveBidRate()
	stats.AverageBidRate = stats.rateSum / float64(stats.TotalTransactions)

	log.Debugf("mempool: inserted tx %s (chain=%d rate=%.9f), root=%s",
		tx.ID, tx.ChainID, tx.EffectiveBidRate(), p.tree.Root())
}

// Remove deletes the transaction with the given id. It reports whether it was found.
func (p *CommitmentPool) Remove(id core.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.Remove(id)
}

// Top returns the n best-ranked transactions.
func (p *CommitmentPool) Top(n int) []core.AuctionTransaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Top(n)
}

// WithinGasLimit returns the greedy-by-rate selection whose summed gas is at most gasLimit.
func (p *CommitmentPool) WithinGasLimit(gasLimit uint64) []core.AuctionTransaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.WithinGasLimit(gasLimit)
}

// Extract selects winners for a gas budget, truncates them to maxTx, removes them from
// the pool and returns them with the root of the remaining pool. The whole step runs
// under the exclusive lock so no insert can interleave with a seal.
func (p *CommitmentPool) Extract(gasLimit uint64, maxTx uint32) ([]core.AuctionTransaction, core.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := p.tree.selectWithinGasLimit(gasLimit)
	if len(positions) > int(maxTx) {
		positions = positions[:maxTx]
	}
	winners := make([]core.AuctionTransaction, 0, len(positions))
	for _, pos := range positions {
		winners = append(winners, p.tree.transactions[pos])
	}
	p.tree.removeIndices(positions)

	won := make(map[uint64]struct{})
	for _, tx := range winners {
		won[tx.ChainID] = struct{}{}
	}
	for chainID := range won {
		p.chainStatsLocked(chainID).SuccessfulAuctions++
	}

	return winners, p.tree.Root()
}

// Get returns the pending transaction with the given id.
func (p *CommitmentPool) Get(id core.Hash) (core.AuctionTransaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Get(id)
}

// GenerateProof returns an inclusion proof against the current root.
func (p *CommitmentPool) GenerateProof(id core.Hash) (*MerkleProof, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.GenerateProof(id)
}

// VerifyProof checks proof against the current root.
func (p *CommitmentPool) VerifyProof(tx *core.AuctionTransaction, proof *MerkleProof) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.VerifyProof(tx, proof)
}

// Root returns the current commitment root.
func (p *CommitmentPool) Root() core.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Root()
}

// Len returns the number of pending transactions.
func (p *CommitmentPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Len()
}

// Transactions returns a snapshot of the ordered pool.
func (p *CommitmentPool) Transactions() []core.AuctionTransaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Transactions()
}

// ChainStats returns a copy of the per-chain statistics.
func (p *CommitmentPool) ChainStats() map[uint64]ChainStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[uint64]ChainStats, len(p.chains))
	for id, stats := range p.chains {
		out[id] = *stats
	}
	return out
}

func (p *CommitmentPool) chainStatsLocked(chainID uint64) *ChainStats {
	stats, ok := p.chains[chainID]
	if !ok {
		stats = &ChainStats{ChainID: chainID}
		p.chains[chainID] = stats
	}
	return stats
}
