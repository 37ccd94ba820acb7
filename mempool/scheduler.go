package mempool

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/echa/log"

	"github.com/cloudx-io/auctionpool/core"
)

// MaxCompletedAuctions bounds the sealed-window history. Oldest entries are evicted first.
const MaxCompletedAuctions = 1000

// AuctionWindow is a time-boxed round. It moves from open to sealed exactly once.
type AuctionWindow struct {
	ID              uint64           `json:"window_id"`
	Start           time.Time        `json:"start_time"`
	End             time.Time        `json:"end_time"`
	MaxTransactions uint32           `json:"max_transactions"`
	TotalGasLimit   uint64           `json:"total_gas_limit"`
	AuctionType     core.AuctionType `json:"auction_type"`
	Sealed          bool             `json:"is_sealed"`
	WinnerCount     uint32           `json:"winner_count"`
}

// IsActive reports whether now falls in [Start, End) and the window is still open.
func (w *AuctionWindow) IsActive(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End) && !w.Sealed
}

// ShouldSeal reports whether the window is past its end and still open.
func (w *AuctionWindow) ShouldSeal(now time.Time) bool {
	return now.After(w.End) && !w.Sealed
}

// AuctionResult is the immutable outcome of a sealed window.
type AuctionResult struct {
	WindowID     uint64                    `json:"window_id" cbor:"1,keyasint"`
	AuctionType  core.AuctionType          `json:"auction_type" cbor:"2,keyasint"`
	Winners      []core.AuctionTransaction `json:"winning_transactions" cbor:"3,keyasint"`
	TotalRevenue uint64                    `json:"total_revenue" cbor:"4,keyasint"`
	TotalGasUsed uint64                    `json:"total_gas_used" cbor:"5,keyasint"`
	// MerkleRoot is the root of the pool left behind after the winners were extracted.
	MerkleRoot core.Hash `json:"merkle_root" cbor:"6,keyasint"`
	// WinnersRoot commits to the admitted set itself.
	WinnersRoot          core.Hash         `json:"winners_root" cbor:"7,keyasint"`
	PartnerRevenueShare  uint64            `json:"partner_revenue_share" cbor:"8,keyasint"`
	PartnerDistributions map[uint64]uint64 `json:"partner_distributions" cbor:"9,keyasint"`
	SealedAt             time.Time         `json:"timestamp" cbor:"10,keyasint"`
}

// WinnerProof returns an inclusion proof of a winner against WinnersRoot.
func (r *AuctionResult) WinnerProof(id core.Hash) (*MerkleProof, error) {
	return BuildCommitmentTree(r.Winners).GenerateProof(id)
}

// CompletedAuction pairs a result with its partner revenue share.
type CompletedAuction struct {
	Window              AuctionWindow  `json:"window"`
	Result              *AuctionResult `json:"result"`
	PartnerRevenueShare uint64         `json:"partner_revenue_share"`
}

// MempoolStats is a point-in-time summary of the scheduler and its pool.
type MempoolStats struct {
	PendingTransactions int                   `json:"pending_transactions"`
	ActiveWindows       int                   `json:"active_windows"`
	CompletedAuctions   int                   `json:"completed_auctions"`
	TotalRevenue        uint64                `json:"total_revenue"`
	TotalPartnerRevenue uint64                `json:"total_partner_revenue"`
	MerkleRoot          core.Hash             `json:"merkle_root"`
	Chains              map[uint64]ChainStats `json:"chains"`
}

// Archiver persists sealed results outside the scheduler.
type Archiver interface {
	ArchiveWindowResult(result *AuctionResult) error
}

// Scheduler runs auction windows over a CommitmentPool. It owns no timer: callers drive
// expiry through ProcessExpiredWindows.
type Scheduler struct {
	mu           sync.RWMutex
	pool         *CommitmentPool
	clock        core.Clock
	archiver     Archiver
	windows      map[uint64]*AuctionWindow
	completed    []CompletedAuction
	nextWindowID uint64
	totalRevenue uint64
	totalPartner uint64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(clock core.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// WithArchiver registers a sink that receives every sealed result.
func WithArchiver(archiver Archiver) SchedulerOption {
	return func(s *Scheduler) { s.archiver = archiver }
}

// NewScheduler creates a scheduler over pool.
func NewScheduler(pool *CommitmentPool, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pool:         pool,
		clock:        core.SystemClock,
		windows:      make(map[uint64]*AuctionWindow),
		nextWindowID: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying pool.
func (s *Scheduler) Pool() *CommitmentPool {
	return s.pool
}

// SubmitTransaction adds tx to the pool.
func (s *Scheduler) SubmitTransaction(tx core.AuctionTransaction) {
	s.pool.Insert(tx)
}

// RemoveTransaction removes a pending transaction and reports whether it existed.
func (s *Scheduler) RemoveTransaction(id core.Hash) bool {
	return s.pool.Remove(id)
}

// TopTransactions returns the n best-ranked pending transactions.
func (s *Scheduler) TopTransactions(n int) []core.AuctionTransaction {
	return s.pool.Top(n)
}

// TransactionsWithinGasLimit returns the greedy selection for a gas budget without
// removing anything.
func (s *Scheduler) TransactionsWithinGasLimit(gasLimit uint64) []core.AuctionTransaction {
	return s.pool.WithinGasLimit(gasLimit)
}

// GenerateTransactionProof proves a pending transaction against the current root.
func (s *Scheduler) GenerateTransactionProof(id core.Hash) (*MerkleProof, error) {
	return s.pool.GenerateProof(id)
}

// CreateWindow opens a window starting now. Window ids increase monotonically from 1.
func (s *Scheduler) CreateWindow(duration time.Duration, maxTransactions uint32, totalGasLimit uint64, auctionType core.AuctionType) uint64 {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWindowID
	s.nextWindowID++
	s.windows[id] = &AuctionWindow{
		ID:              id,
		Start:           now,
		End:             now.Add(duration),
		MaxTransactions: maxTransactions,
		TotalGasLimit:   totalGasLimit,
		AuctionType:     auctionType,
	}

	log.Infof("Created auction window %d (type=%s, duration=%s, max_tx=%d, gas=%d)",
		id, auctionType, duration, maxTransactions, totalGasLimit)
	return id
}

// Window returns a copy of an open window.
func (s *Scheduler) Window(id uint64) (AuctionWindow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[id]
	if !ok {
		return AuctionWindow{}, false
	}
	return *w, true
}

// SealWindow extracts the window's winners from the pool and records the result.
// Sealing a window twice fails with ErrInvalidState.
func (s *Scheduler) SealWindow(id uint64) (*AuctionResult, error) {
	now := s.clock.Now()

	s.mu.Lock()
	result, err := s.sealLocked(id, now)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.archive(result)
	return result, nil
}

// ProcessExpiredWindows seals every open window past its end time. A failure on one
// window is logged and does not stop the others.
func (s *Scheduler) ProcessExpiredWindows() ([]*AuctionResult, error) {
	now := s.clock.Now()

	s.mu.Lock()
	expired := make([]uint64, 0)
	for id, w := range s.windows {
		if w.ShouldSeal(now) {
			expired = append(expired, id)
		}
	}
	// Oldest windows first so their winners are drawn from the pool first
	slices.Sort(expired)

	results := make([]*AuctionResult, 0, len(expired))
	var errs []error
	for _, id := range expired {
		result, err := s.sealLocked(id, now)
		if err != nil {
			log.Errorf("Failed to seal expired window %d: %v", id, err)
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}
	s.mu.Unlock()

	for _, result := range results {
		s.archive(result)
	}

	if len(results) > 0 {
		log.Infof("Sealed %d expired auction windows", len(results))
	}
	return results, errors.Join(errs...)
}

// CompletedAuctions returns the sealed-window history, oldest first.
func (s *Scheduler) CompletedAuctions() []CompletedAuction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.completed)
}

// Stats summarizes the pool and the scheduler.
func (s *Scheduler) Stats() MempoolStats {
	now := s.clock.Now()

	s.mu.RLock()
	active := 0
	for _, w := range s.windows {
		if w.IsActive(now) {
			active++
		}
	}
	stats := MempoolStats{
		ActiveWindows:       active,
		CompletedAuctions:   len(s.completed),
		TotalRevenue:        s.totalRevenue,
		TotalPartnerRevenue: s.totalPartner,
	}
	s.mu.RUnlock()

	stats.PendingTransactions = s.pool.Len()
	stats.MerkleRoot = s.pool.Root()
	stats.Chains = s.pool.ChainStats()
	return stats
}

func (s *Scheduler) sealLocked(id uint64, now time.Time) (*AuctionResult, error) {
	window, ok := s.windows[id]
	if !ok {
		if id > 0 && id < s.nextWindowID {
			// Sealed windows leave the open set; their ids are never reused
			return nil, fmt.Errorf("auction window %d already sealed: %w", id, core.ErrInvalidState)
		}
		return nil, fmt.Errorf("auction window %d: %w", id, core.ErrNotFound)
	}
	if window.Sealed {
		return nil, fmt.Errorf("auction window %d already sealed: %w", id, core.ErrInvalidState)
	}

	winners, poolRoot := s.pool.Extract(window.TotalGasLimit, window.MaxTransactions)

	var totalRevenue, totalGas uint64
	chainRevenue := make(map[uint64]uint64)
	for _, tx := range winners {
		totalRevenue = core.AddSaturating(totalRevenue, tx.BidAmount)
		totalGas = core.AddSaturating(totalGas, tx.GasLimit)
		chainRevenue[tx.ChainID] = core.AddSaturating(chainRevenue[tx.ChainID], tx.BidAmount)
	}

	distributions := make(map[uint64]uint64, len(chainRevenue))
	for chainID, revenue := range chainRevenue {
		distributions[chainID] = core.PartnerRevenueShare(revenue)
	}

	window.Sealed = true
	window.WinnerCount = uint32(len(winners))

	result := &AuctionResult{
		WindowID:             id,
		AuctionType:          window.AuctionType,
		Winners:              winners,
		TotalRevenue:         totalRevenue,
		TotalGasUsed:         totalGas,
		MerkleRoot:           poolRoot,
		WinnersRoot:          BuildCommitmentTree(winners).Root(),
		PartnerRevenueShare:  core.PartnerRevenueShare(totalRevenue),
		PartnerDistributions: distributions,
		SealedAt:             now,
	}

	s.completed = append(s.completed, CompletedAuction{
		Window:              *window,
		Result:              result,
		PartnerRevenueShare: result.PartnerRevenueShare,
	})
	if over := len(s.completed) - MaxCompletedAuctions; over > 0 {
		clear(s.completed[:over])
		s.completed = s.completed[over:]
	}
	delete(s.windows, id)

	s.totalRevenue = core.AddSaturating(s.totalRevenue, totalRevenue)
	s.totalPartner = core.AddSaturating(s.totalPartner, result.PartnerRevenueShare)

	log.Infof("Sealed auction window %d: %d winners, revenue=%d, gas=%d, root=%s",
		id, len(winners), totalRevenue, totalGas, poolRoot)
	return result, nil
}

func (s *Scheduler) archive(result *AuctionResult) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchiveWindowResult(result); err != nil {
		log.Errorf("Failed to archive result of window %d: %v", result.WindowID, err)
	}
}
