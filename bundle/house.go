package bundle

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/echa/log"
	"github.com/google/uuid"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/ledger"
)

// MaxAuctionHistory bounds the archive of finished auctions. Oldest entries are evicted
// first, together with their bids and settlement.
const MaxAuctionHistory = 10000

// Archiver persists finished auctions outside the house.
type Archiver interface {
	ArchiveSettlement(auction AuctionInfo, settlement *SettlementResult) error
}

type expiryEntry struct {
	end time.Time
	id  string
}

// House is the bundle auction house. One lock guards every map, the expiry index, the
// history and the admin flags; ledger calls are made while holding it so a settlement is
// observed atomically by concurrent bids and reads.
type House struct {
	mu         sync.RWMutex
	ledger     ledger.Ledger
	clock      core.Clock
	archiver   Archiver
	defaults   AuctionConfig
	maxHistory int

	auctions    map[string]*AuctionInfo
	bids        map[string][]*Bid
	settlements map[string]*SettlementResult
	expiry      []expiryEntry // sorted by end time, then id
	history     []string      // finished auction ids, oldest first
	archived    map[string]*AuctionInfo
	stakes      map[string]uint64

	enabled   bool
	emergency bool
}

// Option configures a House.
type Option func(*House)

// WithClock replaces the system clock.
func WithClock(clock core.Clock) Option {
	return func(h *House) { h.clock = clock }
}

// WithArchiver registers a sink for finished auctions.
func WithArchiver(archiver Archiver) Option {
	return func(h *House) { h.archiver = archiver }
}

// WithHistoryLimit bounds the finished auctions kept in memory. Values below 1 keep
// MaxAuctionHistory.
func WithHistoryLimit(n int) Option {
	return func(h *House) {
		if n > 0 {
			h.maxHistory = n
		}
	}
}

// WithDefaultConfig replaces the config used when CreateAuction gets none.
func WithDefaultConfig(cfg AuctionConfig) Option {
	return func(h *House) { h.defaults = cfg }
}

// NewHouse creates an enabled house backed by l.
func NewHouse(l ledger.Ledger, opts ...Option) *House {
	h := &House{
		ledger:      l,
		clock:       core.SystemClock,
		defaults:    DefaultAuctionConfig(),
		maxHistory:  MaxAuctionHistory,
		auctions:    make(map[string]*AuctionInfo),
		bids:        make(map[string][]*Bid),
		settlements: make(map[string]*SettlementResult),
		archived:    make(map[string]*AuctionInfo),
		stakes:      make(map[string]uint64),
		enabled:     true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateAuction validates bundle and registers a Pending auction. A nil cfg uses the
// house defaults.
func (h *House) CreateAuction(bundle BundleInfo, cfg *AuctionConfig) (string, error) {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.enabled {
		return "", core.ErrSystemDisabled
	}

	config := h.defaults
	if cfg != nil {
		config = *cfg
	}
	if err := config.Validate(); err != nil {
		return "", err
	}

	expected := core.ComputeBundleIntegrityProof(bundle.BundleID, bundle.DataHash, bundle.SizeBytes, bundle.ComplexityScore)
	if bundle.IntegrityProof != expected {
		return "", fmt.Errorf("bundle %s integrity proof mismatch: %w", bundle.BundleID, core.ErrIntegrityViolation)
	}
	if bundle.ExpiryTime.Before(now) {
		return "", fmt.Errorf("bundle %s expired at %s: %w", bundle.BundleID, bundle.ExpiryTime, core.ErrIntegrityViolation)
	}

	validators := make([]string, 0, len(h.stakes))
	for id, stake := range h.stakes {
		if stake > 0 {
			validators = append(validators, id)
		}
	}
	slices.Sort(validators)

	id := uuid.New().String()
	auction := &AuctionInfo{
		ID:                      id,
		Bundle:                  bundle,
		Status:                  AuctionStatusPending,
		StartTime:               now,
		EndTime:                 now.Add(config.Duration),
		ParticipatingValidators: validators,
		Config:                  config,
	}
	h.auctions[id] = auction
	h.bids[id] = nil
	h.indexExpiry(auction)

	log.Infof("Created auction %s for bundle %s (ends %s)", id, bundle.BundleID, auction.EndTime.Format(time.RFC3339))
	return id, nil
}

// StartAuction opens a Pending auction for bidding.
func (h *House) StartAuction(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	auction, err := h.liveAuction(id)
	if err != nil {
		return err
	}
	if auction.Status != AuctionStatusPending {
		return fmt.Errorf("auction %s is %s, not Pending: %w", id, auction.Status, core.ErrInvalidState)
	}
	auction.Status = AuctionStatusActive

	log.Infof("Started auction %s", id)
	return nil
}

// SubmitBid escrows amount+collateral from bidder and records the bid. It returns the
// new bid id.
func (h *House) SubmitBid(auctionID, bidderID string, amount, collateral uint64, signature string) (string, error) {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.emergency {
		return "", core.ErrEmergencyMode
	}

	auction, err := h.liveAuction(auctionID)
	if err != nil {
		return "", err
	}
	if !auction.Status.acceptsBids() {
		return "", fmt.Errorf("auction %s is %s and not accepting bids: %w", auctionID, auction.Status, core.ErrInvalidState)
	}
	if now.After(auction.EndTime) {
		auction.Status = AuctionStatusFinalizing
		return "", fmt.Errorf("auction %s has expired: %w", auctionID, core.ErrInvalidState)
	}

	minBid := auction.Config.MinBidAmount
	if auction.CurrentHighestBid != nil {
		next, ok := core.AddChecked(*auction.CurrentHighestBid, auction.Config.BidIncrement)
		if !ok {
			return "", fmt.Errorf("auction %s cannot accept a higher bid: %w", auctionID, core.ErrBelowMinimumBid)
		}
		minBid = next
	}
	if amount < minBid {
		return "", fmt.Errorf("bid %d below minimum %d: %w", amount, minBid, core.ErrBelowMinimumBid)
	}

	bids := h.bids[auctionID]
	if limit := auction.Config.MaxBidders; limit > 0 {
		seen := make(map[string]struct{}, len(bids))
		for _, b := range bids {
			seen[b.BidderID] = struct{}{}
		}
		if _, ok := seen[bidderID]; !ok && len(seen) >= limit {
			return "", fmt.Errorf("auction %s reached its limit of %d bidders: %w", auctionID, limit, core.ErrInvalidState)
		}
	}

	escrow, ok := core.AddChecked(amount, collateral)
	if !ok {
		return "", fmt.Errorf("bid escrow overflows: %w", core.ErrInsufficientBalance)
	}
	if err := h.ledger.Debit(bidderID, escrow); err != nil {
		return "", fmt.Errorf("failed to escrow bid for %s: %w", bidderID, err)
	}

	bid := &Bid{
		ID:                 uuid.New().String(),
		AuctionID:          auctionID,
		BidderID:           bidderID,
		Amount:             amount,
		Collateral:         collateral,
		Timestamp:          now,
		Status:             BidStatusSubmitted,
		ValidatorSignature: signature,
		BidHash:            core.ComputeBidHash(auctionID, bidderID, amount, now),
	}

	if auction.CurrentHighestBid == nil || amount > *auction.CurrentHighestBid {
		if auction.WinningBidder != "" {
			for _, b := range bids {
				if b.BidderID == auction.WinningBidder && (b.Status == BidStatusSubmitted || b.Status == BidStatusWinning) {
					b.Status = BidStatusOutbid
				}
			}
		}
		bid.Status = BidStatusWinning
		highest := amount
		auction.CurrentHighestBid = &highest
		auction.WinningBidder = bidderID
		auction.Status = AuctionStatusBidding
	}
	h.bids[auctionID] = append(bids, bid)
	auction.TotalBids++

	if now.After(auction.EndTime.Add(-auction.Config.AutoExtendThreshold)) &&
		(auction.Config.MaxExtensions == 0 || auction.Extensions < auction.Config.MaxExtensions) {
		h.removeExpiry(auctionID)
		auction.EndTime = auction.EndTime.Add(auction.Config.AutoExtendDuration)
		auction.Extensions++
		h.indexExpiry(auction)
		log.Infof("Auto-extended auction %s to %s after a late bid", auctionID, auction.EndTime.Format(time.RFC3339))
	}

	log.Infof("Submitted bid %s for auction %s by %s (amount=%d, collateral=%d)", bid.ID, auctionID, bidderID, amount, collateral)
	return bid.ID, nil
}

// FinalizeAuction settles an auction whose end time has passed. Finalizing the same
// auction twice fails with ErrInvalidState.
func (h *House) FinalizeAuction(id string) (*SettlementResult, error) {
	now := h.clock.Now()

	h.mu.Lock()
	auction, settlement, err := h.finalizeLocked(id, now)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	h.archive(auction, settlement)
	return settlement, nil
}

// ProcessExpiredAuctions finalizes every auction whose end time is at or before now.
// A failure on one auction is recorded in the result and the sweep continues.
func (h *House) ProcessExpiredAuctions() SweepResult {
	now := h.clock.Now()

	type finished struct {
		auction    AuctionInfo
		settlement *SettlementResult
	}

	h.mu.Lock()
	expired := make([]string, 0)
	for _, e := range h.expiry {
		if e.end.After(now) {
			break
		}
		expired = append(expired, e.id)
	}

	result := SweepResult{Finalized: make([]string, 0, len(expired)), Failed: make(map[string]error)}
	done := make([]finished, 0, len(expired))
	for _, id := range expired {
		auction, settlement, err := h.finalizeLocked(id, now)
		if err != nil {
			log.Errorf("Failed to finalize expired auction %s: %v", id, err)
			result.Failed[id] = err
			continue
		}
		result.Finalized = append(result.Finalized, id)
		done = append(done, finished{auction, settlement})
	}
	h.mu.Unlock()

	for _, f := range done {
		h.archive(f.auction, f.settlement)
	}

	if len(result.Finalized) > 0 {
		log.Infof("Finalized %d expired auctions", len(result.Finalized))
	}
	return result
}

// CancelAuction stops an auction that has not been settled and refunds every bid.
func (h *House) CancelAuction(id string) (*SettlementResult, error) {
	now := h.clock.Now()

	h.mu.Lock()
	auction, err := h.liveAuction(id)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	switch auction.Status {
	case AuctionStatusPending, AuctionStatusActive, AuctionStatusBidding:
	default:
		h.mu.Unlock()
		return nil, fmt.Errorf("auction %s is %s and cannot be cancelled: %w", id, auction.Status, core.ErrInvalidState)
	}

	bids := h.bids[id]
	settlement := &SettlementResult{
		AuctionID:        id,
		ValidatorRewards: map[string]uint64{},
		Refunds:          make([]Refund, 0, len(bids)),
		SettlementTime:   now,
		ExecutionStatus:  ExecutionStatusFailed,
	}
	credits := make([]ledger.Credit, 0, len(bids))
	for _, b := range bids {
		settlement.Refunds = append(settlement.Refunds, newRefund(b, now))
		credits = append(credits, ledger.Credit{Account: b.BidderID, Amount: b.Escrow()})
	}
	if err := h.ledger.ApplyCredits(credits); err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("failed to refund bids of auction %s: %w", id, err)
	}
	for _, b := range bids {
		b.Status = BidStatusRefunded
	}

	auction.Status = AuctionStatusCancelled
	auction.SettlementTime = &now
	h.retireLocked(auction, settlement)
	snapshot := auction.clone()
	out := settlement.clone()
	h.mu.Unlock()

	log.Warnf("Cancelled auction %s, refunded %d bids", id, len(bids))
	h.archive(snapshot, settlement)
	return out, nil
}

// GetAuction returns a live or archived auction.
func (h *House) GetAuction(id string) (AuctionInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if a, ok := h.auctions[id]; ok {
		return a.clone(), nil
	}
	if a, ok := h.archived[id]; ok {
		return a.clone(), nil
	}
	return AuctionInfo{}, fmt.Errorf("auction %s: %w", id, core.ErrNotFound)
}

// GetActiveAuctions returns auctions in the Active or Bidding state ordered by end time.
func (h *House) GetActiveAuctions() []AuctionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	active := make([]AuctionInfo, 0)
	for _, e := range h.expiry {
		if a := h.auctions[e.id]; a != nil && a.Status.acceptsBids() {
			active = append(active, a.clone())
		}
	}
	return active
}

// GetBids returns copies of an auction's bids in submission order.
func (h *House) GetBids(auctionID string) ([]Bid, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bids, ok := h.bids[auctionID]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", auctionID, core.ErrNotFound)
	}
	out := make([]Bid, len(bids))
	for i, b := range bids {
		out[i] = *b
	}
	return out, nil
}

// GetSettlement returns the settlement of a finished auction.
func (h *House) GetSettlement(auctionID string) (*SettlementResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.settlements[auctionID]
	if !ok {
		return nil, fmt.Errorf("settlement of auction %s: %w", auctionID, core.ErrNotFound)
	}
	return s.clone(), nil
}

// SetBidderBalance overwrites a bidder's available balance.
func (h *House) SetBidderBalance(bidderID string, balance uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.SetBalance(bidderID, balance)
}

// BidderBalance returns a bidder's available balance.
func (h *House) BidderBalance(bidderID string) (uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ledger.Balance(bidderID)
}

// SetValidatorStake records a validator's stake. Auctions created afterwards share their
// fees among validators with non-zero stake.
func (h *House) SetValidatorStake(validatorID string, stake uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stakes[validatorID] = stake
}

// SetSystemEnabled toggles auction creation.
func (h *House) SetSystemEnabled(enabled bool) {
	h.mu.Lock()
	h.enabled = enabled
	h.mu.Unlock()

	if enabled {
		log.Infof("Auction system enabled")
	} else {
		log.Infof("Auction system disabled")
	}
}

// SetEmergencyMode toggles bid submission. Running auctions still finalize.
func (h *House) SetEmergencyMode(emergency bool) {
	h.mu.Lock()
	h.emergency = emergency
	h.mu.Unlock()

	if emergency {
		log.Warnf("Auction system emergency mode activated")
	} else {
		log.Warnf("Auction system emergency mode deactivated")
	}
}

// liveAuction returns an auction that has not been finalized or cancelled yet.
func (h *House) liveAuction(id string) (*AuctionInfo, error) {
	if a, ok := h.auctions[id]; ok {
		return a, nil
	}
	if a, ok := h.archived[id]; ok {
		return nil, fmt.Errorf("auction %s already %s: %w", id, a.Status, core.ErrInvalidState)
	}
	return nil, fmt.Errorf("auction %s: %w", id, core.ErrNotFound)
}

// retireLocked records the settlement, drops the auction from the live set and the
// expiry index and appends it to the bounded history.
func (h *House) retireLocked(auction *AuctionInfo, settlement *SettlementResult) {
	h.settlements[auction.ID] = settlement
	h.removeExpiry(auction.ID)
	delete(h.auctions, auction.ID)

	h.archived[auction.ID] = auction
	h.history = append(h.history, auction.ID)
	if over := len(h.history) - h.maxHistory; over > 0 {
		for _, old := range h.history[:over] {
			delete(h.archived, old)
			delete(h.settlements, old)
			delete(h.bids, old)
		}
		h.history = slices.Delete(h.history, 0, over)
	}
}

func (h *House) indexExpiry(auction *AuctionInfo) {
	entry := expiryEntry{end: auction.EndTime, id: auction.ID}
	pos := sort.Search(len(h.expiry), func(i int) bool {
		e := h.expiry[i]
		if e.end.Equal(entry.end) {
			return e.id > entry.id
		}
		return e.end.After(entry.end)
	})
	h.expiry = slices.Insert(h.expiry, pos, entry)
}

func (h *House) removeExpiry(id string) {
	h.expiry = slices.DeleteFunc(h.expiry, func(e expiryEntry) bool { return e.id == id })
}

func (h *House) archive(auction AuctionInfo, settlement *SettlementResult) {
	if h.archiver == nil {
		return
	}
	if err := h.archiver.ArchiveSettlement(auction, settlement); err != nil {
		log.Errorf("Failed to archive settlement of auction %s: %v", auction.ID, err)
	}
}

// IsRetryable reports whether a finalize error leaves the auction in place for the next
// sweep.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, core.ErrNotFound) && !errors.Is(err, core.ErrInvalidState)
}
