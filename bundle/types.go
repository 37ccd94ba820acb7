// Package bundle runs discrete ascending-bid auctions for execution bundles, with
// escrowed bids, anti-snipe extension and settlement into a balance ledger.
package bundle

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cloudx-io/auctionpool/core"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionStatusPending    AuctionStatus = "Pending"
	AuctionStatusActive     AuctionStatus = "Active"
	AuctionStatusBidding    AuctionStatus = "Bidding"
	AuctionStatusFinalizing AuctionStatus = "Finalizing"
	AuctionStatusCompleted  AuctionStatus = "Completed"
	AuctionStatusCancelled  AuctionStatus = "Cancelled"
	AuctionStatusFailed     AuctionStatus = "Failed"
)

// acceptsBids reports whether bids may be placed in this state.
func (s AuctionStatus) acceptsBids() bool {
	return s == AuctionStatusActive || s == AuctionStatusBidding
}

// BidStatus is the state of a single bid.
type BidStatus string

const (
	BidStatusSubmitted BidStatus = "Submitted"
	BidStatusValid     BidStatus = "Valid"
	BidStatusInvalid   BidStatus = "Invalid"
	BidStatusWinning   BidStatus = "Winning"
	BidStatusOutbid    BidStatus = "Outbid"
	BidStatusExecuted  BidStatus = "Executed"
	BidStatusRefunded  BidStatus = "Refunded"
)

// eligible reports whether a bid in this state can win at settlement.
func (s BidStatus) eligible() bool {
	return s == BidStatusSubmitted || s == BidStatusValid || s == BidStatusWinning
}

// BundleType classifies the auctioned bundle.
type BundleType string

const (
	BundleTypeTransaction   BundleType = "Transaction"
	BundleTypeSmartContract BundleType = "SmartContract"
	BundleTypeDataStorage   BundleType = "DataStorage"
	BundleTypeComputation   BundleType = "Computation"
	BundleTypeValidation    BundleType = "Validation"
	BundleTypeGovernance    BundleType = "Governance"
)

// ExecutionStatus describes what happens to the winning bundle after settlement.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "Pending"
	ExecutionStatusInProgress ExecutionStatus = "InProgress"
	ExecutionStatusCompleted  ExecutionStatus = "Completed"
	ExecutionStatusFailed     ExecutionStatus = "Failed"
	ExecutionStatusDisputed   ExecutionStatus = "Disputed"
)

// AuctionConfig holds the per-auction parameters.
type AuctionConfig struct {
	Duration     time.Duration `json:"auction_duration" yaml:"duration"`
	MinBidAmount uint64        `json:"min_bid_amount" yaml:"min_bid_amount"`
	BidIncrement uint64        `json:"bid_increment" yaml:"bid_increment"`
	// ReservePrice, when set, fails the auction if the best bid is below it.
	ReservePrice *uint64 `json:"reserve_price,omitempty" yaml:"reserve_price,omitempty"`
	// MaxBidders caps the number of distinct bidders. 0 means unlimited.
	MaxBidders          int           `json:"max_bidders" yaml:"max_bidders"`
	AutoExtendThreshold time.Duration `json:"auto_extend_threshold" yaml:"auto_extend_threshold"`
	AutoExtendDuration  time.Duration `json:"auto_extend_duration" yaml:"auto_extend_duration"`
	// MaxExtensions caps anti-snipe extensions. 0 means uncapped.
	MaxExtensions int     `json:"max_extensions" yaml:"max_extensions"`
	FeePercentage float64 `json:"fee_percentage" yaml:"fee_percentage"`
}

// DefaultAuctionConfig returns the house defaults.
func DefaultAuctionConfig() AuctionConfig {
	return AuctionConfig{
		Duration:            60 * time.Minute,
		MinBidAmount:        1000,
		BidIncrement:        100,
		MaxBidders:          100,
		AutoExtendThreshold: 5 * time.Minute,
		AutoExtendDuration:  10 * time.Minute,
		FeePercentage:       2.5,
	}
}

// Validate checks the config for values that cannot run an auction.
func (c *AuctionConfig) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("auction duration must be positive, got %s: %w", c.Duration, core.ErrInvalidState)
	}
	if c.FeePercentage < 0 || c.FeePercentage > 100 {
		return fmt.Errorf("fee percentage must be within [0, 100], got %v: %w", c.FeePercentage, core.ErrInvalidState)
	}
	if c.MaxBidders < 0 || c.MaxExtensions < 0 {
		return fmt.Errorf("max bidders and max extensions must not be negative: %w", core.ErrInvalidState)
	}
	return nil
}

// BundleInfo describes the auctioned bundle. IntegrityProof must match
// core.ComputeBundleIntegrityProof over the bundle's fields.
type BundleInfo struct {
	BundleID        string            `json:"bundle_id" cbor:"1,keyasint"`
	BundleType      BundleType        `json:"bundle_type" cbor:"2,keyasint"`
	DataHash        string            `json:"data_hash" cbor:"3,keyasint"`
	SizeBytes       uint64            `json:"size_bytes" cbor:"4,keyasint"`
	ComplexityScore float64           `json:"complexity_score" cbor:"5,keyasint"`
	PriorityLevel   uint8             `json:"priority_level" cbor:"6,keyasint"`
	ExpiryTime      time.Time         `json:"expiry_time" cbor:"7,keyasint"`
	CreatorID       string            `json:"creator_id" cbor:"8,keyasint"`
	Metadata        map[string]string `json:"metadata,omitempty" cbor:"9,keyasint,omitempty"`
	IntegrityProof  string            `json:"integrity_proof" cbor:"10,keyasint"`
}

// Seal fills in IntegrityProof from the bundle's current fields.
func (b *BundleInfo) Seal() {
	b.IntegrityProof = core.ComputeBundleIntegrityProof(b.BundleID, b.DataHash, b.SizeBytes, b.ComplexityScore)
}

// Bid is one escrowed offer. Amount and Collateral are debited from the bidder when the
// bid is accepted.
type Bid struct {
	ID                 string    `json:"bid_id" cbor:"1,keyasint"`
	AuctionID          string    `json:"auction_id" cbor:"2,keyasint"`
	BidderID           string    `json:"bidder_id" cbor:"3,keyasint"`
	Amount             uint64    `json:"bid_amount" cbor:"4,keyasint"`
	Collateral         uint64    `json:"collateral_amount" cbor:"5,keyasint"`
	Timestamp          time.Time `json:"bid_time" cbor:"6,keyasint"`
	Status             BidStatus `json:"status" cbor:"7,keyasint"`
	ValidatorSignature string    `json:"validator_signature" cbor:"8,keyasint"`
	BidHash            string    `json:"bid_hash" cbor:"9,keyasint"`
}

// Escrow is the total amount held for this bid.
func (b *Bid) Escrow() uint64 {
	return b.Amount + b.Collateral
}

// AuctionInfo is the state of one auction.
type AuctionInfo struct {
	ID                      string        `json:"auction_id" cbor:"1,keyasint"`
	Bundle                  BundleInfo    `json:"bundle" cbor:"2,keyasint"`
	Status                  AuctionStatus `json:"status" cbor:"3,keyasint"`
	StartTime               time.Time     `json:"start_time" cbor:"4,keyasint"`
	EndTime                 time.Time     `json:"end_time" cbor:"5,keyasint"`
	CurrentHighestBid       *uint64       `json:"current_highest_bid,omitempty" cbor:"6,keyasint,omitempty"`
	WinningBidder           string        `json:"winning_bidder,omitempty" cbor:"7,keyasint,omitempty"`
	TotalBids               int           `json:"total_bids" cbor:"8,keyasint"`
	ParticipatingValidators []string      `json:"participating_validators" cbor:"9,keyasint"`
	SettlementTime          *time.Time    `json:"settlement_time,omitempty" cbor:"10,keyasint,omitempty"`
	FinalPrice              *uint64       `json:"final_price,omitempty" cbor:"11,keyasint,omitempty"`
	AuctionFees             uint64        `json:"auction_fees" cbor:"12,keyasint"`
	Extensions              int           `json:"extensions" cbor:"13,keyasint"`
	Config                  AuctionConfig `json:"config" cbor:"14,keyasint"`
}

// clone returns a deep copy safe to hand out of the house lock.
func (a *AuctionInfo) clone() AuctionInfo {
	out := *a
	out.ParticipatingValidators = append([]string(nil), a.ParticipatingValidators...)
	if a.CurrentHighestBid != nil {
		v := *a.CurrentHighestBid
		out.CurrentHighestBid = &v
	}
	if a.FinalPrice != nil {
		v := *a.FinalPrice
		out.FinalPrice = &v
	}
	if a.SettlementTime != nil {
		v := *a.SettlementTime
		out.SettlementTime = &v
	}
	if a.Config.ReservePrice != nil {
		v := *a.Config.ReservePrice
		out.Config.ReservePrice = &v
	}
	return out
}

// Refund returns a losing bid's escrow to its bidder.
type Refund struct {
	BidID           string    `json:"bid_id" cbor:"1,keyasint"`
	BidderID        string    `json:"bidder_id" cbor:"2,keyasint"`
	Amount          uint64    `json:"refund_amount" cbor:"3,keyasint"`
	RefundTime      time.Time `json:"refund_time" cbor:"4,keyasint"`
	TransactionHash string    `json:"transaction_hash" cbor:"5,keyasint"`
}

// SettlementResult is the outcome of a finalized auction.
type SettlementResult struct {
	AuctionID        string            `json:"auction_id" cbor:"1,keyasint"`
	WinningBid       *Bid              `json:"winning_bid,omitempty" cbor:"2,keyasint,omitempty"`
	FinalPrice       uint64            `json:"final_price" cbor:"3,keyasint"`
	TotalFees        uint64            `json:"total_fees" cbor:"4,keyasint"`
	ValidatorRewards map[string]uint64 `json:"validator_rewards" cbor:"5,keyasint"`
	Refunds          []Refund          `json:"refunds" cbor:"6,keyasint"`
	// CollateralReleased is the winner's collateral returned at settlement.
	CollateralReleased uint64          `json:"collateral_released" cbor:"7,keyasint"`
	SettlementTime     time.Time       `json:"settlement_time" cbor:"8,keyasint"`
	ExecutionStatus    ExecutionStatus `json:"execution_status" cbor:"9,keyasint"`
}

// TotalRefunded sums the refunded escrow.
func (s *SettlementResult) TotalRefunded() uint64 {
	var total uint64
	for _, r := range s.Refunds {
		total += r.Amount
	}
	return total
}

// clone returns a copy that shares no memory with s.
func (s *SettlementResult) clone() *SettlementResult {
	out := *s
	if s.WinningBid != nil {
		w := *s.WinningBid
		out.WinningBid = &w
	}
	out.ValidatorRewards = maps.Clone(s.ValidatorRewards)
	out.Refunds = slices.Clone(s.Refunds)
	return &out
}

// SweepResult reports what one ProcessExpiredAuctions pass did.
type SweepResult struct {
	Finalized []string
	Failed    map[string]error
}
