package core

import (
	"encoding/hex"
	"fmt"
	"time"
)

// HashSize is the width of every identifier and digest used by the engine.
const HashSize = 32

// Hash is a SHA-256 digest. It identifies transactions and is the node type of the
// commitment tree.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash (the root of an empty tree).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the hash as hex so it reads naturally in JSON.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex-encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("invalid hash length: expected %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// AuctionType classifies what a transaction bids for.
type AuctionType string

const (
	AuctionTypeStandardExecution AuctionType = "standard_execution"
	AuctionTypeCrossChainBridge  AuctionType = "cross_chain_bridge"
	AuctionTypeDataStorage       AuctionType = "data_storage"
	AuctionTypeComputeResource   AuctionType = "compute_resource"
	AuctionTypeValidatorStaking  AuctionType = "validator_staking"
)

// Valid reports whether t is one of the known auction types.
func (t AuctionType) Valid() bool {
	switch t {
	case AuctionTypeStandardExecution, AuctionTypeCrossChainBridge, AuctionTypeDataStorage,
		AuctionTypeComputeResource, AuctionTypeValidatorStaking:
		return true
	}
	return false
}

// DefaultPriorityScore is assigned by NewAuctionTransaction.
const DefaultPriorityScore uint16 = 500

// MaxPriorityScore is the upper bound of the QoS priority range.
const MaxPriorityScore uint16 = 1000

// AuctionTransaction is a single fee bid submitted by a partner chain. It is the leaf
// type of the commitment tree.
type AuctionTransaction struct {
	ID            Hash        `json:"tx_id" cbor:"1,keyasint"`
	ChainID       uint64      `json:"chain_id" cbor:"2,keyasint"`
	BidAmount     uint64      `json:"bid_amount" cbor:"3,keyasint"`
	GasLimit      uint64      `json:"gas_limit" cbor:"4,keyasint"`
	DataSize      uint32      `json:"data_size" cbor:"5,keyasint"`
	PriorityScore uint16      `json:"priority_score" cbor:"6,keyasint"`
	Timestamp     uint64      `json:"timestamp" cbor:"7,keyasint"` // unix seconds
	Nonce         uint64      `json:"nonce" cbor:"8,keyasint"`
	Sender        string      `json:"sender" cbor:"9,keyasint"`
	TargetChain   *uint64     `json:"target_chain,omitempty" cbor:"10,keyasint,omitempty"`
	AuctionType   AuctionType `json:"auction_type" cbor:"11,keyasint"`
}

// NewAuctionTransaction creates a transaction with the default priority, the current
// timestamp and the standard execution auction type.
func NewAuctionTransaction(id Hash, chainID, bidAmount, gasLimit uint64, dataSize uint32, sender string, now time.Time) AuctionTransaction {
	return AuctionTransaction{
		ID:            id,
		ChainID:       chainID,
		BidAmount:     bidAmount,
		GasLimit:      gasLimit,
		DataSize:      dataSize,
		PriorityScore: DefaultPriorityScore,
		Timestamp:     uint64(now.Unix()),
		Sender:        sender,
		AuctionType:   AuctionTypeStandardExecution,
	}
}

// EffectiveBidRate is the bid per unit of gas per byte. Zero gas or zero size yields 0.
func (tx *AuctionTransaction) EffectiveBidRate() float64 {
	if tx.GasLimit == 0 || tx.DataSize == 0 {
		return 0
	}
	return float64(tx.BidAmount) / (float64(tx.GasLimit) * float64(tx.DataSize))
}
