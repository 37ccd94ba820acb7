// Package validation verifies what the enclave publishes: signed window receipts,
// Merkle inclusion proofs and the nitro attestations binding both to an enclave image.
package validation

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/mempool"
)

// ReceiptAlgorithm signs window receipts.
const ReceiptAlgorithm = cose.AlgorithmES256

// Verification failures.
var (
	ErrInvalidReceipt = errors.New("invalid receipt")
	ErrNotIncluded    = errors.New("transaction not included")
)

// WindowReceipt is the signed summary of a sealed auction window.
type WindowReceipt struct {
	WindowID            uint64           `cbor:"1,keyasint" json:"window_id"`
	AuctionType         core.AuctionType `cbor:"2,keyasint" json:"auction_type"`
	WinnerIDs           []core.Hash      `cbor:"3,keyasint" json:"winner_ids"`
	TotalRevenue        uint64           `cbor:"4,keyasint" json:"total_revenue"`
	TotalGasUsed        uint64           `cbor:"5,keyasint" json:"total_gas_used"`
	PartnerRevenueShare uint64           `cbor:"6,keyasint" json:"partner_revenue_share"`
	PoolRoot            core.Hash        `cbor:"7,keyasint" json:"pool_root"`
	WinnersRoot         core.Hash        `cbor:"8,keyasint" json:"winners_root"`
	SealedAt            int64            `cbor:"9,keyasint" json:"sealed_at"` // unix nanoseconds
}

var receiptEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewWindowReceipt summarizes a sealed window result.
func NewWindowReceipt(result *mempool.AuctionResult) WindowReceipt {
	ids := make([]core.Hash, len(result.Winners))
	for i := range result.Winners {
		ids[i] = result.Winners[i].ID
	}
	return WindowReceipt{
		WindowID:            result.WindowID,
		AuctionType:         result.AuctionType,
		WinnerIDs:           ids,
		TotalRevenue:        result.TotalRevenue,
		TotalGasUsed:        result.TotalGasUsed,
		PartnerRevenueShare: result.PartnerRevenueShare,
		PoolRoot:            result.MerkleRoot,
		WinnersRoot:         result.WinnersRoot,
		SealedAt:            result.SealedAt.UnixNano(),
	}
}

// Encode returns the deterministic CBOR encoding of the receipt.
func (r *WindowReceipt) Encode() ([]byte, error) {
	return receiptEncMode.Marshal(r)
}

// Digest is the SHA-256 of the encoded receipt. It is the user data of the window's
// attestation.
func (r *WindowReceipt) Digest() (core.Hash, error) {
	encoded, err := r.Encode()
	if err != nil {
		return core.Hash{}, err
	}
	return sha256.Sum256(encoded), nil
}

// Includes reports whether id is one of the window's winners.
func (r *WindowReceipt) Includes(id core.Hash) bool {
	return slices.Contains(r.WinnerIDs, id)
}

// VerifyWinner checks that tx won this window: it is listed and proven against the
// winners root.
func (r *WindowReceipt) VerifyWinner(tx *core.AuctionTransaction, proof *mempool.MerkleProof) error {
	if !r.Includes(tx.ID) {
		return fmt.Errorf("%s is not a winner of window %d: %w", tx.ID, r.WindowID, ErrNotIncluded)
	}
	return VerifyInclusion(tx, proof, r.WinnersRoot)
}

// SignReceipt encodes the receipt and signs it as a tagged COSE_Sign1 message.
func SignReceipt(r WindowReceipt, signer cose.Signer) (enclaveapi.SignedDocument, error) {
	payload, err := r.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(signer.Algorithm())
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("sign receipt for window %d: %w", r.WindowID, err)
	}

	out, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	return out, nil
}

// VerifyReceipt checks the receipt signature against pub and returns the decoded receipt.
func VerifyReceipt(doc enclaveapi.SignedDocument, pub *ecdsa.PublicKey) (*WindowReceipt, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}

	verifier, err := cose.NewVerifier(ReceiptAlgorithm, pub)
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}

	var receipt WindowReceipt
	if err := cbor.Unmarshal(msg.Payload, &receipt); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidReceipt, err)
	}
	return &receipt, nil
}

// VerifyInclusion checks a Merkle proof for tx against root without access to the pool.
func VerifyInclusion(tx *core.AuctionTransaction, proof *mempool.MerkleProof, root core.Hash) error {
	if proof == nil {
		return fmt.Errorf("missing proof for %s: %w", tx.ID, ErrNotIncluded)
	}
	if !mempool.VerifyProof(tx, proof, root) {
		return fmt.Errorf("proof for %s does not reach root %s: %w", tx.ID, root, ErrNotIncluded)
	}
	return nil
}
