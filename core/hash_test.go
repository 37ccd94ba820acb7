package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

func testTransaction() AuctionTransaction {
	return AuctionTransaction{
		ID:            Hash{1, 2, 3},
		ChainID:       7,
		BidAmount:     2000,
		GasLimit:      21000,
		DataSize:      100,
		PriorityScore: 500,
		Timestamp:     1700000000,
		Nonce:         3,
		Sender:        "addr1",
		AuctionType:   AuctionTypeStandardExecution,
	}
}

func TestComputeLeafHash_Layout(t *testing.T) {
	tx := testTransaction()

	// Build the expected preimage by hand, field by field
	var preimage []byte
	preimage = append(preimage, tx.ID[:]...)
	preimage = binary.BigEndian.AppendUint64(preimage, 7)
	preimage = binary.BigEndian.AppendUint64(preimage, 2000)
	preimage = binary.BigEndian.AppendUint64(preimage, 21000)
	preimage = binary.BigEndian.AppendUint32(preimage, 100)
	preimage = binary.BigEndian.AppendUint16(preimage, 500)
	preimage = binary.BigEndian.AppendUint64(preimage, 1700000000)
	preimage = binary.BigEndian.AppendUint64(preimage, 3)
	preimage = append(preimage, "addr1"...)

	check.Equal(t, 32+8+8+8+4+2+8+8+5, len(preimage))
	check.Equal(t, Hash(sha256.Sum256(preimage)), ComputeLeafHash(&tx))
}

func TestComputeLeafHash_FieldSensitivity(t *testing.T) {
	base := testTransaction()
	baseHash := ComputeLeafHash(&base)

	mutations := []struct {
		name   string
		mutate func(tx *AuctionTransaction)
	}{
		{"id", func(tx *AuctionTransaction) { tx.ID[31] = 9 }},
		{"chain", func(tx *AuctionTransaction) { tx.ChainID++ }},
		{"bid", func(tx *AuctionTransaction) { tx.BidAmount++ }},
		{"gas", func(tx *AuctionTransaction) { tx.GasLimit++ }},
		{"size", func(tx *AuctionTransaction) { tx.DataSize++ }},
		{"priority", func(tx *AuctionTransaction) { tx.PriorityScore++ }},
		{"timestamp", func(tx *AuctionTransaction) { tx.Timestamp++ }},
		{"nonce", func(tx *AuctionTransaction) { tx.Nonce++ }},
		{"sender", func(tx *AuctionTransaction) { tx.Sender = "addr2" }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			tx := testTransaction()
			m.mutate(&tx)
			check.NotEqual(t, baseHash, ComputeLeafHash(&tx))
		})
	}

	// Fields outside the leaf encoding do not move the hash
	target := uint64(9)
	tx := testTransaction()
	tx.TargetChain = &target
	tx.AuctionType = AuctionTypeDataStorage
	check.Equal(t, baseHash, ComputeLeafHash(&tx))
}

func TestComputeNodeHash(t *testing.T) {
	left := Hash{1}
	right := Hash{2}

	expected := sha256.Sum256(append(left[:], right[:]...))
	check.Equal(t, Hash(expected), ComputeNodeHash(left, right))
	check.NotEqual(t, ComputeNodeHash(left, right), ComputeNodeHash(right, left))
}

func TestComputeBundleIntegrityProof(t *testing.T) {
	proof := ComputeBundleIntegrityProof("test_bundle", "hash123", 1000, 0.5)

	expected := fmt.Sprintf("%x", sha256.Sum256([]byte("test_bundle:hash123:1000:0.5")))
	check.Equal(t, expected, proof)
	check.Equal(t, 64, len(proof))

	// Whole scores carry no fractional part
	whole := ComputeBundleIntegrityProof("b", "h", 1, 1.0)
	check.Equal(t, fmt.Sprintf("%x", sha256.Sum256([]byte("b:h:1:1"))), whole)
}

func TestComputeRefundTransactionHash(t *testing.T) {
	at := time.Unix(1700000000, 0)
	hash := ComputeRefundTransactionHash("bid-1", at)

	expected := fmt.Sprintf("%x", sha256.Sum256([]byte("refund:bid-1:1700000000")))
	check.Equal(t, expected, hash)
	check.NotEqual(t, hash, ComputeRefundTransactionHash("bid-2", at))
	check.Equal(t, hash, ComputeRefundTransactionHash("bid-1", at.Add(500*time.Millisecond)))
}

func TestComputeBidHash(t *testing.T) {
	at := time.Unix(1700000000, 0)
	hash := ComputeBidHash("auction-1", "bidder1", 2000, at)

	expected := fmt.Sprintf("%x", sha256.Sum256([]byte("auction-1:bidder1:2000:1700000000")))
	check.Equal(t, expected, hash)
	check.NotEqual(t, hash, ComputeBidHash("auction-1", "bidder1", 2001, at))
}

func TestComputeTransactionID_Deterministic(t *testing.T) {
	id1 := ComputeTransactionID("addr1", 1, 0, []byte("payload"))
	id2 := ComputeTransactionID("addr1", 1, 0, []byte("payload"))
	id3 := ComputeTransactionID("addr1", 1, 1, []byte("payload"))

	check.Equal(t, id1, id2)
	check.NotEqual(t, id1, id3)
}

func TestHash_TextRoundTrip(t *testing.T) {
	h := ComputeTransactionID("addr1", 1, 0, nil)

	text, err := h.MarshalText()
	check.NoError(t, err)

	var decoded Hash
	check.NoError(t, decoded.UnmarshalText(text))
	check.Equal(t, h, decoded)

	_, err = ParseHash("abcd")
	check.Error(t, err)
	_, err = ParseHash("zz")
	check.Error(t, err)
}
