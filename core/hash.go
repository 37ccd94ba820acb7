package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// ComputeLeafHash computes the commitment-tree leaf for a transaction.
// Independent implementations must reproduce the same roots, so the field order and
// widths are fixed:
//
//	SHA256(tx_id[32] | chain_id u64 | bid_amount u64 | gas_limit u64 | data_size u32 |
//	       priority_score u16 | timestamp u64 | nonce u64 | sender bytes)
//
// All integers are big-endian.
func ComputeLeafHash(tx *AuctionTransaction) Hash {
	buf := make([]byte, 0, HashSize+8*3+4+2+8*2+len(tx.Sender))
	buf = append(buf, tx.ID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, tx.ChainID)
	buf = binary.BigEndian.AppendUint64(buf, tx.BidAmount)
	buf = binary.BigEndian.AppendUint64(buf, tx.GasLimit)
	buf = binary.BigEndian.AppendUint32(buf, tx.DataSize)
	buf = binary.BigEndian.AppendUint16(buf, tx.PriorityScore)
	buf = binary.BigEndian.AppendUint64(buf, tx.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
	buf = append(buf, tx.Sender...)
	return sha256.Sum256(buf)
}

// ComputeNodeHash combines two child nodes: SHA256(left | right).
func ComputeNodeHash(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return sha256.Sum256(buf[:])
}

// ComputeTransactionID derives a transaction id from the fields a sender controls.
//
// Formula: SHA256(sender + "|" + chain_id + "|" + nonce + "|" + payload)
func ComputeTransactionID(sender string, chainID, nonce uint64, payload []byte) Hash {
	data := fmt.Sprintf("%s|%d|%d|", sender, chainID, nonce)
	return sha256.Sum256(append([]byte(data), payload...))
}

// ComputeBundleIntegrityProof computes the proof a bundle must carry to be auctioned.
//
// Formula: hex(SHA256(bundle_id + ":" + data_hash + ":" + size_bytes + ":" + complexity_score))
//
// The complexity score uses the shortest decimal representation that round-trips
// (0.5 -> "0.5", 1.0 -> "1").
func ComputeBundleIntegrityProof(bundleID, dataHash string, sizeBytes uint64, complexityScore float64) string {
	data := fmt.Sprintf("%s:%s:%d:%s", bundleID, dataHash, sizeBytes,
		strconv.FormatFloat(complexityScore, 'f', -1, 64))
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeBidHash binds a bid to its auction, bidder, amount and submission second.
//
// Formula: hex(SHA256(auction_id + ":" + bidder_id + ":" + amount + ":" + unix_seconds))
func ComputeBidHash(auctionID, bidderID string, amount uint64, at time.Time) string {
	data := fmt.Sprintf("%s:%s:%d:%d", auctionID, bidderID, amount, at.Unix())
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeRefundTransactionHash computes the deterministic reference of a refund.
//
// Formula: hex(SHA256("refund:" + bid_id + ":" + unix_seconds))
func ComputeRefundTransactionHash(bidID string, at time.Time) string {
	data := fmt.Sprintf("refund:%s:%d", bidID, at.Unix())
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
