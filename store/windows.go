package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/echa/log"
	"github.com/fxamacker/cbor/v2"
	cid "github.com/ipfs/go-cid"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/mempool"
)

// WindowRecord is the indexed row of an archived window result.
type WindowRecord struct {
	WindowID     uint64
	CID          cid.Cid
	AuctionType  core.AuctionType
	WinnerCount  int
	TotalRevenue uint64
	TotalGasUsed uint64
	PartnerShare uint64
	MerkleRoot   core.Hash
	WinnersRoot  core.Hash
	SealedAt     int64
}

// ArchiveWindowResult implements mempool.Archiver. Archiving the same window twice is a
// no-op.
func (s *Store) ArchiveWindowResult(result *mempool.AuctionResult) error {
	ctx, cancel := s.withTimeout()
	defer cancel()
	_, err := s.SaveWindowResult(ctx, result)
	return err
}

// SaveWindowResult stores result with its per-chain partner distributions and returns
// the body's CID.
func (s *Store) SaveWindowResult(ctx context.Context, result *mempool.AuctionResult) (cid.Cid, error) {
	if err := checkRange(result.WindowID, result.TotalRevenue, result.TotalGasUsed, result.PartnerRevenueShare); err != nil {
		return cid.Undef, fmt.Errorf("window %d: %w", result.WindowID, err)
	}
	for chainID, amount := range result.PartnerDistributions {
		if err := checkRange(chainID, amount); err != nil {
			return cid.Undef, fmt.Errorf("distribution of window %d to chain %d: %w", result.WindowID, chainID, err)
		}
	}

	body, c, err := s.encode(result)
	if err != nil {
		return cid.Undef, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cid.Undef, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO window_results (window_id, cid, auction_type, winner_count, total_revenue,
			total_gas_used, partner_share, merkle_root, winners_root, sealed_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (window_id) DO NOTHING`),
		toInt64(result.WindowID), c.String(), string(result.AuctionType), len(result.Winners),
		toInt64(result.TotalRevenue), toInt64(result.TotalGasUsed), toInt64(result.PartnerRevenueShare),
		result.MerkleRoot.String(), result.WinnersRoot.String(), result.SealedAt.Unix(), body)
	if err != nil {
		return cid.Undef, fmt.Errorf("inserting window %d: %w", result.WindowID, err)
	}

	for chainID, amount := range result.PartnerDistributions {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO partner_distributions (window_id, chain_id, amount)
			VALUES (?, ?, ?)
			ON CONFLICT (window_id, chain_id) DO NOTHING`),
			toInt64(result.WindowID), toInt64(chainID), toInt64(amount))
		if err != nil {
			return cid.Undef, fmt.Errorf("inserting distribution of window %d: %w", result.WindowID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return cid.Undef, fmt.Errorf("committing window %d: %w", result.WindowID, err)
	}

	log.Debugf("Archived window %d as %s", result.WindowID, c)
	return c, nil
}

// WindowResult loads and decodes an archived window result.
func (s *Store) WindowResult(ctx context.Context, windowID uint64) (*mempool.AuctionResult, cid.Cid, error) {
	var (
		body   []byte
		cidStr string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT cid, body FROM window_results WHERE window_id = ?`),
		toInt64(windowID)).Scan(&cidStr, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cid.Undef, fmt.Errorf("archived window %d: %w", windowID, core.ErrNotFound)
	}
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("reading window %d: %w", windowID, err)
	}

	c, err := cid.Decode(cidStr)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("invalid cid for window %d: %w", windowID, err)
	}

	var result mempool.AuctionResult
	if err := cbor.Unmarshal(body, &result); err != nil {
		return nil, cid.Undef, fmt.Errorf("decoding window %d: %w", windowID, err)
	}
	return &result, c, nil
}

// RecentWindows lists the latest archived windows, newest first.
func (s *Store) RecentWindows(ctx context.Context, limit int) ([]WindowRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT window_id, cid, auction_type, winner_count, total_revenue, total_gas_used,
			partner_share, merkle_root, winners_root, sealed_at
		FROM window_results ORDER BY window_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing windows: %w", err)
	}
	defer rows.Close()

	records := make([]WindowRecord, 0)
	for rows.Next() {
		var (
			r                           WindowRecord
			windowID, revenue, gas, ps  int64
			cidStr, typ, merkle, winner string
		)
		if err := rows.Scan(&windowID, &cidStr, &typ, &r.WinnerCount, &revenue, &gas, &ps, &merkle, &winner, &r.SealedAt); err != nil {
			return nil, fmt.Errorf("scanning window row: %w", err)
		}
		if r.CID, err = cid.Decode(cidStr); err != nil {
			return nil, fmt.Errorf("invalid cid %q: %w", cidStr, err)
		}
		if r.MerkleRoot, err = core.ParseHash(merkle); err != nil {
			return nil, err
		}
		if r.WinnersRoot, err = core.ParseHash(winner); err != nil {
			return nil, err
		}
		r.WindowID = uint64(windowID)
		r.AuctionType = core.AuctionType(typ)
		r.TotalRevenue = uint64(revenue)
		r.TotalGasUsed = uint64(gas)
		r.PartnerShare = uint64(ps)
		records = append(records, r)
	}
	return records, rows.Err()
}

// PartnerDistributions sums the archived partner payouts per chain.
func (s *Store) PartnerDistributions(ctx context.Context) (map[uint64]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chain_id, SUM(amount) FROM partner_distributions GROUP BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("summing partner distributions: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]uint64)
	for rows.Next() {
		var chainID, amount int64
		if err := rows.Scan(&chainID, &amount); err != nil {
			return nil, fmt.Errorf("scanning distribution row: %w", err)
		}
		out[uint64(chainID)] = uint64(amount)
	}
	return out, rows.Err()
}
