package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/echa/log"
	"github.com/fxamacker/cbor/v2"
	cid "github.com/ipfs/go-cid"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/core"
)

// SettlementRecord is the archived body of a finished bundle auction.
type SettlementRecord struct {
	Auction    bundle.AuctionInfo       `cbor:"1,keyasint"`
	Settlement *bundle.SettlementResult `cbor:"2,keyasint"`
}

// RevenueSummary aggregates the archive.
type RevenueSummary struct {
	Windows               int    `json:"windows"`
	WindowRevenue         uint64 `json:"window_revenue"`
	PartnerRevenue        uint64 `json:"partner_revenue"`
	InfrastructureRevenue uint64 `json:"infrastructure_revenue"`
	Settlements           int    `json:"settlements"`
	SettlementVolume      uint64 `json:"settlement_volume"`
	FeesCollected         uint64 `json:"fees_collected"`
}

// ArchiveSettlement implements bundle.Archiver. Archiving the same auction twice is a
// no-op.
func (s *Store) ArchiveSettlement(auction bundle.AuctionInfo, settlement *bundle.SettlementResult) error {
	ctx, cancel := s.withTimeout()
	defer cancel()
	_, err := s.SaveSettlement(ctx, auction, settlement)
	return err
}

// SaveSettlement stores a finished auction and its settlement and returns the body's CID.
func (s *Store) SaveSettlement(ctx context.Context, auction bundle.AuctionInfo, settlement *bundle.SettlementResult) (cid.Cid, error) {
	if err := checkRange(settlement.FinalPrice, settlement.TotalFees); err != nil {
		return cid.Undef, fmt.Errorf("settlement of auction %s: %w", auction.ID, err)
	}

	record := SettlementRecord{Auction: auction, Settlement: settlement}
	body, c, err := s.encode(&record)
	if err != nil {
		return cid.Undef, err
	}

	winner := ""
	if settlement.WinningBid != nil {
		winner = settlement.WinningBid.BidderID
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO settlements (auction_id, cid, bundle_id, bundle_type, status, winner,
			final_price, total_fees, settled_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (auction_id) DO NOTHING`),
		auction.ID, c.String(), auction.Bundle.BundleID, string(auction.Bundle.BundleType),
		string(auction.Status), winner, toInt64(settlement.FinalPrice), toInt64(settlement.TotalFees),
		settlement.SettlementTime.Unix(), body)
	if err != nil {
		return cid.Undef, fmt.Errorf("inserting settlement of auction %s: %w", auction.ID, err)
	}

	log.Debugf("Archived settlement of auction %s as %s", auction.ID, c)
	return c, nil
}

// Settlement loads and decodes an archived settlement.
func (s *Store) Settlement(ctx context.Context, auctionID string) (*SettlementRecord, cid.Cid, error) {
	var (
		body   []byte
		cidStr string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT cid, body FROM settlements WHERE auction_id = ?`),
		auctionID).Scan(&cidStr, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cid.Undef, fmt.Errorf("archived settlement %s: %w", auctionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("reading settlement %s: %w", auctionID, err)
	}

	c, err := cid.Decode(cidStr)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("invalid cid for settlement %s: %w", auctionID, err)
	}

	var record SettlementRecord
	if err := cbor.Unmarshal(body, &record); err != nil {
		return nil, cid.Undef, fmt.Errorf("decoding settlement %s: %w", auctionID, err)
	}
	return &record, c, nil
}

// RevenueSummary totals archived windows and settlements. Window revenue splits into the
// partner share and the infrastructure remainder.
func (s *Store) RevenueSummary(ctx context.Context) (RevenueSummary, error) {
	var (
		sum                                     RevenueSummary
		windowRevenue, partner, volume, feesSum int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_revenue), 0), COALESCE(SUM(partner_share), 0)
		FROM window_results`).Scan(&sum.Windows, &windowRevenue, &partner)
	if err != nil {
		return RevenueSummary{}, fmt.Errorf("summing window revenue: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(final_price), 0), COALESCE(SUM(total_fees), 0)
		FROM settlements`).Scan(&sum.Settlements, &volume, &feesSum)
	if err != nil {
		return RevenueSummary{}, fmt.Errorf("summing settlements: %w", err)
	}

	sum.WindowRevenue = uint64(windowRevenue)
	sum.PartnerRevenue = uint64(partner)
	sum.InfrastructureRevenue = sum.WindowRevenue - sum.PartnerRevenue
	sum.SettlementVolume = uint64(volume)
	sum.FeesCollected = uint64(feesSum)
	return sum, nil
}
