package bundle

import (
	"sort"
)

// maxTopBidders bounds Metrics.TopBidders.
const maxTopBidders = 10

// BidderVolume is the total winning volume of one bidder.
type BidderVolume struct {
	BidderID string `json:"bidder_id"`
	Volume   uint64 `json:"volume"`
}

// Metrics aggregates live and archived auctions.
type Metrics struct {
	TotalAuctions     int     `json:"total_auctions"`
	ActiveAuctions    int     `json:"active_auctions"`
	CompletedAuctions int     `json:"completed_auctions"`
	TotalVolume       uint64  `json:"total_volume"`
	AverageBidAmount  float64 `json:"average_bid_amount"`
	// AverageAuctionDuration is in minutes, over finished auctions.
	AverageAuctionDuration float64            `json:"average_auction_duration"`
	SuccessRate            float64            `json:"success_rate"`
	TopBidders             []BidderVolume     `json:"top_bidders"`
	BundleTypeDistribution map[BundleType]int `json:"bundle_type_distribution"`
	RevenueGenerated       uint64             `json:"revenue_generated"`
	FeesCollected          uint64             `json:"fees_collected"`
}

// Metrics computes the current aggregate view. It has no side effects.
func (h *House) Metrics() Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := Metrics{
		TotalAuctions:          len(h.auctions) + len(h.history),
		BundleTypeDistribution: make(map[BundleType]int),
	}

	for _, a := range h.auctions {
		if a.Status.acceptsBids() {
			m.ActiveAuctions++
		}
		m.BundleTypeDistribution[a.Bundle.BundleType]++
	}

	var durationMinutes float64
	for _, id := range h.history {
		a := h.archived[id]
		if a.Status == AuctionStatusCompleted {
			m.CompletedAuctions++
		}
		if a.SettlementTime != nil {
			durationMinutes += a.SettlementTime.Sub(a.StartTime).Minutes()
		}
		m.BundleTypeDistribution[a.Bundle.BundleType]++
	}

	volumes := make(map[string]uint64)
	for _, s := range h.settlements {
		m.TotalVolume += s.FinalPrice
		m.FeesCollected += s.TotalFees
		if s.WinningBid != nil {
			volumes[s.WinningBid.BidderID] += s.FinalPrice
		}
	}
	m.RevenueGenerated = m.TotalVolume

	if m.CompletedAuctions > 0 {
		m.AverageBidAmount = float64(m.TotalVolume) / float64(m.CompletedAuctions)
	}
	if len(h.history) > 0 {
		m.AverageAuctionDuration = durationMinutes / float64(len(h.history))
	}
	if m.TotalAuctions > 0 {
		m.SuccessRate = float64(m.CompletedAuctions) / float64(m.TotalAuctions)
	}

	m.TopBidders = make([]BidderVolume, 0, len(volumes))
	for bidder, volume := range volumes {
		m.TopBidders = append(m.TopBidders, BidderVolume{BidderID: bidder, Volume: volume})
	}
	sort.Slice(m.TopBidders, func(i, j int) bool {
		if m.TopBidders[i].Volume != m.TopBidders[j].Volume {
			return m.TopBidders[i].Volume > m.TopBidders[j].Volume
		}
		return m.TopBidders[i].BidderID < m.TopBidders[j].BidderID
	})
	if len(m.TopBidders) > maxTopBidders {
		m.TopBidders = m.TopBidders[:maxTopBidders]
	}

	return m
}
