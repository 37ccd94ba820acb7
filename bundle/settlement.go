package bundle

import (
	"fmt"
	"time"

	"github.com/echa/log"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/ledger"
)

// finalizeLocked settles one auction. Nothing is mutated until the ledger has accepted
// every credit, so a ledger failure leaves the auction in its prior status.
func (h *House) finalizeLocked(id string, now time.Time) (AuctionInfo, *SettlementResult, error) {
	auction, err := h.liveAuction(id)
	if err != nil {
		return AuctionInfo{}, nil, err
	}
	if now.Before(auction.EndTime) && auction.Status != AuctionStatusFinalizing {
		return AuctionInfo{}, nil, fmt.Errorf("auction %s ends at %s: %w", id, auction.EndTime.Format(time.RFC3339), core.ErrInvalidState)
	}

	bids := h.bids[id]
	winner := selectWinner(bids)
	if winner != nil && auction.Config.ReservePrice != nil && winner.Amount < *auction.Config.ReservePrice {
		log.Infof("Auction %s best bid %d below reserve %d", id, winner.Amount, *auction.Config.ReservePrice)
		winner = nil
	}

	settlement := &SettlementResult{
		AuctionID:        id,
		ValidatorRewards: make(map[string]uint64),
		Refunds:          make([]Refund, 0, len(bids)),
		SettlementTime:   now,
		ExecutionStatus:  ExecutionStatusFailed,
	}
	credits := make([]ledger.Credit, 0, len(bids)+len(auction.ParticipatingValidators))

	for _, b := range bids {
		if winner != nil && b.ID == winner.ID {
			continue
		}
		settlement.Refunds = append(settlement.Refunds, newRefund(b, now))
		credits = append(credits, ledger.Credit{Account: b.BidderID, Amount: b.Escrow()})
	}

	if winner != nil {
		settlement.FinalPrice = winner.Amount
		settlement.TotalFees = core.PercentOf(winner.Amount, auction.Config.FeePercentage)
		settlement.CollateralReleased = winner.Collateral
		settlement.ExecutionStatus = ExecutionStatusPending
		if winner.Collateral > 0 {
			credits = append(credits, ledger.Credit{Account: winner.BidderID, Amount: winner.Collateral})
		}

		reward := core.SplitEvenly(settlement.TotalFees, len(auction.ParticipatingValidators))
		if reward > 0 {
			for _, v := range auction.ParticipatingValidators {
				settlement.ValidatorRewards[v] = reward
				credits = append(credits, ledger.Credit{Account: v, Amount: reward})
			}
		}
	}

	if err := h.ledger.ApplyCredits(credits); err != nil {
		return AuctionInfo{}, nil, fmt.Errorf("failed to settle auction %s: %w", id, err)
	}

	for _, b := range bids {
		if winner != nil && b.ID == winner.ID {
			b.Status = BidStatusExecuted
			continue
		}
		b.Status = BidStatusRefunded
	}
	if winner != nil {
		w := *winner
		settlement.WinningBid = &w
		price := winner.Amount
		auction.FinalPrice = &price
		auction.AuctionFees = settlement.TotalFees
		auction.Status = AuctionStatusCompleted
	} else {
		auction.Status = AuctionStatusFailed
	}
	auction.SettlementTime = &now
	h.retireLocked(auction, settlement)

	log.Infof("Finalized auction %s: status=%s price=%d fees=%d refunds=%d",
		id, auction.Status, settlement.FinalPrice, settlement.TotalFees, len(settlement.Refunds))
	return auction.clone(), settlement.clone(), nil
}

// selectWinner picks the highest eligible bid, earliest on ties.
func selectWinner(bids []*Bid) *Bid {
	var winner *Bid
	for _, b := range bids {
		if !b.Status.eligible() {
			continue
		}
		if winner == nil || b.Amount > winner.Amount ||
			(b.Amount == winner.Amount && b.Timestamp.Before(winner.Timestamp)) {
			winner = b
		}
	}
	return winner
}

func newRefund(b *Bid, now time.Time) Refund {
	return Refund{
		BidID:           b.ID,
		BidderID:        b.BidderID,
		Amount:          b.Escrow(),
		RefundTime:      now,
		TransactionHash: core.ComputeRefundTransactionHash(b.ID, now),
	}
}
