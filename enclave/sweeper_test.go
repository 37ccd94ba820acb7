package main

import (
	"context"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/validation"
)

var autoWindows = WindowConfig{
	AutoOpen:        true,
	Duration:        12 * time.Second,
	MaxTransactions: 10,
	TotalGasLimit:   1_000_000,
	AuctionType:     core.AuctionTypeStandardExecution,
}

func TestSweeper_OpensWindow(t *testing.T) {
	d := newTestDaemon(t, autoWindows)

	d.sweeper.Sweep()
	check.Equal(t, 1, d.scheduler.Stats().ActiveWindows)

	// an open window suppresses another
	d.sweeper.Sweep()
	check.Equal(t, 1, d.scheduler.Stats().ActiveWindows)
}

func TestSweeper_NoAutoOpen(t *testing.T) {
	d := newTestDaemon(t, WindowConfig{})

	d.sweeper.Sweep()
	check.Equal(t, 0, d.scheduler.Stats().ActiveWindows)
}

func TestSweeper_SealsAndPublishesExpiredWindow(t *testing.T) {
	d := newTestDaemon(t, autoWindows)
	d.sweeper.Sweep()

	d.scheduler.SubmitTransaction(newTx('A', 1, 2000, 21000))
	d.scheduler.SubmitTransaction(newTx('B', 2, 1000, 21000))

	d.clock.Advance(13 * time.Second)
	d.sweeper.Sweep()

	window, ok := d.sweeper.SealedWindow(1)
	assert.True(t, ok)
	check.Equal(t, []core.Hash{{'A'}, {'B'}}, []core.Hash{window.Result.Winners[0].ID, window.Result.Winners[1].ID})
	check.NotEqual(t, "", string(window.Attestation))

	signed, err := window.Receipt.Decode()
	assert.NoError(t, err)
	receipt, err := validation.VerifyReceipt(signed, d.keys.PublicKey)
	assert.NoError(t, err)
	check.Equal(t, uint64(1), receipt.WindowID)
	check.Equal(t, uint64(3000), receipt.TotalRevenue)

	// the next window was opened in the same pass
	stats := d.scheduler.Stats()
	check.Equal(t, 1, stats.ActiveWindows)
	_, ok = d.scheduler.Window(2)
	check.True(t, ok)
}

func TestSweeper_RetriesFailedPublish(t *testing.T) {
	d := newTestDaemon(t, autoWindows)
	d.sweeper.Sweep()
	d.scheduler.SubmitTransaction(newTx('A', 1, 2000, 21000))

	failAttestOnce(t, d)
	d.clock.Advance(13 * time.Second)
	d.sweeper.Sweep()

	_, ok := d.sweeper.SealedWindow(1)
	check.False(t, ok)
	check.Equal(t, []uint64{1}, d.sweeper.PendingWindows())

	d.sweeper.Sweep()

	window, ok := d.sweeper.SealedWindow(1)
	assert.True(t, ok)
	check.Equal(t, uint64(2000), window.Result.TotalRevenue)
	check.NotEqual(t, "", string(window.Attestation))
	check.Equal(t, 0, len(d.sweeper.PendingWindows()))
}

func TestSweeper_RepublishUnknownWindow(t *testing.T) {
	d := newTestDaemon(t, WindowConfig{})

	window, ok, err := d.sweeper.Republish(7)
	check.False(t, ok)
	check.NoError(t, err)
	check.Nil(t, window)
}

func TestSweeper_PublishEvictsOldest(t *testing.T) {
	d := newTestDaemon(t, WindowConfig{})
	d.sweeper.attester = nil

	for i := 0; i < MaxSealedWindows+1; i++ {
		id := d.scheduler.CreateWindow(time.Minute, 1, 21000, core.AuctionTypeStandardExecution)
		result, err := d.scheduler.SealWindow(id)
		assert.NoError(t, err)
		_, err = d.sweeper.Publish(result)
		assert.NoError(t, err)
	}

	_, ok := d.sweeper.SealedWindow(1)
	check.False(t, ok)
	_, ok = d.sweeper.SealedWindow(MaxSealedWindows + 1)
	check.True(t, ok)
}

func TestSweeper_PublishSameWindowTwice(t *testing.T) {
	d := newTestDaemon(t, WindowConfig{})
	id := d.scheduler.CreateWindow(time.Minute, 1, 21000, core.AuctionTypeStandardExecution)
	result, err := d.scheduler.SealWindow(id)
	assert.NoError(t, err)

	_, err = d.sweeper.Publish(result)
	assert.NoError(t, err)
	_, err = d.sweeper.Publish(result)
	assert.NoError(t, err)

	check.Equal(t, 1, len(d.sweeper.order))
}

func TestSweeper_FinalizesExpiredAuctions(t *testing.T) {
	d := newTestDaemon(t, WindowConfig{})

	cfg := bundle.DefaultAuctionConfig()
	cfg.Duration = 10 * time.Minute
	cfg.AutoExtendThreshold = 0
	id, err := d.house.CreateAuction(testBundle("bundle-1"), &cfg)
	assert.NoError(t, err)
	assert.NoError(t, d.house.StartAuction(id))
	assert.NoError(t, d.house.SetBidderBalance("alice", 10000))
	_, err = d.house.SubmitBid(id, "alice", 2000, 0, "sig")
	assert.NoError(t, err)

	d.sweeper.Sweep()
	auction, err := d.house.GetAuction(id)
	assert.NoError(t, err)
	check.Equal(t, bundle.AuctionStatusBidding, auction.Status)

	d.clock.Advance(11 * time.Minute)
	d.sweeper.Sweep()

	auction, err = d.house.GetAuction(id)
	assert.NoError(t, err)
	check.Equal(t, bundle.AuctionStatusCompleted, auction.Status)

	settlement, err := d.house.GetSettlement(id)
	assert.NoError(t, err)
	check.Equal(t, uint64(2000), settlement.FinalPrice)
	check.Equal(t, uint64(50), settlement.TotalFees)
}

func TestSweeper_Run(t *testing.T) {
	d := newTestDaemon(t, autoWindows)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.sweeper.Run(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for d.scheduler.Stats().ActiveWindows == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not open a window")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
