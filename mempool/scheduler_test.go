package mempool

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/auctionpool/core"
)

type recordingArchiver struct {
	results []*AuctionResult
	err     error
}

func (a *recordingArchiver) ArchiveWindowResult(result *AuctionResult) error {
	a.results = append(a.results, result)
	return a.err
}

func newTestScheduler() (*Scheduler, *core.ManualClock) {
	clock := core.NewManualClock(testTime)
	return NewScheduler(NewCommitmentPool(), WithClock(clock)), clock
}

func TestScheduler_SealAdmitsAll(t *testing.T) {
	s, _ := newTestScheduler()
	s.SubmitTransaction(newTx('A', 1, 2000, 21000, 100))
	s.SubmitTransaction(newTx('B', 1, 1000, 21000, 100))
	s.SubmitTransaction(newTx('C', 2, 1500, 21000, 100))

	check.Equal(t, []core.Hash{{'A'}, {'C'}, {'B'}}, ids(s.TopTransactions(3)))

	id := s.CreateWindow(time.Minute, 10, 100000, core.AuctionTypeStandardExecution)
	check.Equal(t, uint64(1), id)

	result, err := s.SealWindow(id)
	assert.NoError(t, err)
	check.Equal(t, []core.Hash{{'A'}, {'C'}, {'B'}}, ids(result.Winners))
	check.Equal(t, uint64(4500), result.TotalRevenue)
	check.Equal(t, uint64(63000), result.TotalGasUsed)
	check.Equal(t, uint64(1125), result.PartnerRevenueShare)
	check.Equal(t, map[uint64]uint64{1: 750, 2: 375}, result.PartnerDistributions)
	check.True(t, result.MerkleRoot.IsZero())
	check.Equal(t, BuildCommitmentTree(result.Winners).Root(), result.WinnersRoot)
	check.Equal(t, 0, s.Pool().Len())
}

func TestScheduler_WinnerProofVerifiesAgainstWinnersRoot(t *testing.T) {
	s, _ := newTestScheduler()
	for i := byte(1); i <= 5; i++ {
		s.SubmitTransaction(newTx(i, 1, uint64(i)*1000, 21000, 100))
	}
	id := s.CreateWindow(time.Minute, 3, 1_000_000, core.AuctionTypeStandardExecution)

	result, err := s.SealWindow(id)
	assert.NoError(t, err)
	check.Equal(t, 3, len(result.Winners))

	for _, tx := range result.Winners {
		proof, err := result.WinnerProof(tx.ID)
		assert.NoError(t, err)
		check.True(t, VerifyProof(&tx, proof, result.WinnersRoot))
	}
	check.Equal(t, s.Pool().Root(), result.MerkleRoot)
}

func TestScheduler_GasBudgetRespected(t *testing.T) {
	s, _ := newTestScheduler()
	s.SubmitTransaction(newTx(1, 1, 9000, 60000, 100))
	s.SubmitTransaction(newTx(2, 1, 4000, 50000, 100))
	s.SubmitTransaction(newTx(3, 1, 1000, 30000, 100))

	id := s.CreateWindow(time.Minute, 10, 100000, core.AuctionTypeStandardExecution)
	result, err := s.SealWindow(id)
	assert.NoError(t, err)

	check.Equal(t, []core.Hash{{1}, {3}}, ids(result.Winners))
	check.Equal(t, uint64(90000), result.TotalGasUsed)
	check.Equal(t, 1, s.Pool().Len())
}

func TestScheduler_SealTwiceFails(t *testing.T) {
	s, _ := newTestScheduler()
	id := s.CreateWindow(time.Minute, 10, 100000, core.AuctionTypeStandardExecution)

	_, err := s.SealWindow(id)
	assert.NoError(t, err)

	_, err = s.SealWindow(id)
	check.True(t, errors.Is(err, core.ErrInvalidState))

	_, err = s.SealWindow(42)
	check.True(t, errors.Is(err, core.ErrNotFound))
}

func TestScheduler_ProcessExpiredWindows(t *testing.T) {
	s, clock := newTestScheduler()
	archiver := &recordingArchiver{}
	s.archiver = archiver

	s.SubmitTransaction(newTx(1, 1, 2000, 21000, 100))
	s.SubmitTransaction(newTx(2, 1, 1000, 21000, 100))

	short := s.CreateWindow(time.Minute, 1, 100000, core.AuctionTypeStandardExecution)
	long := s.CreateWindow(time.Hour, 1, 100000, core.AuctionTypeDataStorage)

	check.Equal(t, 2, s.Stats().ActiveWindows)

	// Exactly at the end the window is no longer active but not yet sealable
	clock.Advance(time.Minute)
	results, err := s.ProcessExpiredWindows()
	assert.NoError(t, err)
	check.Equal(t, 0, len(results))
	check.Equal(t, 1, s.Stats().ActiveWindows)

	clock.Advance(time.Second)
	results, err = s.ProcessExpiredWindows()
	assert.NoError(t, err)
	check.Equal(t, 1, len(results))
	check.Equal(t, short, results[0].WindowID)
	check.Equal(t, []core.Hash{{1}}, ids(results[0].Winners))
	check.Equal(t, 1, len(archiver.results))

	_, open := s.Window(long)
	check.True(t, open)
	_, open = s.Window(short)
	check.False(t, open)

	stats := s.Stats()
	check.Equal(t, 1, stats.PendingTransactions)
	check.Equal(t, 1, stats.CompletedAuctions)
	check.Equal(t, uint64(2000), stats.TotalRevenue)
	check.Equal(t, uint64(500), stats.TotalPartnerRevenue)
	check.Equal(t, s.Pool().Root(), stats.MerkleRoot)
}

func TestScheduler_ArchiveFailureDoesNotFailSeal(t *testing.T) {
	s, _ := newTestScheduler()
	s.archiver = &recordingArchiver{err: errors.New("disk full")}

	id := s.CreateWindow(time.Minute, 10, 100000, core.AuctionTypeStandardExecution)
	result, err := s.SealWindow(id)
	assert.NoError(t, err)
	check.NotNil(t, result)
}

func TestScheduler_HistoryIsBounded(t *testing.T) {
	s, _ := newTestScheduler()
	for i := 0; i < MaxCompletedAuctions+5; i++ {
		id := s.CreateWindow(time.Minute, 1, 1, core.AuctionTypeStandardExecution)
		_, err := s.SealWindow(id)
		assert.NoError(t, err)
	}

	history := s.CompletedAuctions()
	check.Equal(t, MaxCompletedAuctions, len(history))
	check.Equal(t, uint64(6), history[0].Window.ID)
	check.True(t, history[len(history)-1].Window.Sealed)
}

func TestAuctionWindow_Activity(t *testing.T) {
	w := AuctionWindow{Start: testTime, End: testTime.Add(time.Minute)}

	check.False(t, w.IsActive(testTime.Add(-time.Second)))
	check.True(t, w.IsActive(testTime))
	check.False(t, w.IsActive(testTime.Add(time.Minute)))
	check.False(t, w.ShouldSeal(testTime.Add(time.Minute)))
	check.True(t, w.ShouldSeal(testTime.Add(time.Minute+time.Nanosecond)))

	w.Sealed = true
	check.False(t, w.ShouldSeal(testTime.Add(time.Hour)))
}

func TestScheduler_RevenueTotalsSaturate(t *testing.T) {
	s, _ := newTestScheduler()
	half := uint64(math.MaxUint64/2 + 1)
	s.SubmitTransaction(newTx('A', 1, half, 21000, 100))
	s.SubmitTransaction(newTx('B', 1, half, 21000, 100))

	id := s.CreateWindow(time.Minute, 10, 100000, core.AuctionTypeStandardExecution)
	result, err := s.SealWindow(id)
	assert.NoError(t, err)
	check.Equal(t, 2, len(result.Winners))
	check.Equal(t, uint64(math.MaxUint64), result.TotalRevenue)
	check.Equal(t, core.PartnerRevenueShare(math.MaxUint64), result.PartnerRevenueShare)
	check.Equal(t, map[uint64]uint64{1: core.PartnerRevenueShare(math.MaxUint64)}, result.PartnerDistributions)

	s.SubmitTransaction(newTx('C', 2, 1000, 21000, 100))
	_, err = s.SealWindow(s.CreateWindow(time.Minute, 10, 100000, core.AuctionTypeStandardExecution))
	assert.NoError(t, err)

	stats := s.Stats()
	check.Equal(t, uint64(math.MaxUint64), stats.TotalRevenue)
	check.True(t, stats.TotalPartnerRevenue >= result.PartnerRevenueShare)
	check.Equal(t, uint64(math.MaxUint64), stats.Chains[1].TotalBidAmount)
}
