package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/echa/log"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/mempool"
)

// MaxSealedWindows bounds the signed windows kept for lookup by id.
const MaxSealedWindows = 1000

// Sweeper drives both expiry entry points on a ticker, signs the receipt of every window
// it seals and optionally opens the next window.
type Sweeper struct {
	scheduler  *mempool.Scheduler
	house      *bundle.House
	keyManager *KeyManager
	attester   EnclaveAttester
	windows    WindowConfig

	mu     sync.RWMutex
	sealed map[uint64]*enclaveapi.WindowResponse
	order  []uint64
	// pending holds sealed results whose receipt could not be signed or attested yet.
	pending map[uint64]*mempool.AuctionResult
}

// NewSweeper creates a sweeper. attester may be nil outside an enclave.
func NewSweeper(scheduler *mempool.Scheduler, house *bundle.House, keyManager *KeyManager, attester EnclaveAttester, windows WindowConfig) *Sweeper {
	return &Sweeper{
		scheduler:  scheduler,
		house:      house,
		keyManager: keyManager,
		attester:   attester,
		windows:    windows,
		sealed:     make(map[uint64]*enclaveapi.WindowResponse),
		pending:    make(map[uint64]*mempool.AuctionResult),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("Sweeper started (interval: %s)", interval)
	s.Sweep()
	for {
		select {
		case <-ctx.Done():
			log.Infof("Sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs a single pass: retry unpublished windows, seal expired windows, finalize
// expired auctions, then open a window if none is accepting transactions.
func (s *Sweeper) Sweep() {
	s.retryPending()

	results, err := s.scheduler.ProcessExpiredWindows()
	if err != nil {
		log.Errorf("Window sweep: %v", err)
	}
	for _, result := range results {
		if _, err := s.Publish(result); err != nil {
			log.Errorf("Window sweep: %v", err)
		}
	}

	sweep := s.house.ProcessExpiredAuctions()
	for id, err := range sweep.Failed {
		if bundle.IsRetryable(err) {
			log.Warnf("Auction %s will be retried: %v", id, err)
		} else {
			log.Errorf("Auction %s cannot be finalized: %v", id, err)
		}
	}

	if s.windows.AutoOpen && s.scheduler.Stats().ActiveWindows == 0 {
		id := s.scheduler.CreateWindow(s.windows.Duration, s.windows.MaxTransactions, s.windows.TotalGasLimit, s.windows.AuctionType)
		log.Debugf("Opened window %d", id)
	}
}

// Publish signs and attests a sealed result and keeps it for lookup. A result that fails
// to publish is kept and retried by every later Sweep and by Republish.
func (s *Sweeper) Publish(result *mempool.AuctionResult) (*enclaveapi.WindowResponse, error) {
	window, err := GenerateWindowProofs(s.attester, s.keyManager.Signer(), result)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.pending[result.WindowID] = result
		for len(s.pending) > MaxSealedWindows {
			oldest := slices.Min(slices.Collect(maps.Keys(s.pending)))
			log.Errorf("Dropping unpublished window %d", oldest)
			delete(s.pending, oldest)
		}
		return nil, fmt.Errorf("publishing window %d: %w", result.WindowID, err)
	}

	delete(s.pending, result.WindowID)
	if _, ok := s.sealed[result.WindowID]; !ok {
		s.order = append(s.order, result.WindowID)
	}
	s.sealed[result.WindowID] = window
	for len(s.order) > MaxSealedWindows {
		delete(s.sealed, s.order[0])
		s.order = s.order[1:]
	}
	return window, nil
}

// Republish retries a pending window. ok is false when id is not pending.
func (s *Sweeper) Republish(id uint64) (window *enclaveapi.WindowResponse, ok bool, err error) {
	s.mu.RLock()
	result, ok := s.pending[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	window, err = s.Publish(result)
	return window, true, err
}

// PendingWindows returns the ids of sealed windows still waiting for a receipt, ascending.
func (s *Sweeper) PendingWindows() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.pending))
}

func (s *Sweeper) retryPending() {
	for _, id := range s.PendingWindows() {
		if _, _, err := s.Republish(id); err != nil {
			log.Warnf("Window %d is still unpublished: %v", id, err)
			continue
		}
		log.Infof("Published window %d after retry", id)
	}
}

// SealedWindow returns the published form of a sealed window.
func (s *Sweeper) SealedWindow(id uint64) (*enclaveapi.WindowResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.sealed[id]
	return w, ok
}
