package main

import (
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/fxamacker/cbor/v2"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/ledger"
	"github.com/cloudx-io/auctionpool/mempool"
)

// MockEnclaveHandle implements the Attest method for testing
type MockEnclaveHandle struct {
	AttestFunc func(options enclave.AttestationOptions) ([]byte, error)

	mu    sync.Mutex
	calls []enclave.AttestationOptions
}

func (m *MockEnclaveHandle) Attest(options enclave.AttestationOptions) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, options)
	m.mu.Unlock()

	if m.AttestFunc != nil {
		return m.AttestFunc(options)
	}
	return nil, fmt.Errorf("mock not configured")
}

// Calls returns the options of every Attest call so far.
func (m *MockEnclaveHandle) Calls() []enclave.AttestationOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]enclave.AttestationOptions(nil), m.calls...)
}

// mustDecodeHex is a helper function to decode hex strings to actual hash bytes for testing
func mustDecodeHex(t *testing.T, hexStr string) []byte {
	t.Helper()
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", hexStr))
	}
	return bytes
}

// CreateMockEnclave creates a mock enclave handle for testing with realistic attestation data
func CreateMockEnclave(t *testing.T) *MockEnclaveHandle {
	t.Helper()
	return &MockEnclaveHandle{
		AttestFunc: func(options enclave.AttestationOptions) ([]byte, error) {
			nestedDoc := map[string]any{
				"module_id": "test-enclave-12345",
				"digest":    "SHA384",
				"timestamp": uint64(1234567890),
				"pcrs": map[uint64][]byte{
					0: mustDecodeHex(t, "3b4cef27e672fdbcc808960a88ddfe7329dd2e367b6850c9a8d910315f0b47e4224d6db361b75e010c87691d86ca9c57"),
					1: mustDecodeHex(t, "4b4d5b3661b3efc12920900c80e126e4ce783c522de6c02a2a5bf7af3a2b9327b86776f188e4be1c1c404a129dbda493"),
					2: mustDecodeHex(t, "2bdd28c1d85bb3872da3617a29a6bfeb50c65750c995f92e7dac6b5f2c4c72e0f9976bdee62a0b25864d10dffb535e11"),
				},
				"certificate": []byte("test-certificate-data"),
				"cabundle":    [][]byte{[]byte("test-ca-cert")},
				"public_key":  []byte("test-public-key-data"),
				"user_data":   options.UserData,
				"nonce":       options.Nonce,
			}

			nestedBytes, _ := cbor.Marshal(nestedDoc)

			// AWS Nitro 4-element array format: [header, metadata, nested_doc, signature]
			result := []any{
				[]byte{0x01, 0x02, 0x03},
				map[string]any{},
				nestedBytes,
				[]byte{0x04, 0x05, 0x06},
			}

			return cbor.Marshal(result)
		},
	}
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testDaemon is the daemon wired over in-memory state and a manual clock.
type testDaemon struct {
	clock     *core.ManualClock
	scheduler *mempool.Scheduler
	house     *bundle.House
	keys      *KeyManager
	attester  *MockEnclaveHandle
	sweeper   *Sweeper
	server    *EnclaveServer
}

func newTestDaemon(t *testing.T, windows WindowConfig) *testDaemon {
	t.Helper()

	keys, err := NewKeyManager()
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}

	d := &testDaemon{
		clock:    core.NewManualClock(testStart),
		keys:     keys,
		attester: CreateMockEnclave(t),
	}
	d.scheduler = mempool.NewScheduler(mempool.NewCommitmentPool(), mempool.WithClock(d.clock))
	d.house = bundle.NewHouse(ledger.NewMemory(), bundle.WithClock(d.clock))
	d.sweeper = NewSweeper(d.scheduler, d.house, keys, d.attester, windows)

	cfg := DefaultConfig()
	cfg.MaxWorkers = 2
	cfg.RequestTimeout = 5 * time.Second
	d.server = NewEnclaveServer(cfg, d.scheduler, d.house, keys, d.attester, d.sweeper)
	d.server.clock = d.clock
	return d
}

func newTx(id byte, chainID, bid, gas uint64) core.AuctionTransaction {
	return core.NewAuctionTransaction(core.Hash{id}, chainID, bid, gas, 100, "addr", testStart)
}

func testBundle(id string) bundle.BundleInfo {
	b := bundle.BundleInfo{
		BundleID:        id,
		BundleType:      bundle.BundleTypeTransaction,
		DataHash:        "hash123",
		SizeBytes:       1000,
		ComplexityScore: 0.5,
		PriorityLevel:   1,
		ExpiryTime:      testStart.Add(24 * time.Hour),
		CreatorID:       "creator1",
	}
	b.Seal()
	return b
}

// failAttestOnce makes the next Attest call on d fail and later calls succeed.
func failAttestOnce(t *testing.T, d *testDaemon) {
	t.Helper()
	working := d.attester.AttestFunc
	var failed bool
	d.attester.AttestFunc = func(options enclave.AttestationOptions) ([]byte, error) {
		if !failed {
			failed = true
			return nil, fmt.Errorf("nsm device busy")
		}
		return working(options)
	}
}
