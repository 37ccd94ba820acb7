package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auctiond.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.NoError(t, err)

	check.Equal(t, uint32(5000), cfg.VsockPort)
	check.Equal(t, 16, cfg.MaxWorkers)
	check.Equal(t, time.Second, cfg.SweepInterval)
	check.Equal(t, store.DriverSQLite, cfg.Archive.Driver)
	check.True(t, cfg.Windows.AutoOpen)
	check.Equal(t, core.AuctionTypeStandardExecution, cfg.Windows.AuctionType)
	check.Equal(t, 2.5, cfg.Auction.FeePercentage)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
vsock_port: 6000
max_workers: 4
sweep_interval: 250ms
attest: true
archive:
  driver: postgres
  dsn: postgres://auction@localhost/archive
windows:
  auto_open: true
  duration: 6s
  max_transactions: 50
  total_gas_limit: 1000000
  auction_type: cross_chain_bridge
auction:
  duration: 10m
  min_bid_amount: 500
  bid_increment: 50
  max_bidders: 10
  fee_percentage: 1.5
`)

	cfg, err := LoadConfig(path)
	assert.NoError(t, err)

	check.Equal(t, uint32(6000), cfg.VsockPort)
	check.Equal(t, 4, cfg.MaxWorkers)
	check.Equal(t, 250*time.Millisecond, cfg.SweepInterval)
	check.True(t, cfg.Attest)
	check.Equal(t, store.DriverPostgres, cfg.Archive.Driver)
	check.Equal(t, 6*time.Second, cfg.Windows.Duration)
	check.Equal(t, uint32(50), cfg.Windows.MaxTransactions)
	check.Equal(t, core.AuctionTypeCrossChainBridge, cfg.Windows.AuctionType)
	check.Equal(t, 10*time.Minute, cfg.Auction.Duration)
	check.Equal(t, uint64(500), cfg.Auction.MinBidAmount)
	check.Equal(t, 1.5, cfg.Auction.FeePercentage)
	// keys absent from the file keep their defaults
	check.Equal(t, "ledger.db", cfg.LedgerPath)
	check.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "max_workers: 4\n")
	t.Setenv("AUCTIOND_MAX_WORKERS", "32")
	t.Setenv("AUCTIOND_VSOCK_PORT", "7000")
	t.Setenv("AUCTIOND_SWEEP_INTERVAL", "2s")
	t.Setenv("AUCTIOND_ATTEST", "true")
	t.Setenv("AUCTIOND_LEDGER_PATH", "/var/lib/auctiond/ledger.db")
	t.Setenv("AUCTIOND_ARCHIVE_DRIVER", store.DriverPostgres)
	t.Setenv("AUCTIOND_ARCHIVE_DSN", "postgres://archive")

	cfg, err := LoadConfig(path)
	assert.NoError(t, err)

	check.Equal(t, 32, cfg.MaxWorkers)
	check.Equal(t, uint32(7000), cfg.VsockPort)
	check.Equal(t, 2*time.Second, cfg.SweepInterval)
	check.True(t, cfg.Attest)
	check.Equal(t, "/var/lib/auctiond/ledger.db", cfg.LedgerPath)
	check.Equal(t, store.DriverPostgres, cfg.Archive.Driver)
	check.Equal(t, "postgres://archive", cfg.Archive.DSN)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("bad env integer", func(t *testing.T) {
		t.Setenv("AUCTIOND_MAX_WORKERS", "many")
		_, err := LoadConfig("")
		check.Error(t, err)
	})

	t.Run("bad env duration", func(t *testing.T) {
		t.Setenv("AUCTIOND_SWEEP_INTERVAL", "soon")
		_, err := LoadConfig("")
		check.Error(t, err)
	})

	t.Run("zero workers", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "max_workers: 0\n"))
		check.Error(t, err)
	})

	t.Run("unknown window auction type", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "windows:\n  auction_type: lottery\n"))
		check.Error(t, err)
	})

	t.Run("fee out of range", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "auction:\n  fee_percentage: 150\n"))
		check.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		check.Error(t, err)
	})
}
