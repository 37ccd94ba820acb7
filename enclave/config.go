package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/echa/log"
	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/store"
)

// Config is the daemon configuration. It is read from YAML and then overridden by
// AUCTIOND_* environment variables.
type Config struct {
	VsockPort      uint32        `yaml:"vsock_port"`
	MaxWorkers     int           `yaml:"max_workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// Attest requests a nitro attestation for every sealed window
	Attest bool `yaml:"attest"`

	LedgerPath string        `yaml:"ledger_path"`
	Archive    ArchiveConfig `yaml:"archive"`
	Windows    WindowConfig  `yaml:"windows"`

	// Auction holds the defaults for auctions created without a config
	Auction bundle.AuctionConfig `yaml:"auction"`
}

// ArchiveConfig selects the SQL archive. An empty driver disables archiving.
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// WindowConfig describes the windows the sweeper opens on its own.
type WindowConfig struct {
	AutoOpen        bool             `yaml:"auto_open"`
	Duration        time.Duration    `yaml:"duration"`
	MaxTransactions uint32           `yaml:"max_transactions"`
	TotalGasLimit   uint64           `yaml:"total_gas_limit"`
	AuctionType     core.AuctionType `yaml:"auction_type"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		VsockPort:      5000,
		MaxWorkers:     16,
		RequestTimeout: 30 * time.Second,
		SweepInterval:  time.Second,
		LedgerPath:     "ledger.db",
		Archive:        ArchiveConfig{Driver: store.DriverSQLite, DSN: "archive.db"},
		Windows: WindowConfig{
			AutoOpen:        true,
			Duration:        12 * time.Second,
			MaxTransactions: 1000,
			TotalGasLimit:   30_000_000,
			AuctionType:     core.AuctionTypeStandardExecution,
		},
		Auction: bundle.DefaultAuctionConfig(),
	}
}

// LoadConfig reads path over the defaults and applies environment overrides. An empty
// path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("ledger_path is required")
	}
	if c.Windows.AutoOpen {
		if c.Windows.Duration <= 0 || c.Windows.TotalGasLimit == 0 {
			return fmt.Errorf("auto-opened windows need a positive duration and gas limit")
		}
		if !c.Windows.AuctionType.Valid() {
			return fmt.Errorf("unknown window auction type %q", c.Windows.AuctionType)
		}
	}
	if err := c.Auction.Validate(); err != nil {
		return fmt.Errorf("invalid auction defaults: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok, err := getEnvInt("AUCTIOND_VSOCK_PORT"); err != nil {
		return err
	} else if ok {
		c.VsockPort = uint32(v)
	}
	if v, ok, err := getEnvInt("AUCTIOND_MAX_WORKERS"); err != nil {
		return err
	} else if ok {
		c.MaxWorkers = v
	}
	if v, ok, err := getEnvDuration("AUCTIOND_SWEEP_INTERVAL"); err != nil {
		return err
	} else if ok {
		c.SweepInterval = v
	}
	if v, ok, err := getEnvBool("AUCTIOND_ATTEST"); err != nil {
		return err
	} else if ok {
		c.Attest = v
	}
	if v := os.Getenv("AUCTIOND_LEDGER_PATH"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("AUCTIOND_ARCHIVE_DRIVER"); v != "" {
		c.Archive.Driver = v
	}
	if v := os.Getenv("AUCTIOND_ARCHIVE_DSN"); v != "" {
		c.Archive.DSN = v
	}
	return nil
}

// Helper functions for optional environment variable parsing
func getEnvInt(key string) (int, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false, nil
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid value for %s: %s (must be a valid integer)", key, value)
	}

	log.Infof("Using %s=%d from environment", key, intValue)
	return intValue, true, nil
}

func getEnvDuration(key string) (time.Duration, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid value for %s: %s (must be a duration such as 500ms)", key, value)
	}

	log.Infof("Using %s=%s from environment", key, d)
	return d, true, nil
}

func getEnvBool(key string) (bool, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return false, false, nil
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("invalid value for %s: %s (must be true or false)", key, value)
	}

	log.Infof("Using %s=%v from environment", key, b)
	return b, true, nil
}
