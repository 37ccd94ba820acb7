// Package store archives sealed window results and bundle settlements in SQL.
// Bodies are deterministic CBOR, addressed by a CIDv1 over the body.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/echa/log"
	"github.com/fxamacker/cbor/v2"
	cid "github.com/ipfs/go-cid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"

	"github.com/cloudx-io/auctionpool/core"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DefaultTimeout bounds archive writes made through the Archiver interfaces.
const DefaultTimeout = 5 * time.Second

var bodyPrefix = cid.Prefix{
	Version:  1,
	Codec:    uint64(multicodec.Cbor),
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// Store is a SQL-backed archive.
type Store struct {
	db      *sql.DB
	driver  string
	enc     cbor.EncMode
	timeout time.Duration
}

// Open connects to dsn with driver (sqlite3 or postgres) and creates the schema.
func Open(driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if driver == DriverSQLite {
		// Serialize writers on the single sqlite file
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cbor encoder: %w", err)
	}

	s := &Store{db: db, driver: driver, enc: enc, timeout: DefaultTimeout}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Infof("Opened %s archive", driver)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.driver == DriverPostgres {
		blob = "BYTEA"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS window_results (
			window_id BIGINT PRIMARY KEY,
			cid TEXT NOT NULL UNIQUE,
			auction_type TEXT NOT NULL,
			winner_count INTEGER NOT NULL,
			total_revenue BIGINT NOT NULL,
			total_gas_used BIGINT NOT NULL,
			partner_share BIGINT NOT NULL,
			merkle_root TEXT NOT NULL,
			winners_root TEXT NOT NULL,
			sealed_at BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS partner_distributions (
			window_id BIGINT NOT NULL,
			chain_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			PRIMARY KEY (window_id, chain_id)
		)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			auction_id TEXT PRIMARY KEY,
			cid TEXT NOT NULL UNIQUE,
			bundle_id TEXT NOT NULL,
			bundle_type TEXT NOT NULL,
			status TEXT NOT NULL,
			winner TEXT NOT NULL,
			final_price BIGINT NOT NULL,
			total_fees BIGINT NOT NULL,
			settled_at BIGINT NOT NULL,
			body ` + blob + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_window_results_sealed ON window_results(sealed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_settled ON settlements(settled_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// encode returns the deterministic CBOR body of v and its content id.
func (s *Store) encode(v any) ([]byte, cid.Cid, error) {
	body, err := s.enc.Marshal(v)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("encoding body: %w", err)
	}
	c, err := bodyPrefix.Sum(body)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("computing cid: %w", err)
	}
	return body, c, nil
}

// ContentID returns the CID the archive assigns to the CBOR encoding of v.
func (s *Store) ContentID(v any) (cid.Cid, error) {
	_, c, err := s.encode(v)
	return c, err
}

// Body returns the archived body addressed by c, from either table.
func (s *Store) Body(ctx context.Context, c cid.Cid) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT body FROM window_results WHERE cid = ?
		 UNION ALL
		 SELECT body FROM settlements WHERE cid = ?`), c.String(), c.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archived body %s: %w", c, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading body %s: %w", c, err)
	}

	// Re-derive the address so a corrupted row is never returned as valid
	got, err := c.Prefix().Sum(body)
	if err != nil || !got.Equals(c) {
		return nil, fmt.Errorf("archived body %s does not match its cid: %w", c, core.ErrIntegrityViolation)
	}
	return body, nil
}

// rebind rewrites ? placeholders into the driver's syntax.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// ErrAmountOutOfRange is returned for values a signed BIGINT column cannot hold.
var ErrAmountOutOfRange = errors.New("value exceeds BIGINT range")

// checkRange rejects values above math.MaxInt64 before they reach a BIGINT column.
func checkRange(values ...uint64) error {
	for _, v := range values {
		if v > math.MaxInt64 {
			return fmt.Errorf("%d: %w", v, ErrAmountOutOfRange)
		}
	}
	return nil
}

// toInt64 maps a value onto a BIGINT column. Callers run checkRange first.
func toInt64(v uint64) int64 {
	return int64(v)
}
