package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/echa/log"

	"github.com/cloudx-io/auctionpool/core"
)

var balancesBucket = []byte("Balances")

// Bolt is a Ledger persisted in a BoltDB file. Each write is a single bolt transaction.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the ledger file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database %s: %w", path, err)
	}

	err = db.Update(func(btx *bolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(balancesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create balances bucket: %w", err)
	}

	log.Infof("Opened ledger database %s", path)
	return &Bolt{db: db}, nil
}

// Close releases the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Balance(account string) (uint64, error) {
	var balance uint64
	err := b.db.View(func(btx *bolt.Tx) error {
		balance = decodeBalance(btx.Bucket(balancesBucket).Get([]byte(account)))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of %s: %w", account, err)
	}
	return balance, nil
}

func (b *Bolt) SetBalance(account string, amount uint64) error {
	return b.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(balancesBucket).Put([]byte(account), encodeBalance(amount))
	})
}

func (b *Bolt) Debit(account string, amount uint64) error {
	return b.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(balancesBucket)
		balance := decodeBalance(bucket.Get([]byte(account)))
		if balance < amount {
			return fmt.Errorf("account %s has %d, needs %d: %w", account, balance, amount, core.ErrInsufficientBalance)
		}
		return bucket.Put([]byte(account), encodeBalance(balance-amount))
	})
}

func (b *Bolt) Credit(account string, amount uint64) error {
	return b.ApplyCredits([]Credit{{Account: account, Amount: amount}})
}

// ApplyCredits writes all credits in one bolt transaction; a returned error rolls it back.
func (b *Bolt) ApplyCredits(credits []Credit) error {
	return b.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(balancesBucket)
		next, err := applyCredits(credits, func(account string) (uint64, error) {
			return decodeBalance(bucket.Get([]byte(account))), nil
		})
		if err != nil {
			return err
		}
		for account, balance := range next {
			if err := bucket.Put([]byte(account), encodeBalance(balance)); err != nil {
				return fmt.Errorf("failed to credit %s: %w", account, err)
			}
		}
		return nil
	})
}

func encodeBalance(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeBalance(buf []byte) uint64 {
	if len(buf) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}
