// Package rollcache is the bbolt-backed rolling candle and ATR cache: a
// bounded ring buffer of recent closed candles per symbol/interval, and a
// small keyed cache of last-computed ATR values, both persisted across
// restarts so the strategy surface doesn't need to replay a full warm-up
// window after every process restart.
package rollcache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"binance-lifecycle-engine/internal/strategy"
)

const (
	candlesBucket = "candles"
	atrBucket     = "atr_cache"

	// maxRingLength bounds how many candles Put retains per symbol/interval;
	// older entries are pruned so the cache stays a rolling window rather
	// than an unbounded history.
	maxRingLength = 500
)

// Cache is the rolling candle/ATR store.
type Cache struct {
	db *bbolt.DB
}

// New opens (creating if absent) the bbolt database under dataPath.
func New(dataPath string) (*Cache, error) {
	dbPath := filepath.Join(dataPath, "rollcache.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("rollcache: open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(candlesBucket)); err != nil {
			return fmt.Errorf("rollcache: create candles bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(atrBucket)); err != nil {
			return fmt.Errorf("rollcache: create atr bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func ringKey(symbol, interval string) []byte {
	return []byte(symbol + "|" + interval)
}

// PutCandle appends one closed candle to the symbol/interval ring,
// pruning the oldest entries past maxRingLength.
func (c *Cache) PutCandle(symbol, interval string, candle strategy.Candle) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(candlesBucket))
		key := ringKey(symbol, interval)

		var ring []strategy.Candle
		if existing := b.Get(key); existing != nil {
			if err := json.Unmarshal(existing, &ring); err != nil {
				return fmt.Errorf("rollcache: decode ring %s: %w", key, err)
			}
		}
		ring = append(ring, candle)
		if len(ring) > maxRingLength {
			ring = ring[len(ring)-maxRingLength:]
		}

		data, err := json.Marshal(ring)
		if err != nil {
			return fmt.Errorf("rollcache: encode ring %s: %w", key, err)
		}
		return b.Put(key, data)
	})
}

// Candles returns the persisted ring for symbol/interval, oldest first.
func (c *Cache) Candles(symbol, interval string) ([]strategy.Candle, error) {
	var ring []strategy.Candle
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(candlesBucket))
		data := b.Get(ringKey(symbol, interval))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ring)
	})
	return ring, err
}

// ATREntry is one cached ATR computation.
type ATREntry struct {
	Value     float64   `json:"value"`
	Period    int       `json:"period"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PutATR stores the last-computed ATR value for symbol/interval.
func (c *Cache) PutATR(symbol, interval string, entry ATREntry) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(atrBucket))
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("rollcache: encode atr entry: %w", err)
		}
		return b.Put(ringKey(symbol, interval), data)
	})
}

// ATR returns the cached ATR entry for symbol/interval, or false if absent.
func (c *Cache) ATR(symbol, interval string) (ATREntry, bool, error) {
	var entry ATREntry
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(atrBucket))
		data := b.Get(ringKey(symbol, interval))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}
