// Package blocks maps between block numbers and timestamps, backed by a
// persistent cache shared by every chain.
package blocks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const defaultMemorySize = 10_000

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	chain_id  INTEGER NOT NULL,
	number    INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (chain_id, number)
);
CREATE INDEX IF NOT EXISTS blocks_chain_timestamp ON blocks (chain_id, timestamp);
`

// Entry is a cached block.
type Entry struct {
	Number    uint64
	Timestamp time.Time
}

type entryKey struct {
	chainID int64
	number  uint64
}

// Cache stores block timestamps in sqlite with an in-memory LRU in front.
type Cache struct {
	db     *sql.DB
	memory *lru.Cache[entryKey, time.Time]
	logger zerolog.Logger
}

// OpenCache opens or creates the cache at path. ":memory:" keeps it in RAM.
func OpenCache(path string, memorySize int, logger zerolog.Logger) (*Cache, error) {
	if memorySize <= 0 {
		memorySize = defaultMemorySize
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open block cache %s: %w", path, err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create block cache schema: %w", err)
	}

	memory, err := lru.New[entryKey, time.Time](memorySize)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger = logger.With().Str("component", "block_cache").Logger()
	logger.Info().Str("path", path).Msg("Opened block cache")

	return &Cache{db: db, memory: memory, logger: logger}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached timestamp of a block.
func (c *Cache) Get(ctx context.Context, chainID int64, number uint64) (time.Time, bool, error) {
	key := entryKey{chainID, number}
	if ts, ok := c.memory.Get(key); ok {
		return ts, true, nil
	}

	var unix int64
	err := c.db.QueryRowContext(ctx,
		`SELECT timestamp FROM blocks WHERE chain_id = ? AND number = ?`,
		chainID, int64(number)).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read block %d: %w", number, err)
	}

	ts := time.Unix(unix, 0).UTC()
	c.memory.Add(key, ts)
	return ts, true, nil
}

// Put records a block's timestamp. Existing entries are overwritten.
func (c *Cache) Put(ctx context.Context, chainID int64, number uint64, ts time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO blocks (chain_id, number, timestamp) VALUES (?, ?, ?)
		 ON CONFLICT (chain_id, number) DO UPDATE SET timestamp = excluded.timestamp`,
		chainID, int64(number), ts.Unix())
	if err != nil {
		return fmt.Errorf("write block %d: %w", number, err)
	}
	c.memory.Add(entryKey{chainID, number}, ts.UTC())
	return nil
}

// NearestBefore returns the newest cached block strictly earlier than ts.
func (c *Cache) NearestBefore(ctx context.Context, chainID int64, ts time.Time) (Entry, bool, error) {
	return c.nearest(ctx,
		`SELECT number, timestamp FROM blocks WHERE chain_id = ? AND timestamp < ?
		 ORDER BY timestamp DESC, number DESC LIMIT 1`, chainID, ts)
}

// NearestAfter returns the oldest cached block at or after ts.
func (c *Cache) NearestAfter(ctx context.Context, chainID int64, ts time.Time) (Entry, bool, error) {
	return c.nearest(ctx,
		`SELECT number, timestamp FROM blocks WHERE chain_id = ? AND timestamp >= ?
		 ORDER BY timestamp ASC, number ASC LIMIT 1`, chainID, ts)
}

func (c *Cache) nearest(ctx context.Context, query string, chainID int64, ts time.Time) (Entry, bool, error) {
	var number, unix int64
	err := c.db.QueryRowContext(ctx, query, chainID, ts.Unix()).Scan(&number, &unix)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("query nearest block: %w", err)
	}
	return Entry{Number: uint64(number), Timestamp: time.Unix(unix, 0).UTC()}, true, nil
}
