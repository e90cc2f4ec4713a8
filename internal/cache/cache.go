// Package cache is the persistent key-value store backing the in-memory
// conversation state across process restarts. Timelines and read counts are
// msgpack-encoded under conversation- and user-scoped keys. The server stays
// the source of truth; this is best-effort local caching, and callers treat
// read/write failures as log-and-continue.
package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pveiga/loopd/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Key prefixes. One key per conversation for its timeline, one key per user
// for its read counts.
const (
	timelinePrefix  = "chat_messages_"
	readCountPrefix = "chat_read_counts_"
)

// TimelineKey returns the cache key holding a conversation's timeline.
func TimelineKey(conversationID string) string {
	return timelinePrefix + conversationID
}

// ReadCountsKey returns the cache key holding a user's read counts.
func ReadCountsKey(userID string) string {
	return readCountPrefix + userID
}

// Cache is a SQLite-backed persistent key-value store.
type Cache struct {
	db *sql.DB
}

// Open creates a cache connection with WAL mode and recommended pragmas.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores raw bytes under key, overwriting any previous value.
func (c *Cache) Put(key string, value []byte) error {
	_, err := c.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Get retrieves raw bytes by key. The second return is false on a miss.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete removes a single key. Deleting a missing key is not an error.
func (c *Cache) Delete(key string) error {
	_, err := c.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// DeletePrefix removes every key under the given prefix. Used on logout and
// explicit cache invalidation.
func (c *Cache) DeletePrefix(prefix string) error {
	// Escape LIKE metacharacters so prefixes containing _ stay literal.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	_, err := c.db.Exec(`DELETE FROM kv WHERE key LIKE ? ESCAPE '\'`, escaped+"%")
	return err
}

// PutTimeline persists a conversation's timeline.
func (c *Cache) PutTimeline(conversationID string, msgs []model.Message) error {
	data, err := msgpack.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode timeline: %w", err)
	}
	return c.Put(TimelineKey(conversationID), data)
}

// GetTimeline loads a conversation's timeline. Returns (nil, false, nil) on
// a cache miss.
func (c *Cache) GetTimeline(conversationID string) ([]model.Message, bool, error) {
	data, ok, err := c.Get(TimelineKey(conversationID))
	if err != nil || !ok {
		return nil, false, err
	}
	var msgs []model.Message
	if err := msgpack.Unmarshal(data, &msgs); err != nil {
		return nil, false, fmt.Errorf("decode timeline: %w", err)
	}
	return msgs, true, nil
}

// PutReadCounts persists per-conversation read counts for a user.
func (c *Cache) PutReadCounts(userID string, counts map[string]int) error {
	data, err := msgpack.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode read counts: %w", err)
	}
	return c.Put(ReadCountsKey(userID), data)
}

// GetReadCounts loads per-conversation read counts for a user. Returns
// (nil, false, nil) on a cache miss.
func (c *Cache) GetReadCounts(userID string) (map[string]int, bool, error) {
	data, ok, err := c.Get(ReadCountsKey(userID))
	if err != nil || !ok {
		return nil, false, err
	}
	var counts map[string]int
	if err := msgpack.Unmarshal(data, &counts); err != nil {
		return nil, false, fmt.Errorf("decode read counts: %w", err)
	}
	return counts, true, nil
}
