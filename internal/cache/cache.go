// Package cache keeps a per-user encrypted copy of decrypted conversations and
// messages on disk, with a decrypted in-memory overlay in front of it.
//
// Records are sealed with a key derived from the user's public key. That key
// is not secret, so the cache only protects against casual inspection of the
// disk; it is not a substitute for the NIP-44 layer.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/nostrdm/internal/model"
	"go.uber.org/zap"
)

// DefaultTTL is how long a record survives without being refreshed.
const DefaultTTL = 30 * 24 * time.Hour

// ErrUnavailable is returned when the cache is not open.
var ErrUnavailable = errors.New("cache unavailable")

// Options tunes a cache. Zero values fall back to defaults.
type Options struct {
	TTL    time.Duration
	Logger *zap.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Cache is the encrypted store of one user.
type Cache struct {
	owner  string
	path   string
	opts   Options
	logger *zap.Logger

	mu          sync.RWMutex
	db          *sql.DB
	cipher      *recordCipher
	messages    map[string][]model.Message
	convs       map[string]model.Conversation
	convsLoaded bool
}

// FileName returns the database file name used for pubkey.
func FileName(pubkey string) string {
	prefix := pubkey
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return "cache-" + prefix + ".db"
}

// Open opens (creating if needed) the cache of pubkey under dir, applies
// pending schema and data migrations and evicts expired records.
func Open(ctx context.Context, dir, pubkey string, opts Options) (*Cache, error) {
	if pubkey == "" {
		return nil, errors.New("cache: empty pubkey")
	}
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	path := filepath.Join(dir, FileName(pubkey))
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	result, err := migrateSchema(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		opts.Logger.Info("cache schema migrated", zap.Uint("version", result.Version))
	}

	rc, err := newRecordCipher(deriveKey(pubkey))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c := &Cache{
		owner:    pubkey,
		path:     path,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("cache", FileName(pubkey))),
		db:       db,
		cipher:   rc,
		messages: make(map[string][]model.Message),
		convs:    make(map[string]model.Conversation),
	}
	if err := c.runDataMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.evictExpired(ctx); err != nil {
		c.logger.Warn("evict expired records", zap.Error(err))
	}
	return c, nil
}

// Owner returns the pubkey the cache belongs to.
func (c *Cache) Owner() string { return c.owner }

func (c *Cache) nowMillis() int64 { return c.opts.Now().UnixMilli() }

// dataMigration is a one-time fix applied to existing records.
type dataMigration struct {
	key   string
	apply func(ctx context.Context, tx *sql.Tx, owner string) error
}

var dataMigrations = []dataMigration{
	{
		// Early senders stored their own copies under their own pubkey.
		key: "purge_self_conversation_v1",
		apply: func(ctx context.Context, tx *sql.Tx, owner string) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, owner); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE pubkey = ?`, owner)
			return err
		},
	},
}

func (c *Cache) runDataMigrations(ctx context.Context) error {
	for _, m := range dataMigrations {
		var applied string
		err := c.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = ?`, m.key).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read cache_meta: %w", err)
		}

		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := m.apply(ctx, tx, c.owner); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("data migration %s: %w", m.key, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cache_meta (key, value) VALUES (?, ?)`,
			m.key, strconv.FormatInt(c.nowMillis(), 10)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record data migration %s: %w", m.key, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		c.logger.Info("applied data migration", zap.String("migration", m.key))
	}
	return nil
}

func (c *Cache) evictExpired(ctx context.Context) error {
	cutoff := c.opts.Now().Add(-c.opts.TTL).UnixMilli()
	res, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE cached_at < ?`, cutoff)
	if err != nil {
		return err
	}
	msgs, _ := res.RowsAffected()
	res, err = c.db.ExecContext(ctx, `DELETE FROM conversations WHERE cached_at < ?`, cutoff)
	if err != nil {
		return err
	}
	convs, _ := res.RowsAffected()
	if msgs > 0 || convs > 0 {
		c.logger.Info("evicted expired records", zap.Int64("messages", msgs), zap.Int64("conversations", convs))
	}
	return nil
}

type sealedRecord struct {
	key       string
	group     string
	createdAt int64
	ct, iv    []byte
}

// CacheMessages stores msgs and merges them into any loaded overlay.
// Self-to-self artifacts are never stored.
func (c *Cache) CacheMessages(ctx context.Context, msgs []model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return ErrUnavailable
	}

	byConv := make(map[string][]model.Message)
	records := make([]sealedRecord, 0, len(msgs))
	for _, m := range msgs {
		if m.IsSelfToSelf(c.owner) || m.ID == "" {
			continue
		}
		conv := m.Counterpart(c.owner)
		ct, iv, err := c.cipher.seal(m)
		if err != nil {
			return err
		}
		records = append(records, sealedRecord{key: m.ID, group: conv, createdAt: m.CreatedAt, ct: ct, iv: iv})
		byConv[conv] = append(byConv[conv], m)
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := c.nowMillis()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, created_at, ciphertext, iv, cached_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				conversation_id = excluded.conversation_id,
				created_at = excluded.created_at,
				ciphertext = excluded.ciphertext,
				iv = excluded.iv,
				cached_at = excluded.cached_at`,
			r.key, r.group, r.createdAt, r.ct, r.iv, now); err != nil {
			return fmt.Errorf("store message %s: %w", r.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}

	for conv, incoming := range byConv {
		if existing, ok := c.messages[conv]; ok {
			c.messages[conv] = model.MergeMessages(existing, incoming)
		}
	}
	return nil
}

// GetMessages returns the cached conversation with other, oldest first.
func (c *Cache) GetMessages(ctx context.Context, other string) ([]model.Message, error) {
	c.mu.RLock()
	if c.db == nil {
		c.mu.RUnlock()
		return nil, ErrUnavailable
	}
	if msgs, ok := c.messages[other]; ok {
		out := append([]model.Message(nil), msgs...)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, ErrUnavailable
	}
	if msgs, ok := c.messages[other]; ok {
		return append([]model.Message(nil), msgs...), nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, ciphertext, iv FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC`, other)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			id     string
			ct, iv []byte
		)
		if err := rows.Scan(&id, &ct, &iv); err != nil {
			return nil, err
		}
		var m model.Message
		if err := c.cipher.open(ct, iv, &m); err != nil {
			c.logger.Warn("skipping unreadable message record", zap.String("id", id), zap.Error(err))
			continue
		}
		if !m.BelongsTo(c.owner, other) {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	model.SortMessages(msgs)
	c.messages[other] = msgs
	return append([]model.Message(nil), msgs...), nil
}

// GetConversations returns cached conversations, newest first.
func (c *Cache) GetConversations(ctx context.Context) ([]model.Conversation, error) {
	c.mu.RLock()
	if c.db == nil {
		c.mu.RUnlock()
		return nil, ErrUnavailable
	}
	if c.convsLoaded {
		out := c.conversationList()
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, ErrUnavailable
	}
	if c.convsLoaded {
		return c.conversationList(), nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT pubkey, ciphertext, iv FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	loaded := make(map[string]model.Conversation)
	for rows.Next() {
		var (
			pubkey string
			ct, iv []byte
		)
		if err := rows.Scan(&pubkey, &ct, &iv); err != nil {
			return nil, err
		}
		var conv model.Conversation
		if err := c.cipher.open(ct, iv, &conv); err != nil {
			c.logger.Warn("skipping unreadable conversation record", zap.String("pubkey", pubkey), zap.Error(err))
			continue
		}
		if conv.Pubkey == c.owner || conv.Pubkey == "" {
			continue
		}
		loaded[conv.Pubkey] = conv
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for k, v := range c.convs {
		loaded[k] = v
	}
	c.convs = loaded
	c.convsLoaded = true
	return c.conversationList(), nil
}

// conversationList must be called with c.mu held.
func (c *Cache) conversationList() []model.Conversation {
	out := make([]model.Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, conv)
	}
	model.SortConversations(out)
	return out
}

// CacheConversations upserts convs.
func (c *Cache) CacheConversations(ctx context.Context, convs []model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeConversations(ctx, convs)
}

// UpdateConversation upserts a single conversation and updates its overlay entry.
func (c *Cache) UpdateConversation(ctx context.Context, conv model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeConversations(ctx, []model.Conversation{conv})
}

func (c *Cache) storeConversations(ctx context.Context, convs []model.Conversation) error {
	if c.db == nil {
		return ErrUnavailable
	}
	records := make([]sealedRecord, 0, len(convs))
	for _, conv := range convs {
		if conv.Pubkey == "" || conv.Pubkey == c.owner {
			continue
		}
		ct, iv, err := c.cipher.seal(conv)
		if err != nil {
			return err
		}
		records = append(records, sealedRecord{key: conv.Pubkey, createdAt: conv.LastMessageAt, ct: ct, iv: iv})
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := c.nowMillis()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (pubkey, last_message_at, ciphertext, iv, cached_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(pubkey) DO UPDATE SET
				last_message_at = excluded.last_message_at,
				ciphertext = excluded.ciphertext,
				iv = excluded.iv,
				cached_at = excluded.cached_at`,
			r.key, r.createdAt, r.ct, r.iv, now); err != nil {
			return fmt.Errorf("store conversation %s: %w", r.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversations: %w", err)
	}

	for _, conv := range convs {
		if conv.Pubkey == "" || conv.Pubkey == c.owner {
			continue
		}
		c.convs[conv.Pubkey] = conv
	}
	return nil
}

// Checkpoint returns the stored sync checkpoint for key, or 0 when unset.
func (c *Cache) Checkpoint(ctx context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return 0, ErrUnavailable
	}
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// SetCheckpoint records a sync checkpoint value.
func (c *Cache) SetCheckpoint(ctx context.Context, key string, value int64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return ErrUnavailable
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(value, 10), c.nowMillis())
	return err
}

// Counts returns the number of stored messages and conversations.
func (c *Cache) Counts(ctx context.Context) (messages, conversations int64, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return 0, 0, ErrUnavailable
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return 0, 0, err
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&conversations); err != nil {
		return 0, 0, err
	}
	return messages, conversations, nil
}

// ClearCache wipes every record of the user, closes the store and discards
// the derived key. The cache is unusable afterwards.
func (c *Cache) ClearCache(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}

	var errs []error
	for _, table := range []string{"messages", "conversations", "sync_state"} {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", table, err))
		}
	}
	c.dropLocked()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(c.path + suffix); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the store handle and forgets the key.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	c.dropLocked()
	return nil
}

// dropLocked closes the database and clears every in-memory secret.
func (c *Cache) dropLocked() {
	if err := c.db.Close(); err != nil {
		c.logger.Warn("close cache db", zap.Error(err))
	}
	c.db = nil
	c.cipher = nil
	c.messages = make(map[string][]model.Message)
	c.convs = make(map[string]model.Conversation)
	c.convsLoaded = false
}
