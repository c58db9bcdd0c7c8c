// Package ledger is the durable evidence store: normalized event envelopes
// with their causal edges, plus the decision, session and snapshot records
// that make up an agent's working memory.
//
// Every call honors one degraded-mode contract: while storage is disabled
// or not initialized it returns ErrUnavailable and touches nothing.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/clock"
	"github.com/leonletto/panebus/internal/safedb"
	"github.com/leonletto/panebus/internal/schema"
)

// Options configures a Store.
type Options struct {
	// Enabled=false builds a store that reports ErrUnavailable everywhere.
	Enabled bool
	// Path of the SQLite file. Empty opens a private in-memory database.
	Path   string
	Logger *zap.Logger
	Clock  clock.Clock
}

// Store owns the ledger database connection.
type Store struct {
	opts   Options
	logger *zap.Logger
	clock  clock.Clock

	mu sync.RWMutex
	db *safedb.DB
}

// NewStore builds a store. Call Init before use.
func NewStore(opts Options) *Store {
	s := &Store{opts: opts, logger: opts.Logger, clock: opts.Clock}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	return s
}

// NewStoreWithDB wraps an already-migrated database. The store is available
// immediately.
func NewStoreWithDB(db *sql.DB, opts Options) *Store {
	opts.Enabled = true
	s := NewStore(opts)
	s.db = safedb.New(db)
	return s
}

// Init opens and migrates the database. A disabled store returns
// ErrUnavailable.
func (s *Store) Init(ctx context.Context) error {
	if !s.opts.Enabled {
		return ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if s.opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o750); err != nil {
			return &DBError{Op: "init", Err: err}
		}
	}
	raw, err := schema.OpenDB(s.opts.Path)
	if err != nil {
		s.logger.Warn("ledger open failed", zap.String("path", s.opts.Path), zap.Error(err))
		return &DBError{Op: "open", Err: err}
	}
	if err := ctx.Err(); err != nil {
		_ = raw.Close()
		return &DBError{Op: "init", Err: err}
	}
	if err := schema.Migrate(raw); err != nil {
		_ = raw.Close()
		s.logger.Warn("ledger migrate failed", zap.String("path", s.opts.Path), zap.Error(err))
		return &DBError{Op: "migrate", Err: err}
	}
	s.db = safedb.New(raw)
	s.logger.Debug("ledger initialized", zap.String("path", s.opts.Path))
	return nil
}

// Close releases the database. The store is unavailable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// IsAvailable reports whether the store can serve calls.
func (s *Store) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// conn returns the live database or ErrUnavailable.
func (s *Store) conn() (*safedb.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrUnavailable
	}
	return s.db, nil
}

func (s *Store) nowMs() int64 {
	return clock.NowMs(s.clock)
}

// withTx runs fn in a write transaction and classifies its error.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.WithTx(ctx, fn); err != nil {
		return wrapDB(op, err)
	}
	return nil
}

// withReadTx runs fn in a read transaction for a consistent view.
func (s *Store) withReadTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.WithReadTx(ctx, fn); err != nil {
		return wrapDB(op, err)
	}
	return nil
}

// parseJSONMap decodes a stored JSON object; malformed text yields an empty
// map.
func parseJSONMap(text string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// parseJSONStrings decodes a stored JSON string array; malformed text
// yields an empty slice.
func parseJSONStrings(text string) []string {
	var out []string
	if err := json.Unmarshal([]byte(text), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func mustJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
