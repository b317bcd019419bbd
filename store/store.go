// Package store persists the two durable tables the reconciler depends on:
// category mappings keyed by normalized expense signature, and processed
// settlements keyed by draft content hash. Both live in a single embedded
// SQLite file alongside a small run-state key/value table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// Mapping sources, in ascending authority. A manual mapping is never
// overwritten by a rule or learned write to the same signature.
const (
	SourceRule    = "rule"
	SourceLearned = "learned"
	SourceManual  = "manual"
)

// ErrDuplicateSettlement is returned when a draft hash has already been
// recorded as processed.
var ErrDuplicateSettlement = errors.New("settlement has already been processed")

const lastSettlementKey = "last_settlement_date"

// Mapping is one cached category assignment for a normalized expense
// signature.
type Mapping struct {
	Signature  string
	CategoryID string
	Source     string
	Confidence float64
	UpdatedAt  time.Time
}

// Store wraps the embedded SQLite database. Writes are serialized through a
// single-writer lock so the classification fan-out can store mappings from
// worker goroutines.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open database without running migrations.
// Intended for tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LookupMapping returns the cached mapping for a signature, or nil when
// absent.
func (s *Store) LookupMapping(ctx context.Context, signature string) (*Mapping, error) {
	m := Mapping{Signature: signature}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT category_id, source, confidence, updated_at
		 FROM category_mappings WHERE signature = ?`,
		signature,
	).Scan(&m.CategoryID, &m.Source, &m.Confidence, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup mapping: %w", err)
	}
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &m, nil
}

// SaveMapping upserts a mapping. A write with source manual replaces any
// earlier row; writes from rule or learned leave an existing manual row
// untouched.
func (s *Store) SaveMapping(ctx context.Context, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO category_mappings (signature, category_id, source, confidence, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(signature) DO UPDATE SET
		     category_id = excluded.category_id,
		     source = excluded.source,
		     confidence = excluded.confidence,
		     updated_at = excluded.updated_at
		 WHERE excluded.source = 'manual' OR category_mappings.source != 'manual'`,
		m.Signature, m.CategoryID, m.Source, m.Confidence, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

// EvictMappings clears the entire mapping cache. Administrative operation;
// confirmation belongs to the caller.
func (s *Store) EvictMappings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM category_mappings`)
	if err != nil {
		return fmt.Errorf("evict mappings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		log.Info().Int64("Evicted", n).Msg("Cleared category mapping cache")
	}
	return nil
}

// ProcessedSettlement returns the YNAB transaction id recorded for a draft
// hash, with ok reporting whether the hash exists.
func (s *Store) ProcessedSettlement(ctx context.Context, draftHash string) (txnID string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT ynab_transaction_id FROM processed_settlements WHERE draft_hash = ?`,
		draftHash,
	).Scan(&txnID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query processed settlement: %w", err)
	}
	return txnID, true, nil
}

// MarkProcessed records a draft hash as applied. The table is append-only
// and unique on the hash; a second insert for the same hash fails with
// ErrDuplicateSettlement even when callers race.
func (s *Store) MarkProcessed(ctx context.Context, draftHash, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_settlements (draft_hash, ynab_transaction_id, applied_at)
		 VALUES (?, ?, ?)`,
		draftHash, txnID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateSettlement
		}
		return fmt.Errorf("mark settlement processed: %w", err)
	}
	return nil
}

// LastSettlementDate returns the date of the most recently applied
// settlement, with ok reporting whether one has been recorded.
func (s *Store) LastSettlementDate(ctx context.Context) (t time.Time, ok bool, err error) {
	var value string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM run_state WHERE key = ?`, lastSettlementKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query run state: %w", err)
	}
	t, err = time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last settlement date: %w", err)
	}
	return t, true, nil
}

// SetLastSettlementDate advances the run-state marker used to scope the next
// expense fetch.
func (s *Store) SetLastSettlementDate(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_state (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     value = excluded.value,
		     updated_at = excluded.updated_at`,
		lastSettlementKey, t.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set last settlement date: %w", err)
	}
	return nil
}
