package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMappingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.LookupMapping(ctx, "groceries")
	require.NoError(t, err)
	require.Nil(t, m, "lookup on empty cache should be absent")

	require.NoError(t, s.SaveMapping(ctx, Mapping{
		Signature:  "groceries",
		CategoryID: "cat-food",
		Source:     SourceLearned,
		Confidence: 0.92,
	}))

	m, err = s.LookupMapping(ctx, "groceries")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "cat-food", m.CategoryID)
	require.Equal(t, SourceLearned, m.Source)
	require.InDelta(t, 0.92, m.Confidence, 1e-9)
}

func TestMappingUpsertReplacesNonManual(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMapping(ctx, Mapping{Signature: "coffee", CategoryID: "cat-a", Source: SourceRule, Confidence: 1}))
	require.NoError(t, s.SaveMapping(ctx, Mapping{Signature: "coffee", CategoryID: "cat-b", Source: SourceLearned, Confidence: 0.8}))

	m, err := s.LookupMapping(ctx, "coffee")
	require.NoError(t, err)
	require.Equal(t, "cat-b", m.CategoryID)
	require.Equal(t, SourceLearned, m.Source)
}

func TestManualMappingIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMapping(ctx, Mapping{Signature: "rent", CategoryID: "cat-manual", Source: SourceManual, Confidence: 1}))

	// Later rule and learned writes must not downgrade the manual row.
	require.NoError(t, s.SaveMapping(ctx, Mapping{Signature: "rent", CategoryID: "cat-rule", Source: SourceRule, Confidence: 1}))
	require.NoError(t, s.SaveMapping(ctx, Mapping{Signature: "rent", CategoryID: "cat-learned", Source: SourceLearned, Confidence: 0.99}))

	m, err := s.LookupMapping(ctx, "rent")
	require.NoError(t, err)
	require.Equal(t, "cat-manual", m.CategoryID)
	require.Equal(t, SourceManual, m.Source)

	// A second manual write wins over the first.
	require.NoError(t, s.SaveMapping(ctx, Mapping{Signature: "rent", CategoryID: "cat-manual-2", Source: SourceManual, Confidence: 1}))
	m, err = s.LookupMapping(ctx, "rent")
	require.NoError(t, err)
	require.Equal(t, "cat-manual-2", m.CategoryID)
}

func TestEvictMappings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMapping(ctx, Mapping{Signature: "a", CategoryID: "c", Source: SourceLearned}))
	require.NoError(t, s.EvictMappings(ctx))

	m, err := s.LookupMapping(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestMarkProcessedIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.ProcessedSettlement(ctx, "hash-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.MarkProcessed(ctx, "hash-1", "txn-42"))

	txnID, ok, err := s.ProcessedSettlement(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "txn-42", txnID)

	// Second insert with the same hash fails, even with a new txn id.
	err = s.MarkProcessed(ctx, "hash-1", "txn-43")
	require.True(t, errors.Is(err, ErrDuplicateSettlement))

	// The original record is untouched.
	txnID, _, err = s.ProcessedSettlement(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "txn-42", txnID)
}

func TestLastSettlementDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastSettlementDate(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastSettlementDate(ctx, want))

	got, ok, err := s.LastSettlementDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(want), "got %s, want %s", got, want)

	// Advancing overwrites the marker.
	next := want.AddDate(0, 1, 0)
	require.NoError(t, s.SetLastSettlementDate(ctx, next))
	got, _, err = s.LastSettlementDate(ctx)
	require.NoError(t, err)
	require.True(t, got.Equal(next))
}

func TestConcurrentSaveMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			done <- s.SaveMapping(ctx, Mapping{
				Signature:  "shared",
				CategoryID: "cat",
				Source:     SourceLearned,
				Confidence: 0.5,
			})
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	m, err := s.LookupMapping(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, m)
}
