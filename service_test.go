package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpcomp/ynab-splitwise-importer/config"
	"github.com/helpcomp/ynab-splitwise-importer/reconcile"
	"github.com/helpcomp/ynab-splitwise-importer/splitwise"
	"github.com/helpcomp/ynab-splitwise-importer/store"
	"github.com/helpcomp/ynab-splitwise-importer/ynab"
)

const testUserID = int64(7)

type fakeSource struct {
	expenses    []splitwise.Expense
	settlements []splitwise.Expense
}

func (f *fakeSource) CurrentUser(context.Context) (int64, error) { return testUserID, nil }

func (f *fakeSource) Expenses(_ context.Context, _ int64, datedAfter time.Time, _ int) ([]splitwise.Expense, error) {
	var out []splitwise.Expense
	for _, e := range f.expenses {
		if e.Date.After(datedAfter) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) Settlements(context.Context, int64, int) ([]splitwise.Expense, error) {
	return f.settlements, nil
}

type fakeSink struct {
	categories []ynab.Category
	createErr  error

	created []reconcile.Draft
}

func (f *fakeSink) CachedCategories(context.Context, string) ([]ynab.Category, error) {
	return f.categories, nil
}

func (f *fakeSink) CreateTransaction(_ context.Context, _, _, _ string, draft reconcile.Draft) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, draft)
	return "txn-1", nil
}

type fakeStore struct {
	processed map[string]string
	lastDate  time.Time
	hasDate   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{processed: make(map[string]string)}
}

func (f *fakeStore) ProcessedSettlement(_ context.Context, hash string) (string, bool, error) {
	txn, ok := f.processed[hash]
	return txn, ok, nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, hash, txnID string) error {
	if _, ok := f.processed[hash]; ok {
		return store.ErrDuplicateSettlement
	}
	f.processed[hash] = txnID
	return nil
}

func (f *fakeStore) LastSettlementDate(context.Context) (time.Time, bool, error) {
	return f.lastDate, f.hasDate, nil
}

func (f *fakeStore) SetLastSettlementDate(_ context.Context, t time.Time) error {
	f.lastDate, f.hasDate = t, true
	return nil
}

// fakeCategorizer assigns every line the same category, or flags the
// descriptions listed in flag for review.
type fakeCategorizer struct {
	flag map[string]bool
}

func (f *fakeCategorizer) Categorize(_ context.Context, lines []reconcile.AllocationLine, _ []ynab.Category) ([]reconcile.AllocationLine, error) {
	out := make([]reconcile.AllocationLine, len(lines))
	copy(out, lines)
	for i := range out {
		if f.flag[out[i].Description] {
			out[i].Confidence = 0
			out[i].NeedsReview = true
			continue
		}
		out[i].CategoryID = "cat-1"
		out[i].CategoryName = "Food > Groceries"
		out[i].Confidence = 0.95
	}
	return out, nil
}

func (f *fakeCategorizer) Override(_ context.Context, line reconcile.AllocationLine, categoryID string, _ []ynab.Category) (reconcile.AllocationLine, error) {
	line.CategoryID = categoryID
	line.Confidence = 1
	line.NeedsReview = false
	return line, nil
}

func share(paid, owed string) splitwise.UserShare {
	return splitwise.UserShare{
		UserID:    testUserID,
		PaidShare: decimal.RequireFromString(paid),
		OwedShare: decimal.RequireFromString(owed),
	}
}

func expense(id int64, desc string, daysAgo int, cost string, s splitwise.UserShare) splitwise.Expense {
	return splitwise.Expense{
		ID:          id,
		Description: desc,
		Date:        time.Now().AddDate(0, 0, -daysAgo),
		Cost:        decimal.RequireFromString(cost),
		Users:       []splitwise.UserShare{s},
	}
}

func payment(id int64, daysAgo int, cost string, s splitwise.UserShare) splitwise.Expense {
	e := expense(id, "Payment", daysAgo, cost, s)
	e.Payment = true
	return e
}

func newTestApp(src *fakeSource, sink *fakeSink, st *fakeStore, cat Categorizer) *SettlementApp {
	cfg := config.InitConfig("does-not-exist.yml")
	return NewSettlementApp(src, sink, st, cat, cfg, 42, "budget-1", "account-1", "Venmo", false)
}

// The viewer paid 30.00 of a 30.00 expense owing half, and owes 5.00 on a
// second expense, netting +10.00; the counterparty's 10.00 payment settles
// it exactly.
func balancedFixture() *fakeSource {
	return &fakeSource{
		expenses: []splitwise.Expense{
			expense(1, "Whole Foods", 5, "30.00", share("30.00", "15.00")),
			expense(2, "Thai takeout", 3, "10.00", share("0", "5.00")),
		},
		settlements: []splitwise.Expense{
			payment(9, 1, "10.00", share("0", "10.00")),
		},
	}
}

func TestProcessLatestSettlementPosts(t *testing.T) {
	src := balancedFixture()
	sink := &fakeSink{}
	st := newFakeStore()
	app := newTestApp(src, sink, st, &fakeCategorizer{})

	require.NoError(t, app.ProcessLatestSettlement(context.Background()))

	require.Len(t, sink.created, 1)
	draft := sink.created[0]
	assert.EqualValues(t, 10000, draft.Total)
	require.Len(t, draft.Lines, 2)
	assert.EqualValues(t, 15000, draft.Lines[0].Amount)
	assert.EqualValues(t, -5000, draft.Lines[1].Amount)
	assert.Equal(t, "cat-1", draft.Lines[0].CategoryID)

	txn, ok, err := st.ProcessedSettlement(context.Background(), draft.Hash())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "txn-1", txn)
	assert.True(t, st.hasDate)
}

func TestProcessLatestSettlementSkipsProcessed(t *testing.T) {
	src := balancedFixture()
	sink := &fakeSink{}
	st := newFakeStore()
	app := newTestApp(src, sink, st, &fakeCategorizer{})

	require.NoError(t, app.ProcessLatestSettlement(context.Background()))
	require.Len(t, sink.created, 1)

	// Second pass over the same settlement must not post again.
	require.NoError(t, app.ProcessLatestSettlement(context.Background()))
	assert.Len(t, sink.created, 1)
}

// A crash between recording the draft hash and advancing the run state must
// still be caught by the hash gate on the next pass.
func TestProcessLatestSettlementHashGate(t *testing.T) {
	src := balancedFixture()
	sink := &fakeSink{}
	st := newFakeStore()
	app := newTestApp(src, sink, st, &fakeCategorizer{})

	require.NoError(t, app.ProcessLatestSettlement(context.Background()))
	require.Len(t, sink.created, 1)

	st.hasDate = false

	require.NoError(t, app.ProcessLatestSettlement(context.Background()))
	assert.Len(t, sink.created, 1)
}

func TestProcessLatestSettlementHoldsUnresolvedDraft(t *testing.T) {
	src := balancedFixture()
	sink := &fakeSink{}
	st := newFakeStore()
	app := newTestApp(src, sink, st, &fakeCategorizer{flag: map[string]bool{"Thai takeout": true}})

	require.NoError(t, app.ProcessLatestSettlement(context.Background()))

	assert.Empty(t, sink.created)
	assert.Empty(t, st.processed)
}

func TestProcessLatestSettlementFailsClosedOnMismatch(t *testing.T) {
	src := balancedFixture()
	// Counterparty paid far more than the viewer is owed.
	src.settlements = []splitwise.Expense{
		payment(9, 1, "99.00", share("0", "99.00")),
	}
	sink := &fakeSink{}
	app := newTestApp(src, sink, newFakeStore(), &fakeCategorizer{})

	err := app.ProcessLatestSettlement(context.Background())
	var mErr *reconcile.MismatchError
	require.ErrorAs(t, err, &mErr)
	assert.EqualValues(t, 99000, mErr.Expected)
	assert.Empty(t, sink.created)
}

func TestProcessLatestSettlementNoSettlements(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{}
	app := newTestApp(src, sink, newFakeStore(), &fakeCategorizer{})

	require.NoError(t, app.ProcessLatestSettlement(context.Background()))
	assert.Empty(t, sink.created)
}

func TestProcessLatestSettlementFailedPostNotRecorded(t *testing.T) {
	src := balancedFixture()
	sink := &fakeSink{createErr: errors.New("ynab down")}
	st := newFakeStore()
	app := newTestApp(src, sink, st, &fakeCategorizer{})

	err := app.ProcessLatestSettlement(context.Background())
	require.Error(t, err)
	assert.Empty(t, st.processed)
}

func TestProcessLatestSettlementDryRun(t *testing.T) {
	src := balancedFixture()
	sink := &fakeSink{}
	st := newFakeStore()
	app := newTestApp(src, sink, st, &fakeCategorizer{})
	app.dryRun = true

	require.NoError(t, app.ProcessLatestSettlement(context.Background()))
	assert.Empty(t, sink.created)
	assert.Empty(t, st.processed)
}

func TestApplyOverrideResolvesLine(t *testing.T) {
	sink := &fakeSink{categories: []ynab.Category{{ID: "cat-2", Name: "Dining Out", GroupName: "Food"}}}
	app := newTestApp(&fakeSource{}, sink, newFakeStore(), &fakeCategorizer{})

	draft := reconcile.Draft{
		SettlementDate: time.Now(),
		Total:          5000,
		Lines: []reconcile.AllocationLine{
			{ExpenseID: 1, Description: "mystery charge", Amount: 5000, NeedsReview: true},
		},
	}
	require.False(t, draft.Resolved())

	updated, err := app.ApplyOverride(context.Background(), draft, 1, "cat-2")
	require.NoError(t, err)
	assert.True(t, updated.Resolved())
	assert.Equal(t, "cat-2", updated.Lines[0].CategoryID)

	// Overriding is keyed by expense; an unknown expense is an error.
	_, err = app.ApplyOverride(context.Background(), updated, 99, "cat-2")
	assert.Error(t, err)
}
