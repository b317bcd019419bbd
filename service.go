package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helpcomp/ynab-splitwise-importer/config"
	"github.com/helpcomp/ynab-splitwise-importer/ledger"
	"github.com/helpcomp/ynab-splitwise-importer/prom"
	"github.com/helpcomp/ynab-splitwise-importer/reconcile"
	"github.com/helpcomp/ynab-splitwise-importer/splitwise"
	"github.com/helpcomp/ynab-splitwise-importer/store"
	"github.com/helpcomp/ynab-splitwise-importer/ynab"
)

// ExpenseSource supplies the shared-expense records and settlement payments
// in scope for one reconciliation pass.
type ExpenseSource interface {
	CurrentUser(ctx context.Context) (int64, error)
	Expenses(ctx context.Context, groupID int64, datedAfter time.Time, limit int) ([]splitwise.Expense, error)
	Settlements(ctx context.Context, groupID int64, limit int) ([]splitwise.Expense, error)
}

// LedgerSink supplies the category taxonomy and accepts resolved drafts.
type LedgerSink interface {
	CachedCategories(ctx context.Context, budgetID string) ([]ynab.Category, error)
	CreateTransaction(ctx context.Context, budgetID, accountID, payeeName string, draft reconcile.Draft) (string, error)
}

// SettlementStore is the idempotency gate plus the run-state marker.
type SettlementStore interface {
	ProcessedSettlement(ctx context.Context, draftHash string) (string, bool, error)
	MarkProcessed(ctx context.Context, draftHash, txnID string) error
	LastSettlementDate(ctx context.Context) (time.Time, bool, error)
	SetLastSettlementDate(ctx context.Context, t time.Time) error
}

// Categorizer resolves allocation lines to categories.
type Categorizer interface {
	Categorize(ctx context.Context, lines []reconcile.AllocationLine, categories []ynab.Category) ([]reconcile.AllocationLine, error)
	Override(ctx context.Context, line reconcile.AllocationLine, categoryID string, categories []ynab.Category) (reconcile.AllocationLine, error)
}

// SettlementApp sequences one settlement through reconciliation,
// categorization, the idempotency gate, and posting.
type SettlementApp struct {
	splitwise   ExpenseSource
	ynab        LedgerSink
	store       SettlementStore
	categorizer Categorizer
	config      *config.MasterConfig

	groupID   int64
	budgetID  string
	accountID string
	payeeName string
	dryRun    bool
}

func NewSettlementApp(sw ExpenseSource, yn LedgerSink, st SettlementStore, cat Categorizer, cfg *config.MasterConfig, groupID int64, budgetID, accountID, payeeName string, dryRun bool) *SettlementApp {
	return &SettlementApp{
		splitwise:   sw,
		ynab:        yn,
		store:       st,
		categorizer: cat,
		config:      cfg,
		groupID:     groupID,
		budgetID:    budgetID,
		accountID:   accountID,
		payeeName:   payeeName,
		dryRun:      dryRun,
	}
}

// ProcessLatestSettlement runs one full pass over the most recent Splitwise
// settlement. Batch-level failures (precision, mismatch, duplicate) abort
// before any posting side effect; a draft with needs-review lines is logged
// and left unposted for the review flow.
func (a *SettlementApp) ProcessLatestSettlement(ctx context.Context) error {
	userID, err := a.splitwise.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("get current user: %w", err)
	}

	settlements, err := a.splitwise.Settlements(ctx, a.groupID, 2)
	if err != nil {
		return fmt.Errorf("list settlements: %w", err)
	}
	if len(settlements) == 0 {
		log.Info().Int64("GroupID", a.groupID).Msg("No settlements found, nothing to reconcile")
		return nil
	}
	latest := settlements[0]

	// Fast path: run state already covers this settlement.
	if last, ok, err := a.store.LastSettlementDate(ctx); err != nil {
		return fmt.Errorf("read last settlement date: %w", err)
	} else if ok && !latest.Date.After(last) {
		prom.SettlementsSkipped++
		log.Debug().
			Time("SettlementDate", latest.Date).
			Msg("Latest settlement predates run state, skipping")
		return nil
	}

	draft, err := a.buildDraft(ctx, userID, latest, settlements)
	if err != nil {
		return err
	}

	// Idempotency gate. The store is the sole source of truth for
	// "already applied"; consult it before any posting side effect.
	hash := draft.Hash()
	if txnID, done, err := a.store.ProcessedSettlement(ctx, hash); err != nil {
		return fmt.Errorf("check processed settlement: %w", err)
	} else if done {
		prom.SettlementsSkipped++
		log.Info().
			Str("Hash", hash[:8]).
			Str("TransactionID", txnID).
			Msg("Settlement already processed, skipping")
		return nil
	}

	if !draft.Resolved() {
		review := draft.NeedsReview()
		prom.LinesNeedingReview = float64(len(review))
		for _, line := range review {
			log.Warn().
				Int64("ExpenseID", line.ExpenseID).
				Str("Description", line.Description).
				Str("BestGuess", line.CategoryName).
				Float64("Confidence", line.Confidence).
				Msg("⚠️ Line needs review before this settlement can post")
		}
		return nil
	}
	prom.LinesNeedingReview = 0

	if a.dryRun {
		log.Info().
			Int("Lines", len(draft.Lines)).
			Int64("Total", draft.Total).
			Str("Hash", hash[:8]).
			Msg("Dry run - not posting settlement")
		return nil
	}

	return a.post(ctx, draft, latest.Date)
}

// buildDraft reconciles and categorizes the expenses settled by the latest
// payment.
func (a *SettlementApp) buildDraft(ctx context.Context, userID int64, latest splitwise.Expense, settlements []splitwise.Expense) (reconcile.Draft, error) {
	// The settlement amount is the explicit settle-up target: the viewer's
	// net across the settled expenses, negated because the payment
	// discharges it.
	share, ok := latest.Share(userID)
	if !ok {
		return reconcile.Draft{}, fmt.Errorf("user %d is not part of settlement %d", userID, latest.ID)
	}
	paid, err := ledger.ToMilliunits(share.PaidShare)
	if err != nil {
		return reconcile.Draft{}, err
	}
	owed, err := ledger.ToMilliunits(share.OwedShare)
	if err != nil {
		return reconcile.Draft{}, err
	}
	target := -ledger.NetOf(paid, owed)

	// Scope: expenses strictly after the previous settlement (or the last
	// processed date on a fresh group) up to the settlement being applied.
	var since time.Time
	if len(settlements) > 1 {
		since = settlements[1].Date
	} else if last, ok, err := a.store.LastSettlementDate(ctx); err != nil {
		return reconcile.Draft{}, fmt.Errorf("read last settlement date: %w", err)
	} else if ok {
		since = last
	}

	expenses, err := a.splitwise.Expenses(ctx, a.groupID, since, 1000)
	if err != nil {
		return reconcile.Draft{}, fmt.Errorf("list expenses: %w", err)
	}

	var records []reconcile.ExpenseRecord
	for _, e := range expenses {
		if e.Date.After(latest.Date) {
			continue
		}
		share, ok := e.Share(userID)
		if !ok {
			continue
		}
		rec, err := buildRecord(e, share)
		if err != nil {
			// Sub-milliunit precision is unrepresentable; abort the run.
			return reconcile.Draft{}, fmt.Errorf("expense %d: %w", e.ID, err)
		}
		records = append(records, rec)
	}

	log.Info().
		Int("Expenses", len(records)).
		Int64("Target", target).
		Time("SettlementDate", latest.Date).
		Msg("💸 Reconciling settlement")

	lines, err := reconcile.Reconcile(records, target, a.config.Reconcile.TolerancePerLine)
	if err != nil {
		var mErr *reconcile.MismatchError
		if errors.As(err, &mErr) {
			prom.ReconcileFailures++
			log.Error().
				Int64("Residual", mErr.Residual).
				Int64("Expected", mErr.Expected).
				Int64("Actual", mErr.Actual).
				Msg("🚨 Settlement does not reconcile, refusing to post")
		}
		return reconcile.Draft{}, err
	}

	categories, err := a.ynab.CachedCategories(ctx, a.budgetID)
	if err != nil {
		return reconcile.Draft{}, fmt.Errorf("list categories: %w", err)
	}

	lines, err = a.categorizer.Categorize(ctx, lines, categories)
	if err != nil {
		return reconcile.Draft{}, fmt.Errorf("categorize draft: %w", err)
	}

	return reconcile.Draft{
		SettlementDate: latest.Date,
		GroupID:        a.groupID,
		Total:          target,
		Lines:          lines,
	}, nil
}

// post creates the YNAB transaction and only then records the draft hash;
// a failed post must never be marked as done.
func (a *SettlementApp) post(ctx context.Context, draft reconcile.Draft, settledAt time.Time) error {
	txnID, err := a.ynab.CreateTransaction(ctx, a.budgetID, a.accountID, a.payeeName, draft)
	if err != nil {
		prom.ProgramErrors++
		return fmt.Errorf("create transaction: %w", err)
	}

	if err := a.store.MarkProcessed(ctx, draft.Hash(), txnID); err != nil {
		if errors.Is(err, store.ErrDuplicateSettlement) {
			// A concurrent run posted first; surface it rather than
			// pretending this run owns the settlement.
			return fmt.Errorf("settlement %s: %w", draft.SettlementDate.Format(time.DateOnly), err)
		}
		return fmt.Errorf("record processed settlement: %w", err)
	}

	if err := a.store.SetLastSettlementDate(ctx, settledAt); err != nil {
		log.Warn().Err(err).Msg("Could not advance last settlement date")
	}

	prom.SettlementsPosted++
	log.Info().
		Str("TransactionID", txnID).
		Int("Lines", len(draft.Lines)).
		Int64("Total", draft.Total).
		Msg("➕ Successfully posted settlement to YNAB")
	return nil
}

// ListNeedsReview exposes the unresolved lines of a draft to the review
// flow.
func (a *SettlementApp) ListNeedsReview(draft reconcile.Draft) []reconcile.AllocationLine {
	return draft.NeedsReview()
}

// ApplyOverride records a manual category for one draft line and returns the
// updated draft. The manual mapping makes the choice sticky for future runs.
func (a *SettlementApp) ApplyOverride(ctx context.Context, draft reconcile.Draft, expenseID int64, categoryID string) (reconcile.Draft, error) {
	categories, err := a.ynab.CachedCategories(ctx, a.budgetID)
	if err != nil {
		return draft, fmt.Errorf("list categories: %w", err)
	}

	for _, line := range draft.Lines {
		if line.ExpenseID != expenseID {
			continue
		}
		updated, err := a.categorizer.Override(ctx, line, categoryID, categories)
		if err != nil {
			return draft, err
		}
		return draft.WithLine(updated), nil
	}
	return draft, fmt.Errorf("draft has no line for expense %d", expenseID)
}

func buildRecord(e splitwise.Expense, share splitwise.UserShare) (reconcile.ExpenseRecord, error) {
	paid, err := ledger.ToMilliunits(share.PaidShare)
	if err != nil {
		return reconcile.ExpenseRecord{}, err
	}
	owed, err := ledger.ToMilliunits(share.OwedShare)
	if err != nil {
		return reconcile.ExpenseRecord{}, err
	}
	cost, err := ledger.ToMilliunits(e.Cost)
	if err != nil {
		return reconcile.ExpenseRecord{}, err
	}
	return reconcile.ExpenseRecord{
		ID:          e.ID,
		Description: e.Description,
		Date:        e.Date,
		Cost:        cost,
		PaidShare:   paid,
		OwedShare:   owed,
		Payment:     e.Payment,
	}, nil
}
