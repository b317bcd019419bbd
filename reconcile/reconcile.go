// Package reconcile turns a batch of shared-expense records into a set of
// signed allocation lines whose sum exactly equals the settlement total.
package reconcile

import (
	"fmt"
	"time"

	"github.com/helpcomp/ynab-splitwise-importer/ledger"
	"github.com/rs/zerolog/log"
)

// ExpenseRecord is one shared-expense item as seen by the viewer. Paid and
// owed shares are non-negative milliunit integers; the net may be any sign.
type ExpenseRecord struct {
	ID          int64
	Description string
	Date        time.Time
	Cost        int64
	PaidShare   int64
	OwedShare   int64
	Payment     bool // true when the record is the settlement payment itself
}

// AllocationLine is one ledger split line, exactly one per non-payment
// expense record.
type AllocationLine struct {
	ExpenseID    int64
	Description  string
	Amount       int64 // signed milliunits
	CategoryID   string
	CategoryName string
	Confidence   float64
	Memo         string
	NeedsReview  bool
}

// MismatchError is returned when the summed expense nets differ from the
// settlement total by more than the rounding tolerance. The caller must
// refuse to post.
type MismatchError struct {
	Residual int64
	Expected int64
	Actual   int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("settlement total mismatch: expected %d milliunits, computed %d, residual %d exceeds tolerance", e.Expected, e.Actual, e.Residual)
}

// DefaultTolerancePerLine bounds the acceptable rounding residual to one
// milliunit per contributing line. Each line's shares round independently at
// the source, so the discrepancy can grow with line count but no faster.
const DefaultTolerancePerLine = 1

// Reconcile converts expense records into allocation lines whose signed
// amounts sum exactly to targetTotal.
//
// Records flagged as payments are dropped; they represent the settlement
// being reconciled, not an allocation. If the summed nets miss the target by
// at most tolerancePerLine x lineCount milliunits, the entire residual is
// added to the last line in input order so the adjustment stays auditable
// and deterministic. A larger residual means a missing or extra expense and
// fails with *MismatchError.
func Reconcile(records []ExpenseRecord, targetTotal int64, tolerancePerLine int64) ([]AllocationLine, error) {
	if tolerancePerLine <= 0 {
		tolerancePerLine = DefaultTolerancePerLine
	}

	var lines []AllocationLine
	var sum int64
	for _, rec := range records {
		if rec.Payment {
			continue
		}
		net := ledger.NetOf(rec.PaidShare, rec.OwedShare)
		lines = append(lines, AllocationLine{
			ExpenseID:   rec.ID,
			Description: rec.Description,
			Amount:      net,
			Memo:        fmt.Sprintf("Splitwise: %s (exp_%d)", rec.Description, rec.ID),
		})
		sum += net
	}

	residual := targetTotal - sum
	if residual == 0 {
		return lines, nil
	}

	tolerance := tolerancePerLine * int64(len(lines))
	if abs(residual) > tolerance {
		return nil, &MismatchError{
			Residual: residual,
			Expected: targetTotal,
			Actual:   sum,
		}
	}

	last := &lines[len(lines)-1]
	last.Amount += residual
	log.Info().
		Int64("Residual", residual).
		Int64("ExpenseID", last.ExpenseID).
		Msg("Applied rounding adjustment to last allocation line")

	return lines, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
