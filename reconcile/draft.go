package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Draft is the reconciled, possibly partially categorized proposal for one
// settlement, identified by a deterministic content hash. It is never
// mutated in place; replacement lines produce a new Draft.
type Draft struct {
	SettlementDate time.Time
	GroupID        int64
	Total          int64 // signed milliunits
	Lines          []AllocationLine
}

// Hash returns the idempotency key for the draft: a SHA-256 over the sorted
// set of (expense id, amount, category) tuples plus the settlement date and
// total. Equal drafts hash equal regardless of line order.
func (d Draft) Hash() string {
	parts := make([]string, 0, len(d.Lines)+2)
	for _, line := range d.Lines {
		parts = append(parts, fmt.Sprintf("%d:%d:%s", line.ExpenseID, line.Amount, line.CategoryID))
	}
	sort.Strings(parts)
	parts = append(parts, d.SettlementDate.Format(time.DateOnly), fmt.Sprintf("%d", d.Total))

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// NeedsReview returns the lines that require human resolution before the
// draft is eligible to post.
func (d Draft) NeedsReview() []AllocationLine {
	var review []AllocationLine
	for _, line := range d.Lines {
		if line.NeedsReview {
			review = append(review, line)
		}
	}
	return review
}

// Resolved reports whether every line carries a category and none is flagged
// for review. Only resolved drafts may be posted.
func (d Draft) Resolved() bool {
	for _, line := range d.Lines {
		if line.NeedsReview || line.CategoryID == "" {
			return false
		}
	}
	return true
}

// WithLine returns a copy of the draft with the line for the same expense id
// replaced. Unknown expense ids leave the draft unchanged.
func (d Draft) WithLine(line AllocationLine) Draft {
	out := d
	out.Lines = make([]AllocationLine, len(d.Lines))
	copy(out.Lines, d.Lines)
	for i := range out.Lines {
		if out.Lines[i].ExpenseID == line.ExpenseID {
			out.Lines[i] = line
			break
		}
	}
	return out
}
