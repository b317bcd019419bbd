package reconcile

import (
	"errors"
	"testing"
	"time"
)

func record(id int64, paid, owed int64) ExpenseRecord {
	return ExpenseRecord{
		ID:          id,
		Description: "Groceries",
		Date:        time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		PaidShare:   paid,
		OwedShare:   owed,
	}
}

func sumOf(lines []AllocationLine) int64 {
	var sum int64
	for _, line := range lines {
		sum += line.Amount
	}
	return sum
}

func TestReconcileExactMatch(t *testing.T) {
	// Nets +1505, -2300, +795 sum to exactly zero; no adjustment needed.
	records := []ExpenseRecord{
		record(1, 1505, 0),
		record(2, 0, 2300),
		record(3, 795, 0),
	}

	lines, err := Reconcile(records, 0, 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if sumOf(lines) != 0 {
		t.Errorf("sum = %d, want 0", sumOf(lines))
	}
	want := []int64{1505, -2300, 795}
	for i, w := range want {
		if lines[i].Amount != w {
			t.Errorf("line %d amount = %d, want %d", i, lines[i].Amount, w)
		}
	}
}

func TestReconcileResidualGoesToLastLine(t *testing.T) {
	// Nets +1000 and +999 against a target of 2000: residual +1 lands on
	// the second (last) line.
	records := []ExpenseRecord{
		record(10, 1000, 0),
		record(11, 999, 0),
	}

	lines, err := Reconcile(records, 2000, 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if lines[0].Amount != 1000 || lines[1].Amount != 1000 {
		t.Errorf("amounts = %d, %d, want 1000, 1000", lines[0].Amount, lines[1].Amount)
	}
	if sumOf(lines) != 2000 {
		t.Errorf("sum = %d, want 2000", sumOf(lines))
	}
}

func TestReconcileResidualFollowsInputOrder(t *testing.T) {
	a := record(10, 1000, 0)
	b := record(11, 999, 0)

	forward, err := Reconcile([]ExpenseRecord{a, b}, 2000, 1)
	if err != nil {
		t.Fatalf("Reconcile forward: %v", err)
	}
	reversed, err := Reconcile([]ExpenseRecord{b, a}, 2000, 1)
	if err != nil {
		t.Fatalf("Reconcile reversed: %v", err)
	}

	// Reordering the input changes which line absorbs the residual.
	if forward[1].ExpenseID != 11 || forward[1].Amount != 1000 {
		t.Errorf("forward: residual not on expense 11: %+v", forward[1])
	}
	if reversed[1].ExpenseID != 10 || reversed[1].Amount != 1001 {
		t.Errorf("reversed: residual not on expense 10: %+v", reversed[1])
	}
}

func TestReconcileMismatchFailsClosed(t *testing.T) {
	// One expense netting +500 can never explain a 10000 target.
	records := []ExpenseRecord{record(20, 500, 0)}

	_, err := Reconcile(records, 10000, 1)
	if err == nil {
		t.Fatal("expected MismatchError")
	}
	var mErr *MismatchError
	if !errors.As(err, &mErr) {
		t.Fatalf("expected *MismatchError, got %T", err)
	}
	if mErr.Residual != 9500 || mErr.Expected != 10000 || mErr.Actual != 500 {
		t.Errorf("MismatchError = %+v, want residual 9500, expected 10000, actual 500", mErr)
	}
}

func TestReconcileNoExpensesNonzeroTarget(t *testing.T) {
	_, err := Reconcile(nil, 5000, 1)
	var mErr *MismatchError
	if !errors.As(err, &mErr) {
		t.Fatalf("expected *MismatchError, got %v", err)
	}
}

func TestReconcileNoExpensesZeroTarget(t *testing.T) {
	lines, err := Reconcile(nil, 0, 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("got %d lines, want 0", len(lines))
	}
}

func TestReconcileSingleLineAbsorbsResidual(t *testing.T) {
	records := []ExpenseRecord{record(30, 999, 0)}

	lines, err := Reconcile(records, 1000, 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if lines[0].Amount != 1000 {
		t.Errorf("amount = %d, want 1000", lines[0].Amount)
	}
}

func TestReconcileToleranceScalesWithLineCount(t *testing.T) {
	// Three lines at 1 milliunit each allow a residual of 3 but not 4.
	records := []ExpenseRecord{
		record(40, 1000, 0),
		record(41, 1000, 0),
		record(42, 1000, 0),
	}

	lines, err := Reconcile(records, 3003, 1)
	if err != nil {
		t.Fatalf("residual within tolerance rejected: %v", err)
	}
	if sumOf(lines) != 3003 {
		t.Errorf("sum = %d, want 3003", sumOf(lines))
	}

	if _, err := Reconcile(records, 3004, 1); err == nil {
		t.Error("residual beyond tolerance accepted")
	}
}

func TestReconcileFiltersPayments(t *testing.T) {
	payment := record(50, 0, 2000)
	payment.Payment = true
	records := []ExpenseRecord{
		record(51, 2000, 0),
		payment,
	}

	lines, err := Reconcile(records, 2000, 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (payment filtered)", len(lines))
	}
	if lines[0].ExpenseID != 51 {
		t.Errorf("line expense id = %d, want 51", lines[0].ExpenseID)
	}
}

func TestReconcileMemoEmbedsExpenseID(t *testing.T) {
	lines, err := Reconcile([]ExpenseRecord{record(61, 500, 0)}, 500, 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := "Splitwise: Groceries (exp_61)"
	if lines[0].Memo != want {
		t.Errorf("memo = %q, want %q", lines[0].Memo, want)
	}
}
