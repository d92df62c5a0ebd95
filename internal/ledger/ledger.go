// Package ledger stages deposit proofs locally, reconciles them against the operation total
// and submits them one by one.
package ledger

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNonPositiveAmount = errors.New("deposit amount must be positive")
	ErrIndexOutOfRange   = errors.New("deposit index out of range")
	ErrEmpty             = errors.New("no deposits staged")
)

// Tolerance is the accepted difference between staged and expected totals, one currency cent.
var Tolerance = decimal.New(1, -2)

// Entry is a staged, not yet submitted, proof of payment.
type Entry struct {
	ImagePath     string
	Amount        decimal.Decimal
	ReferenceCode string
}

// ReconciliationError blocks a submission whose staged total does not match the expected one.
type ReconciliationError struct {
	Total    decimal.Decimal
	Expected decimal.Decimal
	// Difference is Total - Expected: negative is a shortfall, positive an excess.
	Difference decimal.Decimal
}

func (e *ReconciliationError) Error() string {
	kind := "excess"
	if e.Difference.IsNegative() {
		kind = "shortfall"
	}
	return fmt.Sprintf("deposits total %s, expected %s (%s %s)",
		e.Total.StringFixed(2), e.Expected.StringFixed(2), kind, e.Difference.Abs().StringFixed(2))
}

// Shortfall reports whether more money has to be staged.
func (e *ReconciliationError) Shortfall() bool {
	return e.Difference.IsNegative()
}

// Ledger is an ordered, in-memory list of staged entries. It is never persisted.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Ledger {
	return &Ledger{}
}

// Add appends an entry.
func (l *Ledger) Add(e Entry) error {
	if !e.Amount.IsPositive() {
		return errors.Wrapf(ErrNonPositiveAmount, "got %s", e.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

// RemoveAt drops the entry at i, keeping the order of the rest.
func (l *Ledger) RemoveAt(i int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i < 0 || i >= len(l.entries) {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d, %d staged", i, len(l.entries))
	}
	l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
	return nil
}

// Total sums the staged amounts.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sum(l.entries)
}

// Validate reports whether the staged total is within Tolerance of expected.
func (l *Ledger) Validate(expected decimal.Decimal) bool {
	return l.Reconcile(expected) == nil
}

// Reconcile returns a *ReconciliationError when the staged total is off by more than Tolerance.
func (l *Ledger) Reconcile(expected decimal.Decimal) error {
	return reconcile(l.Total(), expected)
}

// Entries returns a copy of the staged entries in order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// takeReconciled empties the ledger and returns what it held, provided it reconciles.
func (l *Ledger) takeReconciled(expected decimal.Decimal) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return nil, ErrEmpty
	}
	if err := reconcile(sum(l.entries), expected); err != nil {
		return nil, err
	}
	entries := l.entries
	l.entries = nil
	return entries, nil
}

func reconcile(total, expected decimal.Decimal) error {
	diff := total.Sub(expected)
	if diff.Abs().LessThanOrEqual(Tolerance) {
		return nil
	}
	return &ReconciliationError{Total: total, Expected: expected, Difference: diff}
}

func sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
