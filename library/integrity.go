package library

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Discrepancy describes a book whose stored counts disagree with its
// outstanding loans.
type Discrepancy struct {
	ISBN            string `json:"isbn"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
	ActiveLoans     int    `json:"active_loans"`
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: total %d, available %d, active loans %d",
		d.ISBN, d.TotalCopies, d.AvailableCopies, d.ActiveLoans)
}

// ReconcileReport is the outcome of Reconcile.
type ReconcileReport struct {
	ISBN             string `json:"isbn"`
	ActiveLoans      int    `json:"active_loans"`
	TotalBefore      int    `json:"total_before"`
	AvailableBefore  int    `json:"available_before"`
	TotalAfter       int    `json:"total_after"`
	AvailableAfter   int    `json:"available_after"`
	Changed          bool   `json:"changed"`
	WasQuarantined   bool   `json:"was_quarantined"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`
}

func (lm *LibraryManager) quarantine(isbn string, cause error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.quarantined[isbn]; !ok {
		lm.quarantined[isbn] = cause
		lm.log.Error("book quarantined", slog.String("isbn", isbn), slog.Any("cause", cause))
	}
}

// release lifts the quarantine and returns the error that caused it.
func (lm *LibraryManager) release(isbn string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	cause, ok := lm.quarantined[isbn]
	if ok {
		delete(lm.quarantined, isbn)
	}
	return cause
}

func (lm *LibraryManager) checkQuarantine(isbn string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if cause, ok := lm.quarantined[isbn]; ok {
		return fmt.Errorf("%w (%v)", ErrEntityQuarantined, cause)
	}
	return nil
}

// Quarantined lists the ISBNs that refuse writes until reconciled.
func (lm *LibraryManager) Quarantined() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]string, 0, len(lm.quarantined))
	for isbn := range lm.quarantined {
		out = append(out, isbn)
	}
	sort.Strings(out)
	return out
}

// Audit compares every book's counts with its active loans without
// changing anything.
func (lm *LibraryManager) Audit(ctx context.Context) ([]Discrepancy, error) {
	books, err := lm.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	active, err := lm.ListActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	onLoan := make(map[string]int, len(books))
	for _, l := range active {
		onLoan[l.ISBN]++
	}

	var found []Discrepancy
	for _, b := range books {
		n := onLoan[b.ISBN]
		if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies || b.OnLoan() != n {
			found = append(found, Discrepancy{
				ISBN:            b.ISBN,
				TotalCopies:     b.TotalCopies,
				AvailableCopies: b.AvailableCopies,
				ActiveLoans:     n,
			})
		}
	}
	return found, nil
}

// Reconcile is the explicit repair for a book: it recomputes available
// copies from the active loans, raising the total if more copies are on
// loan than the book claims to own, and lifts any quarantine.
func (lm *LibraryManager) Reconcile(ctx context.Context, isbn string) (ReconcileReport, error) {
	var report ReconcileReport
	err := lm.retry.run(ctx, func(int) error {
		b, err := lm.store.GetBook(ctx, isbn)
		if err != nil {
			return lookupErr(err, ErrBookNotFound)
		}
		active, err := lm.store.CountActiveLoansForBook(ctx, isbn)
		if err != nil {
			return fmt.Errorf("count active loans: %w", err)
		}

		report = ReconcileReport{
			ISBN:            isbn,
			ActiveLoans:     active,
			TotalBefore:     b.TotalCopies,
			AvailableBefore: b.AvailableCopies,
		}
		b.TotalCopies = max(b.TotalCopies, active)
		b.AvailableCopies = b.TotalCopies - active
		report.TotalAfter = b.TotalCopies
		report.AvailableAfter = b.AvailableCopies
		report.Changed = report.TotalAfter != report.TotalBefore || report.AvailableAfter != report.AvailableBefore
		if !report.Changed {
			return nil
		}
		return lm.commit(ctx, UpsertBook{Book: b})
	})
	if err = lm.settle("", err); err != nil {
		return ReconcileReport{}, fmt.Errorf("reconcile %q: %w", isbn, err)
	}

	if cause := lm.release(isbn); cause != nil {
		report.WasQuarantined = true
		report.QuarantineReason = cause.Error()
	}
	lm.log.Warn("book reconciled",
		slog.String("isbn", isbn),
		slog.Bool("changed", report.Changed),
		slog.Int("available_before", report.AvailableBefore),
		slog.Int("available_after", report.AvailableAfter),
	)
	return report, nil
}
