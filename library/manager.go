package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LibraryManager is the lending engine. It is the only writer of a book's
// available copies and of a loan's return fields; Borrow and Return commit
// the book and the loan together or not at all.
type LibraryManager struct {
	store Store
	fines FinePolicy
	retry RetryPolicy
	now   func() time.Time
	log   *slog.Logger

	mu          sync.Mutex
	quarantined map[string]error
}

// Option configures a LibraryManager.
type Option func(*LibraryManager) error

// WithFinePolicy overrides the default 5-per-day fine.
func WithFinePolicy(p FinePolicy) Option {
	return func(lm *LibraryManager) error {
		if p.DailyRate.IsNegative() {
			return errors.New("daily fine must not be negative")
		}
		lm.fines = p
		return nil
	}
}

// WithRetryPolicy overrides how often a transaction is re-run after
// contention.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(lm *LibraryManager) error {
		if err := p.validate(); err != nil {
			return err
		}
		lm.retry = p
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(lm *LibraryManager) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		lm.now = now
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(lm *LibraryManager) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		lm.log = l
		return nil
	}
}

// NewLibraryManager wraps store. The manager owns the store from here on and
// closes it in Close.
func NewLibraryManager(store Store, opts ...Option) (*LibraryManager, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	lm := &LibraryManager{
		store:       store,
		fines:       DefaultFinePolicy(),
		retry:       DefaultRetryPolicy(),
		now:         time.Now,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		quarantined: make(map[string]error),
	}
	for _, opt := range opts {
		if err := opt(lm); err != nil {
			return nil, err
		}
	}
	return lm, nil
}

// Close closes the underlying store.
func (lm *LibraryManager) Close() error { return lm.store.Close() }

// FinePolicy returns the policy applied at return time.
func (lm *LibraryManager) FinePolicy() FinePolicy { return lm.fines }

// clock is whole-second UTC so both stores round-trip it exactly.
func (lm *LibraryManager) clock() time.Time {
	return lm.now().UTC().Truncate(time.Second)
}

func (lm *LibraryManager) opLogger(op string, attrs ...any) *slog.Logger {
	return lm.log.With(append([]any{slog.String("op", op), slog.String("op_id", uuid.NewString())}, attrs...)...)
}

// ------------------ Circulation ------------------

// Borrow lends one copy of the book to the member for termDays and returns
// the new loan's ID.
func (lm *LibraryManager) Borrow(ctx context.Context, isbn string, memberID int64, termDays int) (int64, error) {
	log := lm.opLogger("borrow", slog.String("isbn", isbn), slog.Int64("member_id", memberID), slog.Int("term_days", termDays))

	var loanID int64
	err := func() error {
		if !ValidTerm(termDays) {
			return fmt.Errorf("%w: got %d", ErrInvalidTerm, termDays)
		}
		return lm.retry.run(ctx, func(attempt int) error {
			id, err := lm.borrowOnce(ctx, isbn, memberID, termDays)
			if err != nil && retryable(err) {
				log.Debug("borrow lost a race", slog.Int("attempt", attempt), slog.Any("error", err))
			}
			loanID = id
			return err
		})
	}()
	if err = lm.settle(isbn, err); err != nil {
		err = fmt.Errorf("borrow %q for member %d: %w", isbn, memberID, err)
		logFailure(log, "borrow failed", err)
		return 0, err
	}

	log.Info("book lent", slog.Int64("loan_id", loanID))
	return loanID, nil
}

func (lm *LibraryManager) borrowOnce(ctx context.Context, isbn string, memberID int64, termDays int) (int64, error) {
	if err := lm.checkQuarantine(isbn); err != nil {
		return 0, err
	}
	book, err := lm.store.GetBook(ctx, isbn)
	if err != nil {
		return 0, lookupErr(err, ErrBookNotFound)
	}
	member, err := lm.store.GetMember(ctx, memberID)
	if err != nil {
		return 0, lookupErr(err, ErrMemberNotFound)
	}

	if err := book.Borrow(); err != nil {
		return 0, err
	}

	active, err := lm.store.CountActiveLoansForMember(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	if active >= member.MaxBooksAllowed {
		return 0, fmt.Errorf("%w: member holds %d of %d", ErrBorrowLimitExceeded, active, member.MaxBooksAllowed)
	}

	loan := NewLoan(isbn, memberID, lm.clock(), termDays)
	if err := lm.commit(ctx,
		UpsertBook{Book: book},
		UpsertLoan{Loan: loan, MemberLimit: member.MaxBooksAllowed},
	); err != nil {
		return 0, err
	}
	return loan.ID, nil
}

// ReturnLoan closes an active loan, puts the copy back on the shelf and
// returns the fine charged.
func (lm *LibraryManager) ReturnLoan(ctx context.Context, loanID int64) (decimal.Decimal, error) {
	log := lm.opLogger("return", slog.Int64("loan_id", loanID))

	var (
		fine decimal.Decimal
		isbn string
	)
	err := lm.retry.run(ctx, func(attempt int) error {
		loan, err := lm.returnOnce(ctx, loanID)
		if loan != nil {
			isbn = loan.ISBN
		}
		if err != nil {
			if retryable(err) {
				log.Debug("return lost a race", slog.Int("attempt", attempt), slog.Any("error", err))
			}
			return err
		}
		fine = loan.FineAmount
		return nil
	})
	if err = lm.settle(isbn, err); err != nil {
		err = fmt.Errorf("return loan %d: %w", loanID, err)
		logFailure(log, "return failed", err, slog.String("isbn", isbn))
		return decimal.Zero, err
	}

	log.Info("book returned", slog.String("isbn", isbn), slog.String("fine", fine.String()))
	return fine, nil
}

// returnOnce reports the loan it loaded, even on failure, so the caller can
// attribute the error to a book.
func (lm *LibraryManager) returnOnce(ctx context.Context, loanID int64) (*Loan, error) {
	loan, err := lm.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, lookupErr(err, ErrLoanNotFound)
	}
	if loan.IsReturned {
		return loan, ErrAlreadyReturned
	}
	if err := lm.checkQuarantine(loan.ISBN); err != nil {
		return loan, err
	}
	book, err := lm.store.GetBook(ctx, loan.ISBN)
	if err != nil {
		return loan, lookupErr(err, ErrBookNotFound)
	}

	if err := book.ReturnCopy(); err != nil {
		return loan, fmt.Errorf("%w: %d of %d copies on the shelf while loan %d is active",
			ErrInventoryInconsistent, book.AvailableCopies, book.TotalCopies, loan.ID)
	}
	if err := loan.Return(lm.clock(), lm.fines); err != nil {
		return loan, err
	}

	if err := lm.commit(ctx,
		UpsertBook{Book: book},
		UpsertLoan{Loan: loan},
	); err != nil {
		return loan, err
	}
	return loan, nil
}

// commit runs the batch without the caller's cancellation: once the writes
// are sent they are allowed to finish. Retryable errors pass through
// unchanged; anything else becomes a persistence failure.
func (lm *LibraryManager) commit(ctx context.Context, writes ...Write) error {
	err := lm.store.RunAtomic(context.WithoutCancel(ctx), writes...)
	if err == nil || retryable(err) {
		return err
	}
	return persistenceFailure("commit", err)
}

// settle classifies the final error of a circulation operation and puts the
// book in quarantine when its stored state can no longer be trusted. A
// caller that gives up only abandons reads, so its context error comes back
// as is.
func (lm *LibraryManager) settle(isbn string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if KindOf(err) == KindUnknown {
		err = persistenceFailure("store", err)
	}
	if isbn != "" && (errors.Is(err, ErrPersistenceFailure) || errors.Is(err, ErrInventoryInconsistent)) {
		lm.quarantine(isbn, err)
	}
	return err
}

// lookupErr maps ErrNoRecord to notFound and leaves other errors for settle
// to classify.
func lookupErr(err, notFound error) error {
	if errors.Is(err, ErrNoRecord) {
		return notFound
	}
	return err
}

func logFailure(log *slog.Logger, msg string, err error, attrs ...any) {
	kind := KindOf(err)
	attrs = append(attrs, slog.String("error_kind", kind.String()), slog.Any("error", err))
	if kind == KindPersistenceFailure || errors.Is(err, ErrInventoryInconsistent) {
		log.Error(msg, attrs...)
		return
	}
	log.Warn(msg, attrs...)
}

// ------------------ Loan queries ------------------

// GetLoan fetches a single loan.
func (lm *LibraryManager) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	loan, err := lm.store.GetLoan(ctx, id)
	if err != nil {
		return nil, lm.readErr("get loan", err, ErrLoanNotFound)
	}
	return loan, nil
}

// IsOverdue reports whether the loan is past due at now. A loan returned
// late stays overdue in its history.
func (lm *LibraryManager) IsOverdue(ctx context.Context, loanID int64, now time.Time) (bool, error) {
	loan, err := lm.GetLoan(ctx, loanID)
	if err != nil {
		return false, err
	}
	return loan.IsOverdue(now), nil
}

// ListActiveLoans re-reads every outstanding loan from the store.
func (lm *LibraryManager) ListActiveLoans(ctx context.Context) ([]*Loan, error) {
	return lm.ListLoans(ctx, LoanFilter{ActiveOnly: true})
}

// ListLoans returns loans matching f, oldest first.
func (lm *LibraryManager) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	loans, err := lm.store.ListLoans(ctx, f)
	if err != nil {
		return nil, lm.readErr("list loans", err, nil)
	}
	return loans, nil
}

// OverdueLoans returns active loans that are past due at now.
func (lm *LibraryManager) OverdueLoans(ctx context.Context, now time.Time) ([]*Loan, error) {
	active, err := lm.ListActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	overdue := make([]*Loan, 0, len(active))
	for _, l := range active {
		if l.IsOverdue(now) {
			overdue = append(overdue, l)
		}
	}
	return overdue, nil
}

// readErr classifies a failed read. A nil notFound means a missing row is
// not expected for this read.
func (lm *LibraryManager) readErr(op string, err error, notFound error) error {
	if notFound != nil && errors.Is(err, ErrNoRecord) {
		return notFound
	}
	return persistenceFailure(op, err)
}
