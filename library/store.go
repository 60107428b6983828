package library

import (
	"context"
	"fmt"
)

// Store drivers accepted by OpenStore.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenStore connects to the SQLite file at path or, for DriverPostgres, to
// dsn. Both run pending migrations before returning.
func OpenStore(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite:
		db, err := NewDatabase(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverPostgres:
		db, err := NewPGDatabase(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
}

// Store is the persistence port the engine runs against. Lookups return
// ErrNoRecord when the row is absent.
//
// RunAtomic applies every write in one commit. Implementations must roll the
// whole batch back and return ErrConflict when a guard in a write no longer
// matches the stored row, and ErrTransient for lock contention the caller
// may retry.
type Store interface {
	GetBook(ctx context.Context, isbn string) (*Book, error)
	GetMember(ctx context.Context, id int64) (*Member, error)
	GetLoan(ctx context.Context, id int64) (*Loan, error)

	CountActiveLoansForMember(ctx context.Context, memberID int64) (int, error)
	CountActiveLoansForBook(ctx context.Context, isbn string) (int, error)

	RunAtomic(ctx context.Context, writes ...Write) error

	ListBooks(ctx context.Context) ([]*Book, error)
	ListMembers(ctx context.Context) ([]*Member, error)
	ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error)

	InsertMember(ctx context.Context, m *Member) error
	UpdateMember(ctx context.Context, m *Member) error
	DeleteBook(ctx context.Context, isbn string) error
	DeleteMember(ctx context.Context, id int64) error

	Close() error
}

// Write is one statement of an atomic batch: UpsertBook or UpsertLoan.
type Write interface {
	isWrite()
}

// UpsertBook stores every column of Book. With Create set the row must not
// exist yet (ErrDuplicate otherwise). Without it the stored row must still
// be at Book.Version, or the batch fails with ErrConflict; a successful
// commit advances Book.Version.
type UpsertBook struct {
	Book   *Book
	Create bool
}

// UpsertLoan inserts Loan when its ID is zero, assigning the new ID on
// commit. Otherwise it updates a loan that is still active, failing with
// ErrConflict when the stored loan has already been returned.
//
// For inserts, a positive MemberLimit makes the batch fail with ErrConflict
// if the member already holds that many active loans at commit time.
type UpsertLoan struct {
	Loan        *Loan
	MemberLimit int
}

func (UpsertBook) isWrite() {}
func (UpsertLoan) isWrite() {}

// LoanFilter narrows ListLoans. Zero fields match everything.
type LoanFilter struct {
	MemberID   int64
	ISBN       string
	ActiveOnly bool
}
