package library

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDatabase(filepath.Join(dir, "test.db"))
	require.NoError(t, err, "new db")
	t.Cleanup(func() { db.Close() })
	return db
}

func insertBook(t *testing.T, s Store, isbn string, copies int) *Book {
	t.Helper()
	b := NewBook(isbn, "Title "+isbn, "Author", "Fiction", 2001, copies)
	require.NoError(t, s.RunAtomic(context.Background(), UpsertBook{Book: b, Create: true}))
	return b
}

func insertMember(t *testing.T, s Store, name, email string, limit int) *Member {
	t.Helper()
	m := NewMember(name, email, "", MemberStudent, limit)
	require.NoError(t, s.InsertMember(context.Background(), m))
	return m
}

func TestReopenKeepsDataAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lib.db")
	db, err := NewDatabase(path)
	require.NoError(t, err)
	insertBook(t, db, "ISBN-1", 2)
	require.NoError(t, db.Close())

	db, err = NewDatabase(path)
	require.NoError(t, err, "migrations must be re-runnable")
	defer db.Close()

	b, err := db.GetBook(context.Background(), "ISBN-1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.TotalCopies)
	assert.Equal(t, 2, b.AvailableCopies)
}

func TestLookupsReportNoRecord(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()

	_, err := db.GetBook(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoRecord)
	_, err = db.GetMember(ctx, 99)
	assert.ErrorIs(t, err, ErrNoRecord)
	_, err = db.GetLoan(ctx, 99)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestLoanRoundTrip(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	b := insertBook(t, db, "ISBN-1", 1)
	m := insertMember(t, db, "Alice", "alice@example.com", 0)

	start := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	loan := NewLoan(b.ISBN, m.ID, start, 14)
	require.NoError(t, b.Borrow())
	require.NoError(t, db.RunAtomic(ctx,
		UpsertBook{Book: b},
		UpsertLoan{Loan: loan, MemberLimit: m.MaxBooksAllowed},
	))
	require.NotZero(t, loan.ID, "id assigned on commit")
	assert.EqualValues(t, 1, b.Version)

	got, err := db.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, got.LoanDate.Equal(start))
	assert.True(t, got.DueDate.Equal(start.Add(14*day)))
	assert.True(t, got.ReturnDate.IsZero())
	assert.False(t, got.IsReturned)
	assert.True(t, got.FineAmount.IsZero())

	require.NoError(t, got.Return(start.Add(16*day), FinePolicy{DailyRate: decimal.RequireFromString("0.75")}))
	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: got}))

	got, err = db.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReturned)
	assert.True(t, got.ReturnDate.Equal(start.Add(16*day)))
	assert.Equal(t, "1.5", got.FineAmount.String())
}

func TestRunAtomicRollsBackOnGuardMiss(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	b := insertBook(t, db, "ISBN-1", 2)
	m := insertMember(t, db, "Alice", "", 0)

	b.AvailableCopies = 1
	b.Version = 5
	err := db.RunAtomic(ctx,
		UpsertLoan{Loan: NewLoan(b.ISBN, m.ID, time.Now().UTC(), 7)},
		UpsertBook{Book: b},
	)
	require.ErrorIs(t, err, ErrConflict)
	assert.EqualValues(t, 5, b.Version, "version only advances on commit")

	stored, err := db.GetBook(ctx, b.ISBN)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.AvailableCopies)
	loans, err := db.ListLoans(ctx, LoanFilter{})
	require.NoError(t, err)
	assert.Empty(t, loans, "loan insert must roll back with the book update")
}

func TestRunAtomicRefusesStaleBookSnapshot(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	insertBook(t, db, "ISBN-1", 2)

	lending, err := db.GetBook(ctx, "ISBN-1")
	require.NoError(t, err)
	admin, err := db.GetBook(ctx, "ISBN-1")
	require.NoError(t, err)

	admin.Hold = HoldMaintenance
	require.NoError(t, db.RunAtomic(ctx, UpsertBook{Book: admin}))

	// Same available count as stored, but read before the hold landed.
	require.NoError(t, lending.Borrow())
	err = db.RunAtomic(ctx, UpsertBook{Book: lending})
	require.ErrorIs(t, err, ErrConflict)

	stored, err := db.GetBook(ctx, "ISBN-1")
	require.NoError(t, err)
	assert.Equal(t, HoldMaintenance, stored.Hold)
	assert.Equal(t, 2, stored.AvailableCopies)
	assert.EqualValues(t, 1, stored.Version)
}

func TestRunAtomicRefusesSecondReturn(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	b := insertBook(t, db, "ISBN-1", 1)
	m := insertMember(t, db, "Alice", "", 0)

	loan := NewLoan(b.ISBN, m.ID, time.Now().UTC().Truncate(time.Second), 7)
	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: loan}))

	first := *loan
	require.NoError(t, first.Return(loan.LoanDate.Add(day), DefaultFinePolicy()))
	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: &first}))

	second := *loan
	require.NoError(t, second.Return(loan.LoanDate.Add(30*day), DefaultFinePolicy()))
	assert.ErrorIs(t, db.RunAtomic(ctx, UpsertLoan{Loan: &second}), ErrConflict)

	stored, err := db.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReturnDate.Equal(first.ReturnDate))
	assert.True(t, stored.FineAmount.IsZero())
}

func TestRunAtomicEnforcesMemberLimit(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := insertMember(t, db, "Alice", "", 1)
	now := time.Now().UTC()

	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: NewLoan("A", m.ID, now, 7), MemberLimit: 1}))
	err := db.RunAtomic(ctx, UpsertLoan{Loan: NewLoan("B", m.ID, now, 7), MemberLimit: 1})
	assert.ErrorIs(t, err, ErrConflict)

	n, err := db.CountActiveLoansForMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDuplicateKeys(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	insertBook(t, db, "ISBN-1", 1)

	err := db.RunAtomic(ctx, UpsertBook{Book: NewBook("ISBN-1", "Again", "A", "", 0, 1), Create: true})
	assert.ErrorIs(t, err, ErrDuplicate)

	insertMember(t, db, "Alice", "a@example.com", 0)
	err = db.InsertMember(ctx, NewMember("Alias", "a@example.com", "", MemberStudent, 0))
	assert.ErrorIs(t, err, ErrDuplicate)

	// members without an email do not collide
	insertMember(t, db, "Bob", "", 0)
	insertMember(t, db, "Carol", "", 0)
	members, err := db.ListMembers(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.Equal(t, "", members[1].Email)
}

func TestDeleteUnreferenced(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	b := insertBook(t, db, "ISBN-1", 1)
	m := insertMember(t, db, "Alice", "", 0)
	loan := NewLoan(b.ISBN, m.ID, time.Now().UTC().Truncate(time.Second), 7)
	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: loan}))

	assert.ErrorIs(t, db.DeleteBook(ctx, b.ISBN), ErrStillReferenced)
	assert.ErrorIs(t, db.DeleteMember(ctx, m.ID), ErrStillReferenced)

	require.NoError(t, loan.Return(loan.LoanDate, DefaultFinePolicy()))
	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: loan}))

	require.NoError(t, db.DeleteBook(ctx, b.ISBN))
	require.NoError(t, db.DeleteMember(ctx, m.ID))
	assert.ErrorIs(t, db.DeleteBook(ctx, b.ISBN), ErrNoRecord)
	assert.ErrorIs(t, db.DeleteMember(ctx, m.ID), ErrNoRecord)

	_, err := db.GetLoan(ctx, loan.ID)
	assert.NoError(t, err, "loan history survives deletes")
}

func TestListLoansFilter(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	alice := insertMember(t, db, "Alice", "", 0)
	bob := insertMember(t, db, "Bob", "", 0)
	now := time.Now().UTC().Truncate(time.Second)

	l1 := NewLoan("A", alice.ID, now, 7)
	l2 := NewLoan("B", alice.ID, now, 7)
	l3 := NewLoan("A", bob.ID, now, 7)
	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: l1}, UpsertLoan{Loan: l2}, UpsertLoan{Loan: l3}))
	require.NoError(t, l2.Return(now, DefaultFinePolicy()))
	require.NoError(t, db.RunAtomic(ctx, UpsertLoan{Loan: l2}))

	ids := func(f LoanFilter) []int64 {
		loans, err := db.ListLoans(ctx, f)
		require.NoError(t, err)
		out := make([]int64, 0, len(loans))
		for _, l := range loans {
			out = append(out, l.ID)
		}
		return out
	}

	assert.Equal(t, []int64{l1.ID, l2.ID, l3.ID}, ids(LoanFilter{}))
	assert.Equal(t, []int64{l1.ID, l3.ID}, ids(LoanFilter{ActiveOnly: true}))
	assert.Equal(t, []int64{l1.ID, l2.ID}, ids(LoanFilter{MemberID: alice.ID}))
	assert.Equal(t, []int64{l1.ID, l3.ID}, ids(LoanFilter{ISBN: "A"}))
	assert.Equal(t, []int64{l3.ID}, ids(LoanFilter{ISBN: "A", MemberID: bob.ID, ActiveOnly: true}))
}

func TestUpdateMemberMissing(t *testing.T) {
	db := tempDB(t)
	m := NewMember("Ghost", "", "", MemberStudent, 0)
	m.ID = 42
	assert.ErrorIs(t, db.UpdateMember(context.Background(), m), ErrNoRecord)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	_, err := OpenStore(ctx, "mysql", "", "")
	assert.ErrorContains(t, err, `unknown driver "mysql"`)

	s, err := OpenStore(ctx, DriverSQLite, filepath.Join(t.TempDir(), "open.db"), "")
	require.NoError(t, err)
	defer s.Close()
	b := insertBook(t, s, "ISBN-1", 1)
	assert.EqualValues(t, 0, b.Version)
}
