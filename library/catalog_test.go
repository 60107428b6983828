package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestAddBookValidation(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.AddBook(ctx, NewBookInput{ISBN: "  ", Title: "T", Author: "A"})
	require.ErrorIs(t, err, ErrInvalidBook)
	assert.Contains(t, err.Error(), "isbn is required")
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = mgr.AddBook(ctx, NewBookInput{ISBN: "X", Title: "T", Author: "A", Copies: -1})
	require.ErrorIs(t, err, ErrInvalidBook)
	assert.Contains(t, err.Error(), "copies must be >= 0")

	b, err := mgr.AddBook(ctx, NewBookInput{ISBN: " X ", Title: " Dune ", Author: "Herbert", Copies: 3})
	require.NoError(t, err)
	assert.Equal(t, "X", b.ISBN)
	assert.Equal(t, "Dune", b.Title)
	assert.Equal(t, 3, b.AvailableCopies)

	_, err = mgr.AddBook(ctx, NewBookInput{ISBN: "X", Title: "Other", Author: "A"})
	assert.ErrorIs(t, err, ErrDuplicateBook)
}

func TestEditBookPreservesCopiesOnLoan(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	addBook(t, mgr, "ISBN-1", 3)
	m := addMember(t, mgr, "Ada", 0)
	for range 2 {
		_, err := mgr.Borrow(ctx, "ISBN-1", m.ID, 7)
		require.NoError(t, err)
	}

	_, err := mgr.EditBook(ctx, "ISBN-1", BookChanges{TotalCopies: ptr(1)})
	require.ErrorIs(t, err, ErrCopiesOnLoan)

	b, err := mgr.EditBook(ctx, "ISBN-1", BookChanges{TotalCopies: ptr(5), Title: ptr("Second Edition")})
	require.NoError(t, err)
	assert.Equal(t, 5, b.TotalCopies)
	assert.Equal(t, 3, b.AvailableCopies)

	stored := requireBook(t, mgr, "ISBN-1")
	assert.Equal(t, "Second Edition", stored.Title)
	assert.Equal(t, 2, stored.OnLoan())

	b, err = mgr.EditBook(ctx, "ISBN-1", BookChanges{TotalCopies: ptr(2)})
	require.NoError(t, err)
	assert.Equal(t, 0, b.AvailableCopies)

	_, err = mgr.EditBook(ctx, "ISBN-1", BookChanges{Title: ptr("")})
	assert.ErrorIs(t, err, ErrInvalidBook)
	_, err = mgr.EditBook(ctx, "missing", BookChanges{Title: ptr("x")})
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestBookHold(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	addBook(t, mgr, "ISBN-1", 2)
	m := addMember(t, mgr, "Ada", 0)
	id, err := mgr.Borrow(ctx, "ISBN-1", m.ID, 7)
	require.NoError(t, err)

	b, err := mgr.SetBookHold(ctx, "ISBN-1", HoldMaintenance)
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, b.Status())

	_, err = mgr.Borrow(ctx, "ISBN-1", m.ID, 7)
	require.ErrorIs(t, err, ErrBookOnHold)

	_, err = mgr.ReturnLoan(ctx, id)
	require.NoError(t, err, "held books can still come back")
	assert.Equal(t, 2, requireBook(t, mgr, "ISBN-1").AvailableCopies)

	_, err = mgr.SetBookHold(ctx, "ISBN-1", BookHold(9))
	assert.ErrorIs(t, err, ErrInvalidBookHold)

	b, err = mgr.SetBookHold(ctx, "ISBN-1", HoldNone)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, b.Status())
	_, err = mgr.Borrow(ctx, "ISBN-1", m.ID, 7)
	require.NoError(t, err)
}

func TestRemoveBook(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	addBook(t, mgr, "ISBN-1", 1)
	m := addMember(t, mgr, "Ada", 0)
	id, err := mgr.Borrow(ctx, "ISBN-1", m.ID, 7)
	require.NoError(t, err)

	err = mgr.RemoveBook(ctx, "ISBN-1")
	require.ErrorIs(t, err, ErrBookHasActiveLoans)

	_, err = mgr.ReturnLoan(ctx, id)
	require.NoError(t, err)
	require.NoError(t, mgr.RemoveBook(ctx, "ISBN-1"))

	_, err = mgr.GetBook(ctx, "ISBN-1")
	assert.ErrorIs(t, err, ErrBookNotFound)
	assert.ErrorIs(t, mgr.RemoveBook(ctx, "ISBN-1"), ErrBookNotFound)

	loan, err := mgr.GetLoan(ctx, id)
	require.NoError(t, err)
	assert.True(t, loan.IsReturned)
}

func TestAddMember(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	m, err := mgr.AddMember(ctx, NewMemberInput{Name: "Ada", Email: "ada@example.com", Type: MemberFaculty})
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, 10, m.MaxBooksAllowed)

	m, err = mgr.AddMember(ctx, NewMemberInput{Name: "Visitor", Type: MemberExternal, MaxBooksAllowed: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, m.MaxBooksAllowed)

	_, err = mgr.AddMember(ctx, NewMemberInput{Name: "Ada Again", Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateMember)

	_, err = mgr.AddMember(ctx, NewMemberInput{Name: "Bad", Email: "not-an-email"})
	require.ErrorIs(t, err, ErrInvalidMember)
	assert.Contains(t, err.Error(), "email must be a valid email address")

	_, err = mgr.AddMember(ctx, NewMemberInput{Name: ""})
	assert.ErrorIs(t, err, ErrInvalidMember)

	_, err = mgr.AddMember(ctx, NewMemberInput{Name: "Odd", Type: MemberType(7)})
	assert.ErrorIs(t, err, ErrInvalidMemberType)

	members, err := mgr.ListMembers(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestUpdateMember(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	m := addMember(t, mgr, "Ada", 0)
	assert.Equal(t, 5, m.MaxBooksAllowed)

	got, err := mgr.UpdateMember(ctx, m.ID, MemberChanges{Type: ptr(MemberFaculty)})
	require.NoError(t, err)
	assert.Equal(t, MemberFaculty, got.Type)
	assert.Equal(t, 10, got.MaxBooksAllowed, "type change picks up the new default")

	got, err = mgr.UpdateMember(ctx, m.ID, MemberChanges{MaxBooksAllowed: ptr(2), Email: ptr(" ada@example.com ")})
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxBooksAllowed)
	assert.Equal(t, "ada@example.com", got.Email)

	got, err = mgr.UpdateMember(ctx, m.ID, MemberChanges{MaxBooksAllowed: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxBooksAllowed)

	stored, err := mgr.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)

	_, err = mgr.UpdateMember(ctx, m.ID, MemberChanges{Email: ptr("nope")})
	assert.ErrorIs(t, err, ErrInvalidMember)
	_, err = mgr.UpdateMember(ctx, 404, MemberChanges{Name: ptr("Ghost")})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	other := addMember(t, mgr, "Grace", 0)
	_, err = mgr.UpdateMember(ctx, other.ID, MemberChanges{Email: ptr("ada@example.com")})
	assert.ErrorIs(t, err, ErrDuplicateMember)
}

func TestRemoveMember(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	addBook(t, mgr, "ISBN-1", 1)
	m := addMember(t, mgr, "Ada", 0)
	id, err := mgr.Borrow(ctx, "ISBN-1", m.ID, 7)
	require.NoError(t, err)

	require.ErrorIs(t, mgr.RemoveMember(ctx, m.ID), ErrMemberHasActiveLoans)
	_, err = mgr.ReturnLoan(ctx, id)
	require.NoError(t, err)
	require.NoError(t, mgr.RemoveMember(ctx, m.ID))

	_, err = mgr.GetMember(ctx, m.ID)
	assert.ErrorIs(t, err, ErrMemberNotFound)
	assert.ErrorIs(t, mgr.RemoveMember(ctx, m.ID), ErrMemberNotFound)
}
