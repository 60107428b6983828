package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ------------------ Book helpers ------------------

// AddBook catalogs a new book with every copy on the shelf.
func (lm *LibraryManager) AddBook(ctx context.Context, in NewBookInput) (*Book, error) {
	in.ISBN = trimInput(in.ISBN)
	in.Title = trimInput(in.Title)
	in.Author = trimInput(in.Author)
	in.Genre = trimInput(in.Genre)
	if err := checkStruct(ErrInvalidBook, in); err != nil {
		return nil, err
	}

	book := NewBook(in.ISBN, in.Title, in.Author, in.Genre, in.PublicationYear, in.Copies)
	err := lm.store.RunAtomic(ctx, UpsertBook{Book: book, Create: true})
	switch {
	case errors.Is(err, ErrDuplicate):
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBook, in.ISBN)
	case err != nil:
		return nil, persistenceFailure("add book", err)
	}
	lm.log.Info("book added", slog.String("isbn", book.ISBN), slog.Int("copies", book.TotalCopies))
	return book, nil
}

// EditBook updates catalog details. Changing the total keeps every copy
// that is on loan on loan, so the new total may not drop below that count.
func (lm *LibraryManager) EditBook(ctx context.Context, isbn string, ch BookChanges) (*Book, error) {
	if err := checkStruct(ErrInvalidBook, ch); err != nil {
		return nil, err
	}

	var book *Book
	err := lm.retry.run(ctx, func(int) error {
		if err := lm.checkQuarantine(isbn); err != nil {
			return err
		}
		b, err := lm.store.GetBook(ctx, isbn)
		if err != nil {
			return lookupErr(err, ErrBookNotFound)
		}
		applyBookChanges(b, ch)
		if ch.TotalCopies != nil {
			onLoan := b.OnLoan()
			if *ch.TotalCopies < onLoan {
				return fmt.Errorf("%w: %d on loan, requested %d", ErrCopiesOnLoan, onLoan, *ch.TotalCopies)
			}
			b.TotalCopies = *ch.TotalCopies
			b.AvailableCopies = b.TotalCopies - onLoan
		}
		if err := lm.commit(ctx, UpsertBook{Book: b}); err != nil {
			return err
		}
		book = b
		return nil
	})
	if err = lm.settle("", err); err != nil {
		return nil, fmt.Errorf("edit book %q: %w", isbn, err)
	}
	lm.log.Info("book edited", slog.String("isbn", isbn), slog.Int("total_copies", book.TotalCopies))
	return book, nil
}

func applyBookChanges(b *Book, ch BookChanges) {
	if ch.Title != nil {
		b.Title = trimInput(*ch.Title)
	}
	if ch.Author != nil {
		b.Author = trimInput(*ch.Author)
	}
	if ch.Genre != nil {
		b.Genre = trimInput(*ch.Genre)
	}
	if ch.PublicationYear != nil {
		b.PublicationYear = *ch.PublicationYear
	}
}

// SetBookHold withdraws a book from circulation, or returns it with
// HoldNone. Copies already on loan can still be returned.
func (lm *LibraryManager) SetBookHold(ctx context.Context, isbn string, hold BookHold) (*Book, error) {
	if hold < HoldNone || hold > HoldMaintenance {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBookHold, hold)
	}

	var book *Book
	err := lm.retry.run(ctx, func(int) error {
		b, err := lm.store.GetBook(ctx, isbn)
		if err != nil {
			return lookupErr(err, ErrBookNotFound)
		}
		b.Hold = hold
		if err := lm.commit(ctx, UpsertBook{Book: b}); err != nil {
			return err
		}
		book = b
		return nil
	})
	if err = lm.settle("", err); err != nil {
		return nil, fmt.Errorf("set hold on %q: %w", isbn, err)
	}
	lm.log.Info("book hold changed", slog.String("isbn", isbn), slog.String("hold", hold.String()))
	return book, nil
}

// RemoveBook deletes a catalog entry that no active loan references.
// Returned loans keep their history.
func (lm *LibraryManager) RemoveBook(ctx context.Context, isbn string) error {
	err := lm.store.DeleteBook(ctx, isbn)
	switch {
	case errors.Is(err, ErrNoRecord):
		return fmt.Errorf("remove book %q: %w", isbn, ErrBookNotFound)
	case errors.Is(err, ErrStillReferenced):
		return fmt.Errorf("remove book %q: %w", isbn, ErrBookHasActiveLoans)
	case err != nil:
		return persistenceFailure("remove book", err)
	}
	lm.release(isbn)
	lm.log.Info("book removed", slog.String("isbn", isbn))
	return nil
}

// GetBook fetches a single book.
func (lm *LibraryManager) GetBook(ctx context.Context, isbn string) (*Book, error) {
	book, err := lm.store.GetBook(ctx, isbn)
	if err != nil {
		return nil, lm.readErr("get book", err, ErrBookNotFound)
	}
	return book, nil
}

// ListBooks returns the catalog ordered by ISBN.
func (lm *LibraryManager) ListBooks(ctx context.Context) ([]*Book, error) {
	books, err := lm.store.ListBooks(ctx)
	if err != nil {
		return nil, lm.readErr("list books", err, nil)
	}
	return books, nil
}

// ------------------ Member helpers ------------------

// AddMember registers a member and returns it with its generated ID.
func (lm *LibraryManager) AddMember(ctx context.Context, in NewMemberInput) (*Member, error) {
	in.Name = trimInput(in.Name)
	in.Email = trimInput(in.Email)
	in.Phone = trimInput(in.Phone)
	if err := checkStruct(ErrInvalidMember, in); err != nil {
		return nil, err
	}
	if !validMemberType(in.Type) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMemberType, in.Type)
	}

	member := NewMember(in.Name, in.Email, in.Phone, in.Type, in.MaxBooksAllowed)
	if err := lm.store.InsertMember(ctx, member); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, in.Email)
		}
		return nil, persistenceFailure("add member", err)
	}
	lm.log.Info("member added", slog.Int64("member_id", member.ID), slog.String("type", member.Type.String()))
	return member, nil
}

// UpdateMember edits a member's contact details, type or limit. Lowering
// the limit below the member's current loans does not recall them; it only
// blocks further borrowing.
func (lm *LibraryManager) UpdateMember(ctx context.Context, id int64, ch MemberChanges) (*Member, error) {
	if err := checkStruct(ErrInvalidMember, ch); err != nil {
		return nil, err
	}
	if ch.Type != nil && !validMemberType(*ch.Type) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMemberType, *ch.Type)
	}
	if ch.Email != nil {
		if err := checkEmail(trimInput(*ch.Email)); err != nil {
			return nil, err
		}
	}

	m, err := lm.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Name != nil {
		m.Name = trimInput(*ch.Name)
	}
	if ch.Email != nil {
		m.Email = trimInput(*ch.Email)
	}
	if ch.Phone != nil {
		m.Phone = trimInput(*ch.Phone)
	}
	if ch.Type != nil {
		m.Type = *ch.Type
		if ch.MaxBooksAllowed == nil {
			m.MaxBooksAllowed = DefaultBorrowLimit(m.Type)
		}
	}
	if ch.MaxBooksAllowed != nil {
		m.MaxBooksAllowed = *ch.MaxBooksAllowed
		if m.MaxBooksAllowed == 0 {
			m.MaxBooksAllowed = DefaultBorrowLimit(m.Type)
		}
	}

	err = lm.store.UpdateMember(ctx, m)
	switch {
	case errors.Is(err, ErrNoRecord):
		return nil, fmt.Errorf("update member %d: %w", id, ErrMemberNotFound)
	case errors.Is(err, ErrDuplicate):
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.Email)
	case err != nil:
		return nil, persistenceFailure("update member", err)
	}
	return m, nil
}

// RemoveMember deletes a member who has no active loans.
func (lm *LibraryManager) RemoveMember(ctx context.Context, id int64) error {
	err := lm.store.DeleteMember(ctx, id)
	switch {
	case errors.Is(err, ErrNoRecord):
		return fmt.Errorf("remove member %d: %w", id, ErrMemberNotFound)
	case errors.Is(err, ErrStillReferenced):
		return fmt.Errorf("remove member %d: %w", id, ErrMemberHasActiveLoans)
	case err != nil:
		return persistenceFailure("remove member", err)
	}
	lm.log.Info("member removed", slog.Int64("member_id", id))
	return nil
}

// GetMember fetches a single member.
func (lm *LibraryManager) GetMember(ctx context.Context, id int64) (*Member, error) {
	m, err := lm.store.GetMember(ctx, id)
	if err != nil {
		return nil, lm.readErr("get member", err, ErrMemberNotFound)
	}
	return m, nil
}

// ListMembers returns all members ordered by ID.
func (lm *LibraryManager) ListMembers(ctx context.Context) ([]*Member, error) {
	members, err := lm.store.ListMembers(ctx)
	if err != nil {
		return nil, lm.readErr("list members", err, nil)
	}
	return members, nil
}
