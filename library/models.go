package library

import (
	"fmt"
	"strings"
)

// BookStatus is derived from a book's copy counts and administrative hold.
// It is never stored.
type BookStatus int

const (
	StatusAvailable BookStatus = iota
	StatusBorrowed
	StatusReserved
	StatusMaintenance
)

func (s BookStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusBorrowed:
		return "borrowed"
	case StatusReserved:
		return "reserved"
	case StatusMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// BookHold is an administrative flag that withdraws a book from circulation.
type BookHold int

const (
	HoldNone BookHold = iota
	HoldReserved
	HoldMaintenance
)

func (h BookHold) String() string {
	switch h {
	case HoldNone:
		return "none"
	case HoldReserved:
		return "reserved"
	case HoldMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// ParseBookHold accepts the names printed by BookHold.String.
func ParseBookHold(s string) (BookHold, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return HoldNone, nil
	case "reserved":
		return HoldReserved, nil
	case "maintenance":
		return HoldMaintenance, nil
	}
	return HoldNone, fmt.Errorf("%w: %q", ErrInvalidBookHold, s)
}

// Book is a catalog entry with a finite number of lendable copies.
type Book struct {
	ISBN            string   `json:"isbn"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Genre           string   `json:"genre"`
	PublicationYear int      `json:"publication_year"`
	TotalCopies     int      `json:"total_copies"`
	AvailableCopies int      `json:"available_copies"`
	Hold            BookHold `json:"-"`

	// Version counts committed writes to the row. Stores refuse an update
	// whose Version no longer matches the stored one.
	Version int64 `json:"-"`
}

// NewBook creates a book with every copy available.
func NewBook(isbn, title, author, genre string, year, copies int) *Book {
	return RestoreBook(isbn, title, author, genre, year, copies, copies, HoldNone)
}

// RestoreBook rebuilds a book from stored values. Negative counts clamp to 0
// and available copies clamp to the total.
func RestoreBook(isbn, title, author, genre string, year, total, available int, hold BookHold) *Book {
	b := &Book{
		ISBN:            isbn,
		Title:           title,
		Author:          author,
		Genre:           genre,
		PublicationYear: year,
		Hold:            hold,
	}
	b.TotalCopies = max(total, 0)
	b.AvailableCopies = min(max(available, 0), b.TotalCopies)
	return b
}

// Status reports the derived circulation status.
func (b *Book) Status() BookStatus {
	switch b.Hold {
	case HoldReserved:
		return StatusReserved
	case HoldMaintenance:
		return StatusMaintenance
	}
	if b.AvailableCopies == 0 {
		return StatusBorrowed
	}
	return StatusAvailable
}

// OnLoan is the number of copies not on the shelf.
func (b *Book) OnLoan() int { return b.TotalCopies - b.AvailableCopies }

// Borrow takes one copy off the shelf.
func (b *Book) Borrow() error {
	if b.Hold != HoldNone {
		return ErrBookOnHold
	}
	if b.AvailableCopies <= 0 {
		return ErrNoCopiesAvailable
	}
	b.AvailableCopies--
	return nil
}

// ReturnCopy puts one copy back on the shelf.
func (b *Book) ReturnCopy() error {
	if b.AvailableCopies >= b.TotalCopies {
		return ErrAlreadyFullyReturned
	}
	b.AvailableCopies++
	return nil
}

// MemberType determines a member's default borrowing entitlement.
type MemberType int

const (
	MemberStudent MemberType = iota
	MemberFaculty
	MemberExternal
)

func (t MemberType) String() string {
	switch t {
	case MemberStudent:
		return "student"
	case MemberFaculty:
		return "faculty"
	case MemberExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ParseMemberType accepts the names printed by MemberType.String.
func ParseMemberType(s string) (MemberType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "student", "":
		return MemberStudent, nil
	case "faculty":
		return MemberFaculty, nil
	case "external":
		return MemberExternal, nil
	}
	return MemberStudent, fmt.Errorf("%w: %q", ErrInvalidMemberType, s)
}

// DefaultBorrowLimit is the number of concurrent loans a member type gets
// when no explicit limit is set.
func DefaultBorrowLimit(t MemberType) int {
	switch t {
	case MemberFaculty:
		return 10
	case MemberExternal:
		return 3
	default:
		return 5
	}
}

// Member represents a registered library member.
type Member struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Phone           string     `json:"phone"`
	Type            MemberType `json:"-"`
	MaxBooksAllowed int        `json:"max_books_allowed"`
}

// NewMember creates an unsaved member. A non-positive limit selects the
// type's default.
func NewMember(name, email, phone string, t MemberType, limit int) *Member {
	if limit <= 0 {
		limit = DefaultBorrowLimit(t)
	}
	return &Member{
		Name:            name,
		Email:           email,
		Phone:           phone,
		Type:            t,
		MaxBooksAllowed: limit,
	}
}
