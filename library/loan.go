package library

import (
	"time"

	"github.com/shopspring/decimal"
)

// Loan terms are bounded in days.
const (
	MinTermDays     = 1
	MaxTermDays     = 60
	DefaultTermDays = 14
)

// LoanState is the lifecycle position of a loan. Returned is terminal.
type LoanState int

const (
	LoanActive LoanState = iota
	LoanReturned
)

func (s LoanState) String() string {
	if s == LoanReturned {
		return "returned"
	}
	return "active"
}

// Loan binds one copy of a book to a member for a bounded period.
type Loan struct {
	ID         int64           `json:"id"`
	ISBN       string          `json:"isbn"`
	MemberID   int64           `json:"member_id"`
	LoanDate   time.Time       `json:"loan_date"`
	DueDate    time.Time       `json:"due_date"`
	ReturnDate time.Time       `json:"return_date"`
	IsReturned bool            `json:"is_returned"`
	FineAmount decimal.Decimal `json:"fine_amount"`
}

// ValidTerm reports whether days is an accepted loan term.
func ValidTerm(days int) bool {
	return days >= MinTermDays && days <= MaxTermDays
}

// NewLoan opens an active loan starting at start. The term is not
// validated here.
func NewLoan(isbn string, memberID int64, start time.Time, termDays int) *Loan {
	return &Loan{
		ISBN:       isbn,
		MemberID:   memberID,
		LoanDate:   start,
		DueDate:    start.Add(time.Duration(termDays) * day),
		FineAmount: decimal.Zero,
	}
}

// State reports where the loan is in its lifecycle.
func (l *Loan) State() LoanState {
	if l.IsReturned {
		return LoanReturned
	}
	return LoanActive
}

// Return moves the loan to Returned at the given time and records the fine.
// A returned loan is left untouched.
func (l *Loan) Return(at time.Time, policy FinePolicy) error {
	if l.IsReturned {
		return ErrAlreadyReturned
	}
	l.ReturnDate = at
	l.FineAmount = policy.Fine(l.DueDate, at)
	l.IsReturned = true
	return nil
}

// IsOverdue reports whether an active loan is past due at ref, or whether a
// returned loan came back late.
func (l *Loan) IsOverdue(ref time.Time) bool {
	if l.IsReturned {
		return l.ReturnDate.After(l.DueDate)
	}
	return ref.After(l.DueDate)
}
