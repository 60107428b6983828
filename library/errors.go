package library

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so callers can decide how to react without
// matching on individual sentinels.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvariantViolation
	KindInvalidInput
	KindPersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvariantViolation:
		return "invariant violation"
	case KindInvalidInput:
		return "invalid input"
	case KindPersistenceFailure:
		return "persistence failure"
	default:
		return "unknown"
	}
}

// Error is the type of every sentinel the engine returns. Sentinels are
// compared by identity, so wrap them with %w to add context.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind reports the error's classification.
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

var (
	ErrBookNotFound   = newError(KindNotFound, "book not found")
	ErrMemberNotFound = newError(KindNotFound, "member not found")
	ErrLoanNotFound   = newError(KindNotFound, "loan not found")

	ErrNoCopiesAvailable     = newError(KindInvariantViolation, "no copies available")
	ErrBorrowLimitExceeded   = newError(KindInvariantViolation, "borrow limit exceeded")
	ErrAlreadyReturned       = newError(KindInvariantViolation, "loan already returned")
	ErrAlreadyFullyReturned  = newError(KindInvariantViolation, "all copies already returned")
	ErrInventoryInconsistent = newError(KindInvariantViolation, "inventory inconsistent")
	ErrBookOnHold            = newError(KindInvariantViolation, "book is withdrawn from circulation")
	ErrCopiesOnLoan          = newError(KindInvariantViolation, "more copies on loan than requested total")
	ErrBookHasActiveLoans    = newError(KindInvariantViolation, "book has active loans")
	ErrMemberHasActiveLoans  = newError(KindInvariantViolation, "member has active loans")
	ErrEntityQuarantined     = newError(KindInvariantViolation, "book is quarantined pending reconcile")

	ErrInvalidTerm       = newError(KindInvalidInput, "loan term must be between 1 and 60 days")
	ErrInvalidBook       = newError(KindInvalidInput, "invalid book")
	ErrInvalidMember     = newError(KindInvalidInput, "invalid member")
	ErrDuplicateBook     = newError(KindInvalidInput, "a book with this ISBN already exists")
	ErrDuplicateMember   = newError(KindInvalidInput, "a member with this email already exists")
	ErrInvalidBookHold   = newError(KindInvalidInput, "unknown book hold")
	ErrInvalidMemberType = newError(KindInvalidInput, "unknown member type")

	ErrPersistenceFailure = newError(KindPersistenceFailure, "persistence failure")
)

// Errors reported by Store implementations. The engine translates them into
// the sentinels above.
var (
	ErrNoRecord        = errors.New("store: no record")
	ErrDuplicate       = errors.New("store: duplicate key")
	ErrStillReferenced = errors.New("store: record referenced by active loans")
	ErrConflict        = errors.New("store: concurrent modification")
	ErrTransient       = errors.New("store: transient contention")
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// persistenceFailure joins cause with ErrPersistenceFailure, keeping both
// reachable through errors.Is.
func persistenceFailure(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceFailure, cause)
}
