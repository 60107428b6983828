package library

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewBookInput is what a caller supplies to catalog a book.
type NewBookInput struct {
	ISBN            string `validate:"required,max=32"`
	Title           string `validate:"required,max=255"`
	Author          string `validate:"required,max=255"`
	Genre           string `validate:"max=100"`
	PublicationYear int    `validate:"gte=0,lte=9999"`
	Copies          int    `validate:"gte=0"`
}

// BookChanges edits a catalog entry. Nil fields are left alone.
type BookChanges struct {
	Title           *string `validate:"omitnil,min=1,max=255"`
	Author          *string `validate:"omitnil,min=1,max=255"`
	Genre           *string `validate:"omitnil,max=100"`
	PublicationYear *int    `validate:"omitnil,gte=0,lte=9999"`
	TotalCopies     *int    `validate:"omitnil,gte=0"`
}

// NewMemberInput is what a caller supplies to register a member.
// MaxBooksAllowed of zero selects the type's default.
type NewMemberInput struct {
	Name            string `validate:"required,max=255"`
	Email           string `validate:"omitempty,email"`
	Phone           string `validate:"max=32"`
	Type            MemberType
	MaxBooksAllowed int `validate:"gte=0"`
}

// MemberChanges edits a member. Nil fields are left alone; a zero
// MaxBooksAllowed restores the type's default.
type MemberChanges struct {
	Name            *string     `validate:"omitnil,min=1,max=255"`
	Email           *string     `validate:"-"`
	Phone           *string     `validate:"omitnil,max=32"`
	Type            *MemberType `validate:"-"`
	MaxBooksAllowed *int        `validate:"omitnil,gte=0"`
}

func trimInput(s string) string { return strings.TrimSpace(s) }

// checkEmail accepts an empty address or a well-formed one.
func checkEmail(email string) error {
	if email == "" {
		return nil
	}
	if err := validate.Var(email, "email"); err != nil {
		return fmt.Errorf("%w: email must be a valid email address", ErrInvalidMember)
	}
	return nil
}

// checkStruct validates v and wraps failures in sentinel.
func checkStruct(sentinel *Error, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeField(fe))
	}
	return fmt.Errorf("%w: %s", sentinel, strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

func validMemberType(t MemberType) bool {
	return t >= MemberStudent && t <= MemberExternal
}
