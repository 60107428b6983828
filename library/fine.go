package library

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDailyFine is charged per overdue day when no rate is configured.
var DefaultDailyFine = decimal.NewFromInt(5)

const day = 24 * time.Hour

// FinePolicy maps an overdue interval to a fine. Any started day counts as
// a full day.
type FinePolicy struct {
	DailyRate decimal.Decimal
}

// DefaultFinePolicy charges DefaultDailyFine per day.
func DefaultFinePolicy() FinePolicy {
	return FinePolicy{DailyRate: DefaultDailyFine}
}

// Fine returns the amount owed for a loan due at due and settled at ref.
func (p FinePolicy) Fine(due, ref time.Time) decimal.Decimal {
	if !ref.After(due) {
		return decimal.Zero
	}
	return p.DailyRate.Mul(decimal.NewFromInt(OverdueDays(due, ref)))
}

// OverdueDays counts started days between due and ref, or 0 when ref is not
// after due.
func OverdueDays(due, ref time.Time) int64 {
	overdue := ref.Sub(due)
	if overdue <= 0 {
		return 0
	}
	days := int64(overdue / day)
	if overdue%day != 0 {
		days++
	}
	return days
}
