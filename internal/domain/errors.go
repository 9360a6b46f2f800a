package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Error kinds shared by the ledger, the allocation draft and the settlement
// engine. Callers match them with errors.Is.
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrInvalidLine             = errors.New("invalid allocation line")
	ErrDuplicateTrader         = errors.New("trader already allocated in this draft")
	ErrOverAllocation          = errors.New("over-allocation")
	ErrInsufficientQuantity    = errors.New("insufficient quantity")
	ErrLotModifiedConcurrently = errors.New("lot modified concurrently")
	ErrInvalidLotMeasurement   = errors.New("invalid lot measurement")
	ErrCommitTokenConflict     = errors.New("commit token already used for a different allocation")
	ErrNotFound                = errors.New("not found")
	ErrDuplicate               = errors.New("already exists")
)

// QuantityError reports a quantity rejection together with the bound the
// caller has to respect.
type QuantityError struct {
	Kind      error
	Requested decimal.Decimal
	Max       decimal.Decimal
	Unit      Unit
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("%v: requested %s, max allocatable: %s",
		e.Kind, FormatQuantity(e.Requested, e.Unit), FormatQuantity(e.Max, e.Unit))
}

func (e *QuantityError) Unwrap() error {
	return e.Kind
}

// FormatQuantity renders a quantity with its unit suffix, e.g. "340kg",
// "1,250.5kg" or "12 crt". Digits are taken from the decimal itself.
func FormatQuantity(q decimal.Decimal, u Unit) string {
	s := formatDecimal(q)
	switch u {
	case UnitWeight:
		return s + "kg"
	case UnitCount:
		return s + " crt"
	default:
		return s
	}
}

func formatDecimal(q decimal.Decimal) string {
	whole := q.Truncate(0)
	s := humanize.BigComma(whole.Abs().BigInt())
	if frac := q.Sub(whole).Abs(); !frac.IsZero() {
		s += strings.TrimPrefix(frac.String(), "0")
	}
	if q.IsNegative() {
		s = "-" + s
	}
	return s
}

// IsRetryable reports whether err is a state race the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLotModifiedConcurrently) || errors.Is(err, ErrInsufficientQuantity)
}
