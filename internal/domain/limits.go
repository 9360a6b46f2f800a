package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Limit bounds the scale and magnitude of a decimal input. Values are checked
// against it before any arithmetic so that extreme exponents never reach a
// rescale.
type Limit struct {
	Name   string
	Places int32
	Max    decimal.Decimal
}

// maxExponent caps how far a value's exponent may sit from the allowed scale
// before it is rejected without comparison.
const (
	maxExponent = 18
	maxDigits   = 36
)

var (
	WeightLimit         = Limit{Name: "weight", Places: 3, Max: decimal.NewFromInt(1_000_000_000)}
	CountLimit          = Limit{Name: "count", Places: 0, Max: decimal.NewFromInt(1_000_000_000)}
	RateLimit           = Limit{Name: "rate", Places: 2, Max: decimal.NewFromInt(1_000_000_000)}
	CommissionRateLimit = Limit{Name: "commission rate", Places: 6, Max: decimal.NewFromInt(1)}
)

// QuantityLimit returns the limit for quantities measured in u.
func QuantityLimit(u Unit) Limit {
	if u == UnitCount {
		return CountLimit
	}
	return WeightLimit
}

// Check returns an error of the given kind when v has more than l.Places
// decimal places or its magnitude exceeds l.Max.
func (l Limit) Check(kind error, v decimal.Decimal) error {
	exp := v.Exponent()
	if exp > maxExponent || exp < -(l.Places+maxExponent) || v.NumDigits() > maxDigits {
		return fmt.Errorf("%w: %s out of range (at most %d decimal places, max %s)",
			kind, l.Name, l.Places, l.Max)
	}
	if !v.Equal(v.Truncate(l.Places)) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places", kind, l.Name, v, l.Places)
	}
	if v.Abs().GreaterThan(l.Max) {
		return fmt.Errorf("%w: %s %s exceeds %s", kind, l.Name, v, l.Max)
	}
	return nil
}
