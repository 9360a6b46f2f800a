// Package money holds the settlement arithmetic. All amounts are whole
// units of the market's single currency; quantities and rates are exact
// decimals.
package money

import (
	"github.com/shopspring/decimal"
)

// SaleAmount is quantity × rate, unrounded.
func SaleAmount(quantity, rate decimal.Decimal) decimal.Decimal {
	return quantity.Mul(rate)
}

// Commission charges rate on amount and rounds half-up to a whole unit.
// Farmer and trader commissions are each computed with this on the same
// sale amount; their sum may differ by one unit from rounding the combined
// rate, and settlement totals depend on that.
func Commission(amount, rate decimal.Decimal) decimal.Decimal {
	return RoundHalfUp(amount.Mul(rate))
}

// RoundHalfUp rounds to the nearest whole unit, halves away from zero.
// Amounts are never negative here, so this is round-half-up.
func RoundHalfUp(v decimal.Decimal) decimal.Decimal {
	return v.Round(0)
}

// Totals accumulates settlement figures.
type Totals struct {
	Quantity         decimal.Decimal `json:"quantity"`
	SaleAmount       decimal.Decimal `json:"sale_amount"`
	FarmerCommission decimal.Decimal `json:"farmer_commission"`
	TraderCommission decimal.Decimal `json:"trader_commission"`
}

// Add folds one sale into t.
func (t *Totals) Add(quantity, amount, farmerCommission, traderCommission decimal.Decimal) {
	t.Quantity = t.Quantity.Add(quantity)
	t.SaleAmount = t.SaleAmount.Add(amount)
	t.FarmerCommission = t.FarmerCommission.Add(farmerCommission)
	t.TraderCommission = t.TraderCommission.Add(traderCommission)
}

// CommitteeIncome is the commission collected from both parties.
func (t Totals) CommitteeIncome() decimal.Decimal {
	return t.FarmerCommission.Add(t.TraderCommission)
}

// FarmerPayable is what the farmer receives after commission.
func (t Totals) FarmerPayable() decimal.Decimal {
	return t.SaleAmount.Sub(t.FarmerCommission)
}

// TraderPayable is what traders owe including their commission.
func (t Totals) TraderPayable() decimal.Decimal {
	return t.SaleAmount.Add(t.TraderCommission)
}
