// Package allocation builds a draft split of one lot across traders. A
// draft is a plain value: it holds no lock and persists nothing, so an
// abandoned draft has no effect on the lot.
package allocation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
	"github.com/mandi/auction/internal/money"
)

// Line is one trader's share of a lot at a negotiated rate per unit.
type Line struct {
	TraderID string          `json:"trader_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
}

// Amount is the line's sale amount before commission.
func (l Line) Amount() decimal.Decimal {
	return money.SaleAmount(l.Quantity, l.Rate)
}

// Builder accumulates lines against a snapshot of a lot's remaining quantity.
type Builder struct {
	lotID     string
	unit      domain.Unit
	remaining decimal.Decimal
	lines     []Line
}

// NewBuilder snapshots lot. Later changes to lot are not seen by the draft.
func NewBuilder(lot *domain.Lot) *Builder {
	return &Builder{
		lotID:     lot.ID,
		unit:      lot.Unit(),
		remaining: lot.Remaining(),
	}
}

// Rebuild replays lines against lot's current state.
func Rebuild(lot *domain.Lot, lines []Line) (*Builder, error) {
	b := NewBuilder(lot)
	for i, l := range lines {
		if err := b.AddLine(l.TraderID, l.Quantity, l.Rate); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return b, nil
}

func (b *Builder) LotID() string     { return b.lotID }
func (b *Builder) Unit() domain.Unit { return b.unit }
func (b *Builder) Len() int          { return len(b.lines) }

// Lines returns a copy of the draft lines.
func (b *Builder) Lines() []Line {
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Total is the drafted quantity.
func (b *Builder) Total() decimal.Decimal {
	return b.totalExcept(-1)
}

// RemainingAfterDraft is what the lot would keep if the draft were committed.
func (b *Builder) RemainingAfterDraft() decimal.Decimal {
	return b.remaining.Sub(b.Total())
}

// AddLine appends a line for a trader not yet in the draft.
func (b *Builder) AddLine(traderID string, qty, rate decimal.Decimal) error {
	traderID = strings.TrimSpace(traderID)
	if err := CheckLine(b.unit, Line{TraderID: traderID, Quantity: qty, Rate: rate}); err != nil {
		return err
	}
	for _, l := range b.lines {
		if l.TraderID == traderID {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTrader, traderID)
		}
	}
	if err := b.checkFits(qty, -1); err != nil {
		return err
	}
	b.lines = append(b.lines, Line{TraderID: traderID, Quantity: qty, Rate: rate})
	return nil
}

// EditLine replaces the quantity and rate of the line at index.
func (b *Builder) EditLine(index int, qty, rate decimal.Decimal) error {
	if err := b.checkIndex(index); err != nil {
		return err
	}
	if err := CheckLine(b.unit, Line{TraderID: b.lines[index].TraderID, Quantity: qty, Rate: rate}); err != nil {
		return err
	}
	if err := b.checkFits(qty, index); err != nil {
		return err
	}
	b.lines[index].Quantity = qty
	b.lines[index].Rate = rate
	return nil
}

// RemoveLine drops the line at index.
func (b *Builder) RemoveLine(index int) error {
	if err := b.checkIndex(index); err != nil {
		return err
	}
	b.lines = append(b.lines[:index], b.lines[index+1:]...)
	return nil
}

func (b *Builder) checkIndex(index int) error {
	if index < 0 || index >= len(b.lines) {
		return fmt.Errorf("%w: line index %d out of range [0, %d)", domain.ErrInvalidArgument, index, len(b.lines))
	}
	return nil
}

func (b *Builder) checkFits(qty decimal.Decimal, skip int) error {
	available := b.remaining.Sub(b.totalExcept(skip))
	if qty.GreaterThan(available) {
		if available.IsNegative() {
			available = decimal.Zero
		}
		return &domain.QuantityError{
			Kind:      domain.ErrOverAllocation,
			Requested: qty,
			Max:       available,
			Unit:      b.unit,
		}
	}
	return nil
}

func (b *Builder) totalExcept(skip int) decimal.Decimal {
	total := decimal.Zero
	for i, l := range b.lines {
		if i != skip {
			total = total.Add(l.Quantity)
		}
	}
	return total
}

// CheckLine validates a line on its own, without regard to the lot's
// remaining quantity. Quantities follow the scale of unit.
func CheckLine(unit domain.Unit, l Line) error {
	if strings.TrimSpace(l.TraderID) == "" {
		return fmt.Errorf("%w: trader is required", domain.ErrInvalidLine)
	}
	if err := domain.QuantityLimit(unit).Check(domain.ErrInvalidLine, l.Quantity); err != nil {
		return err
	}
	if err := domain.RateLimit.Check(domain.ErrInvalidLine, l.Rate); err != nil {
		return err
	}
	if !l.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", domain.ErrInvalidLine, l.Quantity)
	}
	if !l.Rate.IsPositive() {
		return fmt.Errorf("%w: rate must be positive, got %s", domain.ErrInvalidLine, l.Rate)
	}
	return nil
}
