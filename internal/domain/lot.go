package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Unit string

const (
	UnitWeight Unit = "weight"
	UnitCount  Unit = "count"
)

// Valid reports whether u is one of the two lot units.
func (u Unit) Valid() bool {
	return u == UnitWeight || u == UnitCount
}

type LotStatus string

const (
	LotWeighed            LotStatus = "weighed"
	LotPartiallyAllocated LotStatus = "partially_allocated"
	LotSold               LotStatus = "sold"
)

// Lot is one farmer's weighed delivery of a single crop awaiting sale.
// Exactly one of MeasuredWeightKg and MeasuredCount is positive; that one is
// the lot's unit for its whole life.
type Lot struct {
	ID                string          `json:"id"`
	FarmerID          string          `json:"farmer_id"`
	CropName          string          `json:"crop_name"`
	MeasuredWeightKg  decimal.Decimal `json:"measured_weight_kg"`
	MeasuredCount     decimal.Decimal `json:"measured_count"`
	RemainingWeightKg decimal.Decimal `json:"remaining_weight_kg"`
	RemainingCount    decimal.Decimal `json:"remaining_count"`
	Status            LotStatus       `json:"status"`
	Version           int64           `json:"version"`
	SourceRef         string          `json:"source_ref,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewLot validates a weighing and returns a lot in the weighed state.
func NewLot(farmerID, cropName string, weightKg, count decimal.Decimal) (*Lot, error) {
	farmerID = strings.TrimSpace(farmerID)
	cropName = strings.TrimSpace(cropName)
	if farmerID == "" {
		return nil, fmt.Errorf("%w: farmer id is required", ErrInvalidArgument)
	}
	if cropName == "" {
		return nil, fmt.Errorf("%w: crop name is required", ErrInvalidArgument)
	}
	if err := checkMeasurement(weightKg, count); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Lot{
		ID:                uuid.NewString(),
		FarmerID:          farmerID,
		CropName:          cropName,
		MeasuredWeightKg:  weightKg,
		MeasuredCount:     count,
		RemainingWeightKg: weightKg,
		RemainingCount:    count,
		Status:            LotWeighed,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func checkMeasurement(weightKg, count decimal.Decimal) error {
	if err := WeightLimit.Check(ErrInvalidLotMeasurement, weightKg); err != nil {
		return err
	}
	if err := CountLimit.Check(ErrInvalidLotMeasurement, count); err != nil {
		return err
	}
	if weightKg.IsNegative() || count.IsNegative() {
		return fmt.Errorf("%w: negative measurement (weight %s, count %s)",
			ErrInvalidLotMeasurement, weightKg, count)
	}
	w, c := weightKg.IsPositive(), count.IsPositive()
	switch {
	case w && c:
		return fmt.Errorf("%w: both weight (%s kg) and count (%s) recorded",
			ErrInvalidLotMeasurement, weightKg, count)
	case !w && !c:
		return fmt.Errorf("%w: neither weight nor count recorded", ErrInvalidLotMeasurement)
	}
	return nil
}

// Validate re-checks the structural invariants of a lot loaded from storage.
func (l *Lot) Validate() error {
	if err := checkMeasurement(l.MeasuredWeightKg, l.MeasuredCount); err != nil {
		return fmt.Errorf("lot %s: %w", l.ID, err)
	}
	r := l.Remaining()
	if r.IsNegative() || r.GreaterThan(l.Measured()) {
		return fmt.Errorf("lot %s: %w: remaining %s outside [0, %s]",
			l.ID, ErrInvalidLotMeasurement, r, l.Measured())
	}
	return nil
}

// Unit returns the authoritative unit of the lot.
func (l *Lot) Unit() Unit {
	if l.MeasuredWeightKg.IsPositive() {
		return UnitWeight
	}
	return UnitCount
}

// Measured returns the measured quantity in the lot's unit.
func (l *Lot) Measured() decimal.Decimal {
	if l.Unit() == UnitWeight {
		return l.MeasuredWeightKg
	}
	return l.MeasuredCount
}

// Remaining returns the unallocated quantity in the lot's unit.
func (l *Lot) Remaining() decimal.Decimal {
	if l.Unit() == UnitWeight {
		return l.RemainingWeightKg
	}
	return l.RemainingCount
}

// Allocated returns the quantity already committed to sales.
func (l *Lot) Allocated() decimal.Decimal {
	return l.Measured().Sub(l.Remaining())
}

// Open reports whether the lot can still take allocations.
func (l *Lot) Open() bool {
	return l.Status == LotWeighed || l.Status == LotPartiallyAllocated
}

// Reserve takes q out of the remaining quantity.
func (l *Lot) Reserve(q decimal.Decimal) error {
	if !q.IsPositive() {
		return fmt.Errorf("%w: reserve quantity must be positive, got %s", ErrInvalidArgument, q)
	}
	remaining := l.Remaining()
	if q.GreaterThan(remaining) {
		return &QuantityError{Kind: ErrInsufficientQuantity, Requested: q, Max: remaining, Unit: l.Unit()}
	}
	l.setRemaining(remaining.Sub(q))
	return nil
}

// Release puts q back into the remaining quantity.
func (l *Lot) Release(q decimal.Decimal) error {
	if !q.IsPositive() {
		return fmt.Errorf("%w: release quantity must be positive, got %s", ErrInvalidArgument, q)
	}
	allocated := l.Allocated()
	if q.GreaterThan(allocated) {
		return &QuantityError{Kind: ErrInvalidArgument, Requested: q, Max: allocated, Unit: l.Unit()}
	}
	l.setRemaining(l.Remaining().Add(q))
	return nil
}

func (l *Lot) setRemaining(r decimal.Decimal) {
	if l.Unit() == UnitWeight {
		l.RemainingWeightKg = r
	} else {
		l.RemainingCount = r
	}
	l.Status = StatusFor(l.Measured(), r)
	l.UpdatedAt = time.Now().UTC()
}

// StatusFor derives the lot status from its measured and remaining quantity.
func StatusFor(measured, remaining decimal.Decimal) LotStatus {
	switch {
	case remaining.IsZero():
		return LotSold
	case remaining.LessThan(measured):
		return LotPartiallyAllocated
	default:
		return LotWeighed
	}
}
