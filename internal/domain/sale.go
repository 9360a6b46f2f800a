package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// SaleRecord is the immutable result of settling one trader's share of a lot.
type SaleRecord struct {
	ID               string          `json:"id"`
	CommitToken      string          `json:"commit_token"`
	LotID            string          `json:"lot_id"`
	FarmerID         string          `json:"farmer_id"`
	TraderID         string          `json:"trader_id"`
	CropName         string          `json:"crop_name"`
	Quantity         decimal.Decimal `json:"quantity"`
	Unit             Unit            `json:"unit"`
	Rate             decimal.Decimal `json:"rate"`
	SaleAmount       decimal.Decimal `json:"sale_amount"`
	FarmerRate       decimal.Decimal `json:"farmer_rate"`
	TraderRate       decimal.Decimal `json:"trader_rate"`
	FarmerCommission decimal.Decimal `json:"farmer_commission"`
	TraderCommission decimal.Decimal `json:"trader_commission"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	CreatedBy        string          `json:"created_by"`
	SoldAt           time.Time       `json:"sold_at"`
}

// Commit is the idempotency record of one settlement.
type Commit struct {
	Token       string    `json:"token"`
	LotID       string    `json:"lot_id"`
	Fingerprint string    `json:"fingerprint"`
	OperatorID  string    `json:"operator_id"`
	LineCount   int       `json:"line_count"`
	CommittedAt time.Time `json:"committed_at"`
}

// Settlement is everything one commit writes: the commit row, its sales and
// the lot state expected to be at ExpectedVersion before the write.
type Settlement struct {
	Commit          Commit
	Sales           []SaleRecord
	Lot             Lot
	ExpectedVersion int64
}
