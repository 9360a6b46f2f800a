package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type FindingType string

const (
	FindingOverAllocated      FindingType = "OVER_ALLOCATED"
	FindingRemainingDrift     FindingType = "REMAINING_DRIFT"
	FindingStatusDrift        FindingType = "STATUS_DRIFT"
	FindingCommissionMismatch FindingType = "COMMISSION_MISMATCH"
	FindingSaleAmountMismatch FindingType = "SALE_AMOUNT_MISMATCH"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Finding is one inconsistency detected between lots and their sale records.
type Finding struct {
	ID          string          `json:"id"`
	Type        FindingType     `json:"type"`
	LotID       string          `json:"lot_id"`
	SaleID      string          `json:"sale_id,omitempty"`
	Expected    decimal.Decimal `json:"expected"`
	Actual      decimal.Decimal `json:"actual"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	DetectedAt  time.Time       `json:"detected_at"`
}
