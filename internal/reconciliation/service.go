// Package reconciliation audits the ledger: every lot's remaining quantity
// and status must agree with its sale records, and every sale's amounts must
// agree with its quantity and rates.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
	"github.com/mandi/auction/internal/money"
)

type LotSource interface {
	All(ctx context.Context) ([]*domain.Lot, error)
}

type SaleSource interface {
	All(ctx context.Context) ([]domain.SaleRecord, error)
}

type FindingStore interface {
	Replace(ctx context.Context, findings []domain.Finding) error
}

// Result summarises an audit run.
type Result struct {
	LotsChecked   int                        `json:"lots_checked"`
	SalesChecked  int                        `json:"sales_checked"`
	TotalFindings int                        `json:"total_findings"`
	ByType        map[domain.FindingType]int `json:"by_type"`
	RanAt         time.Time                  `json:"ran_at"`
}

type Service struct {
	lots     LotSource
	sales    SaleSource
	findings FindingStore
	logger   *slog.Logger
}

func NewService(lots LotSource, sales SaleSource, findings FindingStore, logger *slog.Logger) *Service {
	return &Service{
		lots:     lots,
		sales:    sales,
		findings: findings,
		logger:   logger.With("system", "reconciliation"),
	}
}

// Run replaces previous findings with a fresh audit of the whole ledger.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	lots, err := s.lots.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	sales, err := s.sales.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sales: %w", err)
	}

	now := time.Now().UTC()
	findings := Detect(lots, sales, now)
	if err := s.findings.Replace(ctx, findings); err != nil {
		return nil, fmt.Errorf("store findings: %w", err)
	}

	res := &Result{
		LotsChecked:   len(lots),
		SalesChecked:  len(sales),
		TotalFindings: len(findings),
		ByType:        make(map[domain.FindingType]int),
		RanAt:         now,
	}
	for _, f := range findings {
		res.ByType[f.Type]++
	}

	s.logger.Info("ledger audit complete",
		"lots", res.LotsChecked, "sales", res.SalesChecked, "findings", res.TotalFindings)
	return res, nil
}

// Detect compares lots against their sales and returns every inconsistency.
func Detect(lots []*domain.Lot, sales []domain.SaleRecord, now time.Time) []domain.Finding {
	allocated := make(map[string]decimal.Decimal, len(lots))
	var findings []domain.Finding

	for i := range sales {
		sale := &sales[i]
		allocated[sale.LotID] = allocated[sale.LotID].Add(sale.Quantity)
		findings = append(findings, checkSale(sale, now)...)
	}

	for _, lot := range lots {
		findings = append(findings, checkLot(lot, allocated[lot.ID], now)...)
	}
	return findings
}

func checkLot(lot *domain.Lot, allocated decimal.Decimal, now time.Time) []domain.Finding {
	var out []domain.Finding
	measured, remaining := lot.Measured(), lot.Remaining()
	unit := lot.Unit()

	if allocated.GreaterThan(measured) {
		out = append(out, domain.Finding{
			ID:       "F-OA-" + lot.ID,
			Type:     domain.FindingOverAllocated,
			LotID:    lot.ID,
			Expected: measured,
			Actual:   allocated,
			Severity: domain.SeverityCritical,
			Description: fmt.Sprintf("Lot %s sold %s but only %s was weighed",
				lot.ID, domain.FormatQuantity(allocated, unit), domain.FormatQuantity(measured, unit)),
			DetectedAt: now,
		})
	}

	if expected := measured.Sub(allocated); !expected.Equal(remaining) {
		out = append(out, domain.Finding{
			ID:       "F-RD-" + lot.ID,
			Type:     domain.FindingRemainingDrift,
			LotID:    lot.ID,
			Expected: expected,
			Actual:   remaining,
			Severity: domain.SeverityHigh,
			Description: fmt.Sprintf("Lot %s shows %s remaining, sales imply %s",
				lot.ID, domain.FormatQuantity(remaining, unit), domain.FormatQuantity(expected, unit)),
			DetectedAt: now,
		})
	}

	if want := domain.StatusFor(measured, remaining); lot.Status != want {
		out = append(out, domain.Finding{
			ID:          "F-SD-" + lot.ID,
			Type:        domain.FindingStatusDrift,
			LotID:       lot.ID,
			Expected:    remaining,
			Actual:      remaining,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("Lot %s is %s but its remaining quantity means %s", lot.ID, lot.Status, want),
			DetectedAt:  now,
		})
	}
	return out
}

func checkSale(sale *domain.SaleRecord, now time.Time) []domain.Finding {
	var out []domain.Finding

	if expected := money.SaleAmount(sale.Quantity, sale.Rate); !expected.Equal(sale.SaleAmount) {
		out = append(out, domain.Finding{
			ID:       "F-SA-" + sale.ID,
			Type:     domain.FindingSaleAmountMismatch,
			LotID:    sale.LotID,
			SaleID:   sale.ID,
			Expected: expected,
			Actual:   sale.SaleAmount,
			Severity: domain.SeverityHigh,
			Description: fmt.Sprintf("Sale %s amount %s does not equal %s × %s",
				sale.ID, sale.SaleAmount, sale.Quantity, sale.Rate),
			DetectedAt: now,
		})
	}

	sides := []struct {
		code   string
		role   domain.Role
		rate   decimal.Decimal
		actual decimal.Decimal
	}{
		{"F-CF-", domain.RoleFarmer, sale.FarmerRate, sale.FarmerCommission},
		{"F-CT-", domain.RoleTrader, sale.TraderRate, sale.TraderCommission},
	}
	for _, side := range sides {
		expected := money.Commission(sale.SaleAmount, side.rate)
		if expected.Equal(side.actual) {
			continue
		}
		out = append(out, domain.Finding{
			ID:       side.code + sale.ID,
			Type:     domain.FindingCommissionMismatch,
			LotID:    sale.LotID,
			SaleID:   sale.ID,
			Expected: expected,
			Actual:   side.actual,
			Severity: severityByAmount(expected.Sub(side.actual).Abs()),
			Description: fmt.Sprintf("Sale %s %s commission %s, expected %s at rate %s",
				sale.ID, side.role, side.actual, expected, side.rate),
			DetectedAt: now,
		})
	}
	return out
}

func severityByAmount(diff decimal.Decimal) domain.Severity {
	switch {
	case diff.GreaterThan(decimal.NewFromInt(1000)):
		return domain.SeverityHigh
	case diff.GreaterThan(decimal.NewFromInt(100)):
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
