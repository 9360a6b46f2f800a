package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
)

type FindingRepo struct {
	db *sqlx.DB
}

func NewFindingRepo(db *sqlx.DB) *FindingRepo {
	return &FindingRepo{db: db}
}

type findingRow struct {
	ID          string          `db:"id"`
	Type        string          `db:"type"`
	LotID       string          `db:"lot_id"`
	SaleID      string          `db:"sale_id"`
	Expected    decimal.Decimal `db:"expected"`
	Actual      decimal.Decimal `db:"actual"`
	Severity    string          `db:"severity"`
	Description string          `db:"description"`
	DetectedAt  timestamp       `db:"detected_at"`
}

const findingColumns = `id, type, lot_id, sale_id, expected, actual, severity, description, detected_at`

// Replace swaps the stored findings for a fresh audit result.
func (r *FindingRepo) Replace(ctx context.Context, findings []domain.Finding) error {
	_, err := WithTx(ctx, r.db, func(tx *sqlx.Tx) (struct{}, error) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM findings"); err != nil {
			return struct{}{}, fmt.Errorf("clear findings: %w", err)
		}
		for i := range findings {
			f := &findings[i]
			_, err := tx.NamedExecContext(ctx, `INSERT INTO findings (`+findingColumns+`)
				VALUES (:id, :type, :lot_id, :sale_id, :expected, :actual, :severity, :description, :detected_at)`,
				findingRow{
					ID:          f.ID,
					Type:        string(f.Type),
					LotID:       f.LotID,
					SaleID:      f.SaleID,
					Expected:    f.Expected,
					Actual:      f.Actual,
					Severity:    string(f.Severity),
					Description: f.Description,
					DetectedAt:  ts(f.DetectedAt),
				})
			if err != nil {
				return struct{}{}, fmt.Errorf("insert finding %d: %w", i, err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

type FindingFilter struct {
	Type     string
	Severity string
	LotID    string
	Page     int
	Limit    int
}

func (r *FindingRepo) List(ctx context.Context, f FindingFilter) ([]domain.Finding, int, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.LotID != "" {
		clauses = append(clauses, "lot_id = ?")
		args = append(args, f.LotID)
	}
	w := where(clauses)

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM findings"+w), args...); err != nil {
		return nil, 0, err
	}

	_, limit, offset := Page(f.Page, f.Limit)
	q := "SELECT " + findingColumns + " FROM findings" + w + " ORDER BY detected_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []findingRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, 0, err
	}

	findings := make([]domain.Finding, len(rows))
	for i, row := range rows {
		findings[i] = domain.Finding{
			ID:          row.ID,
			Type:        domain.FindingType(row.Type),
			LotID:       row.LotID,
			SaleID:      row.SaleID,
			Expected:    row.Expected,
			Actual:      row.Actual,
			Severity:    domain.Severity(row.Severity),
			Description: row.Description,
			DetectedAt:  row.DetectedAt.Time,
		}
	}
	return findings, total, nil
}

// CountBySeverity returns finding counts keyed by severity.
func (r *FindingRepo) CountBySeverity(ctx context.Context) (map[domain.Severity]int, error) {
	var rows []struct {
		Severity string `db:"severity"`
		N        int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, "SELECT severity, COUNT(*) AS n FROM findings GROUP BY severity"); err != nil {
		return nil, err
	}
	out := make(map[domain.Severity]int, len(rows))
	for _, row := range rows {
		out[domain.Severity(row.Severity)] = row.N
	}
	return out, nil
}
