package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
)

type LotRepo struct {
	db *sqlx.DB
}

func NewLotRepo(db *sqlx.DB) *LotRepo {
	return &LotRepo{db: db}
}

type lotRow struct {
	ID                string          `db:"id"`
	FarmerID          string          `db:"farmer_id"`
	CropName          string          `db:"crop_name"`
	MeasuredWeightKg  decimal.Decimal `db:"measured_weight_kg"`
	MeasuredCount     decimal.Decimal `db:"measured_count"`
	RemainingWeightKg decimal.Decimal `db:"remaining_weight_kg"`
	RemainingCount    decimal.Decimal `db:"remaining_count"`
	Status            string          `db:"status"`
	Version           int64           `db:"version"`
	SourceRef         string          `db:"source_ref"`
	CreatedAt         timestamp       `db:"created_at"`
	UpdatedAt         timestamp       `db:"updated_at"`
}

const lotColumns = `id, farmer_id, crop_name, measured_weight_kg, measured_count,
	remaining_weight_kg, remaining_count, status, version, source_ref, created_at, updated_at`

const insertLot = `INSERT INTO lots (` + lotColumns + `)
	VALUES (:id, :farmer_id, :crop_name, :measured_weight_kg, :measured_count,
	:remaining_weight_kg, :remaining_count, :status, :version, :source_ref, :created_at, :updated_at)`

func toLotRow(l *domain.Lot) lotRow {
	return lotRow{
		ID:                l.ID,
		FarmerID:          l.FarmerID,
		CropName:          l.CropName,
		MeasuredWeightKg:  l.MeasuredWeightKg,
		MeasuredCount:     l.MeasuredCount,
		RemainingWeightKg: l.RemainingWeightKg,
		RemainingCount:    l.RemainingCount,
		Status:            string(l.Status),
		Version:           l.Version,
		SourceRef:         l.SourceRef,
		CreatedAt:         ts(l.CreatedAt),
		UpdatedAt:         ts(l.UpdatedAt),
	}
}

func (r lotRow) toDomain() *domain.Lot {
	return &domain.Lot{
		ID:                r.ID,
		FarmerID:          r.FarmerID,
		CropName:          r.CropName,
		MeasuredWeightKg:  r.MeasuredWeightKg,
		MeasuredCount:     r.MeasuredCount,
		RemainingWeightKg: r.RemainingWeightKg,
		RemainingCount:    r.RemainingCount,
		Status:            domain.LotStatus(r.Status),
		Version:           r.Version,
		SourceRef:         r.SourceRef,
		CreatedAt:         r.CreatedAt.Time,
		UpdatedAt:         r.UpdatedAt.Time,
	}
}

// Insert stores a new lot.
func (r *LotRepo) Insert(ctx context.Context, lot *domain.Lot) error {
	if _, err := r.db.NamedExecContext(ctx, insertLot, toLotRow(lot)); err != nil {
		return MapError(err, domain.ErrNotFound, fmt.Errorf("lot %s: %w", lot.ID, domain.ErrDuplicate))
	}
	return nil
}

func insertLots(ctx context.Context, tx *sqlx.Tx, lots []*domain.Lot) error {
	for _, lot := range lots {
		if _, err := tx.NamedExecContext(ctx, insertLot, toLotRow(lot)); err != nil {
			return MapError(err, domain.ErrNotFound, fmt.Errorf("lot %s: %w", lot.ID, domain.ErrDuplicate))
		}
	}
	return nil
}

// Find loads a lot and re-checks its measurement invariants.
func (r *LotRepo) Find(ctx context.Context, id string) (*domain.Lot, error) {
	return findLot(ctx, r.db, id)
}

func findLot(ctx context.Context, q queryer, id string) (*domain.Lot, error) {
	var row lotRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind("SELECT "+lotColumns+" FROM lots WHERE id = ?"), id)
	if err != nil {
		return nil, MapError(err, fmt.Errorf("lot %s: %w", id, domain.ErrNotFound), domain.ErrDuplicate)
	}
	lot := row.toDomain()
	if err := lot.Validate(); err != nil {
		return nil, err
	}
	return lot, nil
}

// updateLotCAS writes the lot's remaining quantity and status and bumps its
// version, provided the stored version is still expected. It reports whether
// the row was updated.
func updateLotCAS(ctx context.Context, tx *sqlx.Tx, lot *domain.Lot, expected int64) (bool, error) {
	return execExpectOne(ctx, tx, tx.Rebind(
		`UPDATE lots SET remaining_weight_kg = ?, remaining_count = ?, status = ?,
		version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		lot.RemainingWeightKg, lot.RemainingCount, string(lot.Status),
		formatTime(lot.UpdatedAt), lot.ID, expected,
	)
}

type LotFilter struct {
	FarmerID string
	Status   []domain.LotStatus
	Crop     string
	Page     int
	Limit    int
}

func (r *LotRepo) List(ctx context.Context, f LotFilter) ([]*domain.Lot, int, error) {
	w, args := buildLotWhere(f)

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM lots"+w), args...); err != nil {
		return nil, 0, err
	}

	_, limit, offset := Page(f.Page, f.Limit)
	q := "SELECT " + lotColumns + " FROM lots" + w + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []lotRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, 0, err
	}
	return toLots(rows), total, nil
}

// ListOpenByFarmer returns the farmer's lots that can still take allocations,
// oldest first.
func (r *LotRepo) ListOpenByFarmer(ctx context.Context, farmerID string) ([]*domain.Lot, error) {
	var rows []lotRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(
		"SELECT "+lotColumns+" FROM lots WHERE farmer_id = ? AND status IN (?, ?) ORDER BY created_at, id"),
		farmerID, string(domain.LotWeighed), string(domain.LotPartiallyAllocated),
	)
	if err != nil {
		return nil, err
	}
	return toLots(rows), nil
}

// All returns every lot, used by the ledger audit.
func (r *LotRepo) All(ctx context.Context) ([]*domain.Lot, error) {
	var rows []lotRow
	if err := r.db.SelectContext(ctx, &rows, "SELECT "+lotColumns+" FROM lots ORDER BY created_at, id"); err != nil {
		return nil, err
	}
	return toLots(rows), nil
}

// CountByStatus returns lot counts keyed by status.
func (r *LotRepo) CountByStatus(ctx context.Context) (map[domain.LotStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS n FROM lots GROUP BY status"); err != nil {
		return nil, err
	}
	out := make(map[domain.LotStatus]int, len(rows))
	for _, row := range rows {
		out[domain.LotStatus(row.Status)] = row.N
	}
	return out, nil
}

func buildLotWhere(f LotFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.FarmerID != "" {
		clauses = append(clauses, "farmer_id = ?")
		args = append(args, f.FarmerID)
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, s := range f.Status {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Crop != "" {
		clauses = append(clauses, "LOWER(crop_name) = LOWER(?)")
		args = append(args, f.Crop)
	}

	return where(clauses), args
}

func toLots(rows []lotRow) []*domain.Lot {
	lots := make([]*domain.Lot, len(rows))
	for i := range rows {
		lots[i] = rows[i].toDomain()
	}
	return lots
}
