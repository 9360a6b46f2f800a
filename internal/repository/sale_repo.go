package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
	"github.com/mandi/auction/internal/money"
)

type SaleRepo struct {
	db *sqlx.DB
}

func NewSaleRepo(db *sqlx.DB) *SaleRepo {
	return &SaleRepo{db: db}
}

type saleRow struct {
	ID               string          `db:"id"`
	CommitToken      string          `db:"commit_token"`
	LotID            string          `db:"lot_id"`
	FarmerID         string          `db:"farmer_id"`
	TraderID         string          `db:"trader_id"`
	CropName         string          `db:"crop_name"`
	Quantity         decimal.Decimal `db:"quantity"`
	Unit             string          `db:"unit"`
	Rate             decimal.Decimal `db:"rate"`
	SaleAmount       decimal.Decimal `db:"sale_amount"`
	FarmerRate       decimal.Decimal `db:"farmer_rate"`
	TraderRate       decimal.Decimal `db:"trader_rate"`
	FarmerCommission decimal.Decimal `db:"farmer_commission"`
	TraderCommission decimal.Decimal `db:"trader_commission"`
	PaymentStatus    string          `db:"payment_status"`
	CreatedBy        string          `db:"created_by"`
	SoldAt           timestamp       `db:"sold_at"`
}

const saleColumns = `id, commit_token, lot_id, farmer_id, trader_id, crop_name, quantity, unit, rate,
	sale_amount, farmer_rate, trader_rate, farmer_commission, trader_commission,
	payment_status, created_by, sold_at`

const insertSale = `INSERT INTO sales (` + saleColumns + `)
	VALUES (:id, :commit_token, :lot_id, :farmer_id, :trader_id, :crop_name, :quantity, :unit, :rate,
	:sale_amount, :farmer_rate, :trader_rate, :farmer_commission, :trader_commission,
	:payment_status, :created_by, :sold_at)`

func toSaleRow(s *domain.SaleRecord) saleRow {
	return saleRow{
		ID:               s.ID,
		CommitToken:      s.CommitToken,
		LotID:            s.LotID,
		FarmerID:         s.FarmerID,
		TraderID:         s.TraderID,
		CropName:         s.CropName,
		Quantity:         s.Quantity,
		Unit:             string(s.Unit),
		Rate:             s.Rate,
		SaleAmount:       s.SaleAmount,
		FarmerRate:       s.FarmerRate,
		TraderRate:       s.TraderRate,
		FarmerCommission: s.FarmerCommission,
		TraderCommission: s.TraderCommission,
		PaymentStatus:    string(s.PaymentStatus),
		CreatedBy:        s.CreatedBy,
		SoldAt:           ts(s.SoldAt),
	}
}

func (r saleRow) toDomain() domain.SaleRecord {
	return domain.SaleRecord{
		ID:               r.ID,
		CommitToken:      r.CommitToken,
		LotID:            r.LotID,
		FarmerID:         r.FarmerID,
		TraderID:         r.TraderID,
		CropName:         r.CropName,
		Quantity:         r.Quantity,
		Unit:             domain.Unit(r.Unit),
		Rate:             r.Rate,
		SaleAmount:       r.SaleAmount,
		FarmerRate:       r.FarmerRate,
		TraderRate:       r.TraderRate,
		FarmerCommission: r.FarmerCommission,
		TraderCommission: r.TraderCommission,
		PaymentStatus:    domain.PaymentStatus(r.PaymentStatus),
		CreatedBy:        r.CreatedBy,
		SoldAt:           r.SoldAt.Time,
	}
}

type commitRow struct {
	Token       string    `db:"token"`
	LotID       string    `db:"lot_id"`
	Fingerprint string    `db:"fingerprint"`
	OperatorID  string    `db:"operator_id"`
	LineCount   int       `db:"line_count"`
	CommittedAt timestamp `db:"committed_at"`
}

const commitColumns = `token, lot_id, fingerprint, operator_id, line_count, committed_at`

// FindCommit returns a settlement commit and the sales it wrote.
func (r *SaleRepo) FindCommit(ctx context.Context, token string) (*domain.Commit, []domain.SaleRecord, error) {
	var c commitRow
	err := r.db.GetContext(ctx, &c, r.db.Rebind("SELECT "+commitColumns+" FROM settlement_commits WHERE token = ?"), token)
	if err != nil {
		return nil, nil, MapError(err, fmt.Errorf("commit %s: %w", token, domain.ErrNotFound), domain.ErrDuplicate)
	}

	var rows []saleRow
	err = r.db.SelectContext(ctx, &rows, r.db.Rebind(
		"SELECT "+saleColumns+" FROM sales WHERE commit_token = ? ORDER BY sold_at, id"), token)
	if err != nil {
		return nil, nil, err
	}

	commit := &domain.Commit{
		Token:       c.Token,
		LotID:       c.LotID,
		Fingerprint: c.Fingerprint,
		OperatorID:  c.OperatorID,
		LineCount:   c.LineCount,
		CommittedAt: c.CommittedAt.Time,
	}
	return commit, toSales(rows), nil
}

// CommitSettlement writes a settlement atomically: the commit row, its sales
// and the lot update guarded by the lot version. A version mismatch returns
// ErrLotModifiedConcurrently and a reused token returns ErrDuplicate; in both
// cases nothing is written.
func (r *SaleRepo) CommitSettlement(ctx context.Context, s domain.Settlement) error {
	_, err := WithTx(ctx, r.db, func(tx *sqlx.Tx) (struct{}, error) {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO settlement_commits (`+commitColumns+`)
			VALUES (:token, :lot_id, :fingerprint, :operator_id, :line_count, :committed_at)`,
			commitRow{
				Token:       s.Commit.Token,
				LotID:       s.Commit.LotID,
				Fingerprint: s.Commit.Fingerprint,
				OperatorID:  s.Commit.OperatorID,
				LineCount:   s.Commit.LineCount,
				CommittedAt: ts(s.Commit.CommittedAt),
			})
		if err != nil {
			return struct{}{}, MapError(err, domain.ErrNotFound,
				fmt.Errorf("commit token %s: %w", s.Commit.Token, domain.ErrDuplicate))
		}

		for i := range s.Sales {
			if _, err := tx.NamedExecContext(ctx, insertSale, toSaleRow(&s.Sales[i])); err != nil {
				return struct{}{}, fmt.Errorf("insert sale %d: %w", i, MapError(err, domain.ErrNotFound, domain.ErrDuplicate))
			}
		}

		updated, err := updateLotCAS(ctx, tx, &s.Lot, s.ExpectedVersion)
		if err != nil {
			return struct{}{}, fmt.Errorf("update lot %s: %w", s.Lot.ID, err)
		}
		if !updated {
			return struct{}{}, fmt.Errorf("lot %s at version %d: %w",
				s.Lot.ID, s.ExpectedVersion, domain.ErrLotModifiedConcurrently)
		}
		return struct{}{}, nil
	})
	return err
}

type SaleFilter struct {
	LotID    string
	FarmerID string
	TraderID string
	Crop     string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *SaleRepo) List(ctx context.Context, f SaleFilter) ([]domain.SaleRecord, int, error) {
	w, args := buildSaleWhere(f)

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM sales"+w), args...); err != nil {
		return nil, 0, err
	}

	_, limit, offset := Page(f.Page, f.Limit)
	q := "SELECT " + saleColumns + " FROM sales" + w + " ORDER BY sold_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []saleRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, 0, err
	}
	return toSales(rows), total, nil
}

// All returns every sale, used by the ledger audit.
func (r *SaleRepo) All(ctx context.Context) ([]domain.SaleRecord, error) {
	var rows []saleRow
	if err := r.db.SelectContext(ctx, &rows, "SELECT "+saleColumns+" FROM sales ORDER BY sold_at, id"); err != nil {
		return nil, err
	}
	return toSales(rows), nil
}

// SalesSummary aggregates sales overall and per crop.
type SalesSummary struct {
	Count  int                     `json:"count"`
	Totals money.Totals            `json:"totals"`
	ByCrop map[string]money.Totals `json:"by_crop"`
}

// Summary totals the sales matching f. Amounts are stored as exact decimal
// text, so they are summed here rather than in SQL.
func (r *SaleRepo) Summary(ctx context.Context, f SaleFilter) (*SalesSummary, error) {
	w, args := buildSaleWhere(f)

	var rows []saleRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind("SELECT "+saleColumns+" FROM sales"+w), args...); err != nil {
		return nil, err
	}

	s := &SalesSummary{ByCrop: make(map[string]money.Totals)}
	for _, row := range rows {
		s.Count++
		s.Totals.Add(row.Quantity, row.SaleAmount, row.FarmerCommission, row.TraderCommission)
		crop := s.ByCrop[row.CropName]
		crop.Add(row.Quantity, row.SaleAmount, row.FarmerCommission, row.TraderCommission)
		s.ByCrop[row.CropName] = crop
	}
	return s, nil
}

func buildSaleWhere(f SaleFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.LotID != "" {
		clauses = append(clauses, "lot_id = ?")
		args = append(args, f.LotID)
	}
	if f.FarmerID != "" {
		clauses = append(clauses, "farmer_id = ?")
		args = append(args, f.FarmerID)
	}
	if f.TraderID != "" {
		clauses = append(clauses, "trader_id = ?")
		args = append(args, f.TraderID)
	}
	if f.Crop != "" {
		clauses = append(clauses, "LOWER(crop_name) = LOWER(?)")
		args = append(args, f.Crop)
	}
	if f.From != nil {
		clauses = append(clauses, "sold_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "sold_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	return where(clauses), args
}

func toSales(rows []saleRow) []domain.SaleRecord {
	sales := make([]domain.SaleRecord, len(rows))
	for i := range rows {
		sales[i] = rows[i].toDomain()
	}
	return sales
}

