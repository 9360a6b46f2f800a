package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mandi/auction/internal/domain"
)

type TraderRepo struct {
	db *sqlx.DB
}

func NewTraderRepo(db *sqlx.DB) *TraderRepo {
	return &TraderRepo{db: db}
}

type traderRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Phone     string    `db:"phone"`
	CreatedAt timestamp `db:"created_at"`
}

func (r *TraderRepo) Insert(ctx context.Context, t *domain.Trader) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO traders (id, name, phone, created_at) VALUES (:id, :name, :phone, :created_at)`,
		traderRow{ID: t.ID, Name: t.Name, Phone: t.Phone, CreatedAt: ts(t.CreatedAt)})
	if err != nil {
		return MapError(err, domain.ErrNotFound, fmt.Errorf("trader %s: %w", t.ID, domain.ErrDuplicate))
	}
	return nil
}

func (r *TraderRepo) Find(ctx context.Context, id string) (*domain.Trader, error) {
	var row traderRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind("SELECT id, name, phone, created_at FROM traders WHERE id = ?"), id)
	if err != nil {
		return nil, MapError(err, fmt.Errorf("trader %s: %w", id, domain.ErrNotFound), domain.ErrDuplicate)
	}
	return row.toDomain(), nil
}

// List returns all traders ordered by name.
func (r *TraderRepo) List(ctx context.Context) ([]domain.Trader, error) {
	var rows []traderRow
	if err := r.db.SelectContext(ctx, &rows, "SELECT id, name, phone, created_at FROM traders ORDER BY name, id"); err != nil {
		return nil, err
	}
	traders := make([]domain.Trader, len(rows))
	for i := range rows {
		traders[i] = *rows[i].toDomain()
	}
	return traders, nil
}

func (r traderRow) toDomain() *domain.Trader {
	return &domain.Trader{ID: r.ID, Name: r.Name, Phone: r.Phone, CreatedAt: r.CreatedAt.Time}
}
