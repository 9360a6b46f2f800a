package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
)

// RuleRepo stores commission rules. Rules are append-only: there is no
// update or delete.
type RuleRepo struct {
	db *sqlx.DB
}

func NewRuleRepo(db *sqlx.DB) *RuleRepo {
	return &RuleRepo{db: db}
}

type ruleRow struct {
	ID            string          `db:"id"`
	RoleType      string          `db:"role_type"`
	CropType      string          `db:"crop_type"`
	Rate          decimal.Decimal `db:"rate"`
	EffectiveDate timestamp       `db:"effective_date"`
	IsActive      int             `db:"is_active"`
	CreatedBy     string          `db:"created_by"`
	CreatedAt     timestamp       `db:"created_at"`
	UpdatedAt     timestamp       `db:"updated_at"`
}

const ruleColumns = `id, role_type, crop_type, rate, effective_date, is_active, created_by, created_at, updated_at`

func (r ruleRow) toDomain() domain.CommissionRule {
	return domain.CommissionRule{
		ID:            r.ID,
		RoleType:      domain.Role(r.RoleType),
		CropType:      r.CropType,
		Rate:          r.Rate,
		EffectiveDate: r.EffectiveDate.Time,
		IsActive:      r.IsActive != 0,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt.Time,
		UpdatedAt:     r.UpdatedAt.Time,
	}
}

func (r *RuleRepo) Insert(ctx context.Context, rule *domain.CommissionRule) error {
	active := 0
	if rule.IsActive {
		active = 1
	}
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO commission_rules (`+ruleColumns+`)
		VALUES (:id, :role_type, :crop_type, :rate, :effective_date, :is_active, :created_by, :created_at, :updated_at)`,
		ruleRow{
			ID:            rule.ID,
			RoleType:      string(rule.RoleType),
			CropType:      rule.CropType,
			Rate:          rule.Rate,
			EffectiveDate: ts(rule.EffectiveDate),
			IsActive:      active,
			CreatedBy:     rule.CreatedBy,
			CreatedAt:     ts(rule.CreatedAt),
			UpdatedAt:     ts(rule.UpdatedAt),
		})
	if err != nil {
		return MapError(err, domain.ErrNotFound, fmt.Errorf("rule %s: %w", rule.ID, domain.ErrDuplicate))
	}
	return nil
}

// ListRules returns the rules for role whose crop type matches one of crops,
// case-insensitively, newest first.
func (r *RuleRepo) ListRules(ctx context.Context, role domain.Role, crops []string) ([]domain.CommissionRule, error) {
	return r.List(ctx, RuleFilter{Role: role, Crops: crops})
}

type RuleFilter struct {
	Role  domain.Role
	Crops []string
}

// List returns rules ordered by created_at descending.
func (r *RuleRepo) List(ctx context.Context, f RuleFilter) ([]domain.CommissionRule, error) {
	var clauses []string
	var args []any

	if f.Role != "" {
		clauses = append(clauses, "role_type = ?")
		args = append(args, string(f.Role))
	}
	if len(f.Crops) > 0 {
		marks := make([]string, len(f.Crops))
		for i, c := range f.Crops {
			marks[i] = "?"
			args = append(args, strings.ToLower(domain.NormalizeCrop(c)))
		}
		clauses = append(clauses, "LOWER(crop_type) IN ("+strings.Join(marks, ", ")+")")
	}

	q := "SELECT " + ruleColumns + " FROM commission_rules" + where(clauses) + " ORDER BY created_at DESC, id DESC"
	var rows []ruleRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	rules := make([]domain.CommissionRule, len(rows))
	for i := range rows {
		rules[i] = rows[i].toDomain()
	}
	return rules, nil
}
