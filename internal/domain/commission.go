package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleTrader Role = "trader"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleFarmer:
		return RoleFarmer, nil
	case RoleTrader:
		return RoleTrader, nil
	}
	return "", fmt.Errorf("%w: role %q must be farmer or trader", ErrInvalidArgument, s)
}

// AllCrops is the wildcard crop type a rule falls back to.
const AllCrops = "All"

// CommissionRule is an append-only commission rate for one role and crop.
// Correcting a rate means appending a newer rule.
type CommissionRule struct {
	ID            string          `json:"id"`
	RoleType      Role            `json:"roleType"`
	CropType      string          `json:"cropType"`
	Rate          decimal.Decimal `json:"rate"`
	EffectiveDate time.Time       `json:"effectiveDate"`
	IsActive      bool            `json:"isActive"`
	CreatedBy     string          `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NewCommissionRule is the admin command appending a rule.
type NewCommissionRule struct {
	RoleType      string          `json:"roleType"`
	CropType      string          `json:"cropType"`
	Rate          decimal.Decimal `json:"rate"`
	EffectiveDate *time.Time      `json:"effectiveDate,omitempty"`
	IsActive      *bool           `json:"isActive,omitempty"`
	CreatedBy     string          `json:"createdBy"`
}

// Build validates the command and materialises a rule created at now,
// applying the persisted defaults: crop "All", effective from creation,
// active.
func (c NewCommissionRule) Build(id string, now time.Time) (CommissionRule, error) {
	role, err := ParseRole(c.RoleType)
	if err != nil {
		return CommissionRule{}, err
	}
	if err := CommissionRateLimit.Check(ErrInvalidArgument, c.Rate); err != nil {
		return CommissionRule{}, err
	}
	if c.Rate.IsNegative() || c.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return CommissionRule{}, fmt.Errorf("%w: rate %s outside [0,1]", ErrInvalidArgument, c.Rate)
	}
	if strings.TrimSpace(c.CreatedBy) == "" {
		return CommissionRule{}, fmt.Errorf("%w: createdBy is required", ErrInvalidArgument)
	}

	crop := NormalizeCrop(c.CropType)
	effective := now
	if c.EffectiveDate != nil {
		effective = c.EffectiveDate.UTC()
	}
	active := true
	if c.IsActive != nil {
		active = *c.IsActive
	}

	return CommissionRule{
		ID:            id,
		RoleType:      role,
		CropType:      crop,
		Rate:          c.Rate,
		EffectiveDate: effective,
		IsActive:      active,
		CreatedBy:     strings.TrimSpace(c.CreatedBy),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NormalizeCrop trims a crop type and maps empty or any casing of "all" to
// the wildcard.
func NormalizeCrop(crop string) string {
	crop = strings.TrimSpace(crop)
	if crop == "" || strings.EqualFold(crop, AllCrops) {
		return AllCrops
	}
	return crop
}

// InEffect reports whether the rule applies at t. Rules created or dated
// after t are not yet in effect.
func (r CommissionRule) InEffect(t time.Time) bool {
	return r.IsActive && !r.EffectiveDate.After(t) && !r.CreatedAt.After(t)
}
