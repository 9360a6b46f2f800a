// Package commission resolves the committee commission rate that applies to
// a role and crop at a point in time.
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/domain"
)

// Fallback rates used when no rule is in effect for a role.
var (
	DefaultFarmerRate = decimal.RequireFromString("0.04")
	DefaultTraderRate = decimal.RequireFromString("0.09")
)

// RuleSource loads the rules for a role whose crop type is one of crops.
type RuleSource interface {
	ListRules(ctx context.Context, role domain.Role, crops []string) ([]domain.CommissionRule, error)
}

// Resolution is a resolved rate and the rule it came from. RuleID is empty
// when the fallback rate was used.
type Resolution struct {
	Role     domain.Role     `json:"role"`
	Crop     string          `json:"crop"`
	Rate     decimal.Decimal `json:"rate"`
	RuleID   string          `json:"rule_id,omitempty"`
	Fallback bool            `json:"fallback"`
	AsOf     time.Time       `json:"as_of"`
}

type Resolver struct {
	rules  RuleSource
	logger *slog.Logger
}

func NewResolver(rules RuleSource, logger *slog.Logger) *Resolver {
	return &Resolver{
		rules:  rules,
		logger: logger.With("system", "commission"),
	}
}

// Rate returns the commission rate for role on crop at asOf.
func (r *Resolver) Rate(ctx context.Context, role domain.Role, crop string, asOf time.Time) (decimal.Decimal, error) {
	res, err := r.Resolve(ctx, role, crop, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Rate, nil
}

// Resolve returns the rate together with the rule that produced it.
func (r *Resolver) Resolve(ctx context.Context, role domain.Role, crop string, asOf time.Time) (Resolution, error) {
	if _, err := domain.ParseRole(string(role)); err != nil {
		return Resolution{}, err
	}
	crop = strings.TrimSpace(crop)

	crops := []string{domain.AllCrops}
	if domain.NormalizeCrop(crop) != domain.AllCrops {
		crops = append(crops, crop)
	}
	rules, err := r.rules.ListRules(ctx, role, crops)
	if err != nil {
		return Resolution{}, fmt.Errorf("load %s commission rules: %w", role, err)
	}

	res := Resolution{Role: role, Crop: crop, AsOf: asOf}
	if rule, ok := Select(rules, role, crop, asOf); ok {
		res.Rate = rule.Rate
		res.RuleID = rule.ID
		return res, nil
	}

	res.Rate = Fallback(role)
	res.Fallback = true
	r.logger.Debug("no commission rule in effect, using fallback",
		"role", role, "crop", crop, "rate", res.Rate.String())
	return res, nil
}

// Fallback returns the business default rate for role.
func Fallback(role domain.Role) decimal.Decimal {
	if role == domain.RoleFarmer {
		return DefaultFarmerRate
	}
	return DefaultTraderRate
}

// Select picks the rule that applies to role and crop at asOf. A rule for the
// crop itself wins over any "All" rule; among candidates the most recently
// created wins, then the latest effective date, then the greatest id.
func Select(rules []domain.CommissionRule, role domain.Role, crop string, asOf time.Time) (domain.CommissionRule, bool) {
	crop = domain.NormalizeCrop(crop)

	var specific, wildcard *domain.CommissionRule
	for i := range rules {
		rule := &rules[i]
		if rule.RoleType != role || !rule.InEffect(asOf) {
			continue
		}
		ruleCrop := domain.NormalizeCrop(rule.CropType)
		switch {
		case crop != domain.AllCrops && strings.EqualFold(ruleCrop, crop):
			if specific == nil || newer(rule, specific) {
				specific = rule
			}
		case ruleCrop == domain.AllCrops:
			if wildcard == nil || newer(rule, wildcard) {
				wildcard = rule
			}
		}
	}

	switch {
	case specific != nil:
		return *specific, true
	case wildcard != nil:
		return *wildcard, true
	}
	return domain.CommissionRule{}, false
}

func newer(a, b *domain.CommissionRule) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.After(b.EffectiveDate)
	}
	return a.ID > b.ID
}
