// Package commission converts order prices into partner earnings and
// cancellation penalties. Everything here is pure: no I/O and no errors.
package commission

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"boostflow/internal/domain"
)

// Fallback rates used when the commission config could not be fetched.
const (
	DefaultPartnerCommissionRate   = 0.80
	DefaultCancellationPenaltyRate = 0.05
)

// Admin-editable bounds.
const (
	MinPartnerCommissionRate   = 0.50
	MaxPartnerCommissionRate   = 0.95
	MinCancellationPenaltyRate = 0.01
	MaxCancellationPenaltyRate = 0.20
)

// Default returns the fallback config.
func Default() domain.CommissionConfig {
	return domain.CommissionConfig{
		PartnerCommissionRate:   DefaultPartnerCommissionRate,
		CancellationPenaltyRate: DefaultCancellationPenaltyRate,
	}
}

// Effective fills missing rates from the fallback. A nil config yields the
// fallback; a rate that is zero, negative or NaN counts as missing.
func Effective(cfg *domain.CommissionConfig) domain.CommissionConfig {
	out := Default()
	if cfg == nil {
		return out
	}
	if usable(cfg.PartnerCommissionRate) {
		out.PartnerCommissionRate = cfg.PartnerCommissionRate
	}
	if usable(cfg.CancellationPenaltyRate) {
		out.CancellationPenaltyRate = cfg.CancellationPenaltyRate
	}
	return out
}

// IsFallback reports whether Effective had to substitute any rate.
func IsFallback(cfg *domain.CommissionConfig) bool {
	return cfg == nil || !usable(cfg.PartnerCommissionRate) || !usable(cfg.CancellationPenaltyRate)
}

// ComputeEarning returns what the partner earns on completion of an order
// priced at price.
func ComputeEarning(price int64, cfg *domain.CommissionConfig) int64 {
	return apply(price, Effective(cfg).PartnerCommissionRate)
}

// ComputePenalty returns what a partner forfeits for cancelling an order
// priced at price.
func ComputePenalty(price int64, cfg *domain.CommissionConfig) int64 {
	return apply(price, Effective(cfg).CancellationPenaltyRate)
}

// Compute derives both amounts for price.
func Compute(price int64, cfg *domain.CommissionConfig) domain.DerivedAmounts {
	return domain.DerivedAmounts{
		PartnerEarning: ComputeEarning(price, cfg),
		PenaltyAmount:  ComputePenalty(price, cfg),
	}
}

// InBounds reports whether cfg lies within the admin-editable ranges.
func InBounds(cfg domain.CommissionConfig) bool {
	return cfg.PartnerCommissionRate >= MinPartnerCommissionRate &&
		cfg.PartnerCommissionRate <= MaxPartnerCommissionRate &&
		cfg.CancellationPenaltyRate >= MinCancellationPenaltyRate &&
		cfg.CancellationPenaltyRate <= MaxCancellationPenaltyRate
}

// Validate returns a descriptive error for the first rate outside its bounds.
func Validate(cfg domain.CommissionConfig) error {
	if math.IsNaN(cfg.PartnerCommissionRate) || cfg.PartnerCommissionRate < MinPartnerCommissionRate || cfg.PartnerCommissionRate > MaxPartnerCommissionRate {
		return fmt.Errorf("partner_commission_rate %v outside [%.2f, %.2f]", cfg.PartnerCommissionRate, MinPartnerCommissionRate, MaxPartnerCommissionRate)
	}
	if math.IsNaN(cfg.CancellationPenaltyRate) || cfg.CancellationPenaltyRate < MinCancellationPenaltyRate || cfg.CancellationPenaltyRate > MaxCancellationPenaltyRate {
		return fmt.Errorf("cancellation_penalty_rate %v outside [%.2f, %.2f]", cfg.CancellationPenaltyRate, MinCancellationPenaltyRate, MaxCancellationPenaltyRate)
	}
	return nil
}

// apply multiplies in decimal and rounds half away from zero to whole minor
// units. The rate is clamped to [0, 1] so the result never exceeds price.
func apply(price int64, rate float64) int64 {
	if price <= 0 {
		return 0
	}
	if rate > 1 {
		rate = 1
	}
	amount := decimal.NewFromInt(price).Mul(decimal.NewFromFloat(rate)).Round(0)
	return amount.IntPart()
}

func usable(rate float64) bool {
	return rate > 0 && !math.IsNaN(rate) && !math.IsInf(rate, 0)
}
