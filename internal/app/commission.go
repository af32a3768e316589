package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"boostflow/internal/commission"
	"boostflow/internal/domain"
	"boostflow/internal/logger"
	"boostflow/internal/repo"
)

// ConfigSource is the Commission Config API.
type ConfigSource interface {
	CommissionConfig(ctx context.Context) (domain.CommissionConfig, error)
}

// ResolveCommission fetches the commission config once for a session. Any
// failure, or rates outside the admin bounds, yields the fallback rates with
// fallback set; it never returns an error.
func ResolveCommission(ctx context.Context, src ConfigSource, log *zap.Logger) (cfg domain.CommissionConfig, fallback bool) {
	log = logger.OrNop(log)
	if src == nil {
		log.Warn("no commission config source; using fallback rates")
		return commission.Default(), true
	}
	got, err := src.CommissionConfig(ctx)
	if err != nil {
		log.Warn("fetch commission config failed; using fallback rates", zap.Error(err))
		return commission.Default(), true
	}
	if err := commission.Validate(got); err != nil {
		log.Warn("commission config out of bounds; using fallback rates", zap.Error(err))
		return commission.Default(), true
	}
	return got, false
}

// EnsureCommissionConfig stores seed as the marketplace commission config
// unless one is stored already, and returns whichever is in effect.
func EnsureCommissionConfig(ctx context.Context, r repo.Repo, seed domain.CommissionConfig, actorID, now string) (domain.CommissionConfig, error) {
	cfg, err := r.GetCommissionConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.CommissionConfig{}, err
	}
	if err := r.UpsertCommissionConfig(ctx, nil, seed, actorID, now); err != nil {
		return domain.CommissionConfig{}, fmt.Errorf("seed commission config: %w", err)
	}
	return seed, nil
}
