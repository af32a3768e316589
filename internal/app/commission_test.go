package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"boostflow/internal/app"
	"boostflow/internal/commission"
	"boostflow/internal/db"
	"boostflow/internal/domain"
	"boostflow/internal/migrate"
	"boostflow/internal/repo"
)

type source struct {
	cfg domain.CommissionConfig
	err error
}

func (s source) CommissionConfig(context.Context) (domain.CommissionConfig, error) {
	return s.cfg, s.err
}

func TestResolveCommission(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	cfg, fallback := app.ResolveCommission(ctx, source{cfg: domain.CommissionConfig{PartnerCommissionRate: 0.7, CancellationPenaltyRate: 0.1}}, log)
	assert.False(t, fallback)
	assert.Equal(t, 0.7, cfg.PartnerCommissionRate)
	assert.Zero(t, logs.Len())

	cfg, fallback = app.ResolveCommission(ctx, source{err: errors.New("timeout")}, log)
	assert.True(t, fallback)
	assert.Equal(t, commission.Default(), cfg)

	cfg, fallback = app.ResolveCommission(ctx, source{cfg: domain.CommissionConfig{PartnerCommissionRate: 1.5, CancellationPenaltyRate: 0.1}}, log)
	assert.True(t, fallback)
	assert.Equal(t, commission.Default(), cfg)

	_, fallback = app.ResolveCommission(ctx, nil, nil)
	assert.True(t, fallback)
	assert.Equal(t, 2, logs.Len())
}

func TestEnsureCommissionConfigSeedsOnce(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.Repo{DB: conn}

	seed := domain.CommissionConfig{PartnerCommissionRate: 0.85, CancellationPenaltyRate: 0.02}
	got, err := app.EnsureCommissionConfig(ctx, r, seed, "system", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	got, err = app.EnsureCommissionConfig(ctx, r, commission.Default(), "system", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, seed, got)
}
