package repo

import (
	"context"
	"database/sql"
	"errors"

	"boostflow/internal/commission"
	"boostflow/internal/domain"
)

func (r Repo) GetCommissionConfig(ctx context.Context) (domain.CommissionConfig, error) {
	var cfg domain.CommissionConfig
	err := r.DB.QueryRowContext(ctx, `SELECT partner_commission_rate, cancellation_penalty_rate FROM commission_config WHERE id=1`).
		Scan(&cfg.PartnerCommissionRate, &cfg.CancellationPenaltyRate)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, ErrNotFound
	}
	return cfg, err
}

// UpsertCommissionConfig stores cfg after checking the admin bounds.
func (r Repo) UpsertCommissionConfig(ctx context.Context, tx *sql.Tx, cfg domain.CommissionConfig, updatedBy, now string) error {
	if err := commission.Validate(cfg); err != nil {
		return err
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO commission_config(id, partner_commission_rate, cancellation_penalty_rate, updated_by, updated_at) VALUES (1,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET partner_commission_rate=excluded.partner_commission_rate, cancellation_penalty_rate=excluded.cancellation_penalty_rate, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		cfg.PartnerCommissionRate, cfg.CancellationPenaltyRate, nullable(updatedBy), now)
	return err
}
