package repo

import (
	"context"
	"database/sql"

	"boostflow/internal/domain"
)

func (r Repo) InsertLedgerEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ledger(user_id, boost_id, kind, amount, created_at) VALUES (?,?,?,?,?)`,
		e.UserID, e.BoostID, e.Kind, e.Amount, e.CreatedAt)
	return err
}

// Ledger returns a user's entries, newest first, and their sum.
func (r Repo) Ledger(ctx context.Context, userID string) ([]domain.LedgerEntry, int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, user_id, boost_id, kind, amount, created_at FROM ledger WHERE user_id=? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		entries []domain.LedgerEntry
		total   int64
	)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.BoostID, &e.Kind, &e.Amount, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		total += e.Amount
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
