package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"boostflow/internal/domain"
)

func joinRoles(roles []domain.Role) string {
	parts := make([]string, 0, len(roles))
	for _, r := range roles {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

func splitRoles(s string) []domain.Role {
	var roles []domain.Role
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, domain.Role(part))
		}
	}
	return roles
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u      domain.User
		roles  string
		banned int
	)
	err := row.Scan(&u.ID, &u.Username, &roles, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Roles = splitRoles(roles)
	u.Banned = banned != 0
	return u, nil
}

// EnsureUser inserts u unless a user with the same id exists.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO users(id, username, roles, banned, created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Username, joinRoles(u.Roles), boolInt(u.Banned), now)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id, username, roles, banned FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id, username, roles, banned FROM users WHERE username=?`, username))
}

// GetUsers loads the users with the given ids. Unknown ids are skipped.
func (r Repo) GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	out := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, username, roles, banned FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, username, roles, banned FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r Repo) SetUserRoles(ctx context.Context, tx *sql.Tx, id string, roles []domain.Role) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET roles=? WHERE id=?`, joinRoles(roles), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBanned(ctx context.Context, tx *sql.Tx, id string, banned bool) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET banned=? WHERE id=?`, boolInt(banned), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
