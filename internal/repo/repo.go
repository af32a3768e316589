package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"boostflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by guarded updates whose expected state no longer
	// matches the row.
	ErrConflict = errors.New("conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const orderColumns = `boost_id,internal_id,owner_id,COALESCE(processing_partner_id,''),COALESCE(assigned_partner_id,''),price,retry_count,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                           domain.Order
		owner, processing, assigned string
		createdAt, updatedAt        string
	)
	err := row.Scan(&o.BoostID, &o.InternalID, &owner, &processing, &assigned, &o.Price, &o.RetryCount, &o.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Owner = ref(owner)
	o.ProcessingPartner = ref(processing)
	o.AssignedPartner = ref(assigned)
	o.CreatedAt = parseTS(createdAt)
	o.UpdatedAt = parseTS(updatedAt)
	return o, nil
}

func ref(id string) domain.PartyRef {
	if id == "" {
		return domain.PartyRef{}
	}
	return domain.Unresolved(id)
}

func partyID(p domain.PartyRef) any {
	id, ok := p.ID()
	if !ok {
		return nil
	}
	return id
}

// FormatTS renders t the way timestamps are stored.
func FormatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order, parentID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO orders(boost_id,internal_id,owner_id,processing_partner_id,assigned_partner_id,price,retry_count,status,parent_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.BoostID, o.InternalID, partyID(o.Owner), partyID(o.ProcessingPartner), partyID(o.AssignedPartner),
		o.Price, o.RetryCount, o.Status, nullable(parentID), FormatTS(o.CreatedAt), FormatTS(o.UpdatedAt))
	return err
}

func (r Repo) GetOrder(ctx context.Context, boostID string) (domain.Order, error) {
	return r.GetOrderTx(ctx, nil, boostID)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, boostID string) (domain.Order, error) {
	return scanOrder(r.q(tx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE boost_id=?`, boostID))
}

type OrderFilters struct {
	Status    domain.Status
	OwnerID   string
	PartnerID string
	// Open lists IN_ACTIVE orders any partner may pick up.
	Open  bool
	Limit int
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.PartnerID != "" {
		clauses = append(clauses, "(processing_partner_id=? OR assigned_partner_id=?)")
		args = append(args, f.PartnerID, f.PartnerID)
	}
	if f.Open {
		clauses = append(clauses, "status=?")
		args = append(args, domain.StatusInActive)
	}
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, boost_id DESC`, orderColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// OrderChange is a guarded status update. The row is only touched when its
// status still equals From, so a lost race surfaces as ErrConflict.
type OrderChange struct {
	BoostID string
	From    domain.Status
	To      domain.Status
	// Set when non-nil; a zero PartyRef clears the column.
	ProcessingPartner *domain.PartyRef
	AssignedPartner   *domain.PartyRef
	UpdatedAt         time.Time
}

func (r Repo) UpdateOrderStatus(ctx context.Context, tx *sql.Tx, c OrderChange) error {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{c.To, FormatTS(c.UpdatedAt)}
	if c.ProcessingPartner != nil {
		fields = append(fields, "processing_partner_id=?")
		args = append(args, partyID(*c.ProcessingPartner))
	}
	if c.AssignedPartner != nil {
		fields = append(fields, "assigned_partner_id=?")
		args = append(args, partyID(*c.AssignedPartner))
	}
	args = append(args, c.BoostID, c.From)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE orders SET %s WHERE boost_id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return r.guarded(ctx, tx, res, c.BoostID)
}

// IncrementRetry bumps retry_count on an order that is still in status and has
// not been retried yet.
func (r Repo) IncrementRetry(ctx context.Context, tx *sql.Tx, boostID string, status domain.Status, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE orders SET retry_count=retry_count+1, updated_at=? WHERE boost_id=? AND status=? AND retry_count<1`,
		FormatTS(now), boostID, status)
	if err != nil {
		return err
	}
	return r.guarded(ctx, tx, res, boostID)
}

// DeleteOrder removes an order that is still in status.
func (r Repo) DeleteOrder(ctx context.Context, tx *sql.Tx, boostID string, status domain.Status) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM orders WHERE boost_id=? AND status=?`, boostID, status)
	if err != nil {
		return err
	}
	return r.guarded(ctx, tx, res, boostID)
}

func (r Repo) guarded(ctx context.Context, tx *sql.Tx, res sql.Result, boostID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE boost_id=?`, boostID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
