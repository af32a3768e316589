package domain

import "time"

// Status is the lifecycle state of a boost order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusWaiting    Status = "WAITING"
	StatusInActive   Status = "IN_ACTIVE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancel     Status = "CANCEL"
)

// Valid reports whether s is one of the known order statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaiting, StatusInActive, StatusInProgress, StatusCompleted, StatusCancel:
		return true
	}
	return false
}

type Role string

const (
	RoleClient  Role = "CLIENT"
	RolePartner Role = "PARTNER"
	RoleAdmin   Role = "ADMIN"
)

// User is a fully loaded marketplace account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Roles    []Role `json:"roles,omitempty"`
	Banned   bool   `json:"banned,omitempty"`
}

// Order is a read snapshot of a boost as held by the client.
type Order struct {
	BoostID           string    `json:"boost_id"`
	InternalID        string    `json:"internal_id,omitempty"`
	Owner             PartyRef  `json:"owner"`
	ProcessingPartner PartyRef  `json:"processing_partner"`
	AssignedPartner   PartyRef  `json:"assigned_partner"`
	Price             int64     `json:"price"`
	RetryCount        int       `json:"retry_count"`
	Status            Status    `json:"status" enum:"PENDING,WAITING,IN_ACTIVE,IN_PROGRESS,COMPLETED,CANCEL"`
	CreatedAt         time.Time `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time `json:"updated_at" format:"date-time"`
}

// Viewer is the identity evaluating or acting on an order.
// A nil Viewer or one without an ID is unauthenticated.
type Viewer struct {
	ID     string `json:"id"`
	Roles  []Role `json:"roles"`
	Banned bool   `json:"banned,omitempty"`
}

func (v *Viewer) Authenticated() bool {
	return v != nil && v.ID != ""
}

func (v *Viewer) HasRole(role Role) bool {
	if v == nil {
		return false
	}
	for _, r := range v.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CommissionConfig holds the admin-editable marketplace rates.
type CommissionConfig struct {
	PartnerCommissionRate   float64 `json:"partner_commission_rate" yaml:"partner_commission_rate"`
	CancellationPenaltyRate float64 `json:"cancellation_penalty_rate" yaml:"cancellation_penalty_rate"`
}

// DerivedAmounts are recomputed from price and config on every evaluation.
type DerivedAmounts struct {
	PartnerEarning int64 `json:"partner_earning"`
	PenaltyAmount  int64 `json:"penalty_amount"`
}

// Event is an order-changed notification. It carries ids only.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	BoostID   string `json:"boost_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
}

// Event types emitted on the live channel.
const (
	EventOrderCreated     = "order.created"
	EventOrderUpdated     = "order.updated"
	EventOrderSpawned     = "order.spawned"
	EventOrderDeleted     = "order.deleted"
	EventUserBanned       = "user.banned"
	EventUserUnbanned     = "user.unbanned"
	EventCommissionUpdate = "commission.updated"
)

// APIKey is a hashed credential bound to a user.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

// Ledger entry kinds.
const (
	LedgerEarning = "earning"
	LedgerPenalty = "penalty"
)

// LedgerEntry records a partner earning or penalty. Penalties are stored as
// negative amounts.
type LedgerEntry struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	BoostID   string `json:"boost_id"`
	Kind      string `json:"kind" enum:"earning,penalty"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at"`
}
