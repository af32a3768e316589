package engine

import "boostflow/internal/domain"

// Action is a user-triggerable order operation.
type Action string

const (
	ActionPay      Action = "pay"
	ActionAccept   Action = "accept"
	ActionRefuse   Action = "refuse"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionRenew    Action = "renew"
	ActionRecover  Action = "recover"
	ActionDelete   Action = "delete"
)

// AllActions lists every action in display order.
var AllActions = []Action{
	ActionPay, ActionAccept, ActionRefuse, ActionComplete,
	ActionCancel, ActionRenew, ActionRecover, ActionDelete,
}

// ParseAction returns the action named s.
func ParseAction(s string) (Action, bool) {
	for _, a := range AllActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// PermissionSet is the full set of actions a viewer may take on one order
// snapshot. The zero value permits nothing.
type PermissionSet struct {
	CanPay      bool `json:"can_pay"`
	CanAccept   bool `json:"can_accept"`
	CanRefuse   bool `json:"can_refuse"`
	CanComplete bool `json:"can_complete"`
	CanCancel   bool `json:"can_cancel"`
	CanRenew    bool `json:"can_renew"`
	CanRecover  bool `json:"can_recover"`
	CanDelete   bool `json:"can_delete"`
}

func (p PermissionSet) Allows(a Action) bool {
	switch a {
	case ActionPay:
		return p.CanPay
	case ActionAccept:
		return p.CanAccept
	case ActionRefuse:
		return p.CanRefuse
	case ActionComplete:
		return p.CanComplete
	case ActionCancel:
		return p.CanCancel
	case ActionRenew:
		return p.CanRenew
	case ActionRecover:
		return p.CanRecover
	case ActionDelete:
		return p.CanDelete
	}
	return false
}

// Actions returns the permitted actions in display order.
func (p PermissionSet) Actions() []Action {
	out := []Action{}
	for _, a := range AllActions {
		if p.Allows(a) {
			out = append(out, a)
		}
	}
	return out
}

func (p PermissionSet) Empty() bool {
	return p == PermissionSet{}
}

// DerivePermissions decides which actions viewer may take on order. Partial or
// malformed snapshots and unauthenticated or banned viewers get an empty set.
func DerivePermissions(order *domain.Order, viewer *domain.Viewer) PermissionSet {
	var p PermissionSet
	if !viewer.Authenticated() || viewer.Banned || !wellFormed(order) {
		return p
	}
	isOwner := order.Owner.Is(viewer.ID)
	canRetry := isOwner && order.RetryCount < 1

	switch order.Status {
	case domain.StatusPending:
		p.CanPay = isOwner
		p.CanDelete = isOwner
	case domain.StatusInActive:
		p.CanAccept = viewer.HasRole(domain.RolePartner) && !isOwner
	case domain.StatusWaiting:
		assigned := order.AssignedPartner.Is(viewer.ID)
		p.CanAccept = assigned
		p.CanRefuse = isOwner || assigned
	case domain.StatusInProgress:
		processing := order.ProcessingPartner.Is(viewer.ID)
		p.CanComplete = processing
		p.CanCancel = processing
	case domain.StatusCompleted:
		p.CanRenew = canRetry
	case domain.StatusCancel:
		p.CanRecover = canRetry
	}
	return p
}

func wellFormed(order *domain.Order) bool {
	if order == nil || order.BoostID == "" || !order.Status.Valid() || order.RetryCount < 0 {
		return false
	}
	_, ok := order.Owner.ID()
	return ok
}
