package engine

import (
	"errors"
	"fmt"

	"boostflow/internal/domain"
)

// ErrInvalidTransition is returned for an action that the order's status does
// not allow, independent of who asks.
var ErrInvalidTransition = errors.New("invalid order transition")

// Spawns reports whether the action creates a new order instead of mutating
// the current one.
func Spawns(a Action) bool {
	return a == ActionRenew || a == ActionRecover
}

// Terminal reports whether no action can ever apply to order again.
func Terminal(order *domain.Order) bool {
	if order == nil {
		return true
	}
	switch order.Status {
	case domain.StatusCompleted, domain.StatusCancel:
		return order.RetryCount >= 1
	}
	return false
}

// NextStatus returns the status produced by action. For renew and recover it is
// the status of the spawned order; the original keeps its own. Delete returns
// the empty status.
func NextStatus(order *domain.Order, action Action) (domain.Status, error) {
	if order == nil {
		return "", fmt.Errorf("%w: no order", ErrInvalidTransition)
	}
	if err := ensureOrderTransition(order, action); err != nil {
		return "", err
	}
	switch action {
	case ActionPay:
		if _, ok := order.AssignedPartner.ID(); ok {
			return domain.StatusWaiting, nil
		}
		return domain.StatusInActive, nil
	case ActionAccept:
		return domain.StatusInProgress, nil
	case ActionRefuse:
		return domain.StatusPending, nil
	case ActionComplete:
		return domain.StatusCompleted, nil
	case ActionCancel:
		return domain.StatusCancel, nil
	case ActionRenew:
		return domain.StatusPending, nil
	case ActionRecover:
		if _, ok := order.AssignedPartner.ID(); ok {
			return domain.StatusWaiting, nil
		}
		return domain.StatusInActive, nil
	case ActionDelete:
		return "", nil
	}
	return "", fmt.Errorf("%w: unknown action %s", ErrInvalidTransition, action)
}

func ensureOrderTransition(order *domain.Order, action Action) error {
	switch order.Status {
	case domain.StatusPending:
		if action == ActionPay || action == ActionDelete {
			return nil
		}
	case domain.StatusWaiting:
		if action == ActionAccept || action == ActionRefuse {
			return nil
		}
	case domain.StatusInActive:
		if action == ActionAccept {
			return nil
		}
	case domain.StatusInProgress:
		if action == ActionComplete || action == ActionCancel {
			return nil
		}
	case domain.StatusCompleted:
		if action == ActionRenew && order.RetryCount < 1 {
			return nil
		}
	case domain.StatusCancel:
		if action == ActionRecover && order.RetryCount < 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, order.Status)
}
