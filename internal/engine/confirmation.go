package engine

import (
	"boostflow/internal/commission"
	"boostflow/internal/domain"
)

// Warning codes attached to confirmations.
const (
	WarningCancellationPenalty = "cancellation_penalty"
	WarningCommissionFallback  = "commission_fallback"
)

// ConfirmationAmounts are the figures shown before a partner commits.
type ConfirmationAmounts struct {
	PartnerEarning *int64 `json:"partner_earning,omitempty"`
	PenaltyAmount  *int64 `json:"penalty_amount,omitempty"`
}

// Confirmation describes what a caller must show before committing an action.
type Confirmation struct {
	Action               Action               `json:"action"`
	RequiresConfirmation bool                 `json:"requires_confirmation"`
	Amounts              *ConfirmationAmounts `json:"amounts,omitempty"`
	Warnings             []string             `json:"warnings,omitempty"`
}

// RequiresConfirmation reports whether action has financial consequences for
// the acting partner and so needs a blocking confirmation.
func RequiresConfirmation(action Action) bool {
	return action == ActionAccept || action == ActionCancel
}

// BuildConfirmation assembles the confirmation for action on order. Accept
// carries the prospective earning, cancel carries the penalty. Other actions
// come back with RequiresConfirmation false and no amounts.
func BuildConfirmation(action Action, order *domain.Order, cfg *domain.CommissionConfig) Confirmation {
	c := Confirmation{Action: action}
	if !RequiresConfirmation(action) {
		return c
	}
	c.RequiresConfirmation = true
	var price int64
	if order != nil {
		price = order.Price
	}
	switch action {
	case ActionAccept:
		earning := commission.ComputeEarning(price, cfg)
		c.Amounts = &ConfirmationAmounts{PartnerEarning: &earning}
	case ActionCancel:
		penalty := commission.ComputePenalty(price, cfg)
		c.Amounts = &ConfirmationAmounts{PenaltyAmount: &penalty}
		c.Warnings = append(c.Warnings, WarningCancellationPenalty)
	}
	if commission.IsFallback(cfg) {
		c.Warnings = append(c.Warnings, WarningCommissionFallback)
	}
	return c
}
