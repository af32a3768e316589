package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"boostflow/internal/commission"
	"boostflow/internal/domain"
	"boostflow/internal/engine/auth"
	"boostflow/internal/logger"
)

var (
	// ErrStale marks an invocation the server rejected because the snapshot it
	// was based on is no longer current, e.g. another partner accepted first.
	ErrStale = errors.New("order no longer available")
	// ErrConfirmationRequired is returned when accept or cancel is committed
	// without the caller having shown the confirmation amounts.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// OrderAPI is the remote collaborator that performs order mutations.
type OrderAPI interface {
	GetOrder(ctx context.Context, boostID string) (domain.Order, error)
	Pay(ctx context.Context, boostID string) (domain.Order, error)
	Accept(ctx context.Context, boostID string) (domain.Order, error)
	Refuse(ctx context.Context, boostID string) (domain.Order, error)
	Complete(ctx context.Context, boostID string) (domain.Order, error)
	Cancel(ctx context.Context, boostID string) (domain.Order, error)
	Renew(ctx context.Context, boostID string) (string, error)
	Recover(ctx context.Context, boostID string) (string, error)
	Delete(ctx context.Context, boostID string) error
}

// Evaluation is everything a view needs to render an order for one viewer.
type Evaluation struct {
	BoostID     string                `json:"boost_id"`
	Status      domain.Status         `json:"status"`
	Permissions PermissionSet         `json:"permissions"`
	Actions     []Action              `json:"actions"`
	Amounts     domain.DerivedAmounts `json:"amounts"`
	Fallback    bool                  `json:"commission_fallback"`
}

// Evaluate derives permissions and amounts for order as seen by viewer. It holds
// no state between calls and is safe to run on every pushed snapshot.
func Evaluate(order *domain.Order, viewer *domain.Viewer, cfg *domain.CommissionConfig) Evaluation {
	perms := DerivePermissions(order, viewer)
	ev := Evaluation{
		Permissions: perms,
		Actions:     perms.Actions(),
		Fallback:    commission.IsFallback(cfg),
	}
	if order != nil {
		ev.BoostID = order.BoostID
		ev.Status = order.Status
		ev.Amounts = commission.Compute(order.Price, cfg)
	}
	return ev
}

// Intent describes the remote call an action maps to. NextStatus is advisory,
// for pending-state feedback only; it must not be applied to local state.
type Intent struct {
	Action     Action        `json:"action"`
	BoostID    string        `json:"boost_id"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	NextStatus domain.Status `json:"next_status,omitempty"`
	Spawns     bool          `json:"spawns"`
}

// Invoke maps action on order to its endpoint intent.
func Invoke(action Action, order *domain.Order) (Intent, error) {
	next, err := NextStatus(order, action)
	if err != nil {
		return Intent{}, err
	}
	method, path := Endpoint(action, order.BoostID)
	return Intent{
		Action:     action,
		BoostID:    order.BoostID,
		Method:     method,
		Path:       path,
		NextStatus: next,
		Spawns:     Spawns(action),
	}, nil
}

// Endpoint returns the Order API method and path, relative to the API base,
// that perform action on boostID.
func Endpoint(action Action, boostID string) (method, path string) {
	id := url.PathEscape(boostID)
	if action == ActionDelete {
		return http.MethodDelete, "orders/" + id
	}
	return http.MethodPost, fmt.Sprintf("orders/%s/%s", id, action)
}

// ResultKind discriminates what a committed action produced.
type ResultKind string

const (
	ResultMutated ResultKind = "mutated"
	ResultSpawned ResultKind = "spawned"
	ResultDeleted ResultKind = "deleted"
)

// Result is the server-acknowledged outcome of a committed action. Mutated
// results carry the updated order; spawned results carry the new order's id
// for the caller to navigate to.
type Result struct {
	Kind       ResultKind    `json:"kind"`
	Action     Action        `json:"action"`
	BoostID    string        `json:"boost_id"`
	Order      *domain.Order `json:"order,omitempty"`
	NewBoostID string        `json:"new_boost_id,omitempty"`
}

// FailureKind classifies invocation failures for display.
type FailureKind string

const (
	FailureTransport  FailureKind = "transport"
	FailureValidation FailureKind = "validation"
	FailureForbidden  FailureKind = "forbidden"
	FailureStale      FailureKind = "stale"
	FailureNotFound   FailureKind = "not_found"
)

// InvocationError wraps a failed Order API call.
type InvocationError struct {
	Action  Action
	BoostID string
	Kind    FailureKind
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Action, e.BoostID, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool {
	return target == ErrStale && (e.Kind == FailureStale || e.Kind == FailureNotFound)
}

// Engine commits actions against the Order API.
type Engine struct {
	API    OrderAPI
	Logger *zap.Logger
}

func New(api OrderAPI, log *zap.Logger) Engine {
	return Engine{API: api, Logger: log}
}

// CommitRequest is one user-triggered action. Confirmed must be set for
// actions that require confirmation, after the amounts were shown.
type CommitRequest struct {
	Action    Action
	Order     *domain.Order
	Viewer    *domain.Viewer
	Confirmed bool
}

// Commit checks the action against the snapshot, then asks the Order API to
// perform it. No local state is changed; on success the caller must re-fetch
// and re-evaluate, on failure the error is returned as is and never retried.
func (e Engine) Commit(ctx context.Context, req CommitRequest) (Result, error) {
	if e.API == nil {
		return Result{}, errors.New("order api not configured")
	}
	perms := DerivePermissions(req.Order, req.Viewer)
	if !perms.Allows(req.Action) {
		fe := auth.ForbiddenError{Action: string(req.Action)}
		if req.Order != nil {
			fe.BoostID = req.Order.BoostID
			fe.Status = req.Order.Status
		}
		return Result{}, fe
	}
	if RequiresConfirmation(req.Action) && !req.Confirmed {
		return Result{}, ErrConfirmationRequired
	}
	intent, err := Invoke(req.Action, req.Order)
	if err != nil {
		return Result{}, err
	}
	log := logger.OrNop(e.Logger).With(zap.String("action", string(intent.Action)), zap.String("boost_id", intent.BoostID))
	log.Debug("committing order action", zap.String("method", intent.Method), zap.String("path", intent.Path))

	res, err := e.call(ctx, intent)
	if err != nil {
		ie := classify(intent, err)
		log.Warn("order action failed", zap.String("kind", string(ie.Kind)), zap.Error(err))
		return Result{}, ie
	}
	log.Info("order action committed", zap.String("kind", string(res.Kind)), zap.String("new_boost_id", res.NewBoostID))
	return res, nil
}

func (e Engine) call(ctx context.Context, in Intent) (Result, error) {
	res := Result{Action: in.Action, BoostID: in.BoostID, Kind: ResultMutated}
	var (
		order domain.Order
		err   error
	)
	switch in.Action {
	case ActionPay:
		order, err = e.API.Pay(ctx, in.BoostID)
	case ActionAccept:
		order, err = e.API.Accept(ctx, in.BoostID)
	case ActionRefuse:
		order, err = e.API.Refuse(ctx, in.BoostID)
	case ActionComplete:
		order, err = e.API.Complete(ctx, in.BoostID)
	case ActionCancel:
		order, err = e.API.Cancel(ctx, in.BoostID)
	case ActionRenew, ActionRecover:
		var newID string
		if in.Action == ActionRenew {
			newID, err = e.API.Renew(ctx, in.BoostID)
		} else {
			newID, err = e.API.Recover(ctx, in.BoostID)
		}
		if err != nil {
			return Result{}, err
		}
		if newID == "" || newID == in.BoostID {
			return Result{}, fmt.Errorf("%s returned no new order id", in.Action)
		}
		res.Kind = ResultSpawned
		res.NewBoostID = newID
		return res, nil
	case ActionDelete:
		if err := e.API.Delete(ctx, in.BoostID); err != nil {
			return Result{}, err
		}
		res.Kind = ResultDeleted
		return res, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown action %s", ErrInvalidTransition, in.Action)
	}
	if err != nil {
		return Result{}, err
	}
	res.Order = &order
	return res, nil
}

// HTTPStatusError is implemented by API errors that carry a response status.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

func classify(in Intent, err error) *InvocationError {
	ie := &InvocationError{Action: in.Action, BoostID: in.BoostID, Kind: FailureTransport, Err: err}
	var se HTTPStatusError
	if errors.As(err, &se) {
		switch status := se.HTTPStatus(); {
		case status == http.StatusConflict, status == http.StatusGone:
			ie.Kind = FailureStale
		case status == http.StatusNotFound:
			ie.Kind = FailureNotFound
		case status == http.StatusForbidden:
			ie.Kind = FailureForbidden
		case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
			ie.Kind = FailureValidation
			if strings.Contains(strings.ToLower(err.Error()), "no longer available") {
				ie.Kind = FailureStale
			}
		}
		return ie
	}
	if errors.Is(err, ErrStale) {
		ie.Kind = FailureStale
	}
	return ie
}
