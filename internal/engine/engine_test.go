package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostflow/internal/domain"
	"boostflow/internal/engine"
	"boostflow/internal/engine/auth"
)

const (
	clientID  = "client-1"
	partnerID = "partner-1"
	otherID   = "partner-2"
)

func viewer(id string, roles ...domain.Role) *domain.Viewer {
	return &domain.Viewer{ID: id, Roles: roles}
}

func order(status domain.Status) *domain.Order {
	return &domain.Order{
		BoostID: "b-1",
		Owner:   domain.Unresolved(clientID),
		Price:   100000,
		Status:  status,
	}
}

var allStatuses = []domain.Status{
	domain.StatusPending, domain.StatusWaiting, domain.StatusInActive,
	domain.StatusInProgress, domain.StatusCompleted, domain.StatusCancel,
}

func TestOwnerCannotAcceptOwnOpenOrder(t *testing.T) {
	o := order(domain.StatusInActive)
	owner := viewer(clientID, domain.RoleClient, domain.RolePartner)
	perms := engine.DerivePermissions(o, owner)
	require.True(t, perms.Empty(), "owner got %v", perms.Actions())

	partner := viewer(partnerID, domain.RolePartner)
	perms = engine.DerivePermissions(o, partner)
	assert.Equal(t, []engine.Action{engine.ActionAccept}, perms.Actions())

	client := viewer(otherID, domain.RoleClient)
	assert.True(t, engine.DerivePermissions(o, client).Empty())
}

func TestPendingOwnerMayOnlyPayOrDelete(t *testing.T) {
	cases := []struct {
		name   string
		viewer *domain.Viewer
		want   []engine.Action
	}{
		{"client owner", viewer(clientID, domain.RoleClient), []engine.Action{engine.ActionPay, engine.ActionDelete}},
		{"owner with every role", viewer(clientID, domain.RoleClient, domain.RolePartner, domain.RoleAdmin), []engine.Action{engine.ActionPay, engine.ActionDelete}},
		{"owner without roles", viewer(clientID), []engine.Action{engine.ActionPay, engine.ActionDelete}},
		{"partner", viewer(partnerID, domain.RolePartner), []engine.Action{}},
		{"admin", viewer(otherID, domain.RoleAdmin), []engine.Action{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := order(domain.StatusPending)
			o.AssignedPartner = domain.Unresolved(partnerID)
			perms := engine.DerivePermissions(o, tc.viewer)
			if diff := cmp.Diff(tc.want, perms.Actions()); diff != "" {
				t.Fatalf("actions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWaitingOrderAssignedPartner(t *testing.T) {
	o := order(domain.StatusWaiting)
	o.AssignedPartner = domain.Resolved(domain.User{ID: partnerID, Username: "booster"})

	perms := engine.DerivePermissions(o, viewer(partnerID))
	assert.Equal(t, []engine.Action{engine.ActionAccept, engine.ActionRefuse}, perms.Actions())

	perms = engine.DerivePermissions(o, viewer(clientID, domain.RoleClient))
	assert.Equal(t, []engine.Action{engine.ActionRefuse}, perms.Actions())

	perms = engine.DerivePermissions(o, viewer(otherID, domain.RolePartner))
	assert.True(t, perms.Empty(), "unassigned partner must not accept a waiting order")
}

func TestRetryDisabledAfterOneRenewal(t *testing.T) {
	o := order(domain.StatusCompleted)
	o.ProcessingPartner = domain.Unresolved(partnerID)
	owner := viewer(clientID, domain.RoleClient)

	assert.Equal(t, []engine.Action{engine.ActionRenew}, engine.DerivePermissions(o, owner).Actions())

	o.RetryCount = 1
	assert.True(t, engine.DerivePermissions(o, owner).Empty())
	assert.True(t, engine.Terminal(o))

	c := order(domain.StatusCancel)
	assert.Equal(t, []engine.Action{engine.ActionRecover}, engine.DerivePermissions(c, owner).Actions())
	c.RetryCount = 3
	assert.True(t, engine.DerivePermissions(c, owner).Empty())
}

func TestInProgressOnlyProcessingPartner(t *testing.T) {
	o := order(domain.StatusInProgress)
	o.ProcessingPartner = domain.Unresolved(partnerID)

	perms := engine.DerivePermissions(o, viewer(partnerID, domain.RolePartner))
	assert.Equal(t, []engine.Action{engine.ActionComplete, engine.ActionCancel}, perms.Actions())
	assert.True(t, engine.DerivePermissions(o, viewer(clientID, domain.RoleClient)).Empty())
	assert.True(t, engine.DerivePermissions(o, viewer(otherID, domain.RolePartner, domain.RoleAdmin)).Empty())
}

func TestUnauthenticatedViewerHasNoPermissions(t *testing.T) {
	for _, status := range allStatuses {
		o := order(status)
		o.AssignedPartner = domain.Unresolved(partnerID)
		o.ProcessingPartner = domain.Unresolved(partnerID)
		assert.True(t, engine.DerivePermissions(o, nil).Empty(), "nil viewer on %s", status)
		assert.True(t, engine.DerivePermissions(o, &domain.Viewer{Roles: []domain.Role{domain.RolePartner}}).Empty(), "anonymous viewer on %s", status)
	}
}

func TestBannedViewerHasNoPermissions(t *testing.T) {
	o := order(domain.StatusPending)
	v := viewer(clientID, domain.RoleClient)
	require.False(t, engine.DerivePermissions(o, v).Empty())
	v.Banned = true
	assert.True(t, engine.DerivePermissions(o, v).Empty())
}

func TestMalformedOrderHasNoPermissions(t *testing.T) {
	v := viewer(clientID, domain.RoleClient, domain.RolePartner)
	cases := map[string]*domain.Order{
		"nil":            nil,
		"no boost id":    {Owner: domain.Unresolved(clientID), Status: domain.StatusPending},
		"unknown status": {BoostID: "b", Owner: domain.Unresolved(clientID), Status: "SHIPPED"},
		"no owner":       {BoostID: "b", Status: domain.StatusPending},
		"negative retry": {BoostID: "b", Owner: domain.Unresolved(clientID), Status: domain.StatusCompleted, RetryCount: -1},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, engine.DerivePermissions(o, v).Empty())
		})
	}
}

func TestPermissionsAreIdempotent(t *testing.T) {
	for _, status := range allStatuses {
		o := order(status)
		o.AssignedPartner = domain.Unresolved(partnerID)
		o.ProcessingPartner = domain.Unresolved(partnerID)
		for _, v := range []*domain.Viewer{
			viewer(clientID, domain.RoleClient),
			viewer(partnerID, domain.RolePartner),
			viewer(otherID, domain.RolePartner, domain.RoleAdmin),
		} {
			first := engine.DerivePermissions(o, v)
			second := engine.DerivePermissions(o, v)
			if diff := cmp.Diff(first, second); diff != "" {
				t.Fatalf("permissions changed between calls on %s (-first +second):\n%s", status, diff)
			}
		}
	}
}

// Every permitted action must also be a legal transition from the status.
func TestPermissionsImplyLegalTransition(t *testing.T) {
	for _, status := range allStatuses {
		for _, retry := range []int{0, 1} {
			o := order(status)
			o.RetryCount = retry
			o.AssignedPartner = domain.Unresolved(partnerID)
			o.ProcessingPartner = domain.Unresolved(partnerID)
			for _, v := range []*domain.Viewer{
				viewer(clientID, domain.RoleClient),
				viewer(partnerID, domain.RolePartner),
				viewer(otherID, domain.RolePartner),
			} {
				for _, a := range engine.DerivePermissions(o, v).Actions() {
					_, err := engine.NextStatus(o, a)
					assert.NoError(t, err, "%s permitted on %s but transition rejected", a, status)
				}
			}
		}
	}
}

func TestNextStatus(t *testing.T) {
	assigned := func(o *domain.Order) *domain.Order {
		o.AssignedPartner = domain.Unresolved(partnerID)
		return o
	}
	cases := []struct {
		name   string
		order  *domain.Order
		action engine.Action
		want   domain.Status
	}{
		{"pay open order", order(domain.StatusPending), engine.ActionPay, domain.StatusInActive},
		{"pay assigned order", assigned(order(domain.StatusPending)), engine.ActionPay, domain.StatusWaiting},
		{"accept waiting", assigned(order(domain.StatusWaiting)), engine.ActionAccept, domain.StatusInProgress},
		{"accept open", order(domain.StatusInActive), engine.ActionAccept, domain.StatusInProgress},
		{"refuse", assigned(order(domain.StatusWaiting)), engine.ActionRefuse, domain.StatusPending},
		{"complete", order(domain.StatusInProgress), engine.ActionComplete, domain.StatusCompleted},
		{"cancel", order(domain.StatusInProgress), engine.ActionCancel, domain.StatusCancel},
		{"renew", order(domain.StatusCompleted), engine.ActionRenew, domain.StatusPending},
		{"recover open", order(domain.StatusCancel), engine.ActionRecover, domain.StatusInActive},
		{"recover assigned", assigned(order(domain.StatusCancel)), engine.ActionRecover, domain.StatusWaiting},
		{"delete", order(domain.StatusPending), engine.ActionDelete, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.NextStatus(tc.order, tc.action)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextStatusRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		status engine.Action
		from   domain.Status
	}{
		{engine.ActionPay, domain.StatusWaiting},
		{engine.ActionAccept, domain.StatusPending},
		{engine.ActionRefuse, domain.StatusInActive},
		{engine.ActionComplete, domain.StatusWaiting},
		{engine.ActionCancel, domain.StatusCompleted},
		{engine.ActionRenew, domain.StatusCancel},
		{engine.ActionRecover, domain.StatusCompleted},
		{engine.ActionDelete, domain.StatusInActive},
	}
	for _, tc := range cases {
		_, err := engine.NextStatus(order(tc.from), tc.status)
		assert.ErrorIs(t, err, engine.ErrInvalidTransition, "%s from %s", tc.status, tc.from)
	}
	o := order(domain.StatusCompleted)
	o.RetryCount = 1
	_, err := engine.NextStatus(o, engine.ActionRenew)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestBuildConfirmation(t *testing.T) {
	o := order(domain.StatusInActive)
	cfg := &domain.CommissionConfig{PartnerCommissionRate: 0.8, CancellationPenaltyRate: 0.05}

	c := engine.BuildConfirmation(engine.ActionAccept, o, cfg)
	require.True(t, c.RequiresConfirmation)
	require.NotNil(t, c.Amounts)
	require.NotNil(t, c.Amounts.PartnerEarning)
	assert.Equal(t, int64(80000), *c.Amounts.PartnerEarning)
	assert.Nil(t, c.Amounts.PenaltyAmount)
	assert.Empty(t, c.Warnings)

	c = engine.BuildConfirmation(engine.ActionCancel, o, cfg)
	require.True(t, c.RequiresConfirmation)
	require.NotNil(t, c.Amounts.PenaltyAmount)
	assert.Equal(t, int64(5000), *c.Amounts.PenaltyAmount)
	assert.Equal(t, []string{engine.WarningCancellationPenalty}, c.Warnings)

	c = engine.BuildConfirmation(engine.ActionAccept, o, nil)
	assert.Equal(t, int64(80000), *c.Amounts.PartnerEarning)
	assert.Contains(t, c.Warnings, engine.WarningCommissionFallback)

	for _, a := range []engine.Action{engine.ActionPay, engine.ActionRefuse, engine.ActionComplete, engine.ActionRenew, engine.ActionRecover, engine.ActionDelete} {
		c := engine.BuildConfirmation(a, o, cfg)
		assert.False(t, c.RequiresConfirmation, "%s", a)
		assert.Nil(t, c.Amounts, "%s", a)
	}
}

func TestEvaluate(t *testing.T) {
	o := order(domain.StatusInActive)
	ev := engine.Evaluate(o, viewer(partnerID, domain.RolePartner), &domain.CommissionConfig{PartnerCommissionRate: 0.9, CancellationPenaltyRate: 0.1})
	assert.Equal(t, "b-1", ev.BoostID)
	assert.Equal(t, []engine.Action{engine.ActionAccept}, ev.Actions)
	assert.Equal(t, domain.DerivedAmounts{PartnerEarning: 90000, PenaltyAmount: 10000}, ev.Amounts)
	assert.False(t, ev.Fallback)

	ev = engine.Evaluate(o, nil, nil)
	assert.Empty(t, ev.Actions)
	assert.NotNil(t, ev.Actions)
	assert.True(t, ev.Fallback)
}

func TestInvokeIntent(t *testing.T) {
	o := order(domain.StatusCompleted)
	in, err := engine.Invoke(engine.ActionRenew, o)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, in.Method)
	assert.Equal(t, "orders/b-1/renew", in.Path)
	assert.True(t, in.Spawns)
	assert.Equal(t, domain.StatusPending, in.NextStatus)

	in, err = engine.Invoke(engine.ActionDelete, order(domain.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, in.Method)
	assert.Equal(t, "orders/b-1", in.Path)

	method, path := engine.Endpoint(engine.ActionAccept, "b 1")
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "orders/b%201/accept", path)

	_, err = engine.Invoke(engine.ActionAccept, order(domain.StatusPending))
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return fmt.Sprintf("%d: %s", e.code, e.msg) }
func (e statusErr) HTTPStatus() int { return e.code }

type fakeAPI struct {
	calls   []string
	order   domain.Order
	newID   string
	failErr error
}

func (f *fakeAPI) mutate(name, id string) (domain.Order, error) {
	f.calls = append(f.calls, name+":"+id)
	if f.failErr != nil {
		return domain.Order{}, f.failErr
	}
	return f.order, nil
}

func (f *fakeAPI) GetOrder(_ context.Context, id string) (domain.Order, error) {
	return f.mutate("get", id)
}
func (f *fakeAPI) Pay(_ context.Context, id string) (domain.Order, error) { return f.mutate("pay", id) }
func (f *fakeAPI) Accept(_ context.Context, id string) (domain.Order, error) {
	return f.mutate("accept", id)
}
func (f *fakeAPI) Refuse(_ context.Context, id string) (domain.Order, error) {
	return f.mutate("refuse", id)
}
func (f *fakeAPI) Complete(_ context.Context, id string) (domain.Order, error) {
	return f.mutate("complete", id)
}
func (f *fakeAPI) Cancel(_ context.Context, id string) (domain.Order, error) {
	return f.mutate("cancel", id)
}
func (f *fakeAPI) Renew(_ context.Context, id string) (string, error) {
	_, err := f.mutate("renew", id)
	return f.newID, err
}
func (f *fakeAPI) Recover(_ context.Context, id string) (string, error) {
	_, err := f.mutate("recover", id)
	return f.newID, err
}
func (f *fakeAPI) Delete(_ context.Context, id string) error {
	_, err := f.mutate("delete", id)
	return err
}

func TestCommitDoesNotMutateSnapshot(t *testing.T) {
	o := order(domain.StatusInActive)
	api := &fakeAPI{order: domain.Order{BoostID: "b-1", Status: domain.StatusInProgress}}
	eng := engine.New(api, nil)

	res, err := eng.Commit(context.Background(), engine.CommitRequest{
		Action: engine.ActionAccept, Order: o, Viewer: viewer(partnerID, domain.RolePartner), Confirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ResultMutated, res.Kind)
	assert.Equal(t, domain.StatusInProgress, res.Order.Status)
	assert.Equal(t, domain.StatusInActive, o.Status, "local snapshot must only change through a re-fetch")
	assert.Equal(t, []string{"accept:b-1"}, api.calls)
}

func TestCommitRequiresConfirmation(t *testing.T) {
	o := order(domain.StatusInActive)
	api := &fakeAPI{}
	eng := engine.New(api, nil)
	_, err := eng.Commit(context.Background(), engine.CommitRequest{
		Action: engine.ActionAccept, Order: o, Viewer: viewer(partnerID, domain.RolePartner),
	})
	assert.ErrorIs(t, err, engine.ErrConfirmationRequired)
	assert.Empty(t, api.calls)
}

func TestCommitForbiddenIsLocal(t *testing.T) {
	o := order(domain.StatusInActive)
	api := &fakeAPI{}
	eng := engine.New(api, nil)
	_, err := eng.Commit(context.Background(), engine.CommitRequest{
		Action: engine.ActionAccept, Order: o, Viewer: viewer(clientID, domain.RolePartner), Confirmed: true,
	})
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, "b-1", fe.BoostID)
	assert.Empty(t, api.calls)
}

func TestCommitSpawnedAndDeleted(t *testing.T) {
	api := &fakeAPI{newID: "b-2"}
	eng := engine.New(api, nil)
	owner := viewer(clientID, domain.RoleClient)

	res, err := eng.Commit(context.Background(), engine.CommitRequest{Action: engine.ActionRecover, Order: order(domain.StatusCancel), Viewer: owner})
	require.NoError(t, err)
	assert.Equal(t, engine.ResultSpawned, res.Kind)
	assert.Equal(t, "b-2", res.NewBoostID)
	assert.Nil(t, res.Order)

	res, err = eng.Commit(context.Background(), engine.CommitRequest{Action: engine.ActionDelete, Order: order(domain.StatusPending), Viewer: owner})
	require.NoError(t, err)
	assert.Equal(t, engine.ResultDeleted, res.Kind)

	api.newID = ""
	_, err = eng.Commit(context.Background(), engine.CommitRequest{Action: engine.ActionRenew, Order: order(domain.StatusCompleted), Viewer: owner})
	assert.Error(t, err)
}

func TestCommitClassifiesFailuresWithoutRetry(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		kind  engine.FailureKind
		stale bool
	}{
		{"conflict", statusErr{http.StatusConflict, "already accepted"}, engine.FailureStale, true},
		{"gone", statusErr{http.StatusGone, "deleted"}, engine.FailureStale, true},
		{"not found", statusErr{http.StatusNotFound, "missing"}, engine.FailureNotFound, true},
		{"no longer available", statusErr{http.StatusBadRequest, "Order no longer available"}, engine.FailureStale, true},
		{"validation", statusErr{http.StatusUnprocessableEntity, "bad"}, engine.FailureValidation, false},
		{"forbidden", statusErr{http.StatusForbidden, "nope"}, engine.FailureForbidden, false},
		{"transport", errors.New("connection refused"), engine.FailureTransport, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{failErr: tc.err}
			eng := engine.New(api, nil)
			_, err := eng.Commit(context.Background(), engine.CommitRequest{
				Action: engine.ActionPay, Order: order(domain.StatusPending), Viewer: viewer(clientID),
			})
			var ie *engine.InvocationError
			require.True(t, errors.As(err, &ie), "got %v", err)
			assert.Equal(t, tc.kind, ie.Kind)
			assert.Equal(t, tc.stale, errors.Is(err, engine.ErrStale))
			assert.ErrorIs(t, err, tc.err)
			assert.Len(t, api.calls, 1)
		})
	}
}
