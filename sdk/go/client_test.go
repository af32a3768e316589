package boostsdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostflow/internal/domain"
	"boostflow/internal/engine"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	APIKey string
	Body   string
}

func newRecordingServer(t *testing.T, status int, resp string) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			APIKey: r.Header.Get("X-Api-Key"),
			Body:   string(b),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL + "/v0/")
	return c, &calls
}

func TestClientMutationsDecodeMixedPartyShapes(t *testing.T) {
	c, calls := newRecordingServer(t, http.StatusOK, `{
		"kind": "mutated",
		"action": "accept",
		"boost_id": "b1",
		"order": {
			"boost_id": "b1",
			"owner": {"id": "u-client", "username": "client", "roles": ["CLIENT"]},
			"processing_partner": "u-partner",
			"assigned_partner": null,
			"price": 1000,
			"retry_count": 0,
			"status": "IN_PROGRESS"
		}
	}`)
	c.Token = "tok"

	order, err := c.Accept(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, order.Status)
	owner, ok := order.Owner.User()
	require.True(t, ok)
	assert.Equal(t, "client", owner.Username)
	assert.True(t, order.ProcessingPartner.Is("u-partner"))
	assert.True(t, order.AssignedPartner.IsZero())

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v0/orders/b1/accept", got.Path)
	assert.Equal(t, "Bearer tok", got.Auth)
}

func TestClientSpawnReturnsNewID(t *testing.T) {
	c, calls := newRecordingServer(t, http.StatusOK, `{"kind":"spawned","action":"recover","boost_id":"b1","new_boost_id":"b2"}`)
	c.APIKey = "key"

	id, err := c.Recover(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b2", id)
	assert.Equal(t, "key", (*calls)[0].APIKey)
	assert.Empty(t, (*calls)[0].Auth)
}

func TestClientErrorEnvelope(t *testing.T) {
	c, _ := newRecordingServer(t, http.StatusConflict, `{"error":{"code":"stale","message":"order no longer available"}}`)

	_, err := c.Pay(context.Background(), "b1")
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Equal(t, "stale", ae.Code)
	assert.Equal(t, "order no longer available", ae.Message)

	var se engine.HTTPStatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.HTTPStatus())
}

func TestClientNotFound(t *testing.T) {
	c, _ := newRecordingServer(t, http.StatusNotFound, `not json`)
	_, err := c.GetOrder(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "not json", ae.Body)
	assert.Empty(t, ae.Code)
}

func TestClientDeleteNoContent(t *testing.T) {
	c, calls := newRecordingServer(t, http.StatusNoContent, ``)
	require.NoError(t, c.Delete(context.Background(), "b 1"))
	assert.Equal(t, http.MethodDelete, (*calls)[0].Method)
	assert.Equal(t, "/v0/orders/b 1", (*calls)[0].Path)
}

func TestClientListOrdersQuery(t *testing.T) {
	c, calls := newRecordingServer(t, http.StatusOK, `{"items":[]}`)
	_, err := c.ListOrders(context.Background(), OrderQuery{Status: domain.StatusInActive, Open: true, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "limit=5&open=true&status=IN_ACTIVE", (*calls)[0].Query)
}

func TestClientCreateOrderBody(t *testing.T) {
	c, calls := newRecordingServer(t, http.StatusOK, `{"boost_id":"b1","owner":"u1","status":"PENDING","price":10}`)
	_, err := c.CreateOrder(context.Background(), 10, "u-partner")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte((*calls)[0].Body), &body))
	assert.Equal(t, float64(10), body["price"])
	assert.Equal(t, "u-partner", body["assigned_partner_id"])
}

func TestClientDispatchesEngineIntents(t *testing.T) {
	c, calls := newRecordingServer(t, http.StatusOK, `{
		"kind": "mutated",
		"boost_id": "b1",
		"new_boost_id": "b2",
		"order": {"boost_id": "b1", "owner": "u1", "status": "IN_PROGRESS"}
	}`)
	ctx := context.Background()
	statusFor := map[engine.Action]domain.Status{
		engine.ActionPay:      domain.StatusPending,
		engine.ActionAccept:   domain.StatusInActive,
		engine.ActionRefuse:   domain.StatusWaiting,
		engine.ActionComplete: domain.StatusInProgress,
		engine.ActionCancel:   domain.StatusInProgress,
		engine.ActionRenew:    domain.StatusCompleted,
		engine.ActionRecover:  domain.StatusCancel,
		engine.ActionDelete:   domain.StatusPending,
	}
	mutation := func(fn func(context.Context, string) (domain.Order, error)) func() error {
		return func() error { _, err := fn(ctx, "b1"); return err }
	}
	spawn := func(fn func(context.Context, string) (string, error)) func() error {
		return func() error { _, err := fn(ctx, "b1"); return err }
	}
	call := map[engine.Action]func() error{
		engine.ActionPay:      mutation(c.Pay),
		engine.ActionAccept:   mutation(c.Accept),
		engine.ActionRefuse:   mutation(c.Refuse),
		engine.ActionComplete: mutation(c.Complete),
		engine.ActionCancel:   mutation(c.Cancel),
		engine.ActionRenew:    spawn(c.Renew),
		engine.ActionRecover:  spawn(c.Recover),
		engine.ActionDelete:   func() error { return c.Delete(ctx, "b1") },
	}
	require.Len(t, call, len(engine.AllActions))

	for _, a := range engine.AllActions {
		in, err := engine.Invoke(a, &domain.Order{BoostID: "b1", Owner: domain.Unresolved("u1"), Status: statusFor[a]})
		require.NoError(t, err, a)
		before := len(*calls)
		require.NoError(t, call[a](), a)
		require.Len(t, *calls, before+1, a)
		got := (*calls)[before]
		assert.Equal(t, in.Method, got.Method, a)
		assert.Equal(t, "/v0/"+in.Path, got.Path, a)
	}
}
