package boostsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"boostflow/internal/domain"
	"boostflow/internal/engine"
)

// Client is a minimal Boostflow HTTP API client. It implements the Order API
// used by engine.Engine and the commission config source.
type Client struct {
	BaseURL    string
	APIKey     string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

var _ engine.OrderAPI = (*Client)(nil)

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// LoginResponse is returned by DevLogin.
type LoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// EvaluationResponse is an order evaluation with the confirmations for every
// permitted action that needs one.
type EvaluationResponse struct {
	engine.Evaluation
	Confirmations []engine.Confirmation `json:"confirmations"`
}

// OrderQuery filters ListOrders.
type OrderQuery struct {
	Status  domain.Status
	Owner   string
	Partner string
	Open    bool
	Limit   int
}

// Ledger is a partner's earnings and penalties.
type Ledger struct {
	Items []domain.LedgerEntry `json:"items"`
	Total int64                `json:"total"`
}

// CreatedAPIKey carries the plaintext key, shown once.
type CreatedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// DevLogin mints a token for username. Only available on dev servers.
func (c *Client) DevLogin(ctx context.Context, username string, roles []domain.Role) (LoginResponse, error) {
	body := map[string]any{
		"username": username,
		"roles":    roles,
	}
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "auth/dev-login", body, &resp)
	return resp, err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Viewer returns the authenticated user as an evaluation viewer.
func (c *Client) Viewer(ctx context.Context) (*domain.Viewer, error) {
	u, err := c.Me(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.Viewer{ID: u.ID, Roles: u.Roles, Banned: u.Banned}, nil
}

// CreateOrder creates a PENDING order owned by the caller.
func (c *Client) CreateOrder(ctx context.Context, price int64, assignedPartnerID string) (domain.Order, error) {
	body := map[string]any{"price": price}
	if assignedPartnerID != "" {
		body["assigned_partner_id"] = assignedPartnerID
	}
	var resp domain.Order
	err := c.do(ctx, http.MethodPost, "orders", body, &resp)
	return resp, err
}

// ListOrders lists orders matching q.
func (c *Client) ListOrders(ctx context.Context, q OrderQuery) ([]domain.Order, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", string(q.Status))
	}
	if q.Owner != "" {
		params.Set("owner", q.Owner)
	}
	if q.Partner != "" {
		params.Set("partner", q.Partner)
	}
	if q.Open {
		params.Set("open", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "orders"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []domain.Order `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetOrder fetches the current snapshot of an order.
func (c *Client) GetOrder(ctx context.Context, boostID string) (domain.Order, error) {
	var resp domain.Order
	err := c.do(ctx, http.MethodGet, orderPath(boostID), nil, &resp)
	return resp, err
}

// Evaluate asks the server to evaluate an order for the caller.
func (c *Client) Evaluate(ctx context.Context, boostID string) (EvaluationResponse, error) {
	var resp EvaluationResponse
	err := c.do(ctx, http.MethodGet, orderPath(boostID)+"/evaluation", nil, &resp)
	return resp, err
}

func (c *Client) Pay(ctx context.Context, boostID string) (domain.Order, error) {
	return c.mutate(ctx, boostID, engine.ActionPay)
}

func (c *Client) Accept(ctx context.Context, boostID string) (domain.Order, error) {
	return c.mutate(ctx, boostID, engine.ActionAccept)
}

func (c *Client) Refuse(ctx context.Context, boostID string) (domain.Order, error) {
	return c.mutate(ctx, boostID, engine.ActionRefuse)
}

func (c *Client) Complete(ctx context.Context, boostID string) (domain.Order, error) {
	return c.mutate(ctx, boostID, engine.ActionComplete)
}

func (c *Client) Cancel(ctx context.Context, boostID string) (domain.Order, error) {
	return c.mutate(ctx, boostID, engine.ActionCancel)
}

// Renew creates a fresh PENDING order from a terminal one and returns its id.
func (c *Client) Renew(ctx context.Context, boostID string) (string, error) {
	return c.spawn(ctx, boostID, engine.ActionRenew)
}

// Recover re-opens a canceled order as a new order and returns its id.
func (c *Client) Recover(ctx context.Context, boostID string) (string, error) {
	return c.spawn(ctx, boostID, engine.ActionRecover)
}

// Delete removes a PENDING order.
func (c *Client) Delete(ctx context.Context, boostID string) error {
	method, endpoint := engine.Endpoint(engine.ActionDelete, boostID)
	return c.do(ctx, method, endpoint, nil, nil)
}

func (c *Client) action(ctx context.Context, boostID string, a engine.Action) (engine.Result, error) {
	var resp engine.Result
	method, endpoint := engine.Endpoint(a, boostID)
	err := c.do(ctx, method, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) mutate(ctx context.Context, boostID string, a engine.Action) (domain.Order, error) {
	res, err := c.action(ctx, boostID, a)
	if err != nil {
		return domain.Order{}, err
	}
	if res.Order == nil {
		return domain.Order{}, fmt.Errorf("%s: response carried no order", a)
	}
	return *res.Order, nil
}

func (c *Client) spawn(ctx context.Context, boostID string, a engine.Action) (string, error) {
	res, err := c.action(ctx, boostID, a)
	if err != nil {
		return "", err
	}
	return res.NewBoostID, nil
}

// CommissionConfig returns the marketplace commission rates.
func (c *Client) CommissionConfig(ctx context.Context) (domain.CommissionConfig, error) {
	var resp domain.CommissionConfig
	err := c.do(ctx, http.MethodGet, "commission", nil, &resp)
	return resp, err
}

// SetCommissionConfig replaces the marketplace commission rates. Admin only.
func (c *Client) SetCommissionConfig(ctx context.Context, cfg domain.CommissionConfig) (domain.CommissionConfig, error) {
	var resp domain.CommissionConfig
	err := c.do(ctx, http.MethodPut, "commission", cfg, &resp)
	return resp, err
}

// Ban bans a user. Admin only.
func (c *Client) Ban(ctx context.Context, userID string) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodPost, "users/"+url.PathEscape(userID)+"/ban", nil, &resp)
	return resp, err
}

// Unban lifts a ban. Admin only.
func (c *Client) Unban(ctx context.Context, userID string) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodDelete, "users/"+url.PathEscape(userID)+"/ban", nil, &resp)
	return resp, err
}

// Ledger returns the caller's earnings and penalties.
func (c *Client) Ledger(ctx context.Context) (Ledger, error) {
	var resp Ledger
	err := c.do(ctx, http.MethodGet, "me/ledger", nil, &resp)
	return resp, err
}

// CreateAPIKey mints an API key for the caller.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (CreatedAPIKey, error) {
	var resp CreatedAPIKey
	err := c.do(ctx, http.MethodPost, "me/api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

// ListAPIKeys lists the caller's API keys.
func (c *Client) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	var resp struct {
		Items []domain.APIKey `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "me/api-keys", nil, &resp)
	return resp.Items, err
}

// DeleteAPIKey revokes one of the caller's API keys.
func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "me/api-keys/"+url.PathEscape(id), nil, nil)
}

// Events returns recent events, optionally for a single order.
func (c *Client) Events(ctx context.Context, limit int, boostID string) ([]domain.Event, error) {
	page, err := c.EventsPage(ctx, limit, boostID, "")
	return page.Items, err
}

// EventsPage returns events newer than cursor, oldest first. An empty cursor
// returns the latest events.
func (c *Client) EventsPage(ctx context.Context, limit int, boostID, cursor string) (PaginatedEvents, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if boostID != "" {
		params.Set("boost_id", boostID)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return parseAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
	}
	return ae
}

func orderPath(boostID string) string {
	return "orders/" + url.PathEscape(boostID)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
