package server

import (
	"time"

	"boostflow/internal/domain"
	"boostflow/internal/engine"
)

// Request payloads

type CreateOrderRequest struct {
	Price             int64  `json:"price" minimum:"1" doc:"Order price in minor currency units"`
	AssignedPartnerID string `json:"assigned_partner_id,omitempty" doc:"Partner the order is offered to exclusively"`
}

type DevLoginRequest struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty" enum:"CLIENT,PARTNER,ADMIN"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type UserResponse struct {
	ID       string   `json:"id"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
	Banned   bool     `json:"banned"`
}

// OrderResponse renders the owner as a user object and partners as bare ids.
type OrderResponse struct {
	BoostID           string       `json:"boost_id"`
	InternalID        string       `json:"internal_id,omitempty"`
	Owner             UserResponse `json:"owner"`
	ProcessingPartner *string      `json:"processing_partner"`
	AssignedPartner   *string      `json:"assigned_partner"`
	Price             int64        `json:"price"`
	RetryCount        int          `json:"retry_count"`
	Status            string       `json:"status" enum:"PENDING,WAITING,IN_ACTIVE,IN_PROGRESS,COMPLETED,CANCEL"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	UpdatedAt         string       `json:"updated_at" format:"date-time"`
}

type ActionResultResponse struct {
	Kind       string         `json:"kind" enum:"mutated,spawned,deleted"`
	Action     string         `json:"action"`
	BoostID    string         `json:"boost_id"`
	Order      *OrderResponse `json:"order,omitempty"`
	NewBoostID string         `json:"new_boost_id,omitempty"`
}

type EvaluationResponse struct {
	engine.Evaluation
	Confirmations []engine.Confirmation `json:"confirmations"`
}

type DevLoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type LedgerResponse struct {
	Items []domain.LedgerEntry `json:"items"`
	Total int64                `json:"total"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CreatedAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key" doc:"Plaintext key, only returned once"`
}

type paginatedOrders struct {
	Items []OrderResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedAPIKeys struct {
	Items []APIKeyResponse `json:"items"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:       u.ID,
		Username: u.Username,
		Roles:    roleStrings(u.Roles),
		Banned:   u.Banned,
	}
}

func roleStrings(roles []domain.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

func partyUser(p domain.PartyRef) UserResponse {
	if u, ok := p.User(); ok {
		return userResponse(u)
	}
	id, _ := p.ID()
	return UserResponse{ID: id, Roles: []string{}}
}

func partyID(p domain.PartyRef) *string {
	id, ok := p.ID()
	if !ok {
		return nil
	}
	return &id
}

func orderResponse(o domain.Order) OrderResponse {
	return OrderResponse{
		BoostID:           o.BoostID,
		InternalID:        o.InternalID,
		Owner:             partyUser(o.Owner),
		ProcessingPartner: partyID(o.ProcessingPartner),
		AssignedPartner:   partyID(o.AssignedPartner),
		Price:             o.Price,
		RetryCount:        o.RetryCount,
		Status:            string(o.Status),
		CreatedAt:         o.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:         o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func resultResponse(res engine.Result) ActionResultResponse {
	out := ActionResultResponse{
		Kind:       string(res.Kind),
		Action:     string(res.Action),
		BoostID:    res.BoostID,
		NewBoostID: res.NewBoostID,
	}
	if res.Order != nil {
		o := orderResponse(*res.Order)
		out.Order = &o
	}
	return out
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}
