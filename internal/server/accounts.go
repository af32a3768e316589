package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"boostflow/internal/domain"
	"boostflow/internal/engine/auth"
	"boostflow/internal/marketplace"
)

func registerMe(api huma.API, svc marketplace.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := svc.Repo.GetUser(ctx, viewer.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-ledger",
		Method:      http.MethodGet,
		Path:        "/me/ledger",
		Summary:     "Partner earnings and penalties",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LedgerResponse `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, total, err := svc.Ledger(ctx, viewer)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.LedgerEntry{}
		}
		return &struct {
			Body LedgerResponse `json:"body"`
		}{Body: LedgerResponse{Items: entries, Total: total}}, nil
	})
}

func registerAPIKeys(api huma.API, svc marketplace.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := svc.CreateAPIKey(ctx, viewer, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{APIKeyResponse: apiKeyResponse(key), Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedAPIKeys `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := svc.ListAPIKeys(ctx, viewer)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAPIKeys{Items: []APIKeyResponse{}}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k))
		}
		return &struct {
			Body paginatedAPIKeys `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.DeleteAPIKey(ctx, viewer, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerCommission(api huma.API, svc marketplace.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-commission",
		Method:      http.MethodGet,
		Path:        "/commission",
		Summary:     "Marketplace commission rates",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.CommissionConfig `json:"body"`
	}, error) {
		if _, authErr := viewerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.CommissionConfig `json:"body"`
		}{Body: svc.CommissionConfig(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-commission",
		Method:      http.MethodPut,
		Path:        "/commission",
		Summary:     "Replace marketplace commission rates",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.CommissionConfig `json:"body"`
	}) (*struct {
		Body domain.CommissionConfig `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg, err := svc.SetCommissionConfig(ctx, viewer, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CommissionConfig `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerUsers(api huma.API, svc marketplace.Service) {
	type userPath struct {
		UserID string `path:"user_id"`
	}
	ban := func(banned bool) func(ctx context.Context, input *userPath) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *userPath) (*struct {
			Body UserResponse `json:"body"`
		}, error) {
			viewer, authErr := viewerFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			u, err := svc.SetBanned(ctx, viewer, input.UserID, banned)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body UserResponse `json:"body"`
			}{Body: userResponse(u)}, nil
		}
	}
	errs := []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity}
	huma.Register(api, huma.Operation{
		OperationID: "ban-user",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/ban",
		Summary:     "Ban a user",
		Errors:      errs,
	}, ban(true))
	huma.Register(api, huma.Operation{
		OperationID: "unban-user",
		Method:      http.MethodDelete,
		Path:        "/users/{user_id}/ban",
		Summary:     "Lift a ban",
		Errors:      errs,
	}, ban(false))

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []UserResponse `json:"items"`
		} `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(viewer, domain.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		users, err := svc.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []UserResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []UserResponse{}
		for _, u := range users {
			out.Body.Items = append(out.Body.Items, userResponse(u))
		}
		return out, nil
	})
}

func registerEvents(api huma.API, svc marketplace.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List order-changed events",
		Description: "Without a cursor the newest events are returned, newest first. With a cursor, events after it are returned oldest first.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BoostID string `query:"boost_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := viewerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		resp := paginatedEvents{Items: []domain.Event{}}
		if input.Cursor == "" {
			items, err := svc.Repo.LatestEvents(ctx, limit, input.BoostID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = append(resp.Items, items...)
		} else {
			cursorID, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			items, err := svc.Repo.EventsAfter(ctx, limit, cursorID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.NextCursor = input.Cursor
			if len(items) > 0 {
				resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
			}
			resp.Items = append(resp.Items, filterEvents(items, input.BoostID)...)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func filterEvents(items []domain.Event, boostID string) []domain.Event {
	if strings.TrimSpace(boostID) == "" {
		return items
	}
	out := items[:0]
	for _, e := range items {
		if e.BoostID == boostID {
			out = append(out, e)
		}
	}
	return out
}

func registerDevAuth(api huma.API, svc marketplace.Service, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev-login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		username := strings.TrimSpace(input.Body.Username)
		if username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		u, err := svc.Login(ctx, username, auth.ParseRoles(input.Body.Roles))
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signToken(authCfg.JWTSecret, u, authCfg.tokenTTL(), time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, User: userResponse(u)}}, nil
	})
}
