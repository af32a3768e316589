package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"boostflow/internal/domain"
	"boostflow/internal/engine"
	"boostflow/internal/marketplace"
	"boostflow/internal/repo"
)

type orderPath struct {
	BoostID string `path:"boost_id"`
}

func registerOrders(api huma.API, svc marketplace.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		order, err := svc.CreateOrder(ctx, viewer, marketplace.CreateOrderInput{
			Price:             input.Body.Price,
			AssignedPartnerID: input.Body.AssignedPartnerID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(order)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"PENDING,WAITING,IN_ACTIVE,IN_PROGRESS,COMPLETED,CANCEL"`
		Owner   string `query:"owner"`
		Partner string `query:"partner"`
		Open    bool   `query:"open" doc:"Only IN_ACTIVE orders any partner may accept"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedOrders `json:"body"`
	}, error) {
		if _, authErr := viewerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		orders, err := svc.ListOrders(ctx, repo.OrderFilters{
			Status:    domain.Status(input.Status),
			OwnerID:   input.Owner,
			PartnerID: input.Partner,
			Open:      input.Open,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrders{Items: []OrderResponse{}}
		for _, o := range orders {
			resp.Items = append(resp.Items, orderResponse(o))
		}
		return &struct {
			Body paginatedOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{boost_id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		if _, authErr := viewerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		order, err := svc.GetOrder(ctx, input.BoostID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(order)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-order",
		Method:      http.MethodGet,
		Path:        "/orders/{boost_id}/evaluation",
		Summary:     "Permissions, amounts and confirmations for the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		order, err := svc.GetOrder(ctx, input.BoostID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg := svc.CommissionConfig(ctx)
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: evaluationResponse(&order, viewer, &cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "order-action",
		Method:      http.MethodPost,
		Path:        "/orders/{boost_id}/{action}",
		Summary:     "Perform an order action",
		Description: "Mutating actions return the updated order. renew and recover return the id of the order they created.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BoostID string `path:"boost_id"`
		Action  string `path:"action" enum:"pay,accept,refuse,complete,cancel,renew,recover"`
	}) (*struct {
		Body ActionResultResponse `json:"body"`
	}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		action, ok := engine.ParseAction(input.Action)
		if !ok || action == engine.ActionDelete {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown action", map[string]any{"action": input.Action})
		}
		res, err := svc.Apply(ctx, viewer, input.BoostID, action)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-order",
		Method:        http.MethodDelete,
		Path:          "/orders/{boost_id}",
		Summary:       "Delete a pending order",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *orderPath) (*struct{}, error) {
		viewer, authErr := viewerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := svc.Apply(ctx, viewer, input.BoostID, engine.ActionDelete); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func evaluationResponse(order *domain.Order, viewer *domain.Viewer, cfg *domain.CommissionConfig) EvaluationResponse {
	resp := EvaluationResponse{
		Evaluation:    engine.Evaluate(order, viewer, cfg),
		Confirmations: []engine.Confirmation{},
	}
	for _, a := range resp.Actions {
		if engine.RequiresConfirmation(a) {
			resp.Confirmations = append(resp.Confirmations, engine.BuildConfirmation(a, order, cfg))
		}
	}
	if resp.Actions == nil {
		resp.Actions = []engine.Action{}
	}
	return resp
}
