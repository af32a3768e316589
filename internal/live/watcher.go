package live

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"boostflow/internal/domain"
	"boostflow/internal/engine"
	"boostflow/internal/logger"
)

// OrderFetcher reads the current snapshot of an order.
type OrderFetcher interface {
	GetOrder(ctx context.Context, boostID string) (domain.Order, error)
}

// Update is one re-evaluation of the watched order. Deleted is set once the
// order is gone; Err carries a failed re-fetch, after which watching goes on.
type Update struct {
	Trigger    *domain.Event
	Order      *domain.Order
	Evaluation engine.Evaluation
	Deleted    bool
	Err        error
}

// Watcher re-fetches and re-evaluates one order whenever a relevant event
// arrives. Nothing is cached between evaluations except the viewer and
// commission config, which are themselves refreshed by their own events.
type Watcher struct {
	API     OrderFetcher
	BoostID string
	Viewer  *domain.Viewer
	Config  *domain.CommissionConfig
	// Optional refreshers used on ban and commission events.
	ReloadViewer func(ctx context.Context) (*domain.Viewer, error)
	ReloadConfig func(ctx context.Context) (*domain.CommissionConfig, error)
	// IsNotFound classifies fetch errors that mean the order was deleted.
	IsNotFound func(error) bool
	Logger     *zap.Logger
}

// Relevant reports whether evt may change what the viewer sees.
func (w *Watcher) Relevant(evt domain.Event) bool {
	switch evt.Type {
	case domain.EventCommissionUpdate:
		return true
	case domain.EventUserBanned, domain.EventUserUnbanned:
		return w.Viewer != nil && evt.UserID == w.Viewer.ID
	}
	return evt.BoostID != "" && evt.BoostID == w.BoostID
}

// Run evaluates once, then again after every relevant event until events is
// closed, ctx ends, or the order is deleted.
func (w *Watcher) Run(ctx context.Context, events <-chan domain.Event, report func(Update)) error {
	log := logger.OrNop(w.Logger).With(zap.String("boost_id", w.BoostID))
	if done := w.refresh(ctx, nil, report); done {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if !w.Relevant(evt) {
				continue
			}
			log.Debug("re-evaluating after event", zap.String("type", evt.Type), zap.Int64("event_id", evt.ID))
			if err := w.reloadFor(ctx, evt); err != nil {
				log.Warn("reload after event failed", zap.String("type", evt.Type), zap.Error(err))
			}
			trigger := evt
			if done := w.refresh(ctx, &trigger, report); done {
				return nil
			}
		}
	}
}

func (w *Watcher) reloadFor(ctx context.Context, evt domain.Event) error {
	switch evt.Type {
	case domain.EventUserBanned, domain.EventUserUnbanned:
		if w.ReloadViewer != nil {
			v, err := w.ReloadViewer(ctx)
			if err != nil {
				return err
			}
			w.Viewer = v
		} else if w.Viewer != nil {
			v := *w.Viewer
			v.Banned = evt.Type == domain.EventUserBanned
			w.Viewer = &v
		}
	case domain.EventCommissionUpdate:
		if w.ReloadConfig != nil {
			cfg, err := w.ReloadConfig(ctx)
			if err != nil {
				return err
			}
			w.Config = cfg
		}
	}
	return nil
}

func (w *Watcher) refresh(ctx context.Context, trigger *domain.Event, report func(Update)) (done bool) {
	order, err := w.API.GetOrder(ctx, w.BoostID)
	if err != nil {
		if w.notFound(err) {
			report(Update{Trigger: trigger, Deleted: true})
			return true
		}
		report(Update{Trigger: trigger, Err: err})
		return false
	}
	report(Update{
		Trigger:    trigger,
		Order:      &order,
		Evaluation: engine.Evaluate(&order, w.Viewer, w.Config),
	})
	return false
}

func (w *Watcher) notFound(err error) bool {
	if w.IsNotFound != nil {
		return w.IsNotFound(err)
	}
	var se engine.HTTPStatusError
	return errors.As(err, &se) && se.HTTPStatus() == http.StatusNotFound
}
