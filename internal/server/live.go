package server

import (
	"context"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"boostflow/internal/live"
	"boostflow/internal/logger"
	"boostflow/internal/repo"
)

const (
	defaultDispatchInterval = 500 * time.Millisecond
	defaultDispatchBatch    = 100
)

func registerLive(r chi.Router, basePath string, hub *live.Hub) {
	r.Get(path.Join(basePath, "live"), func(w http.ResponseWriter, req *http.Request) {
		viewer, authErr := viewerFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		hub.ServeWS(w, req, viewer.ID, req.URL.Query()["boost_id"]...)
	})
}

// Dispatcher tails the event log and pushes new events to the live hub.
type Dispatcher struct {
	Repo     repo.Repo
	Hub      *live.Hub
	Interval time.Duration
	Logger   *zap.Logger

	mu      sync.Mutex
	cursor  int64
	started bool
}

// NewDispatcher creates a dispatcher starting after the newest stored event.
func NewDispatcher(r repo.Repo, hub *live.Hub, interval time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{Repo: r, Hub: hub, Interval: interval, Logger: logger.OrNop(log)}
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.OrNop(d.Logger).Warn("dispatch: fetch events failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll broadcasts every event stored since the last poll and returns how
// many were sent. The first call only records the current position.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		cur, err := d.Repo.LatestEventID(ctx)
		if err != nil {
			return 0, err
		}
		d.cursor = cur
		d.started = true
		return 0, nil
	}
	sent := 0
	for {
		events, err := d.Repo.EventsAfter(ctx, defaultDispatchBatch, d.cursor)
		if err != nil {
			return sent, err
		}
		for _, evt := range events {
			d.Hub.Broadcast(evt)
			d.cursor = evt.ID
			sent++
		}
		if len(events) < defaultDispatchBatch {
			return sent, nil
		}
	}
}
