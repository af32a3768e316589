package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"boostflow/internal/domain"
	"boostflow/internal/logger"
)

// Subscriber dials the live endpoint and keeps the connection up.
type Subscriber struct {
	URL   string
	Token string
	// BoostIDs asks for events of orders the user is not a party to.
	BoostIDs []string

	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// Subscribe streams events until ctx is done, reconnecting after failures.
// The returned channel is closed when ctx ends.
func (s Subscriber) Subscribe(ctx context.Context) <-chan domain.Event {
	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		log := logger.OrNop(s.Logger)
		delay := s.ReconnectDelay
		if delay <= 0 {
			delay = 2 * time.Second
		}
		for {
			err := s.run(ctx, out)
			if ctx.Err() != nil {
				return
			}
			log.Warn("live connection lost; reconnecting", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
	return out
}

func (s Subscriber) run(ctx context.Context, out chan<- domain.Event) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	target, err := s.target()
	if err != nil {
		return err
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt domain.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.OrNop(s.Logger).Warn("discarding malformed live event", zap.Error(err))
			continue
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s Subscriber) target() (string, error) {
	if len(s.BoostIDs) == 0 {
		return s.URL, nil
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, id := range s.BoostIDs {
		q.Add("boost_id", id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
