package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"boostflow/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records evt inside tx. ID and TS are assigned here.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.Type == "" {
		return fmt.Errorf("event type required")
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,boost_id,owner_id,partner_id,user_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evt.Type, nullable(evt.BoostID), nullable(evt.OwnerID), nullable(evt.PartnerID), nullable(evt.UserID), evt.ActorID, string(data))
	return err
}

// ForOrder fills the routing ids of an order event.
func ForOrder(evtType string, o domain.Order, actorID string) domain.Event {
	e := domain.Event{Type: evtType, BoostID: o.BoostID, ActorID: actorID}
	e.OwnerID, _ = o.Owner.ID()
	if id, ok := o.ProcessingPartner.ID(); ok {
		e.PartnerID = id
	} else if id, ok := o.AssignedPartner.ID(); ok {
		e.PartnerID = id
	}
	return e
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
