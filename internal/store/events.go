package store

import (
	"context"
	"encoding/json"

	"github.com/mohammad-safakhou/quantgov/internal/audit"
)

// EventSink appends audit events to governance_events. The table rejects
// UPDATE and DELETE.
type EventSink struct{ *Store }

func (s *Store) Events() *EventSink { return &EventSink{s} }

func (e *EventSink) Append(ctx context.Context, ev audit.Event) error {
	var payload []byte
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		payload = raw
	}
	_, err := e.DB.ExecContext(ctx, `
INSERT INTO governance_events (id, entity, entity_id, action, actor, outcome, error, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, ev.ID, ev.Entity, ev.EntityID, ev.Action, nullableString(ev.Actor), string(ev.Outcome), nullableString(ev.Error), payload, ev.CreatedAt)
	return err
}

// List returns an entity's events oldest first.
func (e *EventSink) List(ctx context.Context, entity, entityID string, limit int) ([]audit.Event, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := e.DB.QueryContext(ctx, `
SELECT id, entity, entity_id, action, COALESCE(actor,''), outcome, COALESCE(error,''), payload, created_at
FROM governance_events
WHERE entity=$1 AND entity_id=$2
ORDER BY created_at, id
LIMIT $3
`, entity, entityID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Event
	for rows.Next() {
		var (
			ev      audit.Event
			outcome string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Entity, &ev.EntityID, &ev.Action, &ev.Actor, &outcome, &ev.Error, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Outcome = audit.Outcome(outcome)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
