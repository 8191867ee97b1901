package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"peopledesk.org/internal/audit"
)

type auditEvents struct{ db *sql.DB }

func (a auditEvents) Append(ctx context.Context, e *audit.Event) error {
	oldValue, err := jsonOrNil(e.OldValue)
	if err != nil {
		return err
	}
	newValue, err := jsonOrNil(e.NewValue)
	if err != nil {
		return err
	}
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	_, err = a.db.ExecContext(ctx, `
		insert into audit_events (id, actor_id, actor_email, action, resource_type, resource_id,
			old_value, new_value, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, nullIfEmpty(e.ActorID), e.ActorEmail, e.Action, e.ResourceType, e.ResourceID,
		oldValue, newValue, metadata, e.CreatedAt)
	return err
}

func (a auditEvents) List(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := a.db.QueryContext(ctx, `
		select id, actor_id, actor_email, action, resource_type, resource_id,
			old_value, new_value, metadata, created_at
		from audit_events
		order by created_at desc, id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e                     audit.Event
			actorID               sql.NullString
			oldRaw, newRaw, mdRaw []byte
		)
		if err := rows.Scan(&e.ID, &actorID, &e.ActorEmail, &e.Action, &e.ResourceType, &e.ResourceID,
			&oldRaw, &newRaw, &mdRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = actorID.String
		for _, f := range []struct {
			raw []byte
			dst any
		}{{oldRaw, &e.OldValue}, {newRaw, &e.NewValue}, {mdRaw, &e.Metadata}} {
			if len(f.raw) == 0 {
				continue
			}
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("decode audit event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
