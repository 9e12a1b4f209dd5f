package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// allowedFields is the closed set of payload keys the timeline accepts.
// The writer enforces it before emitting rather than trusting the sink to
// filter, so free-form or credential-shaped values can never land in the
// audit log.
var allowedFields = map[string]bool{
	"run_id":       true,
	"request_id":   true,
	"step":         true,
	"mode":         true,
	"state_before": true,
	"state_after":  true,
	"blocker_code": true,
	"verdict":      true,
	"block_reason": true,
	"snapshot_id":  true,
	"duration_ms":  true,
	"message":      true,
}

// Append writes one timeline event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, issueID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	for key := range payload {
		if !allowedFields[key] {
			return fmt.Errorf("event payload field %q not in allow-list", key)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,issue_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(issueID), actorID, string(data))
	return err
}

// AppendStandalone opens its own short transaction for callers that are
// not already inside one.
func (w Writer) AppendStandalone(ctx context.Context, evtType, issueID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, issueID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
