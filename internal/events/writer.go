package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends delivery events. Appends are safe for concurrent
// writers; ordering comes from the autoincrement id, not the timestamp.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Levels used across the orchestration core.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Append writes one event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, level, sessionID, projectID, stage, message string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,session_id,project_id,type,level,stage,message,data_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, nullable(sessionID), nullable(projectID), evtType, level, nullable(stage), nullable(message), string(data))
	return err
}

// PurgeBefore deletes events older than the cutoff and returns the
// number removed. Invoked by the retention sweep.
func (w Writer) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.DB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
