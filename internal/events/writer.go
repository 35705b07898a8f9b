package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends events to the outbox table. Append must run inside the same
// transaction as the issue mutation that produced the event; the record only
// becomes visible to the dispatcher when that transaction commits.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, topic Topic, evt Event) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	// Per-issue sequence; the UNIQUE(issue_id,seq) constraint makes two
	// concurrent appends for one issue a conflict instead of a reorder.
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM outbox WHERE issue_id=?`, evt.EntityID).Scan(&seq); err != nil {
		return fmt.Errorf("next outbox seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outbox(issue_id,seq,topic,payload_json,delivered,created_at) VALUES (?,?,?,?,0,?)`,
		evt.EntityID, seq, topic, string(data), now().UTC().Format(time.RFC3339Nano))
	return err
}
