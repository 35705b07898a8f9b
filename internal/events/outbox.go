package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Record is one durable outbox row.
type Record struct {
	ID          int64           `json:"id"`
	IssueID     string          `json:"issue_id"`
	Seq         int64           `json:"seq"`
	Topic       Topic           `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Delivered   bool            `json:"delivered"`
	CreatedAt   string          `json:"created_at"`
	DeliveredAt *string         `json:"delivered_at,omitempty"`
}

// Outbox reads and settles outbox rows. The orchestrator only appends (via
// Writer); the dispatcher is the sole consumer that marks rows delivered.
type Outbox struct {
	DB *sql.DB
}

const recordColumns = `id,issue_id,seq,topic,payload_json,delivered,created_at,delivered_at`

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var payload string
	var delivered int
	var deliveredAt sql.NullString
	if err := rows.Scan(&r.ID, &r.IssueID, &r.Seq, &r.Topic, &payload, &delivered, &r.CreatedAt, &deliveredAt); err != nil {
		return r, err
	}
	r.Payload = json.RawMessage(payload)
	r.Delivered = delivered != 0
	if deliveredAt.Valid {
		r.DeliveredAt = &deliveredAt.String
	}
	return r, nil
}

// Pending returns undelivered records in insertion order. Insertion order
// subsumes per-issue sequence order, so a dispatcher that skips an issue
// after a failed publish preserves that issue's ordering.
func (o Outbox) Pending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM outbox WHERE delivered=0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (o Outbox) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := o.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE delivered=0`).Scan(&n)
	return n, err
}

// MarkDelivered settles a record after broker acknowledgment.
func (o Outbox) MarkDelivered(ctx context.Context, id int64) error {
	_, err := o.DB.ExecContext(ctx, `UPDATE outbox SET delivered=1, delivered_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// After returns records with IDs greater than the cursor in ascending order,
// delivered or not. Used by `tl log tail` and polling consumers.
func (o Outbox) After(ctx context.Context, cursor int64, limit int, issueID string) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM outbox WHERE id>?`
	args := []any{cursor}
	if issueID != "" {
		query += ` AND issue_id=?`
		args = append(args, issueID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := o.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
