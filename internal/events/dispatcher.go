package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchBatch    = 100
)

// Publisher delivers one outbox record to a destination. An error means the
// record was not acknowledged and will be retried on a later pass.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

// Dispatcher drains the outbox and publishes records to the topic
// destinations. Delivery is at-least-once: a record is marked delivered only
// after the publisher acknowledges, so a crash between publish and mark
// yields a duplicate, never a loss. Consumers dedupe on (issue id, seq).
type Dispatcher struct {
	Outbox     Outbox
	Publishers map[Topic]Publisher
	Interval   time.Duration
	Batch      int
	Log        *zap.Logger
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil {
			d.logger().Warn("outbox pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce performs a single drain pass and returns how many records were
// delivered. A failed publish blocks all later records for the same issue id
// within the pass, preserving per-issue order; other issues keep flowing.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultDispatchBatch
	}
	pending, err := d.Outbox.Pending(ctx, batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	blocked := map[string]bool{}
	for _, rec := range pending {
		if blocked[rec.IssueID] {
			continue
		}
		pub, ok := d.Publishers[rec.Topic]
		if !ok {
			d.logger().Error("no publisher for topic", zap.String("topic", string(rec.Topic)), zap.Int64("outbox_id", rec.ID))
			blocked[rec.IssueID] = true
			continue
		}
		if err := pub.Publish(ctx, rec); err != nil {
			d.logger().Warn("publish failed, will retry",
				zap.String("topic", string(rec.Topic)),
				zap.String("issue_id", rec.IssueID),
				zap.Int64("seq", rec.Seq),
				zap.Error(err))
			blocked[rec.IssueID] = true
			continue
		}
		if err := d.Outbox.MarkDelivered(ctx, rec.ID); err != nil {
			// Published but not settled; the next pass redelivers.
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop()
}
