package events_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/db"
	"taskline/internal/events"
	"taskline/internal/migrate"
)

type capturePublisher struct {
	failFor  map[string]bool
	received []events.Record
}

func (p *capturePublisher) Publish(ctx context.Context, rec events.Record) error {
	if p.failFor[rec.IssueID] {
		return errors.New("destination down")
	}
	p.received = append(p.received, rec)
	return nil
}

func newOutboxDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func appendEvent(t *testing.T, conn *sql.DB, topic events.Topic, issueID string) {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	w := events.Writer{}
	require.NoError(t, w.Append(context.Background(), tx, topic, events.Event{
		EventType: events.TypeTask,
		EntityID:  issueID,
		Title:     "t",
		Action:    events.ActionCreated,
	}))
	require.NoError(t, tx.Commit())
}

func TestWriterAssignsPerIssueSequence(t *testing.T) {
	conn := newOutboxDB(t)
	appendEvent(t, conn, events.TopicLifecycle, "a")
	appendEvent(t, conn, events.TopicLifecycle, "a")
	appendEvent(t, conn, events.TopicLifecycle, "b")

	outbox := events.Outbox{DB: conn}
	pending, err := outbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, int64(1), pending[0].Seq)
	assert.Equal(t, int64(2), pending[1].Seq)
	assert.Equal(t, "b", pending[2].IssueID)
	assert.Equal(t, int64(1), pending[2].Seq)
}

func TestDispatchDeliversAndSettles(t *testing.T) {
	conn := newOutboxDB(t)
	appendEvent(t, conn, events.TopicLifecycle, "a")
	appendEvent(t, conn, events.TopicCalendar, "a")

	pub := &capturePublisher{}
	d := &events.Dispatcher{
		Outbox: events.Outbox{DB: conn},
		Publishers: map[events.Topic]events.Publisher{
			events.TopicLifecycle: pub,
			events.TopicCalendar:  pub,
		},
	}
	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.received, 2)

	count, err := d.Outbox.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	// a second pass has nothing left to deliver
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedPublishBlocksOnlyThatIssue(t *testing.T) {
	conn := newOutboxDB(t)
	appendEvent(t, conn, events.TopicLifecycle, "stuck")
	appendEvent(t, conn, events.TopicLifecycle, "stuck")
	appendEvent(t, conn, events.TopicLifecycle, "fine")

	pub := &capturePublisher{failFor: map[string]bool{"stuck": true}}
	d := &events.Dispatcher{
		Outbox:     events.Outbox{DB: conn},
		Publishers: map[events.Topic]events.Publisher{events.TopicLifecycle: pub},
	}
	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.received, 1)
	assert.Equal(t, "fine", pub.received[0].IssueID)

	// destination recovers; the stuck issue drains in order
	pub.failFor = nil
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.received, 3)
	assert.Equal(t, int64(1), pub.received[1].Seq)
	assert.Equal(t, int64(2), pub.received[2].Seq)
}

func TestAfterReadsByCursor(t *testing.T) {
	conn := newOutboxDB(t)
	appendEvent(t, conn, events.TopicLifecycle, "a")
	appendEvent(t, conn, events.TopicLifecycle, "b")
	appendEvent(t, conn, events.TopicLifecycle, "a")

	outbox := events.Outbox{DB: conn}
	all, err := outbox.After(context.Background(), 0, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := outbox.After(context.Background(), all[0].ID, 10, "")
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	onlyA, err := outbox.After(context.Background(), 0, 10, "a")
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, int64(1), onlyA[0].Seq)
	assert.Equal(t, int64(2), onlyA[1].Seq)
}
