// Package orchestrator applies the business rules for hierarchical issues
// (Epic, Story, Task, Bug): status transitions, assignment, archival, and the
// local-write + remote-validation + event-emission sequence. Issue mutations
// and their domain events commit in one transaction; the events package
// delivers them afterwards.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/store"
)

// ErrInvalidState marks transition-rule violations, e.g. archiving an epic
// with incomplete children.
var ErrInvalidState = errors.New("invalid state")

// PartialError reports a step that failed after the local transaction had
// already committed. The local write stands; the error names the issue and
// the step so an out-of-band process can reconcile.
type PartialError struct {
	IssueID string
	Step    string
	Err     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("issue %s committed but %s failed: %v", e.IssueID, e.Step, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// ProjectDirectory is the Project-service facade the orchestrator validates
// and registers against.
type ProjectDirectory interface {
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	RegisterEpic(ctx context.Context, projectID, epicID string) error
	RegisterStory(ctx context.Context, projectID, storyID string) error
}

// UserDirectory resolves member identities.
type UserDirectory interface {
	GetMember(ctx context.Context, memberID string) (domain.Member, error)
}

type Orchestrator struct {
	DB       *sql.DB
	Store    store.Store
	Projects ProjectDirectory
	Users    UserDirectory
	Log      *zap.Logger
	Now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, projects ProjectDirectory, users UserDirectory, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		DB:       db,
		Store:    store.Store{DB: db},
		Projects: projects,
		Users:    users,
		Log:      log,
		Now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) writer() events.Writer {
	return events.Writer{Now: o.Now}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) nowString() string {
	return o.now().UTC().Format(time.RFC3339)
}

// lockIssue serializes operations on one issue id. Operations on different
// ids proceed concurrently; the store's transaction still arbitrates row
// visibility.
func (o *Orchestrator) lockIssue(id string) func() {
	o.mu.Lock()
	m, ok := o.locks[id]
	if !ok {
		m = &sync.Mutex{}
		o.locks[id] = m
	}
	o.mu.Unlock()
	m.Lock()
	return m.Unlock
}
