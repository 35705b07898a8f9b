package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/store"
)

// CreateInput carries the caller-supplied fields for a new issue. Identifier,
// status, and created date are assigned here.
type CreateInput struct {
	Kind        domain.Kind
	Title       string
	Description string
	ProjectID   string
	Creator     string
	Deadline    *string
	Priority    domain.Priority

	// Story only.
	AcceptanceCriteria *string

	// Parent references; which apply depends on Kind.
	EpicID       *string
	StoryID      *string
	ParentTaskID *string

	// Task only.
	IsBlocking bool
}

// Create validates the referenced project against the Project service,
// persists the issue together with its CREATED event, and registers epics
// and stories under their project. Registration failures after the local
// commit surface as *PartialError; the local write stands.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (domain.Issue, error) {
	if !in.Kind.Valid() {
		return domain.Issue{}, fmt.Errorf("issue kind %q unknown", in.Kind)
	}
	if in.Title == "" {
		return domain.Issue{}, errors.New("title is required")
	}
	if in.ProjectID == "" {
		return domain.Issue{}, errors.New("project is required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Issue{}, fmt.Errorf("priority %q unknown", in.Priority)
	}
	if err := validateKindFields(in); err != nil {
		return domain.Issue{}, err
	}

	// Cross-service validation happens before any local write; an
	// unreachable or missing project aborts the whole operation.
	if _, err := o.Projects.GetProject(ctx, in.ProjectID); err != nil {
		return domain.Issue{}, fmt.Errorf("validate project %s: %w", in.ProjectID, err)
	}

	i := domain.Issue{
		ID:                 uuid.New().String(),
		Kind:               in.Kind,
		Title:              in.Title,
		Description:        in.Description,
		ProjectID:          in.ProjectID,
		Creator:            in.Creator,
		CreatedDate:        o.nowString(),
		Deadline:           in.Deadline,
		Status:             domain.StatusTodo,
		Priority:           in.Priority,
		AcceptanceCriteria: in.AcceptanceCriteria,
		EpicID:             in.EpicID,
		StoryID:            in.StoryID,
		ParentTaskID:       in.ParentTaskID,
		IsBlocking:         in.IsBlocking,
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	if err := o.checkParentRefs(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}
	if err := o.Store.InsertIssue(ctx, tx, i); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	evt := events.FromIssue(i)
	evt.Action = events.ActionCreated
	if err := o.writer().Append(ctx, tx, events.TopicCalendar, evt.Calendar()); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}

	// Post-commit registration with the parent aggregate. A failure here is
	// not a rollback: the issue exists locally and the error names it.
	if err := o.registerWithProject(ctx, i); err != nil {
		return i, err
	}
	o.Log.Info("issue created",
		zap.String("issue_id", i.ID),
		zap.String("kind", string(i.Kind)),
		zap.String("project_id", i.ProjectID))
	return i, nil
}

func validateKindFields(in CreateInput) error {
	switch in.Kind {
	case domain.KindEpic:
		if in.EpicID != nil || in.StoryID != nil || in.ParentTaskID != nil {
			return errors.New("an epic cannot reference a parent issue")
		}
		if in.AcceptanceCriteria != nil {
			return errors.New("acceptance criteria applies to stories only")
		}
	case domain.KindStory:
		if in.StoryID != nil || in.ParentTaskID != nil {
			return errors.New("a story may only reference an epic")
		}
	case domain.KindTask:
		if in.AcceptanceCriteria != nil {
			return errors.New("acceptance criteria applies to stories only")
		}
	case domain.KindBug:
		if in.EpicID != nil || in.ParentTaskID != nil {
			return errors.New("a bug may only reference a story")
		}
		if in.AcceptanceCriteria != nil {
			return errors.New("acceptance criteria applies to stories only")
		}
	}
	if in.IsBlocking && in.Kind != domain.KindTask {
		return errors.New("is_blocking applies to tasks only")
	}
	return nil
}

// checkParentRefs verifies local parent references inside the insert
// transaction: the referenced issue must exist, have the right kind, and not
// be archived.
func (o *Orchestrator) checkParentRefs(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	check := func(id *string, want domain.Kind) error {
		if id == nil {
			return nil
		}
		parent, err := o.Store.GetIssueTx(ctx, tx, *id)
		if err != nil {
			return fmt.Errorf("parent %s: %w", *id, err)
		}
		if parent.Kind != want {
			return fmt.Errorf("parent %s is a %s, expected %s", *id, parent.Kind, want)
		}
		if parent.Archived() {
			return fmt.Errorf("parent %s is archived: %w", *id, ErrInvalidState)
		}
		if parent.ProjectID != i.ProjectID {
			return fmt.Errorf("parent %s belongs to project %s", *id, parent.ProjectID)
		}
		return nil
	}
	if err := check(i.EpicID, domain.KindEpic); err != nil {
		return err
	}
	if err := check(i.StoryID, domain.KindStory); err != nil {
		return err
	}
	return check(i.ParentTaskID, domain.KindTask)
}

func (o *Orchestrator) registerWithProject(ctx context.Context, i domain.Issue) error {
	var err error
	var step string
	switch i.Kind {
	case domain.KindEpic:
		step = "project epic registration"
		err = o.Projects.RegisterEpic(ctx, i.ProjectID, i.ID)
	case domain.KindStory:
		step = "project story registration"
		err = o.Projects.RegisterStory(ctx, i.ProjectID, i.ID)
	default:
		// Tasks and bugs attach to their parent via local references only.
		return nil
	}
	if err != nil {
		o.Log.Warn("post-commit registration failed",
			zap.String("issue_id", i.ID),
			zap.String("step", step),
			zap.Error(err))
		return &PartialError{IssueID: i.ID, Step: step, Err: err}
	}
	return nil
}

// UpdateStatus moves an issue to newStatus. Setting the current status again
// is a no-op: no event, no updated date. An actual change commits the new
// status together with a STATUS_CHANGED lifecycle event and a calendar copy.
func (o *Orchestrator) UpdateStatus(ctx context.Context, issueID string, newStatus domain.Status) (domain.Issue, error) {
	if !newStatus.Valid() {
		return domain.Issue{}, fmt.Errorf("status %q unknown", newStatus)
	}
	defer o.lockIssue(issueID)()

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	i, err := o.Store.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
	}
	oldStatus := i.Status
	if oldStatus == newStatus {
		return i, nil
	}
	if newStatus == domain.StatusCompleted {
		if err := o.checkBlockingSubtasks(ctx, tx, i); err != nil {
			return domain.Issue{}, err
		}
	}

	now := o.nowString()
	i.Status = newStatus
	i.UpdatedDate = &now
	if newStatus == domain.StatusCompleted {
		i.CompletionPercent = 100
	}
	if err := o.Store.UpdateIssue(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}
	if err := o.rollupParentCompletion(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}

	evt := events.FromIssue(i)
	evt.Action = events.ActionStatusChanged
	evt.OldStatus = &oldStatus
	evt.NewStatus = &newStatus
	if err := o.writer().Append(ctx, tx, events.TopicLifecycle, evt); err != nil {
		return domain.Issue{}, err
	}
	if err := o.writer().Append(ctx, tx, events.TopicCalendar, evt.Calendar()); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	o.Log.Info("status changed",
		zap.String("issue_id", i.ID),
		zap.String("old", string(oldStatus)),
		zap.String("new", string(newStatus)))
	return i, nil
}

// checkBlockingSubtasks refuses completion of a task while any open child
// sub-task is flagged blocking.
func (o *Orchestrator) checkBlockingSubtasks(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	if i.Kind != domain.KindTask {
		return nil
	}
	children, err := o.Store.ChildrenOf(ctx, tx, i)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.IsBlocking && c.Status != domain.StatusCompleted {
			return fmt.Errorf("task %s blocked by open sub-task %s: %w", i.ID, c.ID, ErrInvalidState)
		}
	}
	return nil
}

// rollupParentCompletion recomputes the completion percent of the immediate
// parent aggregates after a child status change.
func (o *Orchestrator) rollupParentCompletion(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	for _, parentID := range []*string{i.EpicID, i.StoryID, i.ParentTaskID} {
		if parentID == nil {
			continue
		}
		parent, err := o.Store.GetIssueTx(ctx, tx, *parentID)
		if err != nil {
			return fmt.Errorf("parent %s: %w", *parentID, err)
		}
		children, err := o.Store.ChildrenOf(ctx, tx, parent)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}
		completed := 0
		for _, c := range children {
			if c.Status == domain.StatusCompleted {
				completed++
			}
		}
		pct := int64(completed * 100 / len(children))
		if parent.CompletionPercent == pct {
			continue
		}
		parent.CompletionPercent = pct
		if err := o.Store.UpdateIssue(ctx, tx, parent); err != nil {
			return err
		}
	}
	return nil
}

// Archive soft-deletes an issue by setting COMPLETED. It fails with
// ErrInvalidState while any direct or story-nested child is not COMPLETED,
// and with NotFound when the issue is unknown or already archived.
func (o *Orchestrator) Archive(ctx context.Context, issueID string) (domain.Issue, error) {
	defer o.lockIssue(issueID)()

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	i, err := o.Store.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
	}
	if i.Archived() {
		return domain.Issue{}, fmt.Errorf("issue %s already archived: %w", issueID, store.ErrNotFound)
	}
	if err := o.checkChildrenComplete(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}

	now := o.nowString()
	final := domain.StatusCompleted
	i.Status = final
	i.UpdatedDate = &now
	i.CompletionPercent = 100
	if err := o.Store.UpdateIssue(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}
	if err := o.rollupParentCompletion(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}

	evt := events.FromIssue(i)
	evt.Action = events.ActionDeleted
	evt.NewStatus = &final
	if err := o.writer().Append(ctx, tx, events.TopicCalendar, evt.Calendar()); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	o.Log.Info("issue archived", zap.String("issue_id", i.ID), zap.String("kind", string(i.Kind)))
	return i, nil
}

// checkChildrenComplete enforces the archival invariant: every child story
// AND every child task must be COMPLETED. The rule is deliberately symmetric
// across stories and tasks, and stories' own tasks and bugs count as well.
func (o *Orchestrator) checkChildrenComplete(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	children, err := o.Store.ChildrenOf(ctx, tx, i)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Status != domain.StatusCompleted {
			return fmt.Errorf("%s %s has incomplete child %s %s: %w", i.Kind, i.ID, c.Kind, c.ID, ErrInvalidState)
		}
		if i.Kind == domain.KindEpic && c.Kind == domain.KindStory {
			if err := o.checkChildrenComplete(ctx, tx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// AssignMember verifies the member against the User service and adds it to
// the assignee set. Assigning a present member is a no-op with no event.
func (o *Orchestrator) AssignMember(ctx context.Context, issueID, memberID string) (domain.Issue, error) {
	defer o.lockIssue(issueID)()

	if _, err := o.Store.GetIssue(ctx, issueID); err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
	}
	// Member validation precedes any local write.
	if _, err := o.Users.GetMember(ctx, memberID); err != nil {
		return domain.Issue{}, fmt.Errorf("member %s: %w", memberID, err)
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	i, err := o.Store.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
	}
	added, err := o.Store.AddAssignee(ctx, tx, issueID, memberID)
	if err != nil {
		return domain.Issue{}, err
	}
	if !added {
		return i, nil
	}
	now := o.nowString()
	i.UpdatedDate = &now
	i.Assignees = append(i.Assignees, memberID)
	if err := o.Store.UpdateIssue(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}

	// The event is scoped to the newly added member, not the full set.
	evt := events.FromIssue(i)
	evt.Action = events.ActionAssigned
	evt.Assignees = []string{memberID}
	evt.Description = fmt.Sprintf("You are assigned to the %s %q", kindNoun(i.Kind), i.Title)
	if err := o.writer().Append(ctx, tx, events.TopicLifecycle, evt); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return i, nil
}

// UnassignMember is the symmetric removal; removing an absent member is a
// no-op with no event.
func (o *Orchestrator) UnassignMember(ctx context.Context, issueID, memberID string) (domain.Issue, error) {
	defer o.lockIssue(issueID)()

	if _, err := o.Store.GetIssue(ctx, issueID); err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
	}
	if _, err := o.Users.GetMember(ctx, memberID); err != nil {
		return domain.Issue{}, fmt.Errorf("member %s: %w", memberID, err)
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	removed, err := o.Store.RemoveAssignee(ctx, tx, issueID, memberID)
	if err != nil {
		return domain.Issue{}, err
	}
	i, err := o.Store.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
	}
	if !removed {
		return i, nil
	}
	now := o.nowString()
	i.UpdatedDate = &now
	if err := o.Store.UpdateIssue(ctx, tx, i); err != nil {
		return domain.Issue{}, err
	}

	evt := events.FromIssue(i)
	evt.Action = events.ActionUnassigned
	evt.Assignees = []string{memberID}
	evt.Description = fmt.Sprintf("You are unassigned from the %s %q", kindNoun(i.Kind), i.Title)
	if err := o.writer().Append(ctx, tx, events.TopicLifecycle, evt); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return i, nil
}

// GetAssignedMembers resolves every assignee through the User service. A
// single failed lookup fails the whole call; partial member lists are never
// returned.
func (o *Orchestrator) GetAssignedMembers(ctx context.Context, issueID string) ([]domain.Member, error) {
	i, err := o.Store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", issueID, err)
	}
	members := make([]domain.Member, 0, len(i.Assignees))
	for _, id := range i.Assignees {
		m, err := o.Users.GetMember(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve member %s: %w", id, err)
		}
		members = append(members, m)
	}
	return members, nil
}

// GetByID is a pure local read.
func (o *Orchestrator) GetByID(ctx context.Context, issueID string) (domain.Issue, error) {
	i, err := o.Store.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
	}
	return i, nil
}

// List returns issues filtered by kind and project. Archived issues are
// excluded unless includeArchived is set.
func (o *Orchestrator) List(ctx context.Context, kind domain.Kind, projectID string, includeArchived bool) ([]domain.Issue, error) {
	return o.Store.ListIssues(ctx, store.IssueFilters{Kind: kind, ProjectID: projectID, ActiveOnly: !includeArchived})
}

// ListActive is List without archived issues.
func (o *Orchestrator) ListActive(ctx context.Context, kind domain.Kind, projectID string) ([]domain.Issue, error) {
	return o.List(ctx, kind, projectID, false)
}

func kindNoun(k domain.Kind) string {
	switch k {
	case domain.KindEpic:
		return "Epic"
	case domain.KindStory:
		return "Story"
	case domain.KindBug:
		return "Bug"
	default:
		return "Task"
	}
}
