package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskline/internal/domain"
)

// Store is the durable issue store. All mutation happens through *sql.Tx
// handles owned by the orchestrator so issue rows and outbox records commit
// together.
type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const issueColumns = `id,kind,title,description,project_id,creator,created_date,updated_date,deadline,status,priority,completion_percent,acceptance_criteria,epic_id,story_id,parent_task_id,is_blocking`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (domain.Issue, error) {
	var i domain.Issue
	var description, creator, updated, deadline, acceptance, epicID, storyID, parentID sql.NullString
	var blocking int
	err := row.Scan(&i.ID, &i.Kind, &i.Title, &description, &i.ProjectID, &creator, &i.CreatedDate,
		&updated, &deadline, &i.Status, &i.Priority, &i.CompletionPercent,
		&acceptance, &epicID, &storyID, &parentID, &blocking)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if description.Valid {
		i.Description = description.String
	}
	if creator.Valid {
		i.Creator = creator.String
	}
	if updated.Valid {
		i.UpdatedDate = &updated.String
	}
	if deadline.Valid {
		i.Deadline = &deadline.String
	}
	if acceptance.Valid {
		i.AcceptanceCriteria = &acceptance.String
	}
	if epicID.Valid {
		i.EpicID = &epicID.String
	}
	if storyID.Valid {
		i.StoryID = &storyID.String
	}
	if parentID.Valid {
		i.ParentTaskID = &parentID.String
	}
	i.IsBlocking = blocking != 0
	return i, nil
}

func (s Store) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Kind, i.Title, nullable(i.Description), i.ProjectID, nullable(i.Creator), i.CreatedDate,
		nullableStringPtr(i.UpdatedDate), nullableStringPtr(i.Deadline), i.Status, i.Priority, i.CompletionPercent,
		nullableStringPtr(i.AcceptanceCriteria), nullableStringPtr(i.EpicID), nullableStringPtr(i.StoryID),
		nullableStringPtr(i.ParentTaskID), boolInt(i.IsBlocking))
	return err
}

func (s Store) UpdateIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET title=?, description=?, updated_date=?, deadline=?, status=?, priority=?, completion_percent=?, acceptance_criteria=?, epic_id=?, story_id=?, parent_task_id=?, is_blocking=? WHERE id=?`,
		i.Title, nullable(i.Description), nullableStringPtr(i.UpdatedDate), nullableStringPtr(i.Deadline),
		i.Status, i.Priority, i.CompletionPercent, nullableStringPtr(i.AcceptanceCriteria),
		nullableStringPtr(i.EpicID), nullableStringPtr(i.StoryID), nullableStringPtr(i.ParentTaskID),
		boolInt(i.IsBlocking), i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	i, err := scanIssue(s.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
	if err != nil {
		return i, err
	}
	i.Assignees, err = s.listAssignees(ctx, s.DB.QueryContext, id)
	return i, err
}

// GetIssueTx reads an issue inside the caller's transaction so concurrent
// read-modify-write sequences observe a consistent row.
func (s Store) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	i, err := scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
	if err != nil {
		return i, err
	}
	i.Assignees, err = s.listAssignees(ctx, tx.QueryContext, id)
	return i, err
}

type IssueFilters struct {
	Kind      domain.Kind
	ProjectID string
	Status    domain.Status
	// ActiveOnly excludes COMPLETED (archived) issues.
	ActiveOnly bool
}

func (s Store) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "status != ?")
		args = append(args, domain.StatusCompleted)
	}
	query := `SELECT ` + issueColumns + ` FROM issues WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_date DESC, id DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for idx := range res {
		res[idx].Assignees, err = s.listAssignees(ctx, s.DB.QueryContext, res[idx].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ChildrenOf returns direct children of a parent issue inside the caller's
// transaction: stories and tasks of an epic, tasks and bugs of a story,
// sub-tasks of a task.
func (s Store) ChildrenOf(ctx context.Context, tx *sql.Tx, parent domain.Issue) ([]domain.Issue, error) {
	var where string
	switch parent.Kind {
	case domain.KindEpic:
		where = "epic_id=?"
	case domain.KindStory:
		where = "story_id=?"
	case domain.KindTask:
		where = "parent_task_id=?"
	default:
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE `+where, parent.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// AddAssignee inserts a membership row; inserting an existing pair is a no-op
// and reports false so callers can suppress duplicate events.
func (s Store) AddAssignee(ctx context.Context, tx *sql.Tx, issueID, memberID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issue_assignees(issue_id, member_id) VALUES (?,?)`, issueID, memberID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s Store) RemoveAssignee(ctx context.Context, tx *sql.Tx, issueID, memberID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM issue_assignees WHERE issue_id=? AND member_id=?`, issueID, memberID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (s Store) listAssignees(ctx context.Context, query queryFunc, issueID string) ([]string, error) {
	rows, err := query(ctx, `SELECT member_id FROM issue_assignees WHERE issue_id=? ORDER BY member_id`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
