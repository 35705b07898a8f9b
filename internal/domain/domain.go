package domain

// Kind discriminates the issue variants stored in the issues table.
type Kind string

const (
	KindEpic  Kind = "EPIC"
	KindStory Kind = "STORY"
	KindTask  Kind = "TASK"
	KindBug   Kind = "BUG"
)

func (k Kind) Valid() bool {
	switch k {
	case KindEpic, KindStory, KindTask, KindBug:
		return true
	}
	return false
}

// Status is the issue lifecycle state. COMPLETED doubles as the archival
// marker: "deleting" an issue sets COMPLETED instead of removing the row.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusOnHold     Status = "ON_HOLD"
	StatusCompleted  Status = "COMPLETED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusOnHold, StatusCompleted:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Issue is the shared record for all four kinds. Kind-specific fields are
// nullable and only populated for the kinds that use them.
type Issue struct {
	ID                string   `json:"id"`
	Kind              Kind     `json:"kind" enum:"EPIC,STORY,TASK,BUG"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	ProjectID         string   `json:"project_id"`
	Creator           string   `json:"creator,omitempty"`
	CreatedDate       string   `json:"created_date" format:"date-time"`
	UpdatedDate       *string  `json:"updated_date,omitempty" format:"date-time"`
	Deadline          *string  `json:"deadline,omitempty" format:"date-time"`
	Status            Status   `json:"status" enum:"TODO,IN_PROGRESS,ON_HOLD,COMPLETED"`
	Priority          Priority `json:"priority" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	CompletionPercent int64    `json:"completion_percent"`
	Assignees         []string `json:"assignees,omitempty"`

	// Story only.
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`

	// Story/Task/Bug parent references.
	EpicID  *string `json:"epic_id,omitempty"`
	StoryID *string `json:"story_id,omitempty"`

	// Task only.
	ParentTaskID *string `json:"parent_task_id,omitempty"`
	IsBlocking   bool    `json:"is_blocking,omitempty"`
}

// Archived reports whether the issue has been soft-deleted.
func (i Issue) Archived() bool { return i.Status == StatusCompleted }

// HasAssignee reports set membership without assuming order.
func (i Issue) HasAssignee(memberID string) bool {
	for _, a := range i.Assignees {
		if a == memberID {
			return true
		}
	}
	return false
}

// Project is the slice of the remote project record the orchestrator needs.
type Project struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// Member is a user-service identity referenced by assignee sets.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}
