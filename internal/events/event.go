package events

import (
	"taskline/internal/domain"
)

// Topic is a logical delivery stream drained by the dispatcher.
type Topic string

const (
	// TopicLifecycle feeds notification-style consumers.
	TopicLifecycle Topic = "lifecycle"
	// TopicCalendar feeds scheduling consumers.
	TopicCalendar Topic = "calendar"
)

// Type tags the event envelope with the issue kind that produced it, or
// CALENDAR for the calendar stream copy.
type Type string

const (
	TypeEpic     Type = "EPIC"
	TypeStory    Type = "STORY"
	TypeTask     Type = "TASK"
	TypeBug      Type = "BUG"
	TypeCalendar Type = "CALENDAR"
)

type Action string

const (
	ActionCreated       Action = "CREATED"
	ActionStatusChanged Action = "STATUS_CHANGED"
	ActionAssigned      Action = "ASSIGNED"
	ActionUnassigned    Action = "UNASSIGNED"
	ActionDeleted       Action = "DELETED"
)

// Event is the wire envelope for both streams.
type Event struct {
	EventType   Type            `json:"event_type"`
	EntityID    string          `json:"entity_id"`
	Title       string          `json:"title"`
	ProjectID   string          `json:"project_id"`
	Priority    domain.Priority `json:"priority,omitempty"`
	Deadline    *string         `json:"deadline,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedDate string          `json:"created_date,omitempty"`
	UpdatedDate *string         `json:"updated_date,omitempty"`
	Assignees   []string        `json:"assignees,omitempty"`
	Action      Action          `json:"action"`
	OldStatus   *domain.Status  `json:"old_status,omitempty"`
	NewStatus   *domain.Status  `json:"new_status,omitempty"`
}

func typeForKind(k domain.Kind) Type {
	switch k {
	case domain.KindEpic:
		return TypeEpic
	case domain.KindStory:
		return TypeStory
	case domain.KindBug:
		return TypeBug
	default:
		return TypeTask
	}
}

// FromIssue builds the base envelope for an issue; callers set Action and the
// status pair before appending.
func FromIssue(i domain.Issue) Event {
	return Event{
		EventType:   typeForKind(i.Kind),
		EntityID:    i.ID,
		Title:       i.Title,
		ProjectID:   i.ProjectID,
		Priority:    i.Priority,
		Deadline:    i.Deadline,
		Description: i.Description,
		CreatedDate: i.CreatedDate,
		UpdatedDate: i.UpdatedDate,
		Assignees:   i.Assignees,
	}
}

// Calendar returns a copy of the event retagged for the calendar stream.
func (e Event) Calendar() Event {
	e.EventType = TypeCalendar
	return e
}
