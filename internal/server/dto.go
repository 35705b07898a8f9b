package server

import (
	"encoding/json"

	"taskline/internal/domain"
	"taskline/internal/events"
)

// Request payloads

type CreateIssueRequest struct {
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	ProjectID          string  `json:"project_id"`
	Creator            string  `json:"creator"`
	Deadline           *string `json:"deadline,omitempty" format:"date-time"`
	Priority           string  `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
	EpicID             *string `json:"epic_id,omitempty"`
	StoryID            *string `json:"story_id,omitempty"`
	ParentTaskID       *string `json:"parent_task_id,omitempty"`
	IsBlocking         bool    `json:"is_blocking,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"TODO,IN_PROGRESS,ON_HOLD,COMPLETED"`
}

type AssignRequest struct {
	MemberID string `json:"member_id"`
}

// Response payloads

type IssueResponse struct {
	ID                 string   `json:"id"`
	Kind               string   `json:"kind" enum:"EPIC,STORY,TASK,BUG"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	ProjectID          string   `json:"project_id"`
	Creator            string   `json:"creator"`
	CreatedDate        string   `json:"created_date" format:"date-time"`
	UpdatedDate        *string  `json:"updated_date,omitempty" format:"date-time"`
	Deadline           *string  `json:"deadline,omitempty" format:"date-time"`
	Status             string   `json:"status" enum:"TODO,IN_PROGRESS,ON_HOLD,COMPLETED"`
	Priority           string   `json:"priority" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	CompletionPercent  int64    `json:"completion_percent"`
	Assignees          []string `json:"assignees,omitempty"`
	AcceptanceCriteria *string  `json:"acceptance_criteria,omitempty"`
	EpicID             *string  `json:"epic_id,omitempty"`
	StoryID            *string  `json:"story_id,omitempty"`
	ParentTaskID       *string  `json:"parent_task_id,omitempty"`
	IsBlocking         bool     `json:"is_blocking,omitempty"`
}

type MemberResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type EventRecordResponse struct {
	ID        int64          `json:"id"`
	IssueID   string         `json:"issue_id"`
	Seq       int64          `json:"seq"`
	Topic     string         `json:"topic" enum:"lifecycle,calendar"`
	Payload   map[string]any `json:"payload"`
	Delivered bool           `json:"delivered"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse{
		ID:                 i.ID,
		Kind:               string(i.Kind),
		Title:              i.Title,
		Description:        i.Description,
		ProjectID:          i.ProjectID,
		Creator:            i.Creator,
		CreatedDate:        i.CreatedDate,
		UpdatedDate:        i.UpdatedDate,
		Deadline:           i.Deadline,
		Status:             string(i.Status),
		Priority:           string(i.Priority),
		CompletionPercent:  i.CompletionPercent,
		Assignees:          i.Assignees,
		AcceptanceCriteria: i.AcceptanceCriteria,
		EpicID:             i.EpicID,
		StoryID:            i.StoryID,
		ParentTaskID:       i.ParentTaskID,
		IsBlocking:         i.IsBlocking,
	}
}

func mapIssues(items []domain.Issue) []IssueResponse {
	out := make([]IssueResponse, 0, len(items))
	for _, i := range items {
		out = append(out, issueResponse(i))
	}
	return out
}

func memberResponse(m domain.Member) MemberResponse {
	return MemberResponse{ID: m.ID, Name: m.Name, Email: m.Email}
}

func mapMembers(items []domain.Member) []MemberResponse {
	out := make([]MemberResponse, 0, len(items))
	for _, m := range items {
		out = append(out, memberResponse(m))
	}
	return out
}

func eventRecordResponse(r events.Record) EventRecordResponse {
	var payload map[string]any
	_ = json.Unmarshal(r.Payload, &payload)
	return EventRecordResponse{
		ID:        r.ID,
		IssueID:   r.IssueID,
		Seq:       r.Seq,
		Topic:     string(r.Topic),
		Payload:   payload,
		Delivered: r.Delivered,
		CreatedAt: r.CreatedAt,
	}
}

func mapEventRecords(items []events.Record) []EventRecordResponse {
	out := make([]EventRecordResponse, 0, len(items))
	for _, r := range items {
		out = append(out, eventRecordResponse(r))
	}
	return out
}
