package types

// JobStatus represents job lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job represents one queued/executed invocation of the agent process.
type Job struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Prompt         string    `json:"prompt"`
	Source         string    `json:"source"` // "web", "telegram", "api"
	Status         JobStatus `json:"status"`
	Result         *string   `json:"result,omitempty"`
	Error          *string   `json:"error,omitempty"`
	PID            *int      `json:"pid,omitempty"` // set only while running
	CreatedAt      int64     `json:"created_at"`    // unix millis
	UpdatedAt      int64     `json:"updated_at"`
	StartedAt      *int64    `json:"started_at,omitempty"`
	CompletedAt    *int64    `json:"completed_at,omitempty"`
}

// JobEvent is one persisted, replayable record of job progress.
// Events for a job are append-only; ID is the replay cursor.
type JobEvent struct {
	ID    int64  `json:"id"`
	JobID string `json:"job_id"`
	Type  string `json:"type"`
	Data  string `json:"data,omitempty"` // JSON payload, type-dependent
	TS    int64  `json:"ts"`             // unix millis
}

// Job event types.
const (
	EventContext      = "context"
	EventText         = "text"
	EventToolStart    = "tool_start"
	EventToolInput    = "tool_input"
	EventToolEnd      = "tool_end"
	EventAllComplete  = "all_complete"
	EventError        = "error"
	EventPlan         = "plan"
	EventStatusChange = "status_change"
	// EventDone is a synthetic stream terminator carrying the final status.
	// It is published to live subscribers but never persisted.
	EventDone = "done"
)

// ActivityKind discriminates ActivityEvent variants.
type ActivityKind string

const (
	ActivityText        ActivityKind = "text"
	ActivityToolStart   ActivityKind = "tool_start"
	ActivityToolInput   ActivityKind = "tool_input"
	ActivityToolEnd     ActivityKind = "tool_end"
	ActivityAllComplete ActivityKind = "all_complete"
)

// ActivityEvent is the normalized decoder output: a text chunk, a tool
// lifecycle event, or the terminal result. Only the fields relevant to
// Kind are populated.
type ActivityEvent struct {
	Kind    ActivityKind `json:"kind"`
	Text    string       `json:"text,omitempty"`    // text
	ToolID  string       `json:"tool_id,omitempty"` // tool_start, tool_input, tool_end
	Tool    string       `json:"tool,omitempty"`    // tool_start, tool_end
	Summary string       `json:"summary,omitempty"` // tool_start, tool_input
	Status  string       `json:"status,omitempty"`  // tool_end: ok/error; all_complete: complete/error
	Output  string       `json:"output,omitempty"`  // tool_end preview
}

// Plan is a detected implementation-plan document written by the agent.
type Plan struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Turn is one prior conversation turn used to rebuild prompt context.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Image is an attachment staged to disk before the agent spawns.
type Image struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
}

// Notification is a best-effort completion/failure notice.
type Notification struct {
	Type  string `json:"type"` // "job_completed" or "job_failed"
	JobID string `json:"job_id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status         *JobStatus
	ConversationID *string
}

// OptionalString represents a nullable string update.
type OptionalString struct {
	Set   bool
	Value *string
}

// OptionalInt represents a nullable int update.
type OptionalInt struct {
	Set   bool
	Value *int
}

// OptionalInt64 represents a nullable int64 update.
type OptionalInt64 struct {
	Set   bool
	Value *int64
}

// JobUpdates holds partial job row updates. Unset fields are untouched.
type JobUpdates struct {
	Status      *JobStatus
	Result      OptionalString
	Error       OptionalString
	PID         OptionalInt
	StartedAt   OptionalInt64
	CompletedAt OptionalInt64
}
