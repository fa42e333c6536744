package db

import (
	"database/sql"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// Store adapts the package-level query functions to the queue manager's
// store contract.
type Store struct {
	DB *sql.DB
}

func (s *Store) InsertJob(job types.Job) error {
	return InsertJob(s.DB, job)
}

func (s *Store) GetJob(id string) (*types.Job, error) {
	return GetJob(s.DB, id)
}

func (s *Store) ListJobs(filter types.JobFilter, limit int) ([]types.Job, error) {
	return ListJobs(s.DB, filter, limit)
}

func (s *Store) UpdateJob(id string, updates types.JobUpdates) error {
	return UpdateJob(s.DB, id, updates)
}

func (s *Store) AppendEvent(jobID, eventType, data string) (*types.JobEvent, error) {
	return AppendEvent(s.DB, jobID, eventType, data)
}

func (s *Store) ListEvents(jobID string, sinceID int64) ([]types.JobEvent, error) {
	return ListEvents(s.DB, jobID, sinceID)
}

func (s *Store) MarkStaleJobsFailed(message string) (int, error) {
	return MarkStaleJobsFailed(s.DB, message)
}

// Conversations adapts the conversation queries to the queue manager's
// conversation collaborator contract.
type Conversations struct {
	DB *sql.DB
}

func (c *Conversations) AppendAssistantMessage(conversationID, text, source string) error {
	return AppendConversationMessage(c.DB, conversationID, "assistant", text, source)
}
