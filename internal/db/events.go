package db

import (
	"database/sql"
	"time"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// AppendEvent appends one event to a job's log and returns the stored row.
func AppendEvent(db *sql.DB, jobID, eventType, data string) (*types.JobEvent, error) {
	ts := time.Now().UnixMilli()
	result, err := db.Exec(`INSERT INTO wtb_job_events (job_id, event_type, data, ts) VALUES (?, ?, ?, ?)`,
		jobID, eventType, data, ts)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &types.JobEvent{ID: id, JobID: jobID, Type: eventType, Data: data, TS: ts}, nil
}

// ListEvents returns a job's events with id > sinceID, in append order.
// Pass sinceID 0 for the full log.
func ListEvents(db *sql.DB, jobID string, sinceID int64) ([]types.JobEvent, error) {
	rows, err := db.Query(`SELECT id, job_id, event_type, data, ts FROM wtb_job_events
		WHERE job_id = ? AND id > ? ORDER BY id ASC`, jobID, sinceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.JobEvent
	for rows.Next() {
		var ev types.JobEvent
		var data sql.NullString
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &data, &ev.TS); err != nil {
			return nil, err
		}
		ev.Data = data.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
