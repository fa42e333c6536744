package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// InsertJob persists a new job row.
func InsertJob(db *sql.DB, job types.Job) error {
	_, err := db.Exec(`INSERT INTO wtb_jobs
		(id, conversation_id, prompt, source, status, result, error, pid, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ConversationID, job.Prompt, job.Source, string(job.Status),
		job.Result, job.Error, job.PID, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt)
	return err
}

// GetJob returns a job by id, or nil if not found.
func GetJob(db *sql.DB, id string) (*types.Job, error) {
	row := db.QueryRow(`SELECT id, conversation_id, prompt, source, status, result, error, pid,
		created_at, updated_at, started_at, completed_at FROM wtb_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, oldest first, capped at limit.
func ListJobs(db *sql.DB, filter types.JobFilter, limit int) ([]types.Job, error) {
	query := `SELECT id, conversation_id, prompt, source, status, result, error, pid,
		created_at, updated_at, started_at, completed_at FROM wtb_jobs`
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ConversationID != nil {
		conds = append(conds, "conversation_id = ?")
		args = append(args, *filter.ConversationID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// rowid tiebreak keeps admission order stable for same-millisecond jobs
	query += " ORDER BY created_at ASC, rowid ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies a partial update to a job row and bumps updated_at.
func UpdateJob(db *sql.DB, id string, updates types.JobUpdates) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	if updates.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*updates.Status))
	}
	if updates.Result.Set {
		sets = append(sets, "result = ?")
		args = append(args, updates.Result.Value)
	}
	if updates.Error.Set {
		sets = append(sets, "error = ?")
		args = append(args, updates.Error.Value)
	}
	if updates.PID.Set {
		sets = append(sets, "pid = ?")
		args = append(args, updates.PID.Value)
	}
	if updates.StartedAt.Set {
		sets = append(sets, "started_at = ?")
		args = append(args, updates.StartedAt.Value)
	}
	if updates.CompletedAt.Set {
		sets = append(sets, "completed_at = ?")
		args = append(args, updates.CompletedAt.Value)
	}

	args = append(args, id)
	_, err := db.Exec("UPDATE wtb_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	return err
}

// MarkStaleJobsFailed forces any job left queued or running (from a prior
// process lifetime) to failed with the given error message. Returns the
// number of jobs updated.
func MarkStaleJobsFailed(db *sql.DB, message string) (int, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`UPDATE wtb_jobs
		SET status = ?, error = ?, pid = NULL, updated_at = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		string(types.JobFailed), message, now, now,
		string(types.JobQueued), string(types.JobRunning))
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*types.Job, error) {
	var job types.Job
	var status string
	var result, errMsg sql.NullString
	var pid sql.NullInt64
	var startedAt, completedAt sql.NullInt64
	if err := scanner.Scan(&job.ID, &job.ConversationID, &job.Prompt, &job.Source, &status,
		&result, &errMsg, &pid, &job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	job.Status = types.JobStatus(status)
	if result.Valid {
		job.Result = &result.String
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if pid.Valid {
		p := int(pid.Int64)
		job.PID = &p
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Int64
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Int64
	}
	return &job, nil
}
