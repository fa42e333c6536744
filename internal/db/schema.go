package db

import "database/sql"

const schemaSQL = `
-- Agent jobs
CREATE TABLE IF NOT EXISTS wtb_jobs (
  id TEXT PRIMARY KEY,                  -- uuid
  conversation_id TEXT NOT NULL,        -- owning conversation
  prompt TEXT NOT NULL,
  source TEXT NOT NULL DEFAULT 'api',   -- 'web', 'telegram', 'api'
  status TEXT NOT NULL DEFAULT 'queued',
  result TEXT,                          -- final response text
  error TEXT,
  pid INTEGER,                          -- os pid while running
  created_at INTEGER NOT NULL,          -- unix millis
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_wtb_jobs_status ON wtb_jobs(status);
CREATE INDEX IF NOT EXISTS idx_wtb_jobs_conversation ON wtb_jobs(conversation_id);
CREATE INDEX IF NOT EXISTS idx_wtb_jobs_created ON wtb_jobs(created_at);

-- Append-only job event log. id doubles as the replay cursor.
CREATE TABLE IF NOT EXISTS wtb_job_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  event_type TEXT NOT NULL,             -- context, text, tool_start, ...
  data TEXT,                            -- JSON payload
  ts INTEGER NOT NULL,                  -- unix millis
  FOREIGN KEY (job_id) REFERENCES wtb_jobs(id)
);

CREATE INDEX IF NOT EXISTS idx_wtb_job_events_job ON wtb_job_events(job_id);

-- Conversations owning jobs
CREATE TABLE IF NOT EXISTS wtb_conversations (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS wtb_conversation_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  role TEXT NOT NULL,                   -- 'user' or 'assistant'
  body TEXT NOT NULL,
  source TEXT,
  ts INTEGER NOT NULL,
  FOREIGN KEY (conversation_id) REFERENCES wtb_conversations(id)
);

CREATE INDEX IF NOT EXISTS idx_wtb_conversation_messages_conversation
  ON wtb_conversation_messages(conversation_id);
`

// InitSchema creates all tables and indexes if they don't exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSQL)
	return err
}
