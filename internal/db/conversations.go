package db

import (
	"database/sql"
	"time"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// EnsureConversation creates the conversation row if it doesn't exist.
func EnsureConversation(db *sql.DB, id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`INSERT OR IGNORE INTO wtb_conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, now, now)
	return err
}

// AppendConversationMessage records one turn in a conversation.
func AppendConversationMessage(db *sql.DB, conversationID, role, body, source string) error {
	if err := EnsureConversation(db, conversationID); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`INSERT INTO wtb_conversation_messages (conversation_id, role, body, source, ts)
		VALUES (?, ?, ?, ?, ?)`, conversationID, role, body, source, now); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE wtb_conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	return err
}

// ListConversationMessages returns a conversation's turns, oldest first.
func ListConversationMessages(db *sql.DB, conversationID string, limit int) ([]types.Turn, error) {
	query := `SELECT role, body FROM wtb_conversation_messages WHERE conversation_id = ? ORDER BY id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT role, body FROM (
			SELECT id, role, body FROM wtb_conversation_messages
			WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []types.Turn
	for rows.Next() {
		var turn types.Turn
		if err := rows.Scan(&turn.Role, &turn.Text); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
