package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// LibSQLConversationStore implements ConversationStore over the conversation_turns
// and conversation_artifacts tables created by the db migrations.
type LibSQLConversationStore struct {
	db *sql.DB
}

// ConversationSummary describes one stored conversation.
type ConversationSummary struct {
	ID        string
	Turns     int
	Question  string
	UpdatedAt time.Time
}

// NewLibSQLConversationStore creates a new LibSQL conversation store.
func NewLibSQLConversationStore(db *sql.DB) *LibSQLConversationStore {
	return &LibSQLConversationStore{
		db: db,
	}
}

// SaveTurn appends a turn to a conversation.
func (s *LibSQLConversationStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turnJSON, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	query := `
		INSERT INTO conversation_turns (conversation_id, turn_data, created_at)
		VALUES (?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, conversationID, string(turnJSON), turn.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// LoadContext loads the last k turns for a conversation, oldest first.
func (s *LibSQLConversationStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	query := `
		SELECT turn_data FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var turnJSON string
		if err := rows.Scan(&turnJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}

		var turn ports.Turn
		if err := json.Unmarshal([]byte(turnJSON), &turn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	// Reverse to get chronological order (oldest first)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendToolArtifact records a file produced by executed code.
func (s *LibSQLConversationStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	query := `
		INSERT INTO conversation_artifacts (conversation_id, name, payload, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, conversationID, name, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", name, err)
	}
	return nil
}

// ListArtifacts returns the artifact names recorded for a conversation.
func (s *LibSQLConversationStore) ListArtifacts(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM conversation_artifacts
		WHERE conversation_id = ?
		ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListConversations returns the most recently updated conversations, newest first.
// Question is the first user message of each conversation.
func (s *LibSQLConversationStore) ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*), MAX(id)
		FROM conversation_turns
		GROUP BY conversation_id
		ORDER BY MAX(id) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	type row struct {
		id     string
		turns  int
		lastID int64
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.turns, &r.lastID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		found = append(found, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(found))
	for _, r := range found {
		summary := ConversationSummary{ID: r.id, Turns: r.turns}

		var lastJSON string
		if err := s.db.QueryRowContext(ctx, `SELECT turn_data FROM conversation_turns WHERE id = ?`, r.lastID).Scan(&lastJSON); err == nil {
			var last ports.Turn
			if json.Unmarshal([]byte(lastJSON), &last) == nil {
				summary.UpdatedAt = last.CreatedAt
			}
		}

		var firstUser string
		err := s.db.QueryRowContext(ctx, `
			SELECT turn_data FROM conversation_turns
			WHERE conversation_id = ? AND json_extract(turn_data, '$.role') = 'user'
			ORDER BY id LIMIT 1
		`, r.id).Scan(&firstUser)
		if err == nil {
			var turn ports.Turn
			if json.Unmarshal([]byte(firstUser), &turn) == nil {
				summary.Question = turn.Content
			}
		}

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Ensure LibSQLConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)
