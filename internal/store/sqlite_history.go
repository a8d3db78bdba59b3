package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/shared"
)

// AppendMessage persists a chat message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.Role != domain.RoleUser && msg.Role != domain.RoleAssistant {
		return fmt.Errorf("role %q: %w", msg.Role, domain.ErrInvalid)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	var contextJSON, continuationID any
	if len(msg.Context) > 0 {
		contextJSON = string(msg.Context)
	}
	if msg.ContinuationID != "" {
		continuationID = msg.ContinuationID
	}

	query := `
	INSERT INTO chat_messages (user_id, agent_id, role, content, context_json, continuation_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "append message", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, query,
			msg.UserID, msg.AgentID, string(msg.Role), msg.Content,
			contextJSON, continuationID, unixNano(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get message id: %w", err)
		}
		msg.ID = id
		return nil
	})
}

// RecentMessages returns the newest limit messages in ascending order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, userID, agentID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, user_id, agent_id, role, content, context_json, continuation_id, created_at
		FROM chat_messages
		WHERE user_id = ? AND agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer s.closeRows(rows, "recent messages")

	var messages []domain.ChatMessage
	for rows.Next() {
		var (
			msg            domain.ChatMessage
			role           string
			contextJSON    sql.NullString
			continuationID sql.NullString
			createdAt      int64
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.AgentID, &role, &msg.Content,
			&contextJSON, &continuationID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		if contextJSON.Valid {
			msg.Context = []byte(contextJSON.String)
		}
		msg.ContinuationID = continuationID.String
		msg.CreatedAt = fromUnixNano(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// ListConversations returns one summary per agent the user has talked to.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	query := `
		SELECT m.agent_id, COALESCE(a.name, ''), m.content, m.role, m.created_at, c.cnt
		FROM chat_messages m
		JOIN (
			SELECT agent_id, MAX(id) AS last_id, COUNT(*) AS cnt
			FROM chat_messages
			WHERE user_id = ?
			GROUP BY agent_id
		) c ON m.id = c.last_id
		LEFT JOIN agents a ON a.agent_id = m.agent_id
		ORDER BY m.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer s.closeRows(rows, "list conversations")

	var out []domain.ConversationSummary
	for rows.Next() {
		var (
			sum    domain.ConversationSummary
			role   string
			lastAt int64
		)
		if err := rows.Scan(&sum.AgentID, &sum.AgentName, &sum.LastMessage, &role, &lastAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		sum.LastRole = domain.Role(role)
		sum.LastAt = fromUnixNano(lastAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation erases every message of a (user, agent) conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, agentID string) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete conversation", s.retry, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_messages WHERE user_id = ? AND agent_id = ?`, userID, agentID)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}
