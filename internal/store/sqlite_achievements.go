package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/shared"
	"github.com/google/uuid"
)

// GrantedAchievementIDs returns the achievement ids recorded for (user, agent).
func (s *SQLiteStore) GrantedAchievementIDs(ctx context.Context, userID, agentID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT achievement_id FROM user_achievements WHERE user_id = ? AND agent_id = ?`, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query granted achievements: %w", err)
	}
	defer s.closeRows(rows, "granted achievement ids")

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan achievement id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate achievement ids: %w", err)
	}
	return ids, nil
}

// GrantAchievement inserts a grant record unless the triple already exists.
func (s *SQLiteStore) GrantAchievement(ctx context.Context, rec *domain.UserAchievementRecord) (bool, error) {
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.GrantedAt.IsZero() {
		rec.GrantedAt = s.now()
	}

	query := `
	INSERT INTO user_achievements (record_id, user_id, agent_id, achievement_id, granted_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, agent_id, achievement_id) DO NOTHING`

	var granted bool
	err := shared.RetryOnConflict(ctx, "grant achievement", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, query,
			rec.RecordID, rec.UserID, rec.AgentID, rec.AchievementID, unixNano(rec.GrantedAt))
		if err != nil {
			return fmt.Errorf("insert achievement record: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		granted = rows == 1
		return nil
	})
	return granted, err
}

// ListUserAchievements returns a user's grants, newest first. An empty
// agentID lists grants across all agents.
func (s *SQLiteStore) ListUserAchievements(ctx context.Context, userID, agentID string) ([]domain.UserAchievementRecord, error) {
	query := `SELECT record_id, user_id, agent_id, achievement_id, granted_at
		FROM user_achievements WHERE user_id = ?`
	args := []any{userID}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY granted_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query user achievements: %w", err)
	}
	defer s.closeRows(rows, "list user achievements")

	var out []domain.UserAchievementRecord
	for rows.Next() {
		var (
			rec       domain.UserAchievementRecord
			grantedAt int64
		)
		if err := rows.Scan(&rec.RecordID, &rec.UserID, &rec.AgentID, &rec.AchievementID, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan achievement record: %w", err)
		}
		rec.GrantedAt = fromUnixNano(grantedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate achievement records: %w", err)
	}
	return out, nil
}

// SaveSubscription stores a Web Push subscription for a user.
func (s *SQLiteStore) SaveSubscription(ctx context.Context, sub *domain.PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" || sub.Auth == "" || sub.P256dh == "" {
		return fmt.Errorf("incomplete subscription: %w", domain.ErrInvalid)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}

	return shared.RetryOnConflict(ctx, "save subscription", s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO push_subscriptions (user_id, endpoint, auth, p256dh, created_at) VALUES (?, ?, ?, ?, ?)`,
			sub.UserID, sub.Endpoint, sub.Auth, sub.P256dh, unixNano(sub.CreatedAt))
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("subscription for %s: %w", sub.UserID, domain.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
}

// GetSubscription returns the Web Push subscription of a user.
func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (*domain.PushSubscription, error) {
	var (
		sub       domain.PushSubscription
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, endpoint, auth, p256dh, created_at FROM push_subscriptions WHERE user_id = ?`, userID,
	).Scan(&sub.UserID, &sub.Endpoint, &sub.Auth, &sub.P256dh, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription for %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.CreatedAt = fromUnixNano(createdAt)
	return &sub, nil
}
