// Package notify delivers achievement notifications to users.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/agentquest/internal/domain"
)

// TypeAchievementGranted tags achievement grant notifications.
const TypeAchievementGranted = "achievement_granted"

// Notification is the payload delivered to a user.
type Notification struct {
	Type          string        `json:"type"`
	User          string        `json:"user"`
	AgentID       string        `json:"agent_id"`
	AchievementID string        `json:"achievement_id"`
	Name          string        `json:"name"`
	Rarity        domain.Rarity `json:"rarity"`
	GrantedAt     time.Time     `json:"granted_at"`
}

// AchievementGranted builds the notification for a new grant.
func AchievementGranted(rec domain.UserAchievementRecord, def domain.AchievementDefinition) Notification {
	return Notification{
		Type:          TypeAchievementGranted,
		User:          rec.UserID,
		AgentID:       rec.AgentID,
		AchievementID: def.ID,
		Name:          def.Name,
		Rarity:        def.Rarity,
		GrantedAt:     rec.GrantedAt,
	}
}

// Notifier delivers a notification to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, userID string, n Notification) error {
	var errs []error
	for _, target := range f {
		if err := target.Notify(ctx, userID, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records notifications without delivering them.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(_ context.Context, userID string, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Achievement notification",
		"user_id", userID,
		"agent_id", n.AgentID,
		"achievement_id", n.AchievementID,
		"name", n.Name,
		"rarity", n.Rarity,
	)
	return nil
}
