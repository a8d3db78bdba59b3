// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/agentquest/internal/domain"
)

// AppendResult reports the outcome of a catalog append.
type AppendResult struct {
	Catalog []domain.AchievementDefinition
	Added   int
	Dropped int
}

// AgentDirectory owns agent profiles and their achievement catalogs.
type AgentDirectory interface {
	// GetAgent returns the profile or an error wrapping domain.ErrNotFound.
	GetAgent(ctx context.Context, agentID string) (*domain.AgentProfile, error)

	// ListAgents returns every registered agent ordered by name.
	ListAgents(ctx context.Context) ([]domain.AgentProfile, error)

	// RegisterAgent creates or replaces an agent profile.
	RegisterAgent(ctx context.Context, agent *domain.AgentProfile) error

	// UpdateInstructions replaces the instruction template of an agent.
	UpdateInstructions(ctx context.Context, agentID, instructions string) (*domain.AgentProfile, error)

	// DeleteAgent removes an agent. Missing agents yield domain.ErrNotFound.
	DeleteAgent(ctx context.Context, agentID string) error

	// AppendAchievements atomically appends definitions to a catalog,
	// clamping the total at domain.MaxCatalogSize.
	AppendAchievements(ctx context.Context, agentID string, defs []domain.AchievementDefinition) (*AppendResult, error)
}

// HistoryStore holds the append-only conversation log.
type HistoryStore interface {
	// AppendMessage persists one message and fills in its ID.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error

	// RecentMessages returns up to limit of the newest messages for a
	// conversation in ascending timestamp order.
	RecentMessages(ctx context.Context, userID, agentID string, limit int) ([]domain.ChatMessage, error)

	// ListConversations summarizes every conversation of a user, newest first.
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)

	// DeleteConversation erases a (user, agent) conversation.
	DeleteConversation(ctx context.Context, userID, agentID string) (int64, error)
}

// AchievementStore holds user achievement grants.
type AchievementStore interface {
	// GrantedAchievementIDs returns the ids already granted for (user, agent).
	GrantedAchievementIDs(ctx context.Context, userID, agentID string) (map[string]struct{}, error)

	// GrantAchievement inserts the record unless the (user, agent,
	// achievement) triple exists. granted is false on conflict.
	GrantAchievement(ctx context.Context, rec *domain.UserAchievementRecord) (granted bool, err error)

	// ListUserAchievements returns grants of a user, optionally for one agent.
	ListUserAchievements(ctx context.Context, userID, agentID string) ([]domain.UserAchievementRecord, error)
}

// SubscriptionStore holds Web Push subscriptions.
type SubscriptionStore interface {
	// SaveSubscription stores a subscription. A second subscription for the
	// same user yields domain.ErrAlreadyExists.
	SaveSubscription(ctx context.Context, sub *domain.PushSubscription) error

	// GetSubscription returns a user's subscription or domain.ErrNotFound.
	GetSubscription(ctx context.Context, userID string) (*domain.PushSubscription, error)
}

// Repository groups every store the service needs.
type Repository interface {
	AgentDirectory
	HistoryStore
	AchievementStore
	SubscriptionStore

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
