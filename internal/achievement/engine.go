package achievement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/notify"
	"github.com/ashureev/agentquest/internal/runner"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/google/uuid"
)

// EngineConfig configures the judge.
type EngineConfig struct {
	JudgeModel string
}

// Engine judges live transcripts against an agent's catalog and grants
// newly earned achievements.
type Engine struct {
	agents   AgentReader
	grants   store.AchievementStore
	runner   runner.Runner
	notifier notify.Notifier
	cfg      EngineConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an Engine. A nil notifier disables notifications.
func NewEngine(agents AgentReader, grants store.AchievementStore, r runner.Runner, notifier notify.Notifier, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JudgeModel == "" {
		cfg.JudgeModel = runner.DefaultModel
	}
	return &Engine{
		agents:   agents,
		grants:   grants,
		runner:   r,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

type judgeVerdict struct {
	AchievedIDs []string `json:"achieved_ids"`
}

// EvaluateAndGrant returns the achievements newly granted to userID for this
// transcript. Already granted achievements are never returned again.
func (e *Engine) EvaluateAndGrant(ctx context.Context, userID, agentID string, transcript []domain.Message) ([]domain.AchievementDefinition, error) {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if len(agent.Catalog) == 0 {
		return nil, nil
	}

	achieved, err := e.judge(ctx, agent.Catalog, transcript)
	if err != nil {
		return nil, err
	}
	if len(achieved) == 0 {
		return nil, nil
	}

	owned, err := e.grants.GrantedAchievementIDs(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("load granted achievements: %w", err)
	}

	var granted []domain.AchievementDefinition
	for _, def := range achieved {
		if _, ok := owned[def.ID]; ok {
			continue
		}
		rec := &domain.UserAchievementRecord{
			RecordID:      uuid.NewString(),
			UserID:        userID,
			AgentID:       agentID,
			AchievementID: def.ID,
			GrantedAt:     e.now().UTC(),
		}
		ok, err := e.grants.GrantAchievement(ctx, rec)
		if err != nil {
			e.logger.Error("Failed to grant achievement",
				"user_id", userID, "agent_id", agentID, "achievement_id", def.ID, "error", err)
			continue
		}
		if !ok {
			// Granted concurrently by another evaluation.
			continue
		}
		granted = append(granted, def)
		e.logger.Info("Achievement granted",
			"user_id", userID, "agent_id", agentID, "achievement_id", def.ID, "rarity", def.Rarity)

		if e.notifier != nil {
			if err := e.notifier.Notify(ctx, userID, notify.AchievementGranted(*rec, def)); err != nil {
				e.logger.Warn("Failed to deliver achievement notification",
					"user_id", userID, "achievement_id", def.ID, "error", err)
			}
		}
	}
	return granted, nil
}

// judge returns the catalog entries the judge considers achieved, in catalog
// order. Unknown ids are ignored.
func (e *Engine) judge(ctx context.Context, catalog []domain.AchievementDefinition, transcript []domain.Message) ([]domain.AchievementDefinition, error) {
	var b strings.Builder
	b.WriteString("# Achievements\n")
	for _, def := range catalog {
		fmt.Fprintf(&b, "- id: %s\n  name: %s\n  condition: %s\n", def.ID, def.Name, def.Condition)
	}
	b.WriteString("\n# Conversation\n")
	b.WriteString(formatTranscript(transcript))

	res, err := runner.Complete(ctx, e.runner, runner.Persona{
		Name:            JudgeName,
		Instructions:    judgeInstructions,
		Model:           e.cfg.JudgeModel,
		MaxOutputTokens: verdictMaxTokens,
	}, runner.UserText(b.String()))
	if err != nil {
		return nil, fmt.Errorf("judge transcript: %w", err)
	}

	var verdict judgeVerdict
	if err := decodeModelJSON(res.Text, &verdict); err != nil {
		return nil, fmt.Errorf("judge transcript: %w", err)
	}

	ids := make(map[string]struct{}, len(verdict.AchievedIDs))
	for _, id := range verdict.AchievedIDs {
		ids[strings.TrimSpace(id)] = struct{}{}
	}
	var out []domain.AchievementDefinition
	for _, def := range catalog {
		if _, ok := ids[def.ID]; ok {
			out = append(out, def)
			delete(ids, def.ID)
		}
	}
	if len(ids) > 0 {
		e.logger.Debug("Judge returned unknown achievement ids", "count", len(ids))
	}
	return out, nil
}

// ListGranted joins a user's grants with their catalog definitions. An empty
// agentID lists grants across all agents. Grants whose definition has left
// the catalog are omitted.
func (e *Engine) ListGranted(ctx context.Context, userID, agentID string) ([]domain.GrantedAchievement, error) {
	records, err := e.grants.ListUserAchievements(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list user achievements: %w", err)
	}

	catalogs := make(map[string][]domain.AchievementDefinition)
	out := make([]domain.GrantedAchievement, 0, len(records))
	for _, rec := range records {
		catalog, ok := catalogs[rec.AgentID]
		if !ok {
			agent, err := e.agents.GetAgent(ctx, rec.AgentID)
			if err != nil {
				e.logger.Warn("Skipping achievements of unavailable agent", "agent_id", rec.AgentID, "error", err)
				catalogs[rec.AgentID] = nil
				continue
			}
			catalog = agent.Catalog
			catalogs[rec.AgentID] = catalog
		}
		def, ok := domain.FindDefinition(catalog, rec.AchievementID)
		if !ok {
			continue
		}
		out = append(out, domain.GrantedAchievement{UserAchievementRecord: rec, Definition: def})
	}
	return out, nil
}
