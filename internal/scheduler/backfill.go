// Package scheduler runs periodic maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/agentquest/internal/achievement"
	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/robfig/cron/v3"
)

// ErrRunInProgress is returned when a backfill run is already active.
var ErrRunInProgress = errors.New("backfill run already in progress")

// AgentCatalogs lists agents and attaches catalogs.
type AgentCatalogs interface {
	ListAgents(ctx context.Context) ([]domain.AgentProfile, error)
	AppendAchievements(ctx context.Context, agentID string, defs []domain.AchievementDefinition) (*store.AppendResult, error)
}

// CatalogGenerator synthesizes an achievement catalog for an agent.
type CatalogGenerator interface {
	GenerateCatalog(ctx context.Context, agentID string) (*achievement.GenerationResult, error)
}

// Backfill generates catalogs for agents that have none.
type Backfill struct {
	agents    AgentCatalogs
	generator CatalogGenerator
	logger    *slog.Logger

	running sync.Mutex

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewBackfill creates a Backfill.
func NewBackfill(agents AgentCatalogs, generator CatalogGenerator, logger *slog.Logger) *Backfill {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfill{agents: agents, generator: generator, logger: logger}
}

// Start schedules RunOnce with a standard five-field cron expression or a
// descriptor such as "@hourly".
func (b *Backfill) Start(ctx context.Context, schedule string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cron != nil {
		return errors.New("backfill already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		n, err := b.RunOnce(runCtx)
		switch {
		case errors.Is(err, ErrRunInProgress):
			b.logger.Info("Catalog backfill skipped, previous run still active")
		case err != nil:
			b.logger.Error("Catalog backfill failed", "attached", n, "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule backfill %q: %w", schedule, err)
	}

	c.Start()
	b.cron = c
	b.cancel = cancel
	b.logger.Info("Catalog backfill scheduled", "schedule", schedule)
	return nil
}

// Stop cancels any active run and waits for it to return or ctx to end.
func (b *Backfill) Stop(ctx context.Context) {
	b.mu.Lock()
	c, cancel := b.cron, b.cancel
	b.cron, b.cancel = nil, nil
	b.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		b.logger.Warn("Timed out waiting for catalog backfill to stop")
	}
}

// RunOnce generates and attaches catalogs for every agent with an empty
// catalog, one agent at a time. It returns the number of catalogs attached.
// A failing agent is logged and skipped.
func (b *Backfill) RunOnce(ctx context.Context) (int, error) {
	if !b.running.TryLock() {
		return 0, ErrRunInProgress
	}
	defer b.running.Unlock()

	agents, err := b.agents.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	attached := 0
	for _, agent := range agents {
		if len(agent.Catalog) > 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return attached, err
		}

		res, err := b.generator.GenerateCatalog(ctx, agent.AgentID)
		if err != nil {
			if ctx.Err() != nil {
				return attached, ctx.Err()
			}
			b.logger.Warn("Catalog generation failed", "agent_id", agent.AgentID, "error", err)
			continue
		}
		appended, err := b.agents.AppendAchievements(ctx, agent.AgentID, res.Catalog)
		if err != nil {
			b.logger.Warn("Failed to attach generated catalog", "agent_id", agent.AgentID, "error", err)
			continue
		}
		attached++
		b.logger.Info("Catalog attached",
			"agent_id", agent.AgentID, "achievements", len(appended.Catalog), "exchanges", res.Exchanges)
	}
	return attached, nil
}
