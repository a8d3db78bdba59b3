// Package achievement generates achievement catalogs for agents and grants
// achievements to users based on their conversations.
package achievement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/runner"
	"github.com/google/uuid"
)

// MinCatalogEntries is the smallest catalog a generation run may return.
const MinCatalogEntries = 10

var (
	// ErrGenerationExhausted is returned when a configured iteration or
	// time cap is reached before the evaluator is satisfied.
	ErrGenerationExhausted = errors.New("generation exhausted before conversation was sufficient")

	// ErrInvalidCatalog is returned when the synthesized catalog is too small
	// or misses a rarity tier.
	ErrInvalidCatalog = errors.New("invalid achievement catalog")
)

// AgentReader resolves agent profiles.
type AgentReader interface {
	GetAgent(ctx context.Context, agentID string) (*domain.AgentProfile, error)
}

// GeneratorConfig selects models and caps for the generation loop. Zero caps
// leave the loop unbounded.
type GeneratorConfig struct {
	SimulatorModel string
	EvaluatorModel string
	GeneratorModel string
	MaxIterations  int
	MaxDuration    time.Duration
}

// GenerationResult is the outcome of a successful generation run.
type GenerationResult struct {
	AgentID    string                         `json:"agent_id"`
	Transcript []domain.Message               `json:"chat_history"`
	Catalog    []domain.AchievementDefinition `json:"achievements"`
	Exchanges  int                            `json:"exchanges"`
}

// Generator synthesizes achievement catalogs through simulated conversations.
type Generator struct {
	agents AgentReader
	runner runner.Runner
	cfg    GeneratorConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(agents AgentReader, r runner.Runner, cfg GeneratorConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SimulatorModel == "" {
		cfg.SimulatorModel = runner.DefaultModel
	}
	if cfg.EvaluatorModel == "" {
		cfg.EvaluatorModel = runner.DefaultModel
	}
	if cfg.GeneratorModel == "" {
		cfg.GeneratorModel = runner.DefaultModel
	}
	return &Generator{agents: agents, runner: r, cfg: cfg, now: time.Now, logger: logger}
}

type generationState int

const (
	stateSimulateTurn generationState = iota
	stateEvaluateSufficiency
	stateSynthesizeCatalog
)

// GenerateCatalog alternates simulated exchanges with sufficiency checks
// until the evaluator is satisfied, then synthesizes a catalog. It does not
// attach the catalog to the agent.
func (g *Generator) GenerateCatalog(ctx context.Context, agentID string) (*GenerationResult, error) {
	agent, err := g.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	var (
		transcript []domain.Message
		exchanges  int
		started    = g.now()
		state      = stateSimulateTurn
	)
	g.logger.Info("Catalog generation started", "agent_id", agentID, "max_iterations", g.cfg.MaxIterations)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("generate catalog for %s: %w", agentID, err)
		}

		switch state {
		case stateSimulateTurn:
			if g.cfg.MaxIterations > 0 && exchanges >= g.cfg.MaxIterations {
				return nil, fmt.Errorf("%s after %d exchanges: %w", agentID, exchanges, ErrGenerationExhausted)
			}
			if g.cfg.MaxDuration > 0 && g.now().Sub(started) >= g.cfg.MaxDuration {
				return nil, fmt.Errorf("%s after %s: %w", agentID, g.cfg.MaxDuration, ErrGenerationExhausted)
			}

			utterance, err := g.simulateUser(ctx, agent, transcript)
			if err != nil {
				return nil, err
			}
			transcript = append(transcript, domain.Message{Role: domain.RoleUser, Content: utterance})

			reply, err := runner.Complete(ctx, g.runner, runner.BuildPersona(agent, g.now()), runner.Request{Input: transcript})
			if err != nil {
				return nil, fmt.Errorf("agent reply: %w", err)
			}
			transcript = append(transcript, domain.Message{Role: domain.RoleAssistant, Content: reply.Text})
			exchanges++
			g.logger.Debug("Simulated exchange", "agent_id", agentID, "exchange", exchanges)
			state = stateEvaluateSufficiency

		case stateEvaluateSufficiency:
			sufficient, err := g.evaluate(ctx, transcript)
			if err != nil {
				return nil, err
			}
			if sufficient {
				state = stateSynthesizeCatalog
			} else {
				state = stateSimulateTurn
			}

		case stateSynthesizeCatalog:
			catalog, err := g.synthesize(ctx, agent, transcript)
			if err != nil {
				return nil, err
			}
			g.logger.Info("Catalog generation complete",
				"agent_id", agentID,
				"exchanges", exchanges,
				"achievements", len(catalog),
				"elapsed", g.now().Sub(started),
			)
			return &GenerationResult{
				AgentID:    agentID,
				Transcript: transcript,
				Catalog:    catalog,
				Exchanges:  exchanges,
			}, nil
		}
	}
}

func (g *Generator) simulateUser(ctx context.Context, agent *domain.AgentProfile, transcript []domain.Message) (string, error) {
	profile, err := json.Marshal(agent)
	if err != nil {
		return "", fmt.Errorf("encode agent profile: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are about to talk with the following chatbot:\n")
	b.Write(profile)
	b.WriteString("\n\n")
	if len(transcript) == 0 {
		b.WriteString("Open the conversation in your persona, based on the chatbot's profile.")
	} else {
		b.WriteString("# Chat history\n")
		b.WriteString(formatTranscript(transcript))
		b.WriteString("\nContinue the conversation with your next message.")
	}

	res, err := runner.Complete(ctx, g.runner, runner.Persona{
		Name:            SimulatorName,
		Instructions:    simulatorInstructions,
		Model:           g.cfg.SimulatorModel,
		MaxOutputTokens: simulatorMaxTokens,
	}, runner.UserText(b.String()))
	if err != nil {
		return "", fmt.Errorf("simulate user turn: %w", err)
	}
	utterance := strings.TrimSpace(res.Text)
	if utterance == "" {
		return "", fmt.Errorf("simulate user turn: empty utterance: %w", ErrMalformedOutput)
	}
	return utterance, nil
}

type sufficiencyVerdict struct {
	More       bool `json:"more"`
	Sufficient bool `json:"sufficient"`
}

func (g *Generator) evaluate(ctx context.Context, transcript []domain.Message) (bool, error) {
	res, err := runner.Complete(ctx, g.runner, runner.Persona{
		Name:            EvaluatorName,
		Instructions:    evaluatorInstructions,
		Model:           g.cfg.EvaluatorModel,
		MaxOutputTokens: verdictMaxTokens,
	}, runner.UserText("# Conversation\n"+formatTranscript(transcript)))
	if err != nil {
		return false, fmt.Errorf("evaluate sufficiency: %w", err)
	}

	var verdict sufficiencyVerdict
	if err := decodeModelJSON(res.Text, &verdict); err != nil {
		return false, fmt.Errorf("evaluate sufficiency: %w", err)
	}
	return verdict.Sufficient, nil
}

type synthesizedCatalog struct {
	Achievements []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Image       string `json:"image"`
		Rarity      string `json:"rarity"`
		Condition   string `json:"condition"`
	} `json:"achievements"`
}

func (g *Generator) synthesize(ctx context.Context, agent *domain.AgentProfile, transcript []domain.Message) ([]domain.AchievementDefinition, error) {
	input := fmt.Sprintf("# Chatbot\nname: %s\ndescription: %s\npersona: %s\n\n# Conversation\n%s",
		agent.Name, agent.Description, agent.Instructions, formatTranscript(transcript))

	res, err := runner.Complete(ctx, g.runner, runner.Persona{
		Name:            SynthesizerName,
		Instructions:    synthesizerInstructions,
		Model:           g.cfg.GeneratorModel,
		MaxOutputTokens: synthesisMaxTokens,
	}, runner.UserText(input))
	if err != nil {
		return nil, fmt.Errorf("synthesize catalog: %w", err)
	}

	var out synthesizedCatalog
	if err := decodeModelJSON(res.Text, &out); err != nil {
		return nil, fmt.Errorf("synthesize catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(out.Achievements))
	catalog := make([]domain.AchievementDefinition, 0, len(out.Achievements))
	for _, a := range out.Achievements {
		rarity, ok := domain.ParseRarity(a.Rarity)
		if !ok || strings.TrimSpace(a.Name) == "" {
			g.logger.Warn("Skipping malformed achievement", "agent_id", agent.AgentID, "name", a.Name, "rarity", a.Rarity)
			continue
		}
		id := a.ID
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		if _, dup := seen[id]; dup {
			id = uuid.NewString()
		}
		seen[id] = struct{}{}
		catalog = append(catalog, domain.AchievementDefinition{
			ID:          id,
			Name:        strings.TrimSpace(a.Name),
			Description: a.Description,
			ImagePrompt: a.Image,
			Rarity:      rarity,
			Condition:   a.Condition,
		})
	}

	if err := ValidateCatalog(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

// ValidateCatalog checks the size and tier coverage of a generated catalog.
func ValidateCatalog(catalog []domain.AchievementDefinition) error {
	if len(catalog) < MinCatalogEntries {
		return fmt.Errorf("%d achievements, need at least %d: %w", len(catalog), MinCatalogEntries, ErrInvalidCatalog)
	}
	tiers := make(map[domain.Rarity]int, len(domain.Rarities))
	for _, def := range catalog {
		tiers[def.Rarity]++
	}
	for _, r := range domain.Rarities {
		if tiers[r] == 0 {
			return fmt.Errorf("no %s achievement: %w", r, ErrInvalidCatalog)
		}
	}
	return nil
}
