package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/agentquest/internal/domain"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document used to bootstrap the agent directory.
type SeedFile struct {
	Agents []domain.AgentProfile `yaml:"agents"`
}

// LoadSeedFile parses agent profiles from a YAML seed file.
func LoadSeedFile(path string) ([]domain.AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i := range seed.Agents {
		if err := seed.Agents[i].Validate(); err != nil {
			return nil, fmt.Errorf("seed agent %d: %w", i, err)
		}
		if err := domain.NormalizeRarities(seed.Agents[i].Catalog); err != nil {
			return nil, fmt.Errorf("seed agent %s: %w", seed.Agents[i].AgentID, err)
		}
	}
	return seed.Agents, nil
}

// SeedAgents registers the given agents. Existing agents are left untouched
// unless overwrite is set.
func SeedAgents(ctx context.Context, dir AgentDirectory, agents []domain.AgentProfile, overwrite bool) (int, error) {
	registered := 0
	for i := range agents {
		agent := agents[i]
		if !overwrite {
			_, err := dir.GetAgent(ctx, agent.AgentID)
			if err == nil {
				slog.Debug("Seed agent already registered, skipping", "agent_id", agent.AgentID)
				continue
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return registered, fmt.Errorf("lookup seed agent %s: %w", agent.AgentID, err)
			}
		}
		if err := dir.RegisterAgent(ctx, &agent); err != nil {
			return registered, fmt.Errorf("register seed agent %s: %w", agent.AgentID, err)
		}
		registered++
	}
	return registered, nil
}
