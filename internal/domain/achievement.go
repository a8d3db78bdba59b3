package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxCatalogSize bounds the number of achievements attached to one agent.
const MaxCatalogSize = 30

// Rarity is advisory metadata describing how hard an achievement is to earn.
type Rarity string

// Rarity tiers, from most to least common.
const (
	RarityCommon    Rarity = "Common"
	RarityRare      Rarity = "Rare"
	RarityEpic      Rarity = "Epic"
	RarityLegendary Rarity = "Legendary"
)

// Rarities lists every tier in ascending order of difficulty.
var Rarities = []Rarity{RarityCommon, RarityRare, RarityEpic, RarityLegendary}

// ParseRarity maps free-form rarity text onto a tier.
func ParseRarity(s string) (Rarity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "common":
		return RarityCommon, true
	case "rare":
		return RarityRare, true
	case "epic":
		return RarityEpic, true
	case "legendary", "legend":
		return RarityLegendary, true
	default:
		return "", false
	}
}

// AchievementDefinition describes one achievement an agent can grant.
// Definitions are immutable once attached to a catalog.
type AchievementDefinition struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	ImagePrompt string `json:"image" yaml:"image"`
	Rarity      Rarity `json:"rarity" yaml:"rarity"`
	Condition   string `json:"condition" yaml:"condition"`
}

// UserAchievementRecord records that a user earned an achievement from an agent.
// At most one record exists per (UserID, AgentID, AchievementID).
type UserAchievementRecord struct {
	RecordID      string    `json:"record_id"`
	UserID        string    `json:"user_id"`
	AgentID       string    `json:"agent_id"`
	AchievementID string    `json:"achievement_id"`
	GrantedAt     time.Time `json:"granted_at"`
}

// GrantedAchievement joins a grant record with its catalog definition.
type GrantedAchievement struct {
	UserAchievementRecord
	Definition AchievementDefinition `json:"achievement"`
}

// AppendToCatalog appends incoming definitions to existing, skipping ids that
// are already present and truncating anything past MaxCatalogSize. Missing ids
// are filled with fresh UUIDs. dropped counts the truncated entries.
func AppendToCatalog(existing, incoming []AchievementDefinition) (merged []AchievementDefinition, dropped int) {
	merged = make([]AchievementDefinition, 0, min(len(existing)+len(incoming), MaxCatalogSize))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, def := range existing {
		if len(merged) == MaxCatalogSize {
			dropped++
			continue
		}
		seen[def.ID] = struct{}{}
		merged = append(merged, def)
	}

	for _, def := range incoming {
		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		if _, dup := seen[def.ID]; dup {
			continue
		}
		if len(merged) == MaxCatalogSize {
			dropped++
			continue
		}
		seen[def.ID] = struct{}{}
		merged = append(merged, def)
	}
	return merged, dropped
}

// FindDefinition returns the catalog entry with the given id.
func FindDefinition(catalog []AchievementDefinition, id string) (AchievementDefinition, bool) {
	for _, def := range catalog {
		if def.ID == id {
			return def, true
		}
	}
	return AchievementDefinition{}, false
}

// NormalizeRarities rewrites every rarity to its canonical tier.
func NormalizeRarities(defs []AchievementDefinition) error {
	for i := range defs {
		rarity, ok := ParseRarity(string(defs[i].Rarity))
		if !ok {
			return fmt.Errorf("achievement %d: rarity %q: %w", i, defs[i].Rarity, ErrInvalid)
		}
		defs[i].Rarity = rarity
	}
	return nil
}
