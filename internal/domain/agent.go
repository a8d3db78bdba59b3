package domain

import (
	"fmt"
	"math"
	"strings"
)

// NearbyRadiusDegrees is the lat/long window used for nearby agent lookups.
// 0.009 degrees is roughly one kilometre.
const NearbyRadiusDegrees = 0.009

// Location is an optional geographic anchor for an agent.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Within reports whether other lies inside a square window of radius degrees.
func (l Location) Within(other Location, radius float64) bool {
	return math.Abs(l.Latitude-other.Latitude) <= radius &&
		math.Abs(l.Longitude-other.Longitude) <= radius
}

// AgentProfile is the persona configuration of a conversational agent.
// Only Instructions and Catalog change after registration.
type AgentProfile struct {
	AgentID      string                  `json:"agent_id" yaml:"agent_id"`
	Name         string                  `json:"name" yaml:"name"`
	Description  string                  `json:"description" yaml:"description"`
	Instructions string                  `json:"prompt" yaml:"prompt"`
	Thumbnail    string                  `json:"thumbnail,omitempty" yaml:"thumbnail,omitempty"`
	Model        string                  `json:"model" yaml:"model"`
	Capabilities []string                `json:"tools,omitempty" yaml:"tools,omitempty"`
	Location     *Location               `json:"location,omitempty" yaml:"location,omitempty"`
	Catalog      []AchievementDefinition `json:"achievements" yaml:"achievements,omitempty"`
}

// Validate checks the fields required for registration.
func (a *AgentProfile) Validate() error {
	if strings.TrimSpace(a.AgentID) == "" {
		return fmt.Errorf("agent_id is required: %w", ErrInvalid)
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("name is required: %w", ErrInvalid)
	}
	if strings.TrimSpace(a.Instructions) == "" {
		return fmt.Errorf("prompt is required: %w", ErrInvalid)
	}
	return nil
}

// NearbyTo reports whether the agent is anchored within NearbyRadiusDegrees
// of loc. Agents without a location are never nearby.
func (a *AgentProfile) NearbyTo(loc Location) bool {
	if a.Location == nil {
		return false
	}
	return a.Location.Within(loc, NearbyRadiusDegrees)
}
