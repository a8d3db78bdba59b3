package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/agentquest/internal/achievement"
	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/identity"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/go-chi/chi/v5"
)

// Nearby lookups are disabled when both coordinates hold these defaults.
const (
	defaultLatitude  = -90
	defaultLongitude = -180
)

// CatalogGenerator synthesizes an achievement catalog for an agent.
type CatalogGenerator interface {
	GenerateCatalog(ctx context.Context, agentID string) (*achievement.GenerationResult, error)
}

// AgentHandler serves agent directory and catalog endpoints.
type AgentHandler struct {
	agents    store.AgentDirectory
	generator CatalogGenerator
	logger    *slog.Logger
}

// NewAgentHandler creates an AgentHandler. A nil generator disables the
// generation endpoint.
func NewAgentHandler(agents store.AgentDirectory, generator CatalogGenerator, logger *slog.Logger) *AgentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentHandler{agents: agents, generator: generator, logger: logger}
}

// RegisterRoutes registers the public agent routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/agents/list", h.List)
	r.Get("/api/agents/start/{agentID}", h.Get)
	r.Post("/api/agents/register", h.Register)
	r.Put("/api/agents/{agentID}/update-prompt", h.UpdatePrompt)
	r.Delete("/api/agents/{agentID}/delete", h.Delete)
	r.Post("/api/agents/{agentID}/add-achievements", h.AddAchievements)
	r.Get("/api/agents/{agentID}/achievements", h.Catalog)
}

// RegisterUserRoutes registers agent routes that require a user identity.
func (h *AgentHandler) RegisterUserRoutes(r chi.Router) {
	r.Post("/api/agents/{agentID}/generate-achievements", h.Generate)
}

// List handles GET /api/agents/list.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	lat, err := floatParam(r, "latitude", defaultLatitude)
	if err != nil {
		Fail(w, r, err)
		return
	}
	long, err := floatParam(r, "longitude", defaultLongitude)
	if err != nil {
		Fail(w, r, err)
		return
	}

	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		Fail(w, r, err)
		return
	}

	out := make([]domain.AgentProfile, 0, len(agents))
	if lat == defaultLatitude && long == defaultLongitude {
		out = append(out, agents...)
	} else {
		here := domain.Location{Latitude: lat, Longitude: long}
		for _, a := range agents {
			if a.NearbyTo(here) {
				out = append(out, a)
			}
		}
	}
	JSON(w, http.StatusOK, out)
}

func floatParam(r *http.Request, name string, fallback float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", name, domain.ErrInvalid)
	}
	return v, nil
}

// Get handles GET /api/agents/start/{agentID}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, agent)
}

// Register handles POST /api/agents/register.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var agent domain.AgentProfile
	if err := decodeJSON(r, &agent); err != nil {
		Fail(w, r, err)
		return
	}
	if err := agent.Validate(); err != nil {
		Fail(w, r, err)
		return
	}
	if err := domain.NormalizeRarities(agent.Catalog); err != nil {
		Fail(w, r, err)
		return
	}
	if err := h.agents.RegisterAgent(r.Context(), &agent); err != nil {
		Fail(w, r, err)
		return
	}
	h.logger.Info("Agent registered", "agent_id", agent.AgentID, "achievements", len(agent.Catalog))
	JSON(w, http.StatusOK, agent)
}

type updatePromptRequest struct {
	Prompt string `json:"prompt"`
}

// UpdatePrompt handles PUT /api/agents/{agentID}/update-prompt.
func (h *AgentHandler) UpdatePrompt(w http.ResponseWriter, r *http.Request) {
	var req updatePromptRequest
	if err := decodeJSON(r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		Error(w, http.StatusUnprocessableEntity, "prompt is required")
		return
	}
	agent, err := h.agents.UpdateInstructions(r.Context(), chi.URLParam(r, "agentID"), req.Prompt)
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, agent)
}

// Delete handles DELETE /api/agents/{agentID}/delete.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.agents.DeleteAgent(r.Context(), agentID); err != nil {
		Fail(w, r, err)
		return
	}
	h.logger.Info("Agent deleted", "agent_id", agentID)
	JSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "deleted": true})
}

// AddAchievements handles POST /api/agents/{agentID}/add-achievements.
func (h *AgentHandler) AddAchievements(w http.ResponseWriter, r *http.Request) {
	var defs []domain.AchievementDefinition
	if err := decodeJSON(r, &defs); err != nil {
		Fail(w, r, err)
		return
	}
	if err := domain.NormalizeRarities(defs); err != nil {
		Fail(w, r, err)
		return
	}
	res, err := h.agents.AppendAchievements(r.Context(), chi.URLParam(r, "agentID"), defs)
	if err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, appendResponse(res))
}

// Catalog handles GET /api/agents/{agentID}/achievements.
func (h *AgentHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		Fail(w, r, err)
		return
	}
	catalog := agent.Catalog
	if catalog == nil {
		catalog = []domain.AchievementDefinition{}
	}
	JSON(w, http.StatusOK, catalog)
}

type appendResult struct {
	Achievements []domain.AchievementDefinition `json:"achievements"`
	Added        int                            `json:"added"`
	Dropped      int                            `json:"dropped"`
}

func appendResponse(res *store.AppendResult) appendResult {
	return appendResult{Achievements: res.Catalog, Added: res.Added, Dropped: res.Dropped}
}

type generateResponse struct {
	*achievement.GenerationResult
	Attached *appendResult `json:"attached,omitempty"`
}

// Generate handles POST /api/agents/{agentID}/generate-achievements. The call
// blocks until generation finishes. attach=true appends the catalog.
func (h *AgentHandler) Generate(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		Error(w, http.StatusServiceUnavailable, "catalog generation is not configured")
		return
	}
	agentID := chi.URLParam(r, "agentID")
	attach := false
	if raw := r.URL.Query().Get("attach"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			Error(w, http.StatusUnprocessableEntity, "attach must be a boolean")
			return
		}
		attach = v
	}

	h.logger.Info("Catalog generation requested",
		"agent_id", agentID, "user_id", identity.UserIDFromContext(r.Context()), "attach", attach)

	res, err := h.generator.GenerateCatalog(r.Context(), agentID)
	if err != nil {
		Fail(w, r, err)
		return
	}

	out := generateResponse{GenerationResult: res}
	if attach {
		appended, err := h.agents.AppendAchievements(r.Context(), agentID, res.Catalog)
		if err != nil {
			Fail(w, r, err)
			return
		}
		ar := appendResponse(appended)
		out.Attached = &ar
	}
	JSON(w, http.StatusOK, out)
}
