package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentquest/internal/api"
	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/identity"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

const maxHistoryLimit = 500

// HandlerConfig holds turn endpoint limits.
type HandlerConfig struct {
	RequestsPerWindow  int
	WindowDuration     time.Duration
	MaxRequestBodySize int64
	HistoryWindow      int
}

// Handler serves the conversation endpoints.
type Handler struct {
	orch        *Orchestrator
	history     store.HistoryStore
	rateLimiter *RateLimiter
	maxBody     int64
	window      int
	logger      *slog.Logger
}

// NewHandler creates a chat handler.
func NewHandler(orch *Orchestrator, history store.HistoryStore, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 10
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	return &Handler{
		orch:        orch,
		history:     history,
		rateLimiter: NewRateLimiter(cfg.RequestsPerWindow, cfg.WindowDuration),
		maxBody:     cfg.MaxRequestBodySize,
		window:      cfg.HistoryWindow,
		logger:      logger,
	}
}

// RegisterRoutes registers conversation routes (requires a user identity).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/agents/run-stream", h.RunStream)
	r.Get("/api/agents/chat/list", h.ListConversations)
	r.Get("/api/agents/{agentID}/chat-history", h.History)
	r.Delete("/api/agents/{agentID}/delete-history", h.DeleteHistory)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

type runStreamRequest struct {
	AgentID    string          `json:"agent_id"`
	Data       json.RawMessage `json:"data"`
	ResponseID *string         `json:"response_id"`
}

// RunStream handles POST /api/agents/run-stream.
func (h *Handler) RunStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by user so clients cannot bypass throttling by switching agents.
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var body runStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.AgentID) == "" {
		api.Error(w, http.StatusUnprocessableEntity, "agent_id is required")
		return
	}

	req := TurnRequest{
		UserID:    userID,
		AgentID:   body.AgentID,
		Input:     body.Data,
		RequestID: chiMiddleware.GetReqID(r.Context()),
	}
	if body.ResponseID != nil {
		req.ContinuationID = *body.ResponseID
	}

	h.logger.Info("Agent turn request",
		"user_id", userID,
		"agent_id", req.AgentID,
		"continuation", req.ContinuationID != "",
		"input_length", len(req.Input),
	)

	events, err := h.orch.RunTurn(r.Context(), req)
	if err != nil {
		api.Fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		// The user message is already persisted; drain so the turn completes.
		h.logger.Error("Streaming not supported by response writer")
		for range events {
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if _, err := ev.WriteTo(w); err != nil {
			h.logger.Warn("Failed to write SSE event", "user_id", userID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// History handles GET /api/agents/{agentID}/chat-history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	limit := h.window
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.Error(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.history.RecentMessages(r.Context(), userID, agentID, limit)
	if err != nil {
		api.Fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	api.JSON(w, http.StatusOK, msgs)
}

// ListConversations handles GET /api/agents/chat/list.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	list, err := h.history.ListConversations(r.Context(), userID)
	if err != nil {
		api.Fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.ConversationSummary{}
	}
	api.JSON(w, http.StatusOK, list)
}

// DeleteHistory handles DELETE /api/agents/{agentID}/delete-history.
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	n, err := h.history.DeleteConversation(r.Context(), userID, agentID)
	if err != nil {
		api.Fail(w, r, err)
		return
	}
	h.logger.Info("Conversation deleted", "user_id", userID, "agent_id", agentID, "messages", n)
	api.JSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "deleted": n})
}
