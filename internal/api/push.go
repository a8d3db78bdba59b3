package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/go-chi/chi/v5"
)

// PushSender delivers a raw payload to a user's push subscription.
type PushSender interface {
	Send(ctx context.Context, userID string, payload []byte) error
}

// PushHandler serves the operator push endpoint.
type PushHandler struct {
	sender PushSender
}

// NewPushHandler creates a PushHandler. A nil sender means push is disabled.
func NewPushHandler(sender PushSender) *PushHandler {
	return &PushHandler{sender: sender}
}

// RegisterRoutes registers the push routes.
func (h *PushHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/push/{userID}/push", h.Push)
}

// Push handles POST /api/push/{userID}/push. The JSON object body is sent
// with a "user" field naming the recipient.
func (h *PushHandler) Push(w http.ResponseWriter, r *http.Request) {
	if h.sender == nil {
		Error(w, http.StatusServiceUnavailable, "web push is not configured")
		return
	}
	userID := chi.URLParam(r, "userID")

	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		Fail(w, r, err)
		return
	}
	if body == nil {
		Error(w, http.StatusUnprocessableEntity, "payload must be a JSON object")
		return
	}
	body["user"] = userID

	payload, err := json.Marshal(body)
	if err != nil {
		Fail(w, r, fmt.Errorf("encode push payload: %w", err))
		return
	}
	if err := h.sender.Send(r.Context(), userID, payload); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			Error(w, http.StatusNotFound, "no push subscription for user")
			return
		}
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"message": "push sent"})
}
