package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/identity"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/go-chi/chi/v5"
)

// GrantLister lists a user's granted achievements.
type GrantLister interface {
	ListGranted(ctx context.Context, userID, agentID string) ([]domain.GrantedAchievement, error)
}

// UserHandler serves per-user achievement and push endpoints.
type UserHandler struct {
	grants   GrantLister
	subs     store.SubscriptionStore
	vapidKey string
}

// NewUserHandler creates a UserHandler. vapidKey is the public VAPID key
// handed to browsers, empty when push is disabled.
func NewUserHandler(grants GrantLister, subs store.SubscriptionStore, vapidKey string) *UserHandler {
	return &UserHandler{grants: grants, subs: subs, vapidKey: vapidKey}
}

// RegisterPublicRoutes registers routes that need no identity.
func (h *UserHandler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/api/push/vapid_key", h.VAPIDKey)
}

// RegisterRoutes registers routes that require a user identity.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/achievements/list", h.ListAchievements)
	r.Get("/api/achievements/retrieve/{agentID}", h.ListAchievements)
	r.Post("/api/push/subscribe", h.Subscribe)
}

// ListAchievements handles both the all-agents and per-agent listings.
func (h *UserHandler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	granted, err := h.grants.ListGranted(r.Context(), userID, chi.URLParam(r, "agentID"))
	if err != nil {
		Fail(w, r, err)
		return
	}
	if granted == nil {
		granted = []domain.GrantedAchievement{}
	}
	JSON(w, http.StatusOK, granted)
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Subscribe handles POST /api/push/subscribe.
func (h *UserHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		Fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		Error(w, http.StatusUnprocessableEntity, "endpoint and keys are required")
		return
	}

	sub := &domain.PushSubscription{
		UserID:   identity.UserIDFromContext(r.Context()),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := h.subs.SaveSubscription(r.Context(), sub); err != nil {
		Fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"message": "subscribed"})
}

// VAPIDKey handles GET /api/push/vapid_key.
func (h *UserHandler) VAPIDKey(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"publicKey": h.vapidKey})
}
