package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agentquest/internal/identity"
	"github.com/coder/websocket"
)

const hubWriteTimeout = 5 * time.Second

// Hub pushes notifications to live WebSocket subscribers. A user may hold
// several connections, one per open tab.
type Hub struct {
	mu             sync.RWMutex
	active         map[string]map[*websocket.Conn]struct{}
	originPatterns []string
	logger         *slog.Logger
}

var _ Notifier = (*Hub)(nil)

// NewHub creates a hub accepting WebSocket origins matching originPatterns.
func NewHub(originPatterns []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Hub{
		active:         make(map[string]map[*websocket.Conn]struct{}),
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// ServeHTTP upgrades the request and keeps the subscription open until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("WebSocket accept failed", "user_id", userID, "error", err)
		return
	}

	h.register(userID, conn)
	defer h.unregister(userID, conn)

	// The read side only detects closure. Data frames from the client close it.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	_ = conn.Close(websocket.StatusNormalClosure, "subscription closed")
}

func (h *Hub) register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[userID]; !ok {
		h.active[userID] = make(map[*websocket.Conn]struct{})
	}
	h.active[userID][conn] = struct{}{}
	h.logger.Info("Notification subscriber registered", "user_id", userID, "connections", len(h.active[userID]))
}

func (h *Hub) unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[userID]
	if !ok {
		return
	}
	if _, exists := conns[conn]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.active, userID)
		}
		h.logger.Info("Notification subscriber unregistered", "user_id", userID)
	}
}

// Subscribers returns the number of open connections for a user.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}

// Notify implements Notifier. Users without live connections are skipped.
func (h *Hub) Notify(ctx context.Context, userID string, n Notification) error {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[userID]))
	for c := range h.active[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var failed int
	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
		err := c.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			failed++
			h.logger.Warn("Notification write failed", "user_id", userID, "error", err)
			h.unregister(userID, c)
			_ = c.Close(websocket.StatusGoingAway, "write failed")
		}
	}
	if failed == len(conns) {
		return fmt.Errorf("deliver notification to %s: all %d connections failed", userID, failed)
	}
	return nil
}

// CloseAll terminates every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, conns := range h.active {
		for c := range conns {
			_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.active, userID)
	}
}
