package chat

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/identity"
	"github.com/ashureev/agentquest/internal/runner/runnertest"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, s *store.SQLiteStore, r *runnertest.Scripted, cfg HandlerConfig) *httptest.Server {
	t.Helper()
	orch := NewOrchestrator(s, s, r, nil, nil, OrchestratorConfig{}, nil)
	h := NewHandler(orch, s, cfg, nil)
	t.Cleanup(h.Close)

	router := chi.NewRouter()
	router.Use(identity.Middleware(false))
	router.Group(func(r chi.Router) {
		r.Use(identity.RequireUser)
		h.RegisterRoutes(r)
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postTurn(t *testing.T, srv *httptest.Server, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/agents/run-stream", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(identity.UserHeaderName, user)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readDataLines(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, line)
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRunStreamHandler(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Reply{Deltas: []string{"Ahoy"}, ResponseID: "resp-9"}))
	srv := newTestServer(t, s, r, HandlerConfig{})

	resp := postTurn(t, srv, "u1", `{"agent_id":"a1","data":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	lines := readDataLines(t, resp)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines, "Ahoy")
	assert.Equal(t, "[DONE]", lines[len(lines)-1])

	// The assistant message is persisted once the stream has been drained.
	require.Eventually(t, func() bool {
		msgs, err := s.RecentMessages(t.Context(), "u1", "a1", 10)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStreamHandlerErrors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	srv := newTestServer(t, s, runnertest.New(), HandlerConfig{MaxRequestBodySize: 64})

	tests := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"anonymous", "", `{"agent_id":"a1","data":"hi"}`, http.StatusUnauthorized},
		{"unknown agent", "u1", `{"agent_id":"ghost","data":"hi"}`, http.StatusNotFound},
		{"missing agent", "u1", `{"data":"hi"}`, http.StatusUnprocessableEntity},
		{"missing data", "u1", `{"agent_id":"a1"}`, http.StatusUnprocessableEntity},
		{"malformed", "u1", `{"agent_id":`, http.StatusBadRequest},
		{"too large", "u1", `{"agent_id":"a1","data":"` + strings.Repeat("x", 128) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postTurn(t, srv, tt.user, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEqual(t, "text/event-stream", resp.Header.Get("Content-Type"))
		})
	}
}

func TestRunStreamRateLimited(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Text("ok")))
	srv := newTestServer(t, s, r, HandlerConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})

	first := postTurn(t, srv, "u1", `{"agent_id":"a1","data":"hi"}`)
	readDataLines(t, first)
	second := postTurn(t, srv, "u1", `{"agent_id":"a1","data":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	other := postTurn(t, srv, "u2", `{"agent_id":"a1","data":"hi"}`)
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestHistoryEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()
	for _, m := range []domain.ChatMessage{
		{UserID: "u1", AgentID: "a1", Role: domain.RoleUser, Content: "hi"},
		{UserID: "u1", AgentID: "a1", Role: domain.RoleAssistant, Content: "hello"},
		{UserID: "u2", AgentID: "a1", Role: domain.RoleUser, Content: "other user"},
	} {
		require.NoError(t, s.AppendMessage(ctx, &m))
	}
	srv := newTestServer(t, s, runnertest.New(), HandlerConfig{})

	do := func(method, path string) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set(identity.UserHeaderName, "u1")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := do(http.MethodGet, "/api/agents/a1/chat-history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []domain.ChatMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)

	resp = do(http.MethodGet, "/api/agents/a1/chat-history?limit=0")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = do(http.MethodGet, "/api/agents/chat/list")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.ConversationSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].LastMessage)

	resp = do(http.MethodDelete, "/api/agents/a1/delete-history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deleted))
	assert.EqualValues(t, 2, deleted["deleted"])

	resp = do(http.MethodGet, "/api/agents/a1/chat-history")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Empty(t, history)

	remaining, err := s.RecentMessages(ctx, "u2", "a1", 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
