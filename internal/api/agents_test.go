package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/agentquest/internal/achievement"
	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/identity"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu      sync.Mutex
	catalog []domain.AchievementDefinition
	err     error
	calls   []string
}

func (g *fakeGenerator) GenerateCatalog(_ context.Context, agentID string) (*achievement.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, agentID)
	if g.err != nil {
		return nil, g.err
	}
	return &achievement.GenerationResult{
		AgentID:   agentID,
		Catalog:   g.catalog,
		Exchanges: 8,
		Transcript: []domain.Message{
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "hello"},
		},
	}, nil
}

type testEnv struct {
	store *store.SQLiteStore
	gen   *fakeGenerator
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	gen := &fakeGenerator{}
	agents := NewAgentHandler(s, gen, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware(false))
	r.Get("/health", Health(s))
	agents.RegisterRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.RequireUser)
		agents.RegisterUserRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{store: s, gen: gen, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.UserHeaderName, "admin")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

const pirateJSON = `{
	"agent_id": "pirate",
	"name": "Captain Grog",
	"description": "Tavern keeper",
	"prompt": "Speak like a pirate.",
	"model": "gpt-4o-mini",
	"tools": ["web_search"],
	"location": {"latitude": 37.5665, "longitude": 126.978},
	"achievements": [{"id": "ach-1", "name": "Landlubber", "rarity": "common", "condition": "says hello"}]
}`

func TestAgentLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/agents/register", pirateJSON)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = env.do(t, http.MethodGet, "/api/agents/start/pirate", "")
	require.Equal(t, http.StatusOK, status)
	var agent domain.AgentProfile
	require.NoError(t, json.Unmarshal(body, &agent))
	assert.Equal(t, "Captain Grog", agent.Name)
	require.Len(t, agent.Catalog, 1)
	assert.Equal(t, domain.RarityCommon, agent.Catalog[0].Rarity)

	status, body = env.do(t, http.MethodPut, "/api/agents/pirate/update-prompt", `{"prompt": "Speak softly."}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &agent))
	assert.Equal(t, "Speak softly.", agent.Instructions)

	status, _ = env.do(t, http.MethodPut, "/api/agents/pirate/update-prompt", `{"prompt": ""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = env.do(t, http.MethodDelete, "/api/agents/pirate/delete", "")
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/api/agents/start/pirate", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), `"error"`)

	status, _ = env.do(t, http.MethodDelete, "/api/agents/pirate/delete", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/agents/register", `{"agent_id": "x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = env.do(t, http.MethodPost, "/api/agents/register", `{"agent_id":`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	bad := strings.Replace(pirateJSON, `"rarity": "common"`, `"rarity": "mythic"`, 1)
	status, _ = env.do(t, http.MethodPost, "/api/agents/register", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestListAgentsNearby(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/agents/register", pirateJSON)
	require.Equal(t, http.StatusOK, status)
	far := strings.NewReplacer(`"pirate"`, `"chef"`, `37.5665`, `35.1796`, `126.978`, `129.0756`).Replace(pirateJSON)
	status, _ = env.do(t, http.MethodPost, "/api/agents/register", far)
	require.Equal(t, http.StatusOK, status)

	list := func(query string) []domain.AgentProfile {
		status, body := env.do(t, http.MethodGet, "/api/agents/list"+query, "")
		require.Equal(t, http.StatusOK, status)
		var out []domain.AgentProfile
		require.NoError(t, json.Unmarshal(body, &out))
		return out
	}

	assert.Len(t, list(""), 2)
	assert.Len(t, list("?latitude=-90&longitude=-180"), 2)

	near := list("?latitude=37.5700&longitude=126.9800")
	require.Len(t, near, 1)
	assert.Equal(t, "pirate", near[0].AgentID)

	assert.Empty(t, list("?latitude=0&longitude=0"))

	status, _ = env.do(t, http.MethodGet, "/api/agents/list?latitude=north", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestAddAchievementsClampsCatalog(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/agents/register", pirateJSON)
	require.Equal(t, http.StatusOK, status)

	var defs []string
	for i := range 35 {
		defs = append(defs, fmt.Sprintf(`{"id":"gen-%02d","name":"A%d","rarity":"rare","condition":"c"}`, i, i))
	}
	status, body := env.do(t, http.MethodPost, "/api/agents/pirate/add-achievements", "["+strings.Join(defs, ",")+"]")
	require.Equal(t, http.StatusOK, status, string(body))

	var res struct {
		Achievements []domain.AchievementDefinition `json:"achievements"`
		Added        int                            `json:"added"`
		Dropped      int                            `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Len(t, res.Achievements, domain.MaxCatalogSize)
	assert.Equal(t, 29, res.Added)
	assert.Equal(t, 6, res.Dropped)

	status, body = env.do(t, http.MethodGet, "/api/agents/pirate/achievements", "")
	require.Equal(t, http.StatusOK, status)
	var catalog []domain.AchievementDefinition
	require.NoError(t, json.Unmarshal(body, &catalog))
	assert.Len(t, catalog, domain.MaxCatalogSize)

	status, _ = env.do(t, http.MethodPost, "/api/agents/ghost/add-achievements", "[]")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGenerateAchievements(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/agents/register", pirateJSON)
	require.Equal(t, http.StatusOK, status)
	env.gen.catalog = []domain.AchievementDefinition{
		{ID: "g1", Name: "One", Rarity: domain.RarityCommon},
		{ID: "g2", Name: "Two", Rarity: domain.RarityLegendary},
	}

	status, body := env.do(t, http.MethodPost, "/api/agents/pirate/generate-achievements", "")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"chat_history"`)
	assert.NotContains(t, string(body), `"attached"`)

	agent, err := env.store.GetAgent(context.Background(), "pirate")
	require.NoError(t, err)
	assert.Len(t, agent.Catalog, 1)

	status, body = env.do(t, http.MethodPost, "/api/agents/pirate/generate-achievements?attach=true", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"attached"`)

	agent, err = env.store.GetAgent(context.Background(), "pirate")
	require.NoError(t, err)
	assert.Len(t, agent.Catalog, 3)

	status, _ = env.do(t, http.MethodPost, "/api/agents/pirate/generate-achievements?attach=maybe", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	env.gen.mu.Lock()
	env.gen.err = fmt.Errorf("synthesize: %w", achievement.ErrInvalidCatalog)
	env.gen.mu.Unlock()
	status, _ = env.do(t, http.MethodPost, "/api/agents/pirate/generate-achievements", "")
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestGenerateRequiresUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := env.srv.Client().Post(env.srv.URL+"/api/agents/pirate/generate-achievements", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("closed") }

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")

	w := httptest.NewRecorder()
	Health(failingPinger{})(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
