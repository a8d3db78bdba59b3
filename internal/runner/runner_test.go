package runner_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/runner"
	"github.com/ashureev/agentquest/internal/runner/runnertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPersonaAppliesOutputPolicy(t *testing.T) {
	t.Parallel()

	agent := &domain.AgentProfile{
		AgentID:      "a1",
		Name:         "Palace Guide",
		Instructions: "  Tell stories about the palace.  ",
		Capabilities: []string{"web_search"},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := runner.BuildPersona(agent, now)
	assert.Equal(t, "Palace Guide", p.Name)
	assert.Equal(t, runner.DefaultModel, p.Model)
	assert.EqualValues(t, 169, p.MaxOutputTokens)
	assert.InDelta(t, 0.2, p.Temperature, 1e-9)
	assert.InDelta(t, 0.1, p.FrequencyPenalty, 1e-9)
	assert.InDelta(t, 0.1, p.PresencePenalty, 1e-9)
	assert.Contains(t, p.Instructions, `"Palace Guide"`)
	assert.Contains(t, p.Instructions, "2026-03-01")
	assert.Contains(t, p.Instructions, "under 170 tokens")
	assert.Contains(t, p.Instructions, "web_search")
	assert.True(t, strings.HasSuffix(p.Instructions, "Tell stories about the palace."))

	p.Capabilities[0] = "mutated"
	assert.Equal(t, "web_search", agent.Capabilities[0])
}

func TestCompleteDrainsStream(t *testing.T) {
	t.Parallel()

	r := runnertest.New().On("P", runnertest.Fixed(runnertest.Reply{
		Deltas:     []string{"hel", "lo"},
		ResponseID: "resp-1",
	}))
	res, err := runner.Complete(context.Background(), r, runner.Persona{Name: "P"}, runner.UserText("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "resp-1", res.ResponseID)
}

func TestCompleteWrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := runnertest.New().On("P", runnertest.Fixed(runnertest.Reply{Deltas: []string{"x"}, Err: boom}))
	_, err := runner.Complete(context.Background(), r, runner.Persona{Name: "P"}, runner.UserText("hi"))
	require.ErrorIs(t, err, boom)
}

func TestRouterDispatchesByPrefix(t *testing.T) {
	t.Parallel()

	claude := runnertest.New().Otherwise(runnertest.Fixed(runnertest.Text("claude")))
	gemini := runnertest.New().Otherwise(runnertest.Fixed(runnertest.Text("gemini")))
	fallback := runnertest.New().Otherwise(runnertest.Fixed(runnertest.Text("openai")))

	router := runner.NewRouter()
	router.Handle("claude", claude)
	router.Handle("gemini", gemini)
	router.Default(fallback)

	for model, want := range map[string]string{
		"claude-sonnet-4-5": "claude",
		"Gemini-2.5-flash":  "gemini",
		"gpt-4o-mini":       "openai",
	} {
		res, err := runner.Complete(context.Background(), router, runner.Persona{Name: "p", Model: model}, runner.UserText("x"))
		require.NoError(t, err)
		assert.Equal(t, want, res.Text, model)
	}
}

func TestRouterWithoutBackend(t *testing.T) {
	t.Parallel()

	router := runner.NewRouter()
	assert.True(t, router.Empty())
	_, err := runner.Complete(context.Background(), router, runner.Persona{Name: "p", Model: "gpt-4o"}, runner.UserText("x"))
	require.ErrorIs(t, err, runner.ErrProviderNotConfigured)
}
