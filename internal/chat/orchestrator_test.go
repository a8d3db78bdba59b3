package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/runner/runnertest"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/ashureev/agentquest/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const guideName = "Harbor Guide"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.RegisterAgent(context.Background(), &domain.AgentProfile{
		AgentID:      "a1",
		Name:         guideName,
		Instructions: "Give directions around the harbor.",
	}))
	return s
}

// inlinePool runs submitted tasks synchronously.
type inlinePool struct {
	mu    sync.Mutex
	names []string
	errs  []error
	full  bool
}

func (p *inlinePool) Submit(name string, task worker.Task) bool {
	if p.full {
		return false
	}
	err := task(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
	p.errs = append(p.errs, err)
	return true
}

type recordingEvaluator struct {
	mu          sync.Mutex
	transcripts [][]domain.Message
}

func (e *recordingEvaluator) EvaluateAndGrant(_ context.Context, _, _ string, transcript []domain.Message) ([]domain.AchievementDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcripts = append(e.transcripts, transcript)
	return nil, nil
}

func (e *recordingEvaluator) Transcripts() [][]domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]domain.Message(nil), e.transcripts...)
}

func quoted(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func collect(seq func(func(ServerEvent) bool)) []string {
	var out []string
	for ev := range seq {
		out = append(out, ev.Payload())
	}
	return out
}

func TestRunTurn_HelloPersistsBothMessages(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Reply{
		Deltas:     []string{"Welcome ", "aboard"},
		ResponseID: "resp-1",
	}))
	eval := &recordingEvaluator{}
	pool := &inlinePool{}
	orch := NewOrchestrator(s, s, r, eval, pool, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hello")})
	require.NoError(t, err)

	got := collect(events)
	assert.Equal(t, []string{
		"RESPONSE_ID:resp-1",
		"Welcome ",
		"aboard",
		"RESPONSE_ID:resp-1",
		"[DONE]",
	}, got)

	msgs, err := s.RecentMessages(context.Background(), "u1", "a1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Empty(t, msgs[0].ContinuationID)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Welcome aboard", msgs[1].Content)
	assert.Equal(t, "resp-1", msgs[1].ContinuationID)
	assert.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt))

	require.Len(t, pool.names, 1)
	assert.NoError(t, pool.errs[0])
	transcripts := eval.Transcripts()
	require.Len(t, transcripts, 1)
	assert.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "Welcome aboard"},
	}, transcripts[0])
}

func TestRunTurn_ReplaysHistoryAndContinuation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Sequence(
		runnertest.Reply{Deltas: []string{"first"}, ResponseID: "resp-1"},
		runnertest.Reply{Deltas: []string{"second"}, ResponseID: "resp-2"},
	))
	orch := NewOrchestrator(s, s, r, nil, nil, OrchestratorConfig{}, nil)
	ctx := context.Background()

	events, err := orch.RunTurn(ctx, TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("one")})
	require.NoError(t, err)
	collect(events)

	events, err = orch.RunTurn(ctx, TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("two"), ContinuationID: "resp-1"})
	require.NoError(t, err)
	got := collect(events)
	assert.Equal(t, "RESPONSE_ID:resp-2", got[0])

	calls := r.Calls(guideName)
	require.Len(t, calls, 2)
	assert.Equal(t, "resp-1", calls[1].Request.PreviousResponseID)
	assert.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "one"},
		{Role: domain.RoleAssistant, Content: "first"},
		{Role: domain.RoleUser, Content: "two"},
	}, calls[1].Request.Input)
	assert.EqualValues(t, 169, calls[1].Persona.MaxOutputTokens)

	msgs, err := s.RecentMessages(ctx, "u1", "a1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "resp-1", msgs[2].ContinuationID)
	assert.Equal(t, "resp-2", msgs[3].ContinuationID)
}

func TestRunTurn_NewlineDeltaBecomesBreak(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Reply{Deltas: []string{"Line one", "\n", "", "Line two"}}))
	orch := NewOrchestrator(s, s, r, nil, nil, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("map?")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Line one", "<br><br>", "Line two", "[DONE]"}, collect(events))

	msgs, err := s.RecentMessages(context.Background(), "u1", "a1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Line one\nLine two", msgs[1].Content)
}

func TestRunTurn_ProviderFailureEndsWithDone(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Reply{
		Deltas:   []string{"Partial", "never"},
		Err:      errors.New("upstream timeout"),
		ErrAfter: 1,
	}))
	pool := &inlinePool{}
	orch := NewOrchestrator(s, s, r, &recordingEvaluator{}, pool, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hi")})
	require.NoError(t, err)
	got := collect(events)
	require.Len(t, got, 4)
	assert.Equal(t, "Partial", got[0])
	assert.Contains(t, got[1], "ERROR:")
	assert.Contains(t, got[1], "upstream timeout")
	assert.Equal(t, "[RETRY]", got[2])
	assert.Equal(t, "[DONE]", got[3])

	msgs, err := s.RecentMessages(context.Background(), "u1", "a1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Partial", msgs[1].Content)
	assert.Len(t, pool.names, 1)
}

func TestRunTurn_EmptyReplyStillPersisted(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Reply{}))
	orch := NewOrchestrator(s, s, r, nil, nil, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("...")})
	require.NoError(t, err)
	assert.Equal(t, []string{"[DONE]"}, collect(events))

	msgs, err := s.RecentMessages(context.Background(), "u1", "a1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "", msgs[1].Content)
}

func TestRunTurn_ConsumerStopsEarly(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Reply{Deltas: []string{"a", "b", "c"}}))
	eval := &recordingEvaluator{}
	orch := NewOrchestrator(s, s, r, eval, &inlinePool{}, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hi")})
	require.NoError(t, err)
	for range events {
		break
	}

	msgs, err := s.RecentMessages(context.Background(), "u1", "a1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "abc", msgs[1].Content)
	assert.Len(t, eval.Transcripts(), 1)

	// A second range is a no-op.
	assert.Empty(t, collect(events))
	msgs, err = s.RecentMessages(context.Background(), "u1", "a1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRunTurn_CancelledRequestStillCompletes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Text("done anyway")))
	orch := NewOrchestrator(s, s, r, nil, nil, OrchestratorConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := orch.RunTurn(ctx, TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hi")})
	require.NoError(t, err)
	cancel()
	collect(events)

	msgs, err := s.RecentMessages(context.Background(), "u1", "a1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "done anyway", msgs[1].Content)
}

func TestRunTurn_FullQueueDoesNotBlock(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Text("ok")))
	eval := &recordingEvaluator{}
	orch := NewOrchestrator(s, s, r, eval, &inlinePool{full: true}, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hi")})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "[DONE]"}, collect(events))
	assert.Empty(t, eval.Transcripts())
}

func TestRunTurn_PreStreamErrors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New()
	orch := NewOrchestrator(s, s, r, nil, nil, OrchestratorConfig{}, nil)
	ctx := context.Background()

	_, err := orch.RunTurn(ctx, TurnRequest{UserID: "u1", AgentID: "ghost", Input: quoted("hi")})
	require.ErrorIs(t, err, ErrAgentNotFound)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = orch.RunTurn(ctx, TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("  ")})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = orch.RunTurn(ctx, TurnRequest{UserID: "u1", AgentID: "a1"})
	require.ErrorIs(t, err, domain.ErrInvalid)

	msgs, err := s.RecentMessages(ctx, "u1", "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, r.Calls(guideName))
}

type failingHistory struct {
	store.HistoryStore
	failRole domain.Role
}

func (f failingHistory) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.Role == f.failRole {
		return errors.New("database is locked")
	}
	return f.HistoryStore.AppendMessage(ctx, msg)
}

func TestRunTurn_UserPersistFailureIsFatal(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Text("unused")))
	orch := NewOrchestrator(s, failingHistory{HistoryStore: s, failRole: domain.RoleUser}, r, nil, nil, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hi")})
	require.Error(t, err)
	assert.Nil(t, events)
	assert.Empty(t, r.Calls(guideName))
}

func TestRunTurn_AssistantPersistFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Text("hello")))
	eval := &recordingEvaluator{}
	orch := NewOrchestrator(s, failingHistory{HistoryStore: s, failRole: domain.RoleAssistant}, r, eval, &inlinePool{}, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hi")})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "[DONE]"}, collect(events))
	assert.Len(t, eval.Transcripts(), 1)
}

func TestInputText(t *testing.T) {
	t.Parallel()

	text, err := InputText(json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	text, err = InputText(json.RawMessage(`{ "type": "image", "url": "x" }`))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"image","url":"x"}`, text)

	_, err = InputText(json.RawMessage(`null`))
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestServerEventFraming(t *testing.T) {
	t.Parallel()

	var b []byte
	for _, ev := range []ServerEvent{textEvent("hi"), responseIDEvent("r"), errorEvent("boom"), {Kind: EventRetry}, {Kind: EventDone}} {
		var buf sliceWriter
		_, err := ev.WriteTo(&buf)
		require.NoError(t, err)
		b = append(b, buf...)
	}
	assert.Equal(t, "data: hi\n\ndata: RESPONSE_ID:r\n\ndata: ERROR:boom\n\ndata: [RETRY]\n\ndata: [DONE]\n\n", string(b))
}

func TestServerEventFraming_MultilineProviderError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	body := "POST \"https://api.example/v1/responses\": 500 Internal Server Error {\n  \"error\": {\r\n\n    \"message\": \"boom\"\n  }\n}"
	r := runnertest.New().On(guideName, runnertest.Fixed(runnertest.Reply{Err: errors.New(body)}))
	orch := NewOrchestrator(s, s, r, nil, nil, OrchestratorConfig{}, nil)

	events, err := orch.RunTurn(context.Background(), TurnRequest{UserID: "u1", AgentID: "a1", Input: quoted("hi")})
	require.NoError(t, err)

	var wire sliceWriter
	for ev := range events {
		_, err := ev.WriteTo(&wire)
		require.NoError(t, err)
	}
	frames := strings.Split(strings.TrimSuffix(string(wire), "\n\n"), "\n\n")
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.NotContains(t, f, "\n", "frame %d spans lines", i)
		assert.NotContains(t, f, "\r", "frame %d spans lines", i)
	}
	assert.Equal(t, `data: ERROR:POST "https://api.example/v1/responses": 500 Internal Server Error { "error": { "message": "boom" } }`, frames[0])
	assert.Equal(t, "data: [RETRY]", frames[1])
	assert.Equal(t, "data: [DONE]", frames[2])
}

func TestTextEvent_CarriageReturnBecomesBreak(t *testing.T) {
	t.Parallel()

	assert.Equal(t, lineBreak, textEvent("a\rb").Data)
	assert.Equal(t, lineBreak, textEvent("\r\n").Data)
	assert.Equal(t, "plain", textEvent("plain").Data)
}

type sliceWriter []byte

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
