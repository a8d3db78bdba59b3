// Package chat streams conversation turns between users and agents.
//
// A turn persists the user message before anything is sent, streams model
// deltas as SSE data events, always ends with the [DONE] sentinel, then
// persists the assistant reply and schedules achievement evaluation.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/runner"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/ashureev/agentquest/internal/worker"
)

// ErrAgentNotFound is returned by RunTurn for an unknown agent.
var ErrAgentNotFound = errors.New("agent not found")

// DefaultHistoryWindow bounds the history replayed to the model.
const DefaultHistoryWindow = 50

// AgentReader resolves agent profiles.
type AgentReader interface {
	GetAgent(ctx context.Context, agentID string) (*domain.AgentProfile, error)
}

// Evaluator grants achievements for a finished transcript.
type Evaluator interface {
	EvaluateAndGrant(ctx context.Context, userID, agentID string, transcript []domain.Message) ([]domain.AchievementDefinition, error)
}

// Submitter schedules background work without blocking.
type Submitter interface {
	Submit(name string, task worker.Task) bool
}

// TurnRequest is one user turn.
type TurnRequest struct {
	UserID  string
	AgentID string
	// Input is a JSON string or any structured JSON value.
	Input          json.RawMessage
	ContinuationID string
	RequestID      string
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	HistoryWindow int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConversationLogger records turns to a conversation log.
func WithConversationLogger(l ConversationLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.convLog = l
		}
	}
}

// Orchestrator runs conversation turns.
type Orchestrator struct {
	agents    AgentReader
	history   store.HistoryStore
	runner    runner.Runner
	evaluator Evaluator
	pool      Submitter
	window    int
	convLog   ConversationLogger
	now       func() time.Time
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. A nil evaluator or pool disables
// achievement evaluation.
func NewOrchestrator(
	agents AgentReader,
	history store.HistoryStore,
	r runner.Runner,
	evaluator Evaluator,
	pool Submitter,
	cfg OrchestratorConfig,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	o := &Orchestrator{
		agents:    agents,
		history:   history,
		runner:    r,
		evaluator: evaluator,
		pool:      pool,
		window:    cfg.HistoryWindow,
		convLog:   noopConversationLogger{},
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InputText converts turn input to the text sent to the model. JSON strings
// are unquoted and other values are compacted.
func InputText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("input is required: %w", domain.ErrInvalid)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode input: %w", domain.ErrInvalid)
		}
		if strings.TrimSpace(s) == "" {
			return "", fmt.Errorf("input is required: %w", domain.ErrInvalid)
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("compact input: %w", domain.ErrInvalid)
	}
	return buf.String(), nil
}

// RunTurn validates the turn, loads history and persists the user message.
// Errors returned here happen before any event is produced. The returned
// sequence drives the model call; it must be ranged over exactly once and
// runs to completion even when the consumer stops early.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (iter.Seq[ServerEvent], error) {
	if req.UserID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("user and agent are required: %w", domain.ErrInvalid)
	}
	text, err := InputText(req.Input)
	if err != nil {
		return nil, err
	}

	agent, err := o.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrAgentNotFound, err)
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}

	past, err := o.history.RecentMessages(ctx, req.UserID, req.AgentID, o.window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userMsg := &domain.ChatMessage{
		AgentID:        req.AgentID,
		UserID:         req.UserID,
		Role:           domain.RoleUser,
		Content:        text,
		ContinuationID: req.ContinuationID,
	}
	if err := o.history.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	o.convLog.Log(ConversationLogEvent{
		Timestamp:  userMsg.CreatedAt.UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		AgentID:    req.AgentID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: text,
		Meta:       map[string]any{"request_id": req.RequestID},
	})

	input := make([]domain.Message, 0, len(past)+1)
	for _, m := range past {
		input = append(input, m.AsMessage())
	}
	input = append(input, domain.Message{Role: domain.RoleUser, Content: text})

	t := &turn{
		o:      o,
		ctx:    context.WithoutCancel(ctx),
		req:    req,
		agent:  agent,
		input:  input,
		respID: req.ContinuationID,
	}
	return t.run, nil
}

// turn holds the state of one streamed turn.
type turn struct {
	o       *Orchestrator
	ctx     context.Context
	req     TurnRequest
	agent   *domain.AgentProfile
	input   []domain.Message
	started atomic.Bool

	respID     string
	announced  bool
	forwarding bool
	buffer     strings.Builder
	chunks     int
}

func (t *turn) emit(yield func(ServerEvent) bool, ev ServerEvent) {
	if !t.forwarding {
		return
	}
	if !yield(ev) {
		t.forwarding = false
		t.o.logger.Info("Client left mid-turn, finishing in background",
			"user_id", t.req.UserID, "agent_id", t.req.AgentID)
	}
}

func (t *turn) run(yield func(ServerEvent) bool) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.forwarding = true
	o := t.o

	persona := runner.BuildPersona(t.agent, o.now())
	var streamErr error
	for ev, err := range o.runner.Stream(t.ctx, persona, runner.Request{
		Input:              t.input,
		PreviousResponseID: t.req.ContinuationID,
	}) {
		if err != nil {
			streamErr = err
			break
		}
		switch ev.Kind {
		case runner.EventResponseID:
			if ev.ResponseID == "" {
				continue
			}
			t.respID = ev.ResponseID
			if !t.announced {
				t.announced = true
				t.emit(yield, responseIDEvent(t.respID))
			}
		case runner.EventDelta:
			t.forward(yield, ev.Text)
		case runner.EventCompleted:
			if t.chunks == 0 {
				t.forward(yield, ev.Text)
			}
		}
	}

	if streamErr != nil {
		o.logger.Error("Agent stream failed",
			"user_id", t.req.UserID, "agent_id", t.req.AgentID, "error", streamErr)
		t.emit(yield, errorEvent(streamErr.Error()))
		t.emit(yield, ServerEvent{Kind: EventRetry})
	} else if t.respID != "" {
		t.emit(yield, responseIDEvent(t.respID))
	}
	t.emit(yield, ServerEvent{Kind: EventDone})

	t.finish(streamErr)
}

func (t *turn) forward(yield func(ServerEvent) bool, delta string) {
	if delta == "" {
		return
	}
	t.chunks++
	t.buffer.WriteString(delta)
	t.emit(yield, textEvent(delta))
}

// finish persists the reply and schedules evaluation. Failures are logged.
func (t *turn) finish(streamErr error) {
	o := t.o
	content := t.buffer.String()

	reply := &domain.ChatMessage{
		AgentID:        t.req.AgentID,
		UserID:         t.req.UserID,
		Role:           domain.RoleAssistant,
		Content:        content,
		ContinuationID: t.respID,
	}
	if err := o.history.AppendMessage(t.ctx, reply); err != nil {
		o.logger.Error("Failed to persist assistant message",
			"user_id", t.req.UserID, "agent_id", t.req.AgentID, "error", err)
	}

	streamErrMsg := ""
	if streamErr != nil {
		streamErrMsg = streamErr.Error()
	}
	o.convLog.Log(ConversationLogEvent{
		Timestamp:  o.now().UTC().Format(time.RFC3339Nano),
		UserID:     t.req.UserID,
		AgentID:    t.req.AgentID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Meta: map[string]any{
			"stream_chunks": t.chunks,
			"partial":       streamErr != nil,
			"stream_error":  streamErrMsg,
			"request_id":    t.req.RequestID,
			"response_id":   t.respID,
		},
	})

	if o.evaluator == nil || o.pool == nil {
		return
	}
	transcript := append(t.input[:len(t.input):len(t.input)], domain.Message{Role: domain.RoleAssistant, Content: content})
	userID, agentID := t.req.UserID, t.req.AgentID
	name := "evaluate_achievements:" + agentID
	if !o.pool.Submit(name, func(ctx context.Context) error {
		granted, err := o.evaluator.EvaluateAndGrant(ctx, userID, agentID, transcript)
		if err != nil {
			return err
		}
		if len(granted) > 0 {
			o.logger.Info("Achievements granted after turn",
				"user_id", userID, "agent_id", agentID, "count", len(granted))
		}
		return nil
	}) {
		o.logger.Warn("Achievement evaluation not scheduled", "user_id", userID, "agent_id", agentID)
	}
}
