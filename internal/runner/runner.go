// Package runner invokes language models on behalf of agent personas.
//
// A Runner streams incremental events for one model call. Backends adapt a
// provider SDK to the Event stream; Router picks a backend from the model id.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/agentquest/internal/domain"
)

// ErrProviderNotConfigured is returned when no backend serves a model id.
var ErrProviderNotConfigured = errors.New("model provider not configured")

// Persona is the model invocation configuration derived from an agent.
type Persona struct {
	Name             string
	Instructions     string
	Model            string
	Capabilities     []string
	Temperature      float64
	FrequencyPenalty float64
	PresencePenalty  float64
	MaxOutputTokens  int64
}

// Request is the input of one model call.
type Request struct {
	Input []domain.Message
	// PreviousResponseID correlates the call with an earlier response.
	PreviousResponseID string
}

// EventKind discriminates stream events.
type EventKind int

const (
	// EventDelta carries an incremental text chunk.
	EventDelta EventKind = iota
	// EventResponseID carries the provider's id for this response.
	EventResponseID
	// EventCompleted carries the full response text.
	EventCompleted
)

// Event is one item of a runner stream.
type Event struct {
	Kind       EventKind
	Text       string
	ResponseID string
}

// Runner executes a persona against an input.
type Runner interface {
	// Stream yields events until the response completes. A non-nil error
	// ends the sequence.
	Stream(ctx context.Context, p Persona, req Request) iter.Seq2[Event, error]
}

// Result is the drained outcome of a stream.
type Result struct {
	Text       string
	ResponseID string
}

// Complete drains a stream and returns the final text.
func Complete(ctx context.Context, r Runner, p Persona, req Request) (Result, error) {
	var (
		res     Result
		builder strings.Builder
		done    bool
	)
	for ev, err := range r.Stream(ctx, p, req) {
		if err != nil {
			return Result{}, fmt.Errorf("run %s: %w", p.Name, err)
		}
		switch ev.Kind {
		case EventDelta:
			builder.WriteString(ev.Text)
		case EventResponseID:
			res.ResponseID = ev.ResponseID
		case EventCompleted:
			res.Text = ev.Text
			done = true
		}
	}
	if !done {
		res.Text = builder.String()
	}
	return res, nil
}

// UserText builds a single-message user request.
func UserText(text string) Request {
	return Request{Input: []domain.Message{{Role: domain.RoleUser, Content: text}}}
}
