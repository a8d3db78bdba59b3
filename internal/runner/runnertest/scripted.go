// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"

	"github.com/ashureev/agentquest/internal/runner"
)

// Reply scripts the outcome of one model call.
type Reply struct {
	Deltas     []string
	ResponseID string
	// Err fails the stream after ErrAfter deltas have been emitted.
	Err      error
	ErrAfter int
}

// Text returns a reply made of a single delta.
func Text(s string) Reply {
	return Reply{Deltas: []string{s}}
}

// Func produces the reply for a call.
type Func func(p runner.Persona, req runner.Request) Reply

// Fixed always answers with r.
func Fixed(r Reply) Func {
	return func(runner.Persona, runner.Request) Reply { return r }
}

// Sequence answers with each reply in turn and repeats the last one.
func Sequence(replies ...Reply) Func {
	var (
		mu sync.Mutex
		i  int
	)
	return func(runner.Persona, runner.Request) Reply {
		mu.Lock()
		defer mu.Unlock()
		r := replies[min(i, len(replies)-1)]
		i++
		return r
	}
}

// Call records one invocation.
type Call struct {
	Persona runner.Persona
	Request runner.Request
}

// Scripted dispatches calls by persona name.
type Scripted struct {
	mu       sync.Mutex
	handlers map[string]Func
	fallback Func
	calls    []Call
}

var _ runner.Runner = (*Scripted)(nil)

// New creates a Scripted runner that fails unscripted personas.
func New() *Scripted {
	return &Scripted{handlers: make(map[string]Func)}
}

// On scripts replies for a persona name.
func (s *Scripted) On(persona string, fn Func) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[persona] = fn
	return s
}

// Otherwise scripts replies for any persona without a handler.
func (s *Scripted) Otherwise(fn Func) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
	return s
}

// Calls returns the recorded invocations of a persona.
func (s *Scripted) Calls(persona string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Persona.Name == persona {
			out = append(out, c)
		}
	}
	return out
}

// Stream implements runner.Runner.
func (s *Scripted) Stream(_ context.Context, p runner.Persona, req runner.Request) iter.Seq2[runner.Event, error] {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Persona: p, Request: req})
	fn, ok := s.handlers[p.Name]
	if !ok {
		fn = s.fallback
	}
	s.mu.Unlock()

	return func(yield func(runner.Event, error) bool) {
		if fn == nil {
			yield(runner.Event{}, errors.New("runnertest: no script for persona "+p.Name))
			return
		}
		reply := fn(p, req)
		if reply.ResponseID != "" {
			if !yield(runner.Event{Kind: runner.EventResponseID, ResponseID: reply.ResponseID}, nil) {
				return
			}
		}

		var text strings.Builder
		for i, d := range reply.Deltas {
			if reply.Err != nil && i >= reply.ErrAfter {
				break
			}
			text.WriteString(d)
			if !yield(runner.Event{Kind: runner.EventDelta, Text: d}, nil) {
				return
			}
		}
		if reply.Err != nil {
			yield(runner.Event{}, reply.Err)
			return
		}
		yield(runner.Event{Kind: runner.EventCompleted, Text: text.String()}, nil)
	}
}
