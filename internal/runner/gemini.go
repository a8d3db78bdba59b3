package runner

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/agentquest/internal/domain"
	"google.golang.org/genai"
)

// Gemini streams replies through the Gemini API.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Stream implements Runner.
func (g *Gemini) Stream(ctx context.Context, p Persona, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var (
			text   strings.Builder
			idSent bool
		)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, p.Model, geminiContents(req), geminiConfig(p)) {
			if err != nil {
				yield(Event{}, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if !idSent && resp.ResponseID != "" {
				idSent = true
				if !yield(Event{Kind: EventResponseID, ResponseID: resp.ResponseID}, nil) {
					return
				}
			}
			if delta := resp.Text(); delta != "" {
				text.WriteString(delta)
				if !yield(Event{Kind: EventDelta, Text: delta}, nil) {
					return
				}
			}
		}
		yield(Event{Kind: EventCompleted, Text: text.String()}, nil)
	}
}

func geminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Input))
	for _, m := range req.Input {
		var role genai.Role = genai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

func geminiConfig(p Persona) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if p.Instructions != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.Instructions, genai.RoleUser)
	}
	if p.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(p.Temperature))
	}
	if p.FrequencyPenalty != 0 {
		cfg.FrequencyPenalty = genai.Ptr(float32(p.FrequencyPenalty))
	}
	if p.PresencePenalty != 0 {
		cfg.PresencePenalty = genai.Ptr(float32(p.PresencePenalty))
	}
	if p.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxOutputTokens)
	}
	return cfg
}
