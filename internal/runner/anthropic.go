package runner

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ashureev/agentquest/internal/domain"
)

// defaultAnthropicMaxTokens applies when a persona sets no output budget.
const defaultAnthropicMaxTokens = 4096

// Anthropic runs personas on the Messages API. Replies are not streamed;
// the whole text arrives as one delta.
type Anthropic struct {
	client *anthropic.Client
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(apiKey string) *Anthropic {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client}
}

// Stream implements Runner.
func (a *Anthropic) Stream(ctx context.Context, p Persona, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		resp, err := a.client.Messages.New(ctx, anthropicParams(p, req))
		if err != nil {
			yield(Event{}, fmt.Errorf("anthropic messages: %w", err))
			return
		}
		if resp.ID != "" {
			if !yield(Event{Kind: EventResponseID, ResponseID: resp.ID}, nil) {
				return
			}
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type != "text" {
				continue
			}
			text.WriteString(block.AsText().Text)
		}
		if text.Len() > 0 {
			if !yield(Event{Kind: EventDelta, Text: text.String()}, nil) {
				return
			}
		}
		yield(Event{Kind: EventCompleted, Text: text.String()}, nil)
	}
}

func anthropicParams(p Persona, req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Input))
	for _, m := range req.Input {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == domain.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}

	maxTokens := p.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if p.Temperature > 0 {
		params.Temperature = anthropic.Float(p.Temperature)
	}
	if p.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.Instructions}}
	}
	return params
}
