package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// openAIResponsePrefix marks ids minted by the Responses API. Ids from other
// providers cannot be chained.
const openAIResponsePrefix = "resp_"

// OpenAI streams replies through the Responses API. Responses are stored
// server side, so a request carrying a previous response id only sends the
// turn that follows it.
//
// The Responses API has no frequency or presence penalty; those persona
// settings are ignored here.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI backend. An empty baseURL uses the public API.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client}
}

// Stream implements Runner.
func (o *OpenAI) Stream(ctx context.Context, p Persona, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		stream := o.client.Responses.NewStreaming(ctx, openAIParams(p, req))
		defer func() { _ = stream.Close() }()

		var (
			text   strings.Builder
			idSent bool
		)
		announce := func(id string) bool {
			if idSent || id == "" {
				return true
			}
			idSent = true
			return yield(Event{Kind: EventResponseID, ResponseID: id}, nil)
		}

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "response.created", "response.in_progress":
				if !announce(event.Response.ID) {
					return
				}
			case "response.output_text.delta":
				delta := event.Delta.OfString
				if delta == "" {
					continue
				}
				text.WriteString(delta)
				if !yield(Event{Kind: EventDelta, Text: delta}, nil) {
					return
				}
			case "response.completed":
				if !announce(event.Response.ID) {
					return
				}
			case "response.failed":
				msg := event.Response.Error.Message
				if msg == "" {
					msg = "response failed"
				}
				yield(Event{}, fmt.Errorf("openai response %s: %s", event.Response.ID, msg))
				return
			case "error":
				yield(Event{}, fmt.Errorf("openai stream: %w", errors.New(event.Message)))
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(Event{}, fmt.Errorf("openai stream: %w", err))
			return
		}
		yield(Event{Kind: EventCompleted, Text: text.String()}, nil)
	}
}

func openAIParams(p Persona, req Request) responses.ResponseNewParams {
	input := req.Input
	params := responses.ResponseNewParams{
		Model: p.Model,
		Store: openai.Bool(true),
	}
	if prev := req.PreviousResponseID; strings.HasPrefix(prev, openAIResponsePrefix) {
		params.PreviousResponseID = openai.String(prev)
		input = sinceLastReply(input)
	}

	items := make(responses.ResponseInputParam, 0, len(input))
	for _, m := range input {
		role := responses.EasyInputMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = responses.EasyInputMessageRoleAssistant
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, role))
	}
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}

	if p.Instructions != "" {
		params.Instructions = openai.String(p.Instructions)
	}
	if p.Temperature > 0 {
		params.Temperature = openai.Float(p.Temperature)
	}
	if p.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(p.MaxOutputTokens)
	}
	return params
}

// sinceLastReply returns the messages after the last assistant message. The
// earlier part of the conversation already lives in the chained response.
func sinceLastReply(msgs []domain.Message) []domain.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i+1:]
		}
	}
	return msgs
}
