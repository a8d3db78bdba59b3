package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentquest/internal/domain"
)

// Output policy applied to every agent persona.
const (
	replyTokenGuidance = 170
	maxReplyTokens     = 169
	replyTemperature   = 0.2
	replyPenalty       = 0.1
)

// DefaultModel is used when an agent profile does not name a model.
const DefaultModel = "gpt-4o-mini"

// BuildPersona derives the conversational persona of an agent. now anchors
// the date the agent treats as current.
func BuildPersona(agent *domain.AgentProfile, now time.Time) Persona {
	model := agent.Model
	if model == "" {
		model = DefaultModel
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the %q agent chatbot.\n", agent.Name)
	fmt.Fprintf(&b, "* Answer with information that is current as of %s.\n", now.Format("2006-01-02"))
	if len(agent.Capabilities) > 0 {
		fmt.Fprintf(&b, "* You may use these capabilities when needed: %s.\n", strings.Join(agent.Capabilities, ", "))
	}
	b.WriteString("* Do not answer questions unrelated to your role.\n")
	fmt.Fprintf(&b, "* Keep every reply under %d tokens.\n\n", replyTokenGuidance)
	b.WriteString(strings.TrimSpace(agent.Instructions))

	return Persona{
		Name:             agent.Name,
		Instructions:     b.String(),
		Model:            model,
		Capabilities:     append([]string(nil), agent.Capabilities...),
		Temperature:      replyTemperature,
		FrequencyPenalty: replyPenalty,
		PresencePenalty:  replyPenalty,
		MaxOutputTokens:  maxReplyTokens,
	}
}
