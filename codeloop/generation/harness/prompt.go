package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// PromptBuilder assembles model-ready inputs from a conversation.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build splits the system message off and copies the remaining history.
// Only line endings are normalized; code in messages must reach the model untouched.
func (b *PromptBuilder) Build(conv *Conversation, meta map[string]string) ports.PromptInput {
	norm := func(s string) string { return strings.ReplaceAll(s, "\r\n", "\n") }

	msgs := conv.Messages()
	history := make([]ports.PromptMessage, 0, len(msgs)-1)
	for _, m := range msgs[1:] {
		history = append(history, ports.PromptMessage{Role: m.Role, Content: norm(m.Content)})
	}

	return ports.PromptInput{
		System:   norm(conv.System()),
		Messages: history,
		Meta:     meta,
	}
}
