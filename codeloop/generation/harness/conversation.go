package harness

import (
	"fmt"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
	"github.com/google/uuid"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is the append-only message log of one turn.
// The first message is the system prompt and the second the user's question.
// It is owned by a single turn and is not safe for concurrent use.
type Conversation struct {
	id       string
	messages []ports.PromptMessage
}

// NewConversation starts a conversation with the system prompt and the user's question.
func NewConversation(system, user string) *Conversation {
	return &Conversation{
		id: uuid.NewString(),
		messages: []ports.PromptMessage{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
	}
}

// ID returns the conversation's identifier.
func (c *Conversation) ID() string { return c.id }

// Append adds a user or assistant message to the end of the conversation.
func (c *Conversation) Append(role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	c.messages = append(c.messages, ports.PromptMessage{Role: role, Content: content})
	return nil
}

// Messages returns a copy of the messages in order.
func (c *Conversation) Messages() []ports.PromptMessage {
	out := make([]ports.PromptMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// Last returns the most recently appended message.
func (c *Conversation) Last() ports.PromptMessage { return c.messages[len(c.messages)-1] }

// System returns the system prompt.
func (c *Conversation) System() string { return c.messages[0].Content }

// Question returns the user's original question.
func (c *Conversation) Question() string { return c.messages[1].Content }
