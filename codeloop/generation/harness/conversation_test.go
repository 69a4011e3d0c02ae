package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConversation_AppendOnly tests ordering, role checks and copy semantics.
func TestConversation_AppendOnly(t *testing.T) {
	conv := NewConversation("system prompt", "What is 2+2?")

	assert.NotEmpty(t, conv.ID())
	assert.Equal(t, 2, conv.Len())
	assert.Equal(t, "system prompt", conv.System())
	assert.Equal(t, "What is 2+2?", conv.Question())

	require.NoError(t, conv.Append(RoleAssistant, "answer"))
	require.NoError(t, conv.Append(RoleUser, "error report"))
	assert.ErrorIs(t, conv.Append(RoleSystem, "second system"), ErrInvalidRole)
	assert.ErrorIs(t, conv.Append("tool", "x"), ErrInvalidRole)

	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{RoleSystem, RoleUser, RoleAssistant, RoleUser},
		[]string{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})
	assert.Equal(t, "error report", conv.Last().Content)

	// Mutating the copy leaves the conversation intact
	msgs[0].Content = "tampered"
	assert.Equal(t, "system prompt", conv.System())
}

// TestConversation_DistinctIDs tests that each conversation gets its own identifier.
func TestConversation_DistinctIDs(t *testing.T) {
	a := NewConversation("s", "u")
	b := NewConversation("s", "u")
	assert.NotEqual(t, a.ID(), b.ID())
}
