package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

var sampleInput = ports.PromptInput{
	System: "Be brief.",
	Messages: []ports.PromptMessage{
		{Role: "user", Content: "What is 2+2?"},
		{Role: "assistant", Content: "```python\nprint(2+2)\n```"},
		{Role: "user", Content: "It printed 4."},
	},
}

func TestRenderChat_ChatML(t *testing.T) {
	out, err := RenderChat(TemplateChatML, sampleInput)
	require.NoError(t, err)

	want := "<|im_start|>system\nBe brief.<|im_end|>\n" +
		"<|im_start|>user\nWhat is 2+2?<|im_end|>\n" +
		"<|im_start|>assistant\n```python\nprint(2+2)\n```<|im_end|>\n" +
		"<|im_start|>user\nIt printed 4.<|im_end|>\n" +
		"<|im_start|>assistant\n"
	assert.Equal(t, want, out)
}

func TestRenderChat_Gemma(t *testing.T) {
	out, err := RenderChat(TemplateGemma, sampleInput)
	require.NoError(t, err)

	want := "<start_of_turn>user\nBe brief.\n\nWhat is 2+2?<end_of_turn>\n" +
		"<start_of_turn>model\n```python\nprint(2+2)\n```<end_of_turn>\n" +
		"<start_of_turn>user\nIt printed 4.<end_of_turn>\n" +
		"<start_of_turn>model\n"
	assert.Equal(t, want, out)
}

func TestRenderChat_Llama3(t *testing.T) {
	out, err := RenderChat(TemplateLlama3, ports.PromptInput{
		Messages: []ports.PromptMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	want := "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nhi<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
	assert.Equal(t, want, out)
}

func TestRenderChat_UnknownTemplate(t *testing.T) {
	_, err := RenderChat("mistral-v7", sampleInput)
	assert.Error(t, err)
}

func TestResolveTemplate(t *testing.T) {
	assert.Equal(t, TemplateGemma, ResolveTemplate("", "/models/gemma-3-4b-it-Q4_K_M.gguf"))
	assert.Equal(t, TemplateLlama3, ResolveTemplate("", "Meta-Llama-3-8B-Instruct.gguf"))
	assert.Equal(t, TemplateChatML, ResolveTemplate("", "qwen2.5-coder-7b-instruct.gguf"))
	assert.Equal(t, TemplateGemma, ResolveTemplate("Gemma", "qwen.gguf"))

	assert.Equal(t, []string{"<end_of_turn>"}, StopWords(TemplateGemma))
	assert.Equal(t, []string{"<|im_end|>"}, StopWords(TemplateChatML))
}
