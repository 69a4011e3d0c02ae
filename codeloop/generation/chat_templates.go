package generation

import (
	"fmt"
	"strings"
	"text/template"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// Chat templates for the supported model families

const ChatMLTemplate = `{{range .Messages}}<|im_start|>{{.Role}}
{{.Content}}<|im_end|>
{{end}}{{if .AddGenerationPrompt}}<|im_start|>assistant
{{end}}`

// Gemma has no system role; the system prompt is folded into the first user turn.
const GemmaTemplate = `{{range $i, $m := .Messages}}<start_of_turn>{{if eq $m.Role "assistant"}}model{{else}}user{{end}}
{{if and (eq $i 0) $.System}}{{$.System}}

{{end}}{{$m.Content}}<end_of_turn>
{{end}}{{if .AddGenerationPrompt}}<start_of_turn>model
{{end}}`

const Llama3Template = `<|begin_of_text|>{{range .Messages}}<|start_header_id|>{{.Role}}<|end_header_id|>

{{.Content}}<|eot_id|>{{end}}{{if .AddGenerationPrompt}}<|start_header_id|>assistant<|end_header_id|>

{{end}}`

// Template names accepted by GetChatTemplate.
const (
	TemplateChatML = "chatml"
	TemplateGemma  = "gemma"
	TemplateLlama3 = "llama3"
)

// ChatTemplateData is the value a chat template is executed with.
type ChatTemplateData struct {
	System              string                // only set for templates without a system role
	Messages            []ports.PromptMessage // system message first when the template has one
	AddGenerationPrompt bool
}

// ResolveTemplate picks a template name from an explicit setting or the model file name.
func ResolveTemplate(name, modelPath string) string {
	if name != "" {
		return strings.ToLower(name)
	}
	model := strings.ToLower(modelPath)
	switch {
	case strings.Contains(model, "gemma"):
		return TemplateGemma
	case strings.Contains(model, "llama-3"), strings.Contains(model, "llama3"):
		return TemplateLlama3
	default:
		// Qwen, LFM2 and most instruction-tuned GGUFs speak ChatML
		return TemplateChatML
	}
}

// GetChatTemplate returns the parsed template for a template name.
func GetChatTemplate(name string) (*template.Template, error) {
	var templateStr string
	switch name {
	case TemplateGemma:
		templateStr = GemmaTemplate
	case TemplateLlama3:
		templateStr = Llama3Template
	case TemplateChatML, "":
		templateStr = ChatMLTemplate
	default:
		return nil, fmt.Errorf("unknown chat template %q", name)
	}
	return template.New(name).Parse(templateStr)
}

// StopWords returns the end-of-turn markers for a template.
func StopWords(name string) []string {
	switch name {
	case TemplateGemma:
		return []string{"<end_of_turn>"}
	case TemplateLlama3:
		return []string{"<|eot_id|>"}
	default:
		return []string{"<|im_end|>"}
	}
}

// RenderChat renders a prompt input into the raw prompt text for the named template,
// ending with the assistant generation prompt.
func RenderChat(name string, in ports.PromptInput) (string, error) {
	tmpl, err := GetChatTemplate(name)
	if err != nil {
		return "", err
	}

	data := ChatTemplateData{AddGenerationPrompt: true}
	if name == TemplateGemma {
		data.System = in.System
		data.Messages = in.Messages
	} else {
		data.Messages = make([]ports.PromptMessage, 0, len(in.Messages)+1)
		if in.System != "" {
			data.Messages = append(data.Messages, ports.PromptMessage{Role: "system", Content: in.System})
		}
		data.Messages = append(data.Messages, in.Messages...)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return b.String(), nil
}
