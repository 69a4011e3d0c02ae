package harness

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt instructs the model to solve tasks by writing Python for an interpreter.
const DefaultSystemPrompt = `You are a helpful assistant with access to a Python interpreter.
When a question needs computation, data processing or verification, answer by writing Python code.
Always put the code in a single fenced block tagged python, like:

` + "```python" + `
print("hello")
` + "```" + `

The code runs in a persistent interpreter. The value of the last expression and everything printed
to standard output are returned to you. Use print() to inspect intermediate values and iterate when
the output is not what you expected. If no code is needed, answer directly without a code block.`

// ExplanationTemplate asks for a final answer from an execution's result and output.
// Arguments: result value, standard output.
const ExplanationTemplate = `The code was executed. The result was: %s
The standard output was: %s
Using this result and output, answer my original question.`

// ErrorRecoveryTemplate reports a failed execution back to the model.
// Arguments: error text, fenced failing code.
const ErrorRecoveryTemplate = `The code failed with the following error:
%s

This is the code that failed:
%s

Fix the code and reply with the corrected version in a single python block.`

// SuccessTemplate records a successful execution in the conversation.
const SuccessTemplate = "The code executed successfully with output: %s"

// CodeMessageTemplate records the executed code ahead of the explanation request.
const CodeMessageTemplate = "I executed the following code:\n%s"

// Prompts holds the fixed texts used during a turn.
type Prompts struct {
	System string
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{System: DefaultSystemPrompt}
}

func explanationRequest(value, stdout string) string {
	return fmt.Sprintf(ExplanationTemplate, value, stdout)
}

func errorReport(reason, fencedCode string) string {
	return fmt.Sprintf(ErrorRecoveryTemplate, strings.TrimSpace(reason), fencedCode)
}

func successSummary(output string) string {
	return fmt.Sprintf(SuccessTemplate, output)
}

func codeMessage(fencedCode string) string {
	return fmt.Sprintf(CodeMessageTemplate, fencedCode)
}
