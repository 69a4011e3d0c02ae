package harness

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/armon/go-radix"
)

// ErrCodeRejected is returned when code fails a guardrail check before execution.
var ErrCodeRejected = errors.New("code rejected")

var (
	importPattern     = regexp.MustCompile(`(?m)^\s*import\s+([^\n#]+)`)
	fromImportPattern = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\s+([^\n#]+)`)
	dottedCallPattern = regexp.MustCompile(`\b([A-Za-z_]\w*(?:\.[A-Za-z_]\w*)+)\s*\(`)
)

// Guardrails enforces limits on code before execution and on output after it.
type Guardrails struct {
	maxCodeBytes   int
	maxOutputBytes int
	blocked        *radix.Tree      // blocked module/attribute prefixes
	outputFilters  []*regexp.Regexp // regex patterns for masking output
}

// NewGuardrails creates guardrails. Zero limits disable the corresponding check.
func NewGuardrails(maxCodeBytes, maxOutputBytes int, blockedModules []string) *Guardrails {
	tree := radix.New()
	for _, m := range blockedModules {
		if m = strings.TrimSpace(m); m != "" {
			tree.Insert(m, struct{}{})
		}
	}
	return &Guardrails{
		maxCodeBytes:   maxCodeBytes,
		maxOutputBytes: maxOutputBytes,
		blocked:        tree,
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
		},
	}
}

// ValidateCode checks size and referenced modules.
func (g *Guardrails) ValidateCode(code string) error {
	if g.maxCodeBytes > 0 && len(code) > g.maxCodeBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrCodeRejected, len(code), g.maxCodeBytes)
	}
	if g.blocked.Len() == 0 {
		return nil
	}
	for _, name := range referencedNames(code) {
		if prefix, ok := g.blockedPrefix(name); ok {
			return fmt.Errorf("%w: use of %q is not allowed (blocked: %s)", ErrCodeRejected, name, prefix)
		}
	}
	return nil
}

// blockedPrefix finds a blocked entry that is name itself or a dotted parent of it.
func (g *Guardrails) blockedPrefix(name string) (string, bool) {
	var hit string
	g.blocked.WalkPath(name, func(prefix string, _ interface{}) bool {
		if prefix == name || strings.HasPrefix(name, prefix+".") {
			hit = prefix
			return true
		}
		return false
	})
	return hit, hit != ""
}

// referencedNames lists imported modules and dotted call targets in code.
func referencedNames(code string) []string {
	var names []string
	for _, m := range importPattern.FindAllStringSubmatch(code, -1) {
		for _, part := range strings.Split(m[1], ",") {
			if fields := strings.Fields(part); len(fields) > 0 {
				names = append(names, fields[0])
			}
		}
	}
	for _, m := range fromImportPattern.FindAllStringSubmatch(code, -1) {
		module := m[1]
		names = append(names, module)
		for _, part := range strings.Split(strings.Trim(m[2], "() "), ",") {
			if fields := strings.Fields(part); len(fields) > 0 && fields[0] != "*" {
				names = append(names, module+"."+fields[0])
			}
		}
	}
	for _, m := range dottedCallPattern.FindAllStringSubmatch(code, -1) {
		names = append(names, m[1])
	}
	return names
}

// SanitizeOutput masks sensitive values and truncates oversized output.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	if g.maxOutputBytes > 0 && len(sanitized) > g.maxOutputBytes {
		dropped := len(sanitized) - g.maxOutputBytes
		sanitized = strings.ToValidUTF8(sanitized[:g.maxOutputBytes], "") + fmt.Sprintf("\n... [truncated %d bytes]", dropped)
	}
	return sanitized
}
