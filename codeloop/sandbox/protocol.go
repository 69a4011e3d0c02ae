// Package sandbox runs model-written Python in a persistent interpreter subprocess.
package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request is one JSON line sent to the interpreter.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON line read back from the interpreter.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is a protocol-level error reported by the interpreter host.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("interpreter error %d: %s", e.Code, e.Message)
}

// Error codes for interpreter responses.
const (
	ErrCodeParse    = -32700 // Invalid JSON
	ErrCodeMethod   = -32601 // Method not found
	ErrCodeParams   = -32602 // Invalid params
	ErrCodeInternal = -32603 // Internal error
)

// Methods understood by bootstrap.py.
const (
	MethodExecute  = "execute"
	MethodReset    = "reset"
	MethodPing     = "ping"
	MethodShutdown = "shutdown"
)

// ExecuteParams contains parameters for the "execute" method.
type ExecuteParams struct {
	Code string `json:"code"`
}

// ExecuteResult is the payload of a successful "execute" response.
type ExecuteResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Value      string `json:"value"`           // repr of the last expression, "None" if absent
	Error      string `json:"error,omitempty"` // traceback when the code raised
	DurationMs int64  `json:"duration_ms"`
}

// ReadyResult is the payload of the handshake line sent at startup.
type ReadyResult struct {
	Ready   bool   `json:"ready"`
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

// responseSchema describes every line the interpreter may write.
const responseSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "integer"},
    "result": {"type": "object"},
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": {"type": "integer"},
        "message": {"type": "string"}
      }
    }
  },
  "oneOf": [
    {"required": ["result"]},
    {"required": ["error"]}
  ]
}`

// executeSchema describes the result payload of "execute".
const executeSchema = `{
  "type": "object",
  "required": ["stdout", "value", "duration_ms"],
  "properties": {
    "stdout": {"type": "string"},
    "stderr": {"type": "string"},
    "value": {"type": "string"},
    "error": {"type": "string"},
    "duration_ms": {"type": "integer", "minimum": 0}
  }
}`

var (
	responseValidator = mustSchema(responseSchema)
	executeValidator  = mustSchema(executeSchema)
)

func mustSchema(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("sandbox: invalid schema: %v", err))
	}
	return s
}

// validate checks data against schema and joins every violation into one error.
func validate(schema *gojsonschema.Schema, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// encodeRequest creates a newline-terminated JSON request.
func encodeRequest(id int64, method string, params any) ([]byte, error) {
	req := Request{
		ID:     id,
		Method: method,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = p
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeResponse validates and parses a response line.
func decodeResponse(line []byte) (*Response, error) {
	if err := validate(responseValidator, line); err != nil {
		return nil, fmt.Errorf("malformed response %q: %w", truncate(line, 200), err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// decodeExecuteResult validates and parses the result of an "execute" response.
func decodeExecuteResult(raw json.RawMessage) (*ExecuteResult, error) {
	if err := validate(executeValidator, raw); err != nil {
		return nil, fmt.Errorf("malformed execute result: %w", err)
	}
	var res ExecuteResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
