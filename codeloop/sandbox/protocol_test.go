package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	data, err := encodeRequest(7, MethodExecute, ExecuteParams{Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var req Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, int64(7), req.ID)
	assert.Equal(t, MethodExecute, req.Method)
	assert.JSONEq(t, `{"code":"print(1)"}`, string(req.Params))

	data, err = encodeRequest(8, MethodShutdown, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "params")
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{"result", `{"id": 1, "result": {"ready": true}}`, false},
		{"error", `{"id": 2, "error": {"code": -32601, "message": "unknown method"}}`, false},
		{"not json", `Traceback (most recent call last):`, true},
		{"missing id", `{"result": {}}`, true},
		{"neither result nor error", `{"id": 3}`, true},
		{"both result and error", `{"id": 4, "result": {}, "error": {"code": 1, "message": "x"}}`, true},
		{"error without message", `{"id": 5, "error": {"code": 1}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeResponse([]byte(tt.line + "\n"))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, resp.ID)
		})
	}

	resp, err := decodeResponse([]byte(`{"id": 2, "error": {"code": -32601, "message": "unknown method"}}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethod, resp.Error.Code)
	assert.Contains(t, resp.Error.Error(), "unknown method")
}

func TestDecodeExecuteResult(t *testing.T) {
	res, err := decodeExecuteResult(json.RawMessage(`{"stdout": "4\n", "stderr": "", "value": "None", "error": "", "duration_ms": 3}`))
	require.NoError(t, err)
	assert.Equal(t, "4\n", res.Stdout)
	assert.Equal(t, "None", res.Value)
	assert.Equal(t, int64(3), res.DurationMs)

	_, err = decodeExecuteResult(json.RawMessage(`{"stdout": 4, "value": "None", "duration_ms": 3}`))
	assert.Error(t, err)
	_, err = decodeExecuteResult(json.RawMessage(`{"stdout": "", "value": "None", "duration_ms": -1}`))
	assert.Error(t, err)
}

func TestExtractBootstrap(t *testing.T) {
	path, err := extractBootstrap()
	require.NoError(t, err)
	defer os.RemoveAll(filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, embeddedBootstrap, data)
}

func TestArtifactWatcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "before.txt"), []byte("old"), 0o644))

	w, err := NewArtifactWatcher(dir, []string{"__pycache__/", "*.pyc"}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	// Writes outside a capture are not reported
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outside.txt"), []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)

	w.Begin()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plot.png"), []byte("png!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache.pyc"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out", "nested", "data.json"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "__pycache__", "m.cpython.pyc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gone.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.txt")))
	time.Sleep(50 * time.Millisecond)
	artifacts := w.End()

	var names []string
	for _, a := range artifacts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"out/nested/data.json", "plot.png"}, names)
	assert.EqualValues(t, 4, artifacts[1].Size)
}
