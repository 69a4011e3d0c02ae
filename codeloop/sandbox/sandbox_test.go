package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func startManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	requirePython(t)
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	opts.Logger = zerolog.Nop()

	m, err := NewManager(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestManager_StartStop(t *testing.T) {
	m := startManager(t, Options{})
	assert.True(t, m.Running())

	require.NoError(t, m.Stop())
	assert.False(t, m.Running())

	_, err := m.Execute(context.Background(), "1")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestManager_Execute(t *testing.T) {
	m := startManager(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Final expression value
	res, err := m.Execute(ctx, "1 + 1")
	require.NoError(t, err)
	assert.Equal(t, "2", res.Value)
	assert.Empty(t, res.Stdout)
	assert.False(t, res.Failed())

	// Print has no value
	res, err = m.Execute(ctx, "print(2+2)")
	require.NoError(t, err)
	assert.Equal(t, "4\n", res.Stdout)
	assert.Equal(t, "None", res.Value)

	// State persists between executions
	_, err = m.Execute(ctx, "x = 10\ny = 20")
	require.NoError(t, err)
	res, err = m.Execute(ctx, "print('sum')\nx + y")
	require.NoError(t, err)
	assert.Equal(t, "sum\n", res.Stdout)
	assert.Equal(t, "30", res.Value)

	// Strings come back as repr
	res, err = m.Execute(ctx, "'hi'")
	require.NoError(t, err)
	assert.Equal(t, "'hi'", res.Value)
}

func TestManager_ExecuteFailures(t *testing.T) {
	m := startManager(t, Options{})
	ctx := context.Background()

	res, err := m.Execute(ctx, "print('before')\n1/0")
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Failure, "ZeroDivisionError: division by zero")
	assert.Contains(t, res.Failure, "<cell>")
	assert.NotContains(t, res.Failure, "bootstrap.py")

	res, err = m.Execute(ctx, "def broken(:\n  pass")
	require.NoError(t, err)
	assert.Contains(t, res.Failure, "SyntaxError")

	// The interpreter survives both
	res, err = m.Execute(ctx, "'still alive'")
	require.NoError(t, err)
	assert.Equal(t, "'still alive'", res.Value)
}

func TestManager_TimeoutRestarts(t *testing.T) {
	m := startManager(t, Options{Timeout: 500 * time.Millisecond})
	ctx := context.Background()

	_, err := m.Execute(ctx, "kept = 1")
	require.NoError(t, err)

	res, err := m.Execute(ctx, "import time\ntime.sleep(30)")
	require.NoError(t, err)
	assert.Contains(t, res.Failure, "TimeoutError")
	assert.True(t, m.Running())

	res, err = m.Execute(ctx, "'kept' in globals()")
	require.NoError(t, err)
	assert.Equal(t, "False", res.Value, "restart loses interpreter state")
}

func TestManager_CancelThenRecover(t *testing.T) {
	m := startManager(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := m.Execute(ctx, "import time\ntime.sleep(30)")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res, err := m.Execute(context.Background(), "2 * 21")
	require.NoError(t, err)
	assert.Equal(t, "42", res.Value)
}

func TestManager_InterpreterExit(t *testing.T) {
	m := startManager(t, Options{})

	_, err := m.Execute(context.Background(), "import os\nos._exit(3)")
	assert.True(t, errors.Is(err, ErrInterpreterExited), "got %v", err)

	res, err := m.Execute(context.Background(), "'back'")
	require.NoError(t, err)
	assert.Equal(t, "'back'", res.Value)
}

func TestManager_Reset(t *testing.T) {
	m := startManager(t, Options{})
	ctx := context.Background()

	_, err := m.Execute(ctx, "secret = 42")
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx))

	res, err := m.Execute(ctx, "secret")
	require.NoError(t, err)
	assert.Contains(t, res.Failure, "NameError")
}

func TestManager_Artifacts(t *testing.T) {
	dir := t.TempDir()
	m := startManager(t, Options{
		WorkDir:        dir,
		WatchArtifacts: true,
		IgnorePatterns: []string{"*.tmp"},
	})

	code := "with open('report.csv', 'w') as f:\n    f.write('a,b\\n1,2\\n')\n" +
		"open('scratch.tmp', 'w').close()"
	res, err := m.Execute(context.Background(), code)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "report.csv", res.Artifacts[0].Name)
	assert.EqualValues(t, 8, res.Artifacts[0].Size)

	_, statErr := os.Stat(filepath.Join(dir, "report.csv"))
	assert.NoError(t, statErr)

	// Nothing new the second time
	res, err = m.Execute(context.Background(), "1")
	require.NoError(t, err)
	assert.Empty(t, res.Artifacts)
}

func TestNewManager_MissingInterpreter(t *testing.T) {
	_, err := NewManager(Options{PythonPath: "definitely-not-python-3", WorkDir: t.TempDir()})
	assert.Error(t, err)
}
