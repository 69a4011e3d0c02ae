package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ZanzyTHEbar/codeloop/codeloop/config"
	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

var (
	// ErrNotRunning is returned by Execute before Start.
	ErrNotRunning = errors.New("interpreter not running")
	// ErrInterpreterExited is returned when the interpreter dies while running code.
	ErrInterpreterExited = errors.New("interpreter exited unexpectedly")
)

// Options configures the interpreter manager.
type Options struct {
	// PythonPath is the interpreter binary. Defaults to python3.
	PythonPath string

	// WorkDir is the interpreter's working directory and the root watched for artifacts.
	// Defaults to a fresh temp directory.
	WorkDir string

	// Timeout bounds a single execution. Defaults to 60 seconds.
	Timeout time.Duration

	// StartupTimeout bounds the ready handshake. Defaults to 10 seconds.
	StartupTimeout time.Duration

	// Env holds extra KEY=VALUE pairs for the interpreter.
	Env []string

	// WatchArtifacts reports files created under WorkDir by each execution.
	WatchArtifacts bool

	// IgnorePatterns are gitignore-style patterns excluded from artifacts.
	IgnorePatterns []string

	Logger zerolog.Logger
}

// OptionsFromConfig maps the sandbox config section onto Options.
func OptionsFromConfig(cfg config.SandboxConfig, logger zerolog.Logger) Options {
	return Options{
		PythonPath:     cfg.PythonPath,
		WorkDir:        cfg.WorkDir,
		Timeout:        cfg.Timeout,
		StartupTimeout: cfg.StartupTimeout,
		Env:            cfg.Env,
		WatchArtifacts: cfg.WatchArtifacts,
		IgnorePatterns: cfg.IgnorePatterns,
		Logger:         logger,
	}
}

// Manager runs a persistent Python interpreter and executes code in it, one request at a time.
// Variables defined by one execution are visible to the next until the interpreter restarts.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	logger  zerolog.Logger
	reqID   atomic.Int64
	running atomic.Bool
	started bool

	bootstrapPath string
	proc          *process
	watcher       *ArtifactWatcher
}

// process is one interpreter subprocess and its pipe readers.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan lineResult
	quit   chan struct{} // closed to release the readers
	done   chan struct{} // closed after the process exited
	stderr *tailBuffer
	wg     conc.WaitGroup

	exitErr  error
	quitOnce sync.Once
}

type lineResult struct {
	line []byte
	err  error
}

// NewManager creates a manager. The interpreter is not started until Start.
func NewManager(opts Options) (*Manager, error) {
	if opts.PythonPath == "" {
		opts.PythonPath = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 10 * time.Second
	}

	if opts.WorkDir == "" {
		dir, err := os.MkdirTemp("", "codeloop-work-*")
		if err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
		opts.WorkDir = dir
	} else if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	if _, err := exec.LookPath(opts.PythonPath); err != nil {
		return nil, fmt.Errorf("python interpreter %q: %w", opts.PythonPath, err)
	}

	return &Manager{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "sandbox").Logger(),
	}, nil
}

// WorkDir returns the interpreter's working directory.
func (m *Manager) WorkDir() string { return m.opts.WorkDir }

// Start launches the interpreter and waits for its ready handshake.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return fmt.Errorf("interpreter already running")
	}
	if m.opts.WatchArtifacts && m.watcher == nil {
		w, err := NewArtifactWatcher(m.opts.WorkDir, m.opts.IgnorePatterns, m.logger)
		if err != nil {
			return err
		}
		m.watcher = w
	}
	if err := m.startLocked(ctx); err != nil {
		return err
	}
	m.started = true
	return nil
}

func (m *Manager) startLocked(ctx context.Context) error {
	if m.bootstrapPath == "" {
		path, err := extractBootstrap()
		if err != nil {
			return err
		}
		m.bootstrapPath = path
	}

	// exec.Command rather than CommandContext: the interpreter outlives the start context.
	cmd := exec.Command(m.opts.PythonPath, "-u", m.bootstrapPath)
	cmd.Dir = m.opts.WorkDir
	cmd.Env = append(os.Environ(),
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
		"MPLBACKEND=Agg",
	)
	cmd.Env = append(cmd.Env, m.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start interpreter: %w", err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan lineResult, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		stderr: newTailBuffer(20),
	}
	p.wg.Go(func() { p.readStdout(stdout) })
	p.wg.Go(func() { p.readStderr(stderr, m.logger) })
	go func() {
		// Wait must follow the pipe readers
		p.wg.Wait()
		err := cmd.Wait()
		if err == nil {
			err = errors.New("exit status 0")
		}
		p.exitErr = err
		m.running.Store(false)
		close(p.done)
	}()

	m.proc = p
	m.running.Store(true)

	startCtx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()
	if err := m.waitReady(startCtx, p); err != nil {
		m.killLocked()
		return fmt.Errorf("wait ready: %w", err)
	}
	m.logger.Info().Int("pid", cmd.Process.Pid).Str("work_dir", m.opts.WorkDir).Msg("Interpreter started")
	return nil
}

func (p *process) readStdout(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case p.lines <- lineResult{line: line}:
			case <-p.quit:
				io.Copy(io.Discard, br)
				return
			}
		}
		if err != nil {
			select {
			case p.lines <- lineResult{err: err}:
			case <-p.quit:
			}
			return
		}
	}
}

func (p *process) readStderr(r io.Reader, logger zerolog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.stderr.add(sc.Text())
		logger.Debug().Str("stderr", sc.Text()).Msg("Interpreter output")
	}
}

func (p *process) release() {
	p.quitOnce.Do(func() { close(p.quit) })
}

// waitReady reads the handshake line.
func (m *Manager) waitReady(ctx context.Context, p *process) error {
	select {
	case r := <-p.lines:
		if r.err != nil {
			return fmt.Errorf("read ready: %w (stderr: %s)", r.err, p.stderr.String())
		}
		resp, err := decodeResponse(r.line)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	case <-p.done:
		return fmt.Errorf("%w: %v (stderr: %s)", ErrInterpreterExited, p.exitErr, p.stderr.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether an interpreter process is alive.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Execute runs code in the interpreter. Exceptions raised by the code are reported in
// the result's Failure; an execution that exceeds the timeout is reported the same way
// after the interpreter is restarted. Errors are returned only when the interpreter
// itself failed or ctx was cancelled.
func (m *Manager) Execute(ctx context.Context, code string) (ports.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ports.ExecutionResult{}, ErrNotRunning
	}
	if !m.running.Load() {
		m.logger.Warn().Msg("Interpreter is down, restarting")
		if err := m.startLocked(ctx); err != nil {
			return ports.ExecutionResult{}, fmt.Errorf("restart interpreter: %w", err)
		}
	}

	if m.watcher != nil {
		m.watcher.Begin()
	}
	res, err := m.executeLocked(ctx, code)
	var artifacts []ports.Artifact
	if m.watcher != nil {
		artifacts = m.watcher.End()
	}
	if err != nil {
		return ports.ExecutionResult{}, err
	}
	res.Artifacts = artifacts
	return res, nil
}

func (m *Manager) executeLocked(ctx context.Context, code string) (ports.ExecutionResult, error) {
	p := m.proc
	id := m.reqID.Add(1)
	req, err := encodeRequest(id, MethodExecute, ExecuteParams{Code: code})
	if err != nil {
		return ports.ExecutionResult{}, fmt.Errorf("encode request: %w", err)
	}

	start := time.Now()
	if _, err := p.stdin.Write(req); err != nil {
		m.killLocked()
		return ports.ExecutionResult{}, fmt.Errorf("write request: %w", err)
	}

	resp, err := m.await(ctx, p, id, m.opts.Timeout)
	switch {
	case errors.Is(err, errExecutionTimeout):
		m.logger.Warn().Dur("timeout", m.opts.Timeout).Msg("Execution timed out, restarting interpreter")
		m.killLocked()
		if rerr := m.startLocked(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Error().Err(rerr).Msg("Failed to restart interpreter")
		}
		return ports.ExecutionResult{
			Failure:  fmt.Sprintf("TimeoutError: execution did not finish within %s; the interpreter was restarted and all variables were lost", m.opts.Timeout),
			Duration: time.Since(start),
		}, nil
	case err != nil:
		m.killLocked()
		return ports.ExecutionResult{}, err
	case resp.Error != nil:
		return ports.ExecutionResult{}, resp.Error
	}

	out, err := decodeExecuteResult(resp.Result)
	if err != nil {
		return ports.ExecutionResult{}, err
	}
	if out.Stderr != "" {
		m.logger.Debug().Str("stderr", out.Stderr).Msg("Execution wrote to stderr")
	}
	return ports.ExecutionResult{
		Stdout:   out.Stdout,
		Value:    out.Value,
		Failure:  out.Error,
		Duration: time.Duration(out.DurationMs) * time.Millisecond,
	}, nil
}

var errExecutionTimeout = errors.New("execution timeout")

// await reads lines until the response with id arrives. Stale responses are skipped.
func (m *Manager) await(ctx context.Context, p *process, id int64, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case r := <-p.lines:
			if r.err != nil {
				<-p.done
				return nil, fmt.Errorf("%w: %v: %s", ErrInterpreterExited, p.exitErr, p.stderr.String())
			}
			resp, err := decodeResponse(r.line)
			if err != nil {
				return nil, err
			}
			if resp.ID != id {
				m.logger.Debug().Int64("id", resp.ID).Int64("want", id).Msg("Skipping stale response")
				continue
			}
			return resp, nil
		case <-p.done:
			return nil, fmt.Errorf("%w: %v: %s", ErrInterpreterExited, p.exitErr, p.stderr.String())
		case <-timer.C:
			return nil, errExecutionTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reset clears every variable in the interpreter's namespace.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return ErrNotRunning
	}
	id := m.reqID.Add(1)
	req, err := encodeRequest(id, MethodReset, nil)
	if err != nil {
		return err
	}
	if _, err := m.proc.stdin.Write(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	resp, err := m.await(ctx, m.proc, id, m.opts.StartupTimeout)
	if err != nil {
		m.killLocked()
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Stop shuts the interpreter down, killing it if it does not exit in time.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = false
	if m.running.Load() {
		if req, err := encodeRequest(0, MethodShutdown, nil); err == nil {
			m.proc.stdin.Write(req)
		}
		m.proc.stdin.Close()
		select {
		case <-m.proc.done:
		case <-time.After(5 * time.Second):
		}
		m.killLocked()
	}

	var errs []error
	if m.watcher != nil {
		errs = append(errs, m.watcher.Close())
		m.watcher = nil
	}
	if m.bootstrapPath != "" {
		errs = append(errs, os.RemoveAll(filepath.Dir(m.bootstrapPath)))
		m.bootstrapPath = ""
	}
	m.logger.Info().Msg("Interpreter stopped")
	return errors.Join(errs...)
}

// killLocked terminates the current process and waits for it to be reaped.
func (m *Manager) killLocked() {
	p := m.proc
	if p == nil {
		return
	}
	m.running.Store(false)
	p.release()
	p.stdin.Close()
	select {
	case <-p.done:
	default:
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			m.logger.Warn().Msg("Interpreter did not exit after kill")
		}
	}
	m.proc = nil
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == t.n {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

var _ ports.Sandbox = (*Manager)(nil)
