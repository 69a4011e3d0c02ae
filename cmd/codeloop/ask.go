package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/codeloop/codeloop/config"
	"github.com/ZanzyTHEbar/codeloop/codeloop/db"
	"github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness"
	"github.com/ZanzyTHEbar/codeloop/codeloop/generation/models"
	"github.com/ZanzyTHEbar/codeloop/codeloop/sandbox"
)

var (
	askModel     string
	askNoPersist bool
	askShowCode  bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question; Python in the answer is executed and explained",
	Long: `Ask the model a question. Without an argument, questions are read from stdin,
one per line, and answered in the same interpreter session.

Example:
  codeloop ask "plot sin(x) to sin.png" --model ~/models/gemma-2b-it.gguf
  echo "how many primes are below 10000?" | codeloop ask`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "GGUF model path (overrides llm.model_path)")
	askCmd.Flags().BoolVar(&askNoPersist, "no-persist", false, "Do not store the conversation")
	askCmd.Flags().BoolVar(&askShowCode, "show-code", true, "Print code before it runs")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if askModel != "" {
		cfg.LLM.ModelPath = askModel
	}
	if cfg.LLM.ModelPath == "" {
		return fmt.Errorf("no model configured: set llm.model_path or pass --model")
	}

	var conn *sql.DB
	if cfg.App.Persist && !askNoPersist {
		if err := os.MkdirAll(cfg.App.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		conn, err = db.Open(ctx, cfg.App.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer conn.Close()
	}

	provider, err := models.NewGGUFProvider(models.ConfigFromLLM(cfg.LLM))
	if err != nil {
		return fmt.Errorf("creating model provider: %w", err)
	}
	defer provider.Close()
	defer logEngineHealth(logger, provider)
	if err := provider.Load(ctx, func(status string) {
		logger.Info().Msg(status)
	}); err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	logEngineConfig(logger, provider)

	box, err := startSandbox(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer box.Stop()

	controller, err := harness.NewFactory(cfg, conn, logger).CreateTurnController(provider, box)
	if err != nil {
		return fmt.Errorf("building turn controller: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return askOnce(ctx, controller, args[0], out)
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if err := askOnce(ctx, controller, question, out); err != nil {
			if ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "\033[31m[error]\033[0m %v\n", err)
		}
	}
	return scanner.Err()
}

func startSandbox(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sandbox.Manager, error) {
	box, err := sandbox.NewManager(sandbox.OptionsFromConfig(cfg.Sandbox, logger))
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	if err := box.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}
	return box, nil
}

// engineInfo is the reporting side of the model provider.
type engineInfo interface {
	GetConfig() *models.GGUFModelConfig
	GetHealth() *models.ModelHealth
}

func logEngineConfig(logger zerolog.Logger, engine engineInfo) {
	c := engine.GetConfig()
	logger.Info().
		Str("model", c.ModelPath).
		Str("template", c.ChatTemplate).
		Int("context_size", c.ContextSize).
		Int("pool_size", c.PoolSize).
		Int("gpu_layers", c.GPULayers).
		Msg("Model loaded")
}

func logEngineHealth(logger zerolog.Logger, engine engineInfo) {
	h := engine.GetHealth()
	ev := logger.Debug()
	if !h.IsHealthy {
		ev = logger.Warn().Strs("errors", h.ErrorMessages)
	}
	ev.Int64("calls", h.TotalCalls).
		Int64("failures", h.FailureCalls).
		Float64("success_rate", h.SuccessRate).
		Dur("avg_latency", h.AverageLatency).
		Msg("Model session summary")
}

// askOnce runs one turn and renders its events as they arrive.
func askOnce(ctx context.Context, controller *harness.TurnController, question string, out io.Writer) error {
	r := &renderer{out: out, showCode: askShowCode}
	var last harness.Event
	for ev := range controller.HandleTurn(ctx, question) {
		r.render(ev)
		last = ev
	}
	if last.Kind != harness.EventDone {
		return ctx.Err()
	}
	switch last.State {
	case harness.StateErrored, harness.StateCancelled, harness.StateGaveUp:
		return last.Err
	}
	return nil
}

// renderer prints streamed text incrementally; events carry the accumulated text.
type renderer struct {
	out      io.Writer
	showCode bool
	printed  int
}

func (r *renderer) stream(text string) {
	if len(text) < r.printed {
		r.printed = 0
	}
	fmt.Fprint(r.out, text[r.printed:])
	r.printed = len(text)
}

func (r *renderer) endStream() {
	if r.printed > 0 {
		fmt.Fprintln(r.out)
	}
	r.printed = 0
}

func (r *renderer) render(ev harness.Event) {
	switch ev.Kind {
	case harness.EventResultUpdating, harness.EventExplanationUpdating:
		r.stream(ev.Text)
	case harness.EventAnswer, harness.EventExplanation:
		r.stream(ev.Text)
		r.endStream()
		if ev.Usage != nil {
			fmt.Fprintf(r.out, "\033[90m[%d tokens, %.1f tok/s]\033[0m\n", ev.Usage.TotalTokens, ev.Usage.DecodeTokensPerSecond)
		}
	case harness.EventCodeDetected:
		if r.showCode {
			fmt.Fprintf(r.out, "\033[36m[code]\033[0m\n%s\n", ev.Code)
		}
	case harness.EventExecuting:
		if ev.Attempt > 0 {
			fmt.Fprintf(r.out, "\033[36m[running, attempt %d]\033[0m\n", ev.Attempt+1)
		} else {
			fmt.Fprintln(r.out, "\033[36m[running]\033[0m")
		}
	case harness.EventExecutionSucceeded:
		if ev.Text != "" {
			fmt.Fprintf(r.out, "\033[32m[output]\033[0m\n%s\n", ev.Text)
		}
		for _, a := range ev.Artifacts {
			fmt.Fprintf(r.out, "\033[32m[file]\033[0m %s (%d bytes)\n", a.Name, a.Size)
		}
	case harness.EventExecutionFailed:
		fmt.Fprintf(r.out, "\033[31m[failed]\033[0m\n%s\n", ev.Text)
	case harness.EventRecovering:
		fmt.Fprintln(r.out, "\033[33m[asking the model for a fix]\033[0m")
	case harness.EventError:
		r.endStream()
		fmt.Fprintf(r.out, "\033[31m[error]\033[0m %s\n", ev.Text)
	case harness.EventDone:
		r.endStream()
	}
}
