package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/app"
	"github.com/Kocoro-lab/research-orchestrator/internal/formatting"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

var askFlags struct {
	simulated   bool
	maxRegather int
	timeout     time.Duration
	json        bool
	verbose     bool
}

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Research a question and print the report",
	Long: `Run one research task in-process. Phase transitions are printed as
they happen, followed by the Markdown report. The command exits non-zero
when the task fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askFlags.simulated, "simulated", false, "use simulated search results instead of live providers")
	askCmd.Flags().IntVar(&askFlags.maxRegather, "max-regather", -1, "override the re-gather cycle limit")
	askCmd.Flags().DurationVar(&askFlags.timeout, "timeout", 5*time.Minute, "overall deadline for the task")
	askCmd.Flags().BoolVar(&askFlags.json, "json", false, "print the report and diagnostics as JSON")
	askCmd.Flags().BoolVarP(&askFlags.verbose, "verbose", "v", false, "log at the configured level instead of errors only")
	rootCmd.AddCommand(askCmd)
}

type askOutput struct {
	TaskID      string                   `json:"task_id"`
	Status      string                   `json:"status"`
	Report      *knowledge.Report        `json:"report,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Diagnostics orchestrator.Diagnostics `json:"diagnostics"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if askFlags.simulated {
		cfg.Providers.Enabled = []string{"simulated"}
	}
	if askFlags.maxRegather >= 0 {
		cfg.Research.MaxReGatherCycles = askFlags.maxRegather
	}
	// The HTTP surface is not served here.
	cfg.Auth.SkipAuth = true

	level := "error"
	if askFlags.verbose {
		level = cfg.LogLevel
	}
	logger, err := app.NewLogger(level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), askFlags.timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Shutdown finished with errors", zap.Error(err))
		}
	}()

	h, err := a.Orchestrator.Submit(ctx, args[0])
	if err != nil {
		return err
	}
	events, err := h.Subscribe(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for ev := range events {
		if !askFlags.json {
			printEvent(cmd.ErrOrStderr(), ev)
		}
	}

	rep, taskErr := h.Result(ctx)
	if askFlags.json {
		res := askOutput{TaskID: h.ID(), Status: "done", Report: rep, Diagnostics: h.Diagnostics()}
		if taskErr != nil {
			res.Status = "failed"
			res.Error = taskErr.Error()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return taskErr
	}
	if taskErr != nil {
		return taskErr
	}
	_, err = fmt.Fprint(out, formatting.Markdown(rep))
	return err
}

func printEvent(w io.Writer, ev orchestrator.Event) {
	line := fmt.Sprintf("[%d] %s", ev.Seq, ev.Phase)
	if ev.Phase == orchestrator.PhaseGathering {
		line += fmt.Sprintf(" (pass %d)", ev.Pass)
	}
	if ev.Prev != 0 && ev.Outcome != "" && ev.Outcome != "success" {
		line += fmt.Sprintf(" after %s: %s", ev.Prev, ev.Outcome)
		if ev.Reason != "" {
			line += " (" + ev.Reason + ")"
		}
	}
	fmt.Fprintln(w, line)
}
