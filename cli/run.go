package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/sessionflow/catalog"
	"github.com/petal-labs/sessionflow/config"
	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/graph"
	"github.com/petal-labs/sessionflow/loader"
	"github.com/petal-labs/sessionflow/registry"
	"github.com/petal-labs/sessionflow/runtime"
	"github.com/petal-labs/sessionflow/session"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow file as a single session",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("output", "o", "", "Write the session report to file (default: stdout)")
	cmd.Flags().String("format", "pretty", "Output format: json | text | pretty")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate and plan only, do not execute")
	cmd.Flags().Int("concurrency", 0, "Nodes executed in parallel (default from config)")
	cmd.Flags().String("failure-policy", "", "fail_fast | best_effort (default from config)")
	cmd.Flags().String("name", "", "Session name")
	cmd.Flags().String("config", "", "Path to sessionflow.yaml")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable, e.g. --provider-key anthropic=sk-...)")
	cmd.Flags().Bool("stream", false, "Print engine events to stderr as they happen")

	return cmd
}

// runReport is the json output of a finished session.
type runReport struct {
	Session    core.Session            `json:"session"`
	Executions []core.NodeExecution    `json:"executions"`
	Data       []core.SessionDataEntry `json:"data"`
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	cfg, err := resolveRunConfig(cmd)
	if err != nil {
		return err
	}

	reg, builtins := newRegistry(cfg)
	defer func() { _ = builtins.Close() }()

	def, err := loadWorkflowForRun(cmd, filePath, reg)
	if err != nil {
		return err
	}

	if isRunDry(cmd) {
		order, err := planOrder(def)
		if err != nil {
			return exitError(exitValidation, "%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Validation successful. Execution order: %s\n", strings.Join(order, " -> "))
		return nil
	}

	store := catalog.NewMemoryStore()
	if err := store.Create(cmd.Context(), catalog.NewRecord(*def)); err != nil {
		return exitError(exitRuntime, "registering workflow: %v", err)
	}

	mgr, err := newRunManager(cmd, cfg, store, reg)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	sess, err := mgr.CreateSession(cmd.Context(), def.ID, name, "cli")
	if err != nil {
		return exitError(exitRuntime, "creating session: %v", err)
	}

	ctx, cancel, timeout := runContext(cmd)
	defer cancel()

	final, err := mgr.Run(ctx, sess.ID)
	if err != nil {
		return runSessionError(ctx, mgr, timeout, err)
	}

	if err := writeOutput(cmd, mgr, final); err != nil {
		return err
	}
	if final.Status != core.SessionCompleted {
		return exitError(exitRuntime, "session %s: %s", final.Status, final.Error)
	}
	return nil
}

// resolveRunConfig loads the config chain and applies the command's engine
// overrides.
func resolveRunConfig(cmd *cobra.Command) (*config.File, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Resolve(explicit, nil)
	if err != nil {
		return nil, exitError(exitInputParse, "loading config: %v", err)
	}

	providerFlags, _ := cmd.Flags().GetStringArray("provider-key")
	if err := cfg.ApplyProviderFlags(providerFlags); err != nil {
		return nil, exitError(exitProvider, "invalid provider flag: %v", err)
	}

	if cmd.Flags().Changed("concurrency") {
		cfg.Engine.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if cmd.Flags().Changed("failure-policy") {
		cfg.Engine.FailurePolicy, _ = cmd.Flags().GetString("failure-policy")
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitError(exitInputParse, "%v", err)
	}
	return cfg, nil
}

func loadWorkflowForRun(cmd *cobra.Command, filePath string, types graph.TypeChecker) (*graph.Definition, error) {
	def, err := loader.LoadDefinition(filePath, types)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return def, nil
}

func isRunDry(cmd *cobra.Command) bool {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	return dryRun
}

// planOrder returns the node IDs in execution order.
func planOrder(def *graph.Definition) ([]string, error) {
	wf, err := def.ToWorkflow()
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(wf)
	if err != nil {
		return nil, err
	}
	plan, err := g.Plan()
	if err != nil {
		return nil, err
	}
	return plan.Order, nil
}

func newRunManager(cmd *cobra.Command, cfg *config.File, store catalog.Store, reg *registry.Registry) (*session.Manager, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	mc, err := engineConfig(cfg, session.Config{
		Catalog:  store,
		Registry: reg,
		Logger:   config.NewLogger(cmd.ErrOrStderr(), cfg.Log, verbose),
	})
	if err != nil {
		return nil, exitError(exitInputParse, "%v", err)
	}
	if streaming, _ := cmd.Flags().GetBool("stream"); streaming {
		mc.EventHandler = runStreamingEventHandler(cmd.ErrOrStderr())
	}

	mgr, err := session.NewManager(mc)
	if err != nil {
		return nil, exitError(exitRuntime, "creating session manager: %v", err)
	}
	return mgr, nil
}

func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

// runStreamingEventHandler prints one line per event.
func runStreamingEventHandler(out io.Writer) runtime.EventHandler {
	return func(e runtime.Event) {
		line := fmt.Sprintf("[%03d] %s", e.Seq, e.Kind)
		if e.NodeID != "" {
			line += " " + e.NodeID
		}
		if e.Attempt > 1 {
			line += fmt.Sprintf(" (attempt %d)", e.Attempt)
		}
		if msg, ok := e.Payload["error"].(string); ok && msg != "" {
			line += ": " + msg
		}
		fmt.Fprintln(out, line)
	}
}

// runSessionError maps a failed Run call to an exit code. A timed out
// session is cancelled and drained before returning.
func runSessionError(ctx context.Context, mgr *session.Manager, timeout time.Duration, err error) error {
	var cycleErr *core.CycleError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(drainCtx)
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	case errors.As(err, &cycleErr):
		return exitError(exitValidation, "%v", err)
	default:
		return exitError(exitRuntime, "execution failed: %v", err)
	}
}

// writeOutput formats and writes the session report.
func writeOutput(cmd *cobra.Command, mgr *session.Manager, sess core.Session) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	execs, err := mgr.GetNodeExecutions(cmd.Context(), sess.ID)
	if err != nil {
		return exitError(exitRuntime, "reading executions: %v", err)
	}
	data, err := mgr.GetSessionData(cmd.Context(), sess.ID)
	if err != nil {
		return exitError(exitRuntime, "reading session data: %v", err)
	}

	var output string
	switch format {
	case "json":
		report := runReport{Session: sess, Executions: execs, Data: data}
		if report.Executions == nil {
			report.Executions = []core.NodeExecution{}
		}
		if report.Data == nil {
			report.Data = []core.SessionDataEntry{}
		}
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		output = string(raw)
	case "text":
		output = formatText(data)
	case "pretty":
		output = formatPretty(sess, execs, data)
	default:
		return exitError(exitInputParse, "unknown format %q (use json, text, or pretty)", format)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output+"\n"), 0600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// formatText prints key=value lines for the session data, sorted by key.
func formatText(data []core.SessionDataEntry) string {
	sorted := append([]core.SessionDataEntry(nil), data...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	lines := make([]string, 0, len(sorted))
	for _, entry := range sorted {
		lines = append(lines, fmt.Sprintf("%s=%s", entry.Key, compactJSON(entry.Value)))
	}
	return strings.Join(lines, "\n")
}

// formatPretty returns a human-readable summary of the session.
func formatPretty(sess core.Session, execs []core.NodeExecution, data []core.SessionDataEntry) string {
	var sb strings.Builder

	sb.WriteString("=== Session ===\n")
	sb.WriteString(fmt.Sprintf("  ID:       %s\n", sess.ID))
	sb.WriteString(fmt.Sprintf("  Workflow: %s\n", sess.WorkflowID))
	sb.WriteString(fmt.Sprintf("  Status:   %s\n", sess.Status))
	if sess.Error != "" {
		sb.WriteString(fmt.Sprintf("  Error:    %s\n", sess.Error))
	}

	if len(execs) > 0 {
		sb.WriteString(fmt.Sprintf("\n=== Executions (%d) ===\n", len(execs)))
		for _, e := range execs {
			sb.WriteString(fmt.Sprintf("  %-20s %-10s %6dms", e.NodeID, e.Status, e.ExecutionTimeMs))
			if e.RetryCount > 0 {
				sb.WriteString(fmt.Sprintf("  retry %d", e.RetryCount))
			}
			if e.ErrorMessage != "" {
				sb.WriteString("  " + e.ErrorMessage)
			}
			sb.WriteString("\n")
		}
	}

	if len(data) > 0 {
		sb.WriteString(fmt.Sprintf("\n=== Data (%d) ===\n", len(data)))
		sb.WriteString(formatText(data))
		sb.WriteString("\n")
	}

	return sb.String()
}

func compactJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
