package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/sessionflow/graph"
	"github.com/petal-labs/sessionflow/loader"
	"github.com/petal-labs/sessionflow/registry"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workflow files without executing",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

// fileReport is the validation result of one file.
type fileReport struct {
	File        string             `json:"file"`
	Valid       bool               `json:"valid"`
	Order       []string           `json:"order,omitempty"`
	Diagnostics []graph.Diagnostic `json:"diagnostics"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	reg, builtins := newRegistry(nil)
	defer func() { _ = builtins.Close() }()

	reports := make([]fileReport, 0, len(args))
	for _, filePath := range args {
		data, err := os.ReadFile(filePath) // #nosec G304 -- path from user CLI arg
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return exitError(exitFileNotFound, "file not found: %s", filePath)
			}
			return fmt.Errorf("reading file: %w", err)
		}
		reports = append(reports, validateFile(reg, data, filePath, strict))
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)
	} else {
		for i, r := range reports {
			if len(reports) > 1 {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "==> %s\n", r.File)
			}
			printDiagnosticsText(out, r.Diagnostics)
			if len(r.Order) > 0 {
				fmt.Fprintf(out, "Execution order: %s\n", strings.Join(r.Order, " -> "))
			}
		}
	}

	for _, r := range reports {
		if !r.Valid {
			return exitError(exitValidation, "validation failed")
		}
	}
	return nil
}

// validateFile decodes a workflow file and checks it against the builtin
// node types. Decode failures are reported as a WF-000 diagnostic.
func validateFile(reg *registry.Registry, data []byte, filePath string, strict bool) fileReport {
	report := fileReport{File: filePath, Diagnostics: []graph.Diagnostic{}}

	def, err := loader.Decode(data, loader.DetectFormat(data, filePath))
	if err != nil {
		report.Diagnostics = append(report.Diagnostics, graph.Diagnostic{
			Code:     "WF-000",
			Severity: graph.SeverityError,
			Message:  fmt.Sprintf("Failed to parse file: %v", err),
		})
		return report
	}

	report.Diagnostics = append(report.Diagnostics, def.ValidateWithRegistry(reg)...)
	hasWarns := len(graph.Warnings(report.Diagnostics)) > 0
	report.Valid = !graph.HasErrors(report.Diagnostics) && !(strict && hasWarns)
	if report.Valid {
		report.Order, _ = planOrder(def)
	}
	return report
}

// printDiagnosticsText writes diagnostics as formatted text lines followed by
// a summary. Used by both the validate and run commands.
func printDiagnosticsText(w io.Writer, diags []graph.Diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Path != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Path)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := graph.Errors(diags)
	warns := graph.Warnings(diags)

	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0 && len(warns) > 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
