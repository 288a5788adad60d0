package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/EffortlessMetrics/switchyard/internal/flowfile"
	"github.com/EffortlessMetrics/switchyard/internal/validate"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <flow.yaml>...",
		Short: "Lint flow files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().String("format", "text", "output format (text, json)")
	cmd.Flags().Bool("strict", false, "treat warnings as errors")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	if format != "text" && format != "json" {
		return exitError(exitUsage, "unknown format %q, want text or json", format)
	}

	out := cmd.OutOrStdout()
	failed := false
	results := map[string][]validate.Diagnostic{}
	for _, path := range args {
		g, err := flowfile.Load(path)
		if err != nil {
			if format == "text" {
				fmt.Fprintf(out, "%s: %s\n", path, err)
			} else {
				results[path] = []validate.Diagnostic{{
					Rule: "parse", Severity: validate.SeverityError, Message: err.Error(),
				}}
			}
			failed = true
			continue
		}
		diags := validate.Validate(g)
		results[path] = diags
		for _, d := range diags {
			if d.Severity == validate.SeverityError || (strict && d.Severity == validate.SeverityWarning) {
				failed = true
			}
		}
		if format == "text" {
			printDiagnosticsText(out, path, diags)
		}
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return exitError(exitFailed, "encode diagnostics: %s", err)
		}
	}
	if failed {
		return exitError(exitFailed, "")
	}
	return nil
}

func printDiagnosticsText(w io.Writer, path string, diags []validate.Diagnostic) {
	if len(diags) == 0 {
		fmt.Fprintf(w, "%s: ok\n", path)
		return
	}
	errors, warnings := 0, 0
	for _, d := range diags {
		loc := ""
		switch {
		case d.NodeID != "":
			loc = " node " + d.NodeID
		case d.EdgeID != "":
			loc = " edge " + d.EdgeID
		}
		fmt.Fprintf(w, "%s:%s %s [%s] %s\n", path, loc, d.Severity, d.Rule, d.Message)
		if d.Fix != "" {
			fmt.Fprintf(w, "  fix: %s\n", d.Fix)
		}
		switch d.Severity {
		case validate.SeverityError:
			errors++
		case validate.SeverityWarning:
			warnings++
		}
	}
	fmt.Fprintf(w, "%s: %d %s, %d %s\n",
		path, errors, pluralize("error", errors), warnings, pluralize("warning", warnings))
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
