package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/EffortlessMetrics/switchyard/internal/engine"
	"github.com/EffortlessMetrics/switchyard/internal/flowfile"
	"github.com/EffortlessMetrics/switchyard/internal/kernel"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
	"github.com/EffortlessMetrics/switchyard/internal/state"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <flow.yaml>",
		Short: "Execute a flow file to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().StringArray("detour", nil, "extra flow file registered as an interrupt target (repeatable)")
	cmd.Flags().StringArray("param", nil, "run parameter as key=value; value parsed as JSON when possible (repeatable)")
	cmd.Flags().Duration("timeout", 0, "give up waiting after this long (0 = wait forever)")
	cmd.Flags().Bool("quiet", false, "suppress the event stream")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	detours, _ := cmd.Flags().GetStringArray("detour")
	rawParams, _ := cmd.Flags().GetStringArray("param")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	quiet, _ := cmd.Flags().GetBool("quiet")

	params, err := parseParams(rawParams)
	if err != nil {
		return exitError(exitUsage, "%s", err)
	}

	log := newLogger(cmd)
	rt, mainID, err := buildRuntime(cmd, log, append([]string{args[0]}, detours...))
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runID, _, err := rt.CreateRun(ctx, mainID, params)
	if err != nil {
		return exitError(exitFailed, "create run: %s", err)
	}
	log.Info().Str("run_id", runID).Str("flow_id", mainID).Msg("run created")

	if !quiet {
		events, err := rt.SubscribeEvents(ctx, runID, 1)
		if err == nil {
			go printEvents(cmd.OutOrStdout(), events)
		}
	}

	status, err := rt.WaitRun(ctx, runID)
	if err != nil {
		return exitError(exitFailed, "wait for run %s: %s", runID, err)
	}
	return exitForStatus(runID, status)
}

// buildRuntime loads every flow file, stands up the store and kernel, and
// registers the flows. The first path is the main flow; its id is returned.
func buildRuntime(cmd *cobra.Command, log zerolog.Logger, flowPaths []string) (*kernel.Runtime, string, error) {
	stateDir, _ := cmd.Flags().GetString("state-dir")
	store, err := state.NewStore(stateDir)
	if err != nil {
		return nil, "", exitError(exitFailed, "open state dir %s: %s", stateDir, err)
	}

	rt, err := kernel.NewRuntime(kernel.Config{
		Store:    store,
		Executor: engine.SimulatedExecutor{},
		Logger:   log,
	})
	if err != nil {
		return nil, "", exitError(exitFailed, "%s", err)
	}

	mainID := ""
	for i, path := range flowPaths {
		g, err := flowfile.Load(path)
		if err != nil {
			_ = rt.Close()
			return nil, "", exitError(exitUsage, "load %s: %s", path, err)
		}
		if err := rt.RegisterFlow(g); err != nil {
			_ = rt.Close()
			return nil, "", exitError(exitUsage, "register %s: %s", path, err)
		}
		if i == 0 {
			mainID = g.ID
		}
	}
	return rt, mainID, nil
}

// parseParams turns key=value pairs into run params. Values that parse as
// JSON keep their type; everything else stays a string.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for _, pair := range raw {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			params[key] = parsed
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func printEvents(w io.Writer, events <-chan runtime.Event) {
	for ev := range events {
		printEvent(w, ev)
	}
}

func printEvent(w io.Writer, ev runtime.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-22s", ev.TS.Local().Format("15:04:05"), ev.Kind)
	if ev.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", ev.NodeID)
	}
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Payload[k])
	}
	fmt.Fprintln(w, b.String())
}

func exitForStatus(runID string, status runtime.RunStatus) error {
	switch status {
	case runtime.RunSucceeded:
		return nil
	case runtime.RunPartial:
		return exitError(exitPartial, "run %s finished partial", runID)
	case runtime.RunFailed:
		return exitError(exitFailed, "run %s failed", runID)
	case runtime.RunCancelled:
		return exitError(exitCancelled, "run %s cancelled", runID)
	default:
		fmt.Fprintf(os.Stderr, "run %s ended in status %s\n", runID, status)
		return nil
	}
}
