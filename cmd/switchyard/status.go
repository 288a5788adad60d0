package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/EffortlessMetrics/switchyard/internal/state"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Inspect checkpointed runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "print the full run state as JSON")
	cmd.Flags().Uint64("events", 0, "also print the event log from this sequence (0 = skip)")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	stateDir, _ := cmd.Flags().GetString("state-dir")
	store, err := state.NewStore(stateDir)
	if err != nil {
		return exitError(exitFailed, "open state dir %s: %s", stateDir, err)
	}

	if len(args) == 0 {
		return listRunStatuses(cmd, store)
	}
	return printRunStatus(cmd, store, args[0])
}

func listRunStatuses(cmd *cobra.Command, store *state.Store) error {
	ids, err := store.ListRuns()
	if err != nil {
		return exitError(exitFailed, "list runs: %s", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tFLOW\tSTATUS\tSTEPS\tNODE\tUPDATED")
	for _, id := range ids {
		st, _, err := store.LoadState(id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t(unreadable: %s)\t-\t-\t-\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			st.RunID, st.FlowID, st.Status, st.StepCount, st.CurrentNodeID,
			st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func printRunStatus(cmd *cobra.Command, store *state.Store, runID string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	fromSeq, _ := cmd.Flags().GetUint64("events")

	st, etag, err := store.LoadState(runID)
	if err != nil {
		return exitError(exitFailed, "load run %s: %s", runID, err)
	}
	out := cmd.OutOrStdout()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return exitError(exitFailed, "encode state: %s", err)
		}
	} else {
		fmt.Fprintf(out, "run:      %s\n", st.RunID)
		fmt.Fprintf(out, "flow:     %s\n", st.FlowID)
		fmt.Fprintf(out, "status:   %s\n", st.Status)
		fmt.Fprintf(out, "node:     %s\n", st.CurrentNodeID)
		fmt.Fprintf(out, "steps:    %d\n", st.StepCount)
		fmt.Fprintf(out, "stack:    %d deep\n", len(st.InterruptionStack))
		fmt.Fprintf(out, "etag:     %s\n", etag)
		fmt.Fprintf(out, "updated:  %s\n", st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		if st.NextNeedsHuman {
			fmt.Fprintln(out, "flag:     needs human attention")
		}
	}

	if fromSeq > 0 {
		events, err := store.ReadEvents(runID, fromSeq)
		if err != nil {
			return exitError(exitFailed, "read events: %s", err)
		}
		for _, ev := range events {
			printEvent(out, ev)
		}
	}
	return nil
}
