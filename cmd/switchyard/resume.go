package main

import (
	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Reattach to a checkpointed run and drive it to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	cmd.Flags().StringArray("flow", nil, "flow file for the run's flow and any detour flows (repeatable, required)")
	cmd.Flags().Bool("quiet", false, "suppress the event stream")
	return cmd
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]
	flowPaths, _ := cmd.Flags().GetStringArray("flow")
	quiet, _ := cmd.Flags().GetBool("quiet")
	if len(flowPaths) == 0 {
		return exitError(exitUsage, "at least one --flow file is required")
	}

	log := newLogger(cmd)
	rt, _, err := buildRuntime(cmd, log, flowPaths)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx := cmd.Context()
	if _, err := rt.ResumeRun(ctx, runID); err != nil {
		return exitError(exitFailed, "resume run %s: %s", runID, err)
	}
	log.Info().Str("run_id", runID).Msg("run resumed")

	if !quiet {
		events, err := rt.SubscribeEvents(ctx, runID, 0)
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
