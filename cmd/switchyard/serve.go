package main

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/EffortlessMetrics/switchyard/internal/bus"
	"github.com/EffortlessMetrics/switchyard/internal/engine"
	"github.com/EffortlessMetrics/switchyard/internal/flowfile"
	"github.com/EffortlessMetrics/switchyard/internal/kernel"
	"github.com/EffortlessMetrics/switchyard/internal/server"
	"github.com/EffortlessMetrics/switchyard/internal/state"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run control API over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", ":8484", "listen address")
	cmd.Flags().StringArray("flow", nil, "flow file to register at startup (repeatable)")
	cmd.Flags().String("events-db", "", "sqlite path for the durable event mirror (empty = disabled)")
	cmd.Flags().Duration("events-retention", 0, "delete mirrored events older than this (0 = keep forever)")
	cmd.Flags().Duration("engine-timeout", 0, "per-step engine deadline (0 = none)")
	cmd.Flags().Duration("heartbeat", 10*time.Second, "heartbeat spacing during long engine calls (0 = disabled)")
	cmd.Flags().Bool("resume", false, "reattach to non-terminal runs found in the state dir")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	flowPaths, _ := cmd.Flags().GetStringArray("flow")
	eventsDB, _ := cmd.Flags().GetString("events-db")
	retention, _ := cmd.Flags().GetDuration("events-retention")
	engineTimeout, _ := cmd.Flags().GetDuration("engine-timeout")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	resumeAll, _ := cmd.Flags().GetBool("resume")

	log := newLogger(cmd)
	stateDir, _ := cmd.Flags().GetString("state-dir")
	store, err := state.NewStore(stateDir)
	if err != nil {
		return exitError(exitFailed, "open state dir %s: %s", stateDir, err)
	}

	cfg := kernel.Config{
		Store:             store,
		Executor:          engine.SimulatedExecutor{},
		Logger:            log,
		EngineTimeout:     engineTimeout,
		HeartbeatInterval: heartbeat,
	}
	if eventsDB != "" {
		es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:          eventsDB,
			RetentionAge: retention,
		})
		if err != nil {
			return exitError(exitFailed, "open event store %s: %s", eventsDB, err)
		}
		cfg.EventStore = es
	}

	rt, err := kernel.NewRuntime(cfg)
	if err != nil {
		return exitError(exitFailed, "%s", err)
	}

	for _, path := range flowPaths {
		g, err := flowfile.Load(path)
		if err != nil {
			_ = rt.Close()
			return exitError(exitUsage, "load %s: %s", path, err)
		}
		if err := rt.RegisterFlow(g); err != nil {
			_ = rt.Close()
			return exitError(exitUsage, "register %s: %s", path, err)
		}
		log.Info().Str("flow_id", g.ID).Str("path", path).Msg("flow registered")
	}

	if resumeAll {
		resumeNonTerminal(cmd, rt, log)
	}

	srv := server.New(server.Config{Addr: addr}, rt, log)
	if err := srv.ListenAndServe(); err != nil {
		return exitError(exitFailed, "serve: %s", err)
	}
	return nil
}

// resumeNonTerminal reattaches workers to runs interrupted by a previous
// shutdown. Runs whose flow is not registered are left alone with a warning.
func resumeNonTerminal(cmd *cobra.Command, rt *kernel.Runtime, log zerolog.Logger) {
	ids, err := rt.ListRuns()
	if err != nil {
		log.Warn().Err(err).Msg("list runs for resume")
		return
	}
	for _, id := range ids {
		st, _, err := rt.GetState(id)
		if err != nil || st.Status.Terminal() {
			continue
		}
		if _, err := rt.ResumeRun(cmd.Context(), id); err != nil {
			log.Warn().Str("run_id", id).Err(err).Msg("resume skipped")
			continue
		}
		log.Info().Str("run_id", id).Str("flow_id", st.FlowID).Msg("run resumed")
	}
}
