// Command switchyard runs, inspects, and serves stepwise flows.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "switchyard",
		Short:         "Stepwise flow orchestrator",
		Long:          "switchyard executes flow graphs one station at a time:\ndeterministic routing, durable checkpoints, and operator interruption.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("state-dir", defaultStateDir(), "directory for run state and event logs")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.message != "" {
				fmt.Fprintf(os.Stderr, "switchyard: %s\n", exitErr.message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "switchyard: %s\n", err)
		os.Exit(1)
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("SWITCHYARD_STATE_DIR"); dir != "" {
		return dir
	}
	return ".switchyard"
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}
