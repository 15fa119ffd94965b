// Package main is the CLI entry point for the openclawd control plane daemon.
//
// openclawd runs the agent runtime control plane: audit pipeline, live event
// stream, policy engine, tool guard, artifact store, model router, and the
// delegation gateway, served over HTTP and websocket.
//
// Basic usage:
//
//	openclawd serve --config openclaw.yaml
//	openclawd events tail
//	openclawd spend
//	openclawd policy check --agent coder --tool web_fetch --url https://example.com
//	openclawd schema
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by the linker at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "openclawd",
		Short:        "openclawd - agent runtime control plane",
		Long:         "openclawd audits, observes, guards, and routes a multi-agent runtime.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildEventsCmd(),
		buildSpendCmd(),
		buildPolicyCmd(),
		buildSchemaCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
