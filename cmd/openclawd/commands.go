// commands.go contains the cobra command definitions and flag wiring. Each
// builder creates one command and binds it to its handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "openclaw.yaml"

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control plane daemon",
		Long: `Start the control plane daemon.

The daemon will:
1. Load and validate the configuration file
2. Start the audit pipeline with its file sink and live stream hub
3. Open the session store and artifact store
4. Serve RPC, stream, health, and metrics endpoints over HTTP
5. Watch the config file, hot-reloading the global policy layer and pricing

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  openclawd serve

  # Start with a custom config and debug logging
  openclawd serve --config /etc/openclaw/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the audit event log",
	}
	cmd.AddCommand(buildEventsTailCmd())
	return cmd
}

func buildEventsTailCmd() *cobra.Command {
	var (
		configPath string
		lines      int
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print today's audit events",
		Long:  "Print the tail of today's day-partitioned audit log, optionally following appends.",
		Example: `  # Last 50 events
  openclawd events tail

  # Follow new events as they are written
  openclawd events tail --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsTail(cmd.Context(), configPath, lines, follow)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing events to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing events as they are appended")
	return cmd
}

func buildSpendCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Print the spend summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpend(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with capability policies",
	}
	cmd.AddCommand(buildPolicyCheckCmd())
	return cmd
}

func buildPolicyCheckCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		skill      string
		tool       string
		url        string
		path       string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a tool call against the configured policy layers",
		Example: `  # Would the coder agent be allowed to fetch a URL?
  openclawd policy check --agent coder --tool web_fetch --url https://example.com

  # Would a write to this path pass?
  openclawd policy check --agent coder --tool write --path /workspace/out.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyCheck(cmd, configPath, agentID, skill, tool, url, path)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id the call runs as")
	cmd.Flags().StringVar(&skill, "skill", "", "Active skill, if any")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name (required)")
	cmd.Flags().StringVar(&url, "url", "", "URL argument for fetch-like tools")
	cmd.Flags().StringVar(&path, "path", "", "Path argument for write-like tools")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(cmd)
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("openclawd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
