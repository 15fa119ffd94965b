// handlers.go implements the RunE logic behind each CLI command.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/auth"
	"github.com/msimon42/openclaw-sub000/internal/config"
	"github.com/msimon42/openclaw-sub000/internal/delegation"
	"github.com/msimon42/openclaw-sub000/internal/gateway"
	"github.com/msimon42/openclaw-sub000/internal/health"
	"github.com/msimon42/openclaw-sub000/internal/observability"
	"github.com/msimon42/openclaw-sub000/internal/policy"
	"github.com/msimon42/openclaw-sub000/internal/sessions"
	"github.com/msimon42/openclaw-sub000/internal/spend"
	"github.com/msimon42/openclaw-sub000/internal/stream"
	"github.com/msimon42/openclaw-sub000/internal/telemetry"
)

// detachedExecutor stands in when no agent runtime is attached to the
// daemon. Delegations complete immediately as errors instead of hanging
// until their timeout.
type detachedExecutor struct{}

func (detachedExecutor) Execute(context.Context, delegation.ExecuteRequest) error {
	return errors.New("no agent runtime attached")
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.LogConfig())
	slogger := logger.Slog()
	slog.SetDefault(slogger)

	slogger.Info("starting openclawd",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	_, traceShutdown := observability.NewTracer(cfg.TraceConfig(version))
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := traceShutdown(flushCtx); err != nil {
			slogger.Warn("trace exporter shutdown error", "error", err)
		}
	}()

	metrics := observability.NewMetrics()
	healthTracker := health.NewTracker(health.DefaultConfig())

	spendTracker, err := spend.NewTracker(cfg.SpendTrackerConfig(), slogger)
	if err != nil {
		return fmt.Errorf("spend tracker: %w", err)
	}

	hub := stream.NewHub(cfg.StreamHubConfig(), healthTracker, spendTracker, logger, metrics)
	defer hub.Close()

	auditCfg := cfg.AuditPipelineConfig()
	fileSink, err := audit.NewFileSink(auditCfg.Dir)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	pipe := audit.NewPipeline(auditCfg, audit.NewCompositeSink(logger, fileSink, hub), logger, metrics)

	agg := telemetry.NewAggregator(pipe, healthTracker, spendTracker, metrics, logger, hub)

	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer store.Close()

	artifactStore, err := artifacts.NewStore(cfg.Artifacts.WorkspaceRoot, agg)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	layers := policy.NewLayers(cfg.Policy.Global, cfg.Policy.Agents, cfg.Policy.Skills)

	delegationGateway := delegation.NewGateway(delegation.Config{
		Limits:               cfg.DelegationLimits(),
		AutoPublishThreshold: cfg.Artifacts.AutoPublishThreshold,
	}, store, artifactStore, agg, detachedExecutor{}, nil, logger)

	server := gateway.NewServer(gateway.Options{
		Addr:       cfg.Gateway.Addr,
		Auth:       auth.New(cfg.AuthenticatorConfig()),
		Hub:        hub,
		Artifacts:  artifactStore,
		Delegation: delegationGateway,
		Telemetry:  agg,
		Logger:     slogger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go delegationGateway.Guards().Housekeep(ctx, time.Minute)

	// Only the global policy layer and the pricing table hot-swap; every
	// other change requires a restart.
	go func() {
		err := config.Watch(ctx, configPath, slogger, func(next *config.Config) {
			layers.SetGlobal(next.Policy.Global)
			spendTracker.SetPricing(next.SpendPricing())
			hub.MarkSpendDirty()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slogger.Warn("config watcher stopped", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("gateway shutdown error", "error", err)
	}
	if err := pipe.Close(shutdownCtx); err != nil {
		slogger.Warn("audit pipeline drain error", "error", err)
	}
	slogger.Info("openclawd stopped")
	return nil
}

func openSessionStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Sessions.Path)
	default:
		return sessions.NewMemoryStore(), nil
	}
}

func runEventsTail(ctx context.Context, configPath string, lines int, follow bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dir := cfg.AuditPipelineConfig().Dir
	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".jsonl")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "no audit log for today at %s\n", path)
			return nil
		}
		return err
	}
	defer file.Close()

	var tail []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		tail = append(tail, scanner.Text())
		if lines > 0 && len(tail) > lines {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range tail {
		fmt.Println(line)
	}

	if !follow {
		return nil
	}

	// Poll for appended lines. The sink only ever appends, so a plain
	// read-from-offset loop is enough.
	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() <= offset {
			continue
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			offset += int64(len(line))
			fmt.Print(line)
		}
	}
}

func runSpend(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := cfg.SpendTrackerConfig().SummaryPath
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cmd.Printf("no spend summary at %s\n", path)
			return nil
		}
		return err
	}

	var summary spend.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return fmt.Errorf("parse spend summary: %w", err)
	}

	pretty, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(pretty))
	return nil
}

func runPolicyCheck(cmd *cobra.Command, configPath, agentID, skill, tool, url, path string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	layers := policy.NewLayers(cfg.Policy.Global, cfg.Policy.Agents, cfg.Policy.Skills)
	resolved := layers.For(agentID, skill)

	fields := map[string]any{}
	if url != "" {
		fields["url"] = url
	}
	if path != "" {
		fields["path"] = path
	}

	verdict := policy.Evaluate(resolved, policy.Request{
		Capability: policy.ToolCapability(tool),
		Fields:     fields,
	})
	if verdict.Allowed {
		cmd.Printf("allow: %s (capability %s)\n", tool, policy.ToolCapability(tool))
		return nil
	}
	cmd.Printf("deny: %s (capability %s): %s\n", tool, policy.ToolCapability(tool), verdict.Reason)
	return nil
}

func runSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
