// Command aofd is the process entrypoint for the Agent Operations
// Framework: it loads a YAML configuration, wires the memory store, model
// clients, MCP connections, and tool executor into an agent.Runner, and
// drives it through an orchestrator.Orchestrator until shutdown.
//
// # Basic Usage
//
// Start the daemon against a config file:
//
//	aofd serve --config aofd.yaml
//
// Print version information:
//
//	aofd version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticopsorg/aof/internal/agent"
	"github.com/agenticopsorg/aof/internal/config"
	"github.com/agenticopsorg/aof/internal/mcp"
	"github.com/agenticopsorg/aof/internal/memory"
	"github.com/agenticopsorg/aof/internal/modelclient"
	"github.com/agenticopsorg/aof/internal/observability"
	"github.com/agenticopsorg/aof/internal/orchestrator"
	"github.com/agenticopsorg/aof/internal/toolexec"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "aofd",
		Short:        "aofd - Agent Operations Framework daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "aofd %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load agent definitions and run the orchestrator until shutdown",
		Long: `Start aofd with the given configuration.

This will:
1. Load the YAML configuration (agent definitions, provider credentials, MCP servers, memory backend).
2. Construct the configured ModelClients and connect to every MCP server.
3. Register every agent with the executor and hand it to the orchestrator.
4. Block until SIGINT/SIGTERM, then drain outstanding invocations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "aofd.yaml", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	metrics := observability.NewMetrics()

	store, closeStore, err := buildMemoryStore(cfg.Memory)
	if err != nil {
		return fmt.Errorf("build memory store: %w", err)
	}
	defer closeStore()

	tools := toolexec.New()
	mcpClients, closeMCP, err := connectMCPServers(ctx, cfg.MCPServers, tools)
	if err != nil {
		return fmt.Errorf("connect mcp servers: %w", err)
	}
	defer closeMCP()
	slog.Info("mcp servers connected", "count", len(mcpClients))

	resolver, err := buildModelRegistry(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	runner := agent.NewRunner(resolver, tools, store, agent.Config{Logger: logger, Metrics: metrics})
	for _, def := range cfg.Agents {
		runner.RegisterAgent(def)
		slog.Info("agent registered", "name", def.Name, "model_reference", def.ModelReference)
	}

	orch := orchestrator.New(runner, orchestrator.Config{
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		PerUserLimit:  cfg.Orchestrator.PerUserLimit,
		Logger:        slog.Default().With("component", "orchestrator"),
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("aofd started", "agents", len(cfg.Agents), "max_concurrent", cfg.Orchestrator.MaxConcurrent)
	<-ctx.Done()
	slog.Info("shutdown signal received, draining running invocations")
	drainOrchestrator(orch, 30*time.Second)
	return nil
}

// drainOrchestrator cancels every still-running task and waits for the
// orchestrator to report them all terminal, up to timeout.
func drainOrchestrator(orch *orchestrator.Orchestrator, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, task := range orch.List() {
		if !task.Status.Terminal() {
			_ = orch.Cancel(task.TaskID)
		}
	}
	for time.Now().Before(deadline) {
		stats := orch.Stats()
		if stats.Pending == 0 && stats.Running == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	slog.Warn("shutdown deadline reached with invocations still outstanding")
}

func buildMemoryStore(cfg config.MemoryConfig) (memory.Store, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := memory.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return memory.NewMemStore(), func() {}, nil
	}
}

func connectMCPServers(ctx context.Context, servers []mcp.ServerConfig, tools *toolexec.Executor) ([]*mcp.Client, func(), error) {
	clients := make([]*mcp.Client, 0, len(servers))
	for i := range servers {
		srv := &servers[i]
		client := mcp.NewClient(srv, slog.Default())
		if err := client.Connect(ctx); err != nil {
			closeAll(clients)
			return nil, nil, fmt.Errorf("connect %q: %w", srv.ID, err)
		}
		tools.RegisterMCPClient(srv.ID, client)
		clients = append(clients, client)
	}
	return clients, func() { closeAll(clients) }, nil
}

func closeAll(clients []*mcp.Client) {
	for _, c := range clients {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close mcp client", "error", err)
		}
	}
}

func buildModelRegistry(ctx context.Context, cfg config.ProvidersConfig) (*agent.ModelRegistry, error) {
	registry := agent.NewModelRegistry()

	if p := cfg.Anthropic; p != nil && p.APIKey != "" {
		client, err := modelclient.NewAnthropicClient(modelclient.AnthropicConfig{APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model})
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		registry.Register(client.ModelIdentifier(), client)
	}
	if p := cfg.OpenAI; p != nil && p.APIKey != "" {
		client, err := modelclient.NewOpenAIClient(modelclient.OpenAIConfig{APIKey: p.APIKey, Model: p.Model})
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		registry.Register(client.ModelIdentifier(), client)
	}
	if p := cfg.Azure; p != nil && p.APIKey != "" {
		client, err := modelclient.NewAzureClient(modelclient.AzureConfig{
			APIKey: p.APIKey, Endpoint: p.Endpoint, DeploymentName: p.DeploymentName, APIVersion: p.APIVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("azure: %w", err)
		}
		registry.Register(client.ModelIdentifier(), client)
	}
	if p := cfg.Bedrock; p != nil && p.Region != "" {
		client, err := modelclient.NewBedrockClient(ctx, modelclient.BedrockConfig{
			Region: p.Region, Model: p.Model,
			AccessKeyID: p.AccessKeyID, SecretAccessKey: p.SecretAccessKey, SessionToken: p.SessionToken,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock: %w", err)
		}
		registry.Register(client.ModelIdentifier(), client)
	}
	if p := cfg.Gemini; p != nil && p.APIKey != "" {
		client, err := modelclient.NewGeminiClient(ctx, modelclient.GeminiConfig{APIKey: p.APIKey, Model: p.Model})
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		registry.Register(client.ModelIdentifier(), client)
	}

	return registry, nil
}
