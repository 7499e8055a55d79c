// Command coordinator runs the multi-agent orchestration coordinator:
// it loads configuration, wires the registry/planner/executor/task
// manager pipeline, and serves the HTTP surface until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/go-redis/redis/v8"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/a2a"
	"github.com/jobop/agentcoord/internal/config"
	"github.com/jobop/agentcoord/internal/domain"
	"github.com/jobop/agentcoord/internal/executor"
	"github.com/jobop/agentcoord/internal/httpapi"
	"github.com/jobop/agentcoord/internal/llmenvoy"
	"github.com/jobop/agentcoord/internal/logging"
	"github.com/jobop/agentcoord/internal/mcpclient"
	"github.com/jobop/agentcoord/internal/metrics"
	"github.com/jobop/agentcoord/internal/planner"
	"github.com/jobop/agentcoord/internal/registry"
	"github.com/jobop/agentcoord/internal/taskmanager"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(os.Getenv("AGENTCOORD_ENV") != "production")

	cfg, err := config.NewConfig(config.WithLogger(logger))
	if err != nil {
		logger.Error("failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	shutdownTracing := setupTracing(ctx, logger)
	defer shutdownTracing()

	mcp := mcpclient.New(logger.WithComponent("framework/mcpclient"))
	defer mcp.CloseAll(context.Background())
	discoverMCPServers(ctx, mcp, cfg, logger)

	transport := a2a.New(&http.Client{Timeout: cfg.Timeouts.AgentCommunication})

	var regOpts []registry.Option
	if cfg.RegistryMirrorRedisURL != "" {
		if client, err := newRedisClient(cfg.RegistryMirrorRedisURL); err == nil {
			regOpts = append(regOpts, registry.WithRedisMirror(client, cfg.DiscoveryRefreshInterval))
		} else {
			logger.Warn("registry redis mirror disabled: could not connect", map[string]interface{}{"error": err.Error()})
		}
	}
	reg := registry.New(cfg.DiscoveryEndpoints, transport, cfg.Timeouts.AgentDiscovery, logger.WithComponent("framework/registry"), regOpts...)
	reg.Refresh(ctx)
	go reg.RunPeriodic(ctx, cfg.DiscoveryRefreshInterval, cfg.DiscoveryBackoff)

	envoy, err := llmenvoy.New(cfg, logger.WithComponent("framework/llmenvoy"))
	if err != nil {
		logger.Error("failed to build llm envoy", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	metricsRegistry := metrics.New()

	ctxProvider := &systemContextProvider{registry: reg, mcp: mcp}
	compiler := planner.New(envoy, ctxProvider, logger.WithComponent("framework/planner"), metricsRegistry)
	exec := executor.New(reg, mcp, transport, mcp, logger.WithComponent("framework/executor"), metricsRegistry)
	tasks := taskmanager.New(compiler, exec, logger.WithComponent("framework/taskmanager"), metricsRegistry)

	mcpDefs := make(map[string]domain.MCPServerEntry, len(cfg.MCPServers))
	for name, def := range cfg.MCPServers {
		mcpDefs[name] = domain.MCPServerEntry{Name: name, Command: def.Command, Args: def.Args, Env: def.Env, Description: def.Description}
	}

	server := httpapi.New(
		tasks, reg, mcp, mcpDefs,
		logger.WithComponent("framework/httpapi"),
		otel.Tracer("agentcoord/httpapi"),
		func() bool { return envoy.Ready(context.Background()) },
		func() { reg.Refresh(context.Background()) },
		exec.CircuitBreakers,
		metricsRegistry,
		cfg.MetricsMode,
	)

	handler := otelhttp.NewHandler(server.Handler(), "agentcoord")
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Timeouts.HTTPRequest,
		WriteTimeout: cfg.Timeouts.HTTPRequest,
	}

	go func() {
		logger.Info("coordinator listening", map[string]interface{}{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// systemContextProvider adapts the registry and MCP client into the
// ephemeral snapshot the plan compiler consumes each call (§4.5).
type systemContextProvider struct {
	registry *registry.Registry
	mcp      *mcpclient.Client
}

func (p *systemContextProvider) BuildSystemContext() domain.SystemContext {
	agents := p.registry.Snapshot()
	agentViews := make([]domain.AgentContextView, 0, len(agents))
	for _, a := range agents {
		caps := make([]string, 0, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps = append(caps, c.Name)
		}
		agentViews = append(agentViews, domain.AgentContextView{AgentID: a.AgentID, Capabilities: caps})
	}

	var toolViews []domain.MCPToolView
	for _, srv := range p.mcp.KnownServers() {
		for _, t := range srv.Tools {
			toolViews = append(toolViews, domain.MCPToolView{Server: srv.Name, Tool: t.Name, Description: t.Description})
		}
	}

	return domain.SystemContext{
		AvailableAgents:   agentViews,
		AvailableMCPTools: toolViews,
		AgentCount:        len(agentViews),
		MCPToolCount:      len(toolViews),
	}
}

func discoverMCPServers(ctx context.Context, mcp *mcpclient.Client, cfg *config.Config, logger core.Logger) {
	for name, def := range cfg.MCPServers {
		entry := domain.MCPServerEntry{Name: name, Command: def.Command, Args: def.Args, Env: def.Env, Description: def.Description, State: domain.MCPDeclared}
		discoverCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.MCPTools)
		_, err := mcp.Discover(discoverCtx, name, entry)
		cancel()
		if err != nil {
			logger.Warn("mcp server discovery failed", map[string]interface{}{"server": name, "error": err.Error()})
		}
	}
}

func setupTracing(ctx context.Context, logger core.Logger) func() {
	endpoint := os.Getenv("AGENTCOORD_OTEL_EXPORTER_ENDPOINT")
	if endpoint == "" {
		return func() {}
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		logger.Warn("otel exporter setup failed, tracing disabled", map[string]interface{}{"error": err.Error()})
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
