// Command mxfd is the Model Exchange Framework server process: the
// composition root that wires every substrate package (events, sessions,
// tools, toolserver, validation, dispatch, dag, memory, orpar) into one
// running websocket server. The flag parsing, structured-logging
// bootstrap, and signal-driven graceful shutdown shape follow
// cmd/nexus/main.go, generalized from a cobra command tree
// (serve/status/migrate/...) down to a single long-running server
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/dag"
	"github.com/modelexchange/mxf/internal/dispatch"
	"github.com/modelexchange/mxf/internal/events"
	"github.com/modelexchange/mxf/internal/llm"
	"github.com/modelexchange/mxf/internal/memory"
	"github.com/modelexchange/mxf/internal/memory/knowledgegraph"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/orpar"
	"github.com/modelexchange/mxf/internal/server"
	"github.com/modelexchange/mxf/internal/sessions"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/internal/toolserver"
	"github.com/modelexchange/mxf/internal/validation"
	"github.com/modelexchange/mxf/pkg/models"
)

// version is populated by ldflags at build time, via the standard
// -X main.version convention.
var version = "dev"

func main() {
	configPath := flag.String("config", "mxf.yaml", "path to the mxfd configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mxfd: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	logger.Info(context.Background(), "mxfd starting", "version", version, "config", *configPath)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := observability.InitTracing(ctx, observability.TraceConfig{
			ServiceName:  cfg.Tracing.ServiceName,
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			Insecure:     true,
		})
		if err != nil {
			logger.Warn(ctx, "mxfd: tracing init failed, continuing without export", "error", err)
		} else {
			defer func() { _ = shutdownTracing(context.Background()) }()
		}
	}

	docs := storage.NewMemoryDocumentStore()
	search := storage.NewMemorySearchIndex()

	var l2 storage.ValidationCacheL2
	if cfg.Redis.Addr != "" {
		client := storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		l2 = storage.NewRedisValidationCache(client, cfg.Validation.CacheTTL)
		logger.Info(ctx, "mxfd: validation L2 cache backed by redis", "addr", cfg.Redis.Addr)
	} else {
		l2 = storage.NewMemoryValidationCache()
	}

	core := events.NewCore(metrics, logger)

	sessionReg := sessions.New(metrics, core.Emit)
	serverBus := events.NewServerBus(core, sessionReg, sessionReg)

	sweeper := sessions.NewSweeper(sessionReg, sessions.SweepConfig{
		Interval: cfg.Sessions.HeartbeatInterval,
		Timeout:  cfg.Sessions.HeartbeatTimeout,
	})
	sweeper.Start(ctx)

	toolsReg := tools.New(cfg.Tools.RegistryChangeDebounce, func() {
		serverBus.Emit(models.Event{Kind: models.EventMCPToolRegistryChanged})
	})
	registerBuiltinTools(toolsReg)

	toolServers := toolserver.New(func(sc toolserver.ServerConfig) toolserver.Process {
		return toolserver.NewStdioProcess(sc)
	}, toolsReg, metrics, logger, serverBus.Emit)
	for _, sc := range cfg.ToolServers {
		mc := toServerConfig(sc)
		toolServers.RegisterServer(mc)
		if sc.AutoStart {
			if err := toolServers.Spawn(ctx, sc.ID); err != nil {
				logger.Warn(ctx, "mxfd: tool server spawn failed", "server_id", sc.ID, "error", err)
				continue
			}
			toolServers.StartHealthLoop(ctx, sc.ID, sc.HealthInterval)
		}
	}

	pipeline := validation.New(cfg.Validation, metrics, serverBus.Emit, validation.WithL2Cache(l2))

	dispatcher := dispatch.New(sessionReg, toolsReg, pipeline, toolServers, pipeline.Patterns(), metrics, logger, serverBus.Emit, 30*time.Second)

	scheduler := dag.New(dag.Config{AutoAssign: true, MaxTasksPerChannel: cfg.DAG.MaxTasksPerChannel}, metrics, serverBus.Emit)

	graph := knowledgegraph.New()
	embedder := memory.NewHashingEmbedder(cfg.Memory.EmbeddingDimension)
	memLayer := memory.New(docs, search, embedder, graph, cfg.Memory, metrics, logger, serverBus.Emit)

	loop := orpar.New(memLayer, memLayer, cfg.Memory, metrics, logger, serverBus.Emit)

	var summarizer memory.Summarizer
	if cfg.LLM.Provider == "anthropic" && cfg.LLM.APIKey != "" {
		summarizer = llm.NewAnthropicSummarizer(cfg.LLM.APIKey, cfg.LLM.DefaultModel)
	} else {
		summarizer = llm.HeuristicSummarizer{}
	}
	startConsolidationSchedule(ctx, logger, memLayer, docs, cfg.Memory.ConsolidationInterval, summarizer)

	srv := server.New(cfg.Sessions, logger, metrics, serverBus, sessionReg, toolsReg, toolServers, dispatcher, scheduler, memLayer, loop)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Mux(),
	}

	go func() {
		logger.Info(ctx, "mxfd listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "mxfd: http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "mxfd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	memLayer.FlushReindexQueue(shutdownCtx)
	for _, s := range sessionReg.Snapshot() {
		sessionReg.Disconnect(s.SessionID)
	}
	logger.Info(context.Background(), "mxfd stopped")
}

// registerBuiltinTools installs the small set of always-available internal
// tools every deployment gets regardless of configured external tool
// servers; internal definitions always take priority over an external
// server's tool of the same name.
func registerBuiltinTools(reg *tools.Registry) {
	reg.RegisterInternal(models.ToolDefinition{
		Name:        "system.time",
		Description: "Returns the server's current time in RFC3339.",
		InputSchema: []byte(`{"type":"object","properties":{}}`),
	}, func(models.ToolCallRequest) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})
}

// toServerConfig adapts the YAML tool-server shape to toolserver's
// internal ServerConfig.
func toServerConfig(sc config.ToolServerConfig) toolserver.ServerConfig {
	transport := toolserver.TransportStdio
	if sc.Transport == string(toolserver.TransportHTTP) {
		transport = toolserver.TransportHTTP
	}
	return toolserver.ServerConfig{
		ID:                     sc.ID,
		Name:                   sc.Name,
		Transport:              transport,
		Command:                sc.Command,
		Args:                   sc.Args,
		Env:                    sc.Env,
		WorkDir:                sc.WorkDir,
		URL:                    sc.URL,
		Timeout:                sc.Timeout,
		AutoStart:              sc.AutoStart,
		HealthInterval:         sc.HealthInterval,
		MaxConsecutiveFailures: sc.MaxConsecutiveFailures,
		MaxRestartAttempts:     sc.MaxRestartAttempts,
	}
}

// startConsolidationSchedule runs the memory layer's consolidation pass
// over every channel on a cron schedule, using robfig/cron/v3 for the
// periodic-trigger loop.
func startConsolidationSchedule(ctx context.Context, logger *observability.Logger, mem *memory.Layer, docs *storage.MemoryDocumentStore, interval time.Duration, summarizer memory.Summarizer) {
	if interval <= 0 {
		return
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		for _, channelID := range docs.ChannelIDs(ctx) {
			if err := mem.Consolidate(ctx, channelID, summarizer); err != nil {
				logger.Warn(ctx, "mxfd: consolidation pass failed", "channel_id", channelID, "error", err)
			}
		}
	})
	if err != nil {
		logger.Warn(ctx, "mxfd: could not schedule consolidation", "error", err)
		return
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}
