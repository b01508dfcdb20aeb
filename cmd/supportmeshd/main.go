// Command supportmeshd serves the orchestration engine over HTTP.
//
// Usage:
//
//	supportmeshd [-config supportmesh.yaml] [-knowledge kb.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/supportmesh"
	"github.com/hupe1980/supportmesh/cache"
	"github.com/hupe1980/supportmesh/call"
	"github.com/hupe1980/supportmesh/config"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/dispatch"
	"github.com/hupe1980/supportmesh/engine"
	"github.com/hupe1980/supportmesh/escalation"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/maintenance"
	"github.com/hupe1980/supportmesh/memory"
	"github.com/hupe1980/supportmesh/server"
	"github.com/hupe1980/supportmesh/store"
	"github.com/hupe1980/supportmesh/tool"
	"github.com/hupe1980/supportmesh/tool/mcp"
	"github.com/hupe1980/supportmesh/tracing"
)

func main() {
	configPath := flag.String("config", "supportmesh.yaml", "path to the YAML configuration")
	knowledgePath := flag.String("knowledge", "", "optional YAML knowledge base to preload")
	flag.Parse()

	if err := run(*configPath, *knowledgePath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, knowledgePath string) error {
	// 1. Configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Logging
	log, logCloser, err := logging.New(logging.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Tracing
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing.shutdown.failed", "error", err.Error())
		}
	}()

	// 4. Models
	models, err := buildModels(ctx, cfg.Models, slogOf(log))
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}

	// 5. Knowledge base and tools
	kb := memory.NewInMemoryStore()
	if knowledgePath != "" {
		if err := loadKnowledge(kb, knowledgePath); err != nil {
			return fmt.Errorf("knowledge: %w", err)
		}
	}

	tools := tool.NewRegistry(tool.NewRequestHumanTool(), tool.NewKnowledgeLookupTool(kb))
	if len(cfg.MCP.Servers) > 0 {
		bridge, err := mcp.NewBridge(ctx, mcpServers(cfg.MCP.Servers), func(o *mcp.Options) {
			for _, s := range cfg.MCP.Servers {
				o.CallTimeout = max(o.CallTimeout, s.Timeout)
			}
			o.Logger = log
		})
		if err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer bridge.Close()
		bridge.RegisterAll(tools)
	}

	// 6. Cache
	var ttlCache cache.Cache = cache.NewMemory()
	if cfg.Cache.Backend == "redis" {
		rc, err := cache.DialRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisDB, "supportmesh")
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		defer rc.Close()
		ttlCache = rc
	}

	// 7. Stores and the mesh
	meshOpts := func(o *supportmesh.Options) {
		o.EngineConfig = engine.Config{
			EventBufferSize:  cfg.Engine.EventBuffer,
			MaxModelCalls:    cfg.Engine.MaxModelCalls,
			MaxParallelTools: cfg.Engine.ToolParallelism,
			ToolTimeout:      cfg.Engine.ToolTimeout,
			TurnTimeout:      cfg.Engine.TurnTimeout,
		}
		o.Dispatcher = dispatch.New(func(d *dispatch.Options) {
			d.MaxWorkerHandoffs = cfg.Engine.MaxWorkerHandoffs
			d.Logger = log
		})
		o.HistoryLimit = cfg.Engine.HistoryWindow
		o.AuthSessionTTL = cfg.Auth.SessionTTL
		o.Models = models
		o.Tools = tools
		o.Knowledge = kb
		o.Cache = ttlCache
		o.Escalation = func(e *escalation.Options) {
			e.FailureThreshold = cfg.Escalation.FailureThreshold
			if len(cfg.Escalation.RequestKeywords) > 0 {
				e.RequestKeywords = cfg.Escalation.RequestKeywords
			}
			if len(cfg.Escalation.UrgentKeywords) > 0 {
				e.UrgentKeywords = cfg.Escalation.UrgentKeywords
			}
			if cfg.Escalation.SlackToken != "" && cfg.Escalation.SlackChannel != "" {
				e.Notifier = escalation.NewSlackNotifier(cfg.Escalation.SlackToken, cfg.Escalation.SlackChannel)
			}
			e.NotifyTimeout = cfg.Escalation.NotifyTimeout
		}
		o.Call = func(c *call.Options) {
			c.Retention = cfg.Calls.Retention
			c.ConnectTimeout = cfg.Calls.ConnectTimeout
		}
		o.Logger = log
	}

	var db *store.Store
	if cfg.Database.Driver != "memory" {
		db, err = store.Open(cfg.Database.Driver, cfg.Database.DSN, func(o *store.Options) { o.Logger = log })
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
	}

	mesh := supportmesh.New(meshOpts, func(o *supportmesh.Options) {
		if db != nil {
			o.Conversations = db
			o.AuthStates = db
			o.Escalations = db
			o.Calls = db
			o.Variables = db
		}
	})

	// 8. Packages
	pkgs, err := core.LoadPackages(cfg.Packages.Dir)
	if err != nil {
		return fmt.Errorf("packages: %w", err)
	}
	for _, p := range pkgs {
		if err := tools.CheckPackage(p); err != nil {
			return fmt.Errorf("package %s: %w", p.ID, err)
		}
		mesh.Runner().Catalog().Add(p)
	}
	for _, d := range cfg.Packages.Deployments {
		if err := mesh.Runner().Catalog().Deploy(d.TenantID, d.ChatbotID, d.Package); err != nil {
			return fmt.Errorf("deploy %s/%s: %w", d.TenantID, d.ChatbotID, err)
		}
	}
	log.Info("supportmeshd.packages.loaded", "packages", len(pkgs), "deployments", len(cfg.Packages.Deployments))

	// 9. Maintenance
	if cfg.Maintenance.Enabled {
		sched := maintenance.New(func(o *maintenance.Options) { o.Logger = log })
		for _, job := range []maintenance.Job{
			maintenance.CallSweep(cfg.Maintenance.CallSweep, mesh.Calls(), log),
			maintenance.AuthPurge(cfg.Maintenance.AuthPurge, mesh.Runner().Gate(), log),
			maintenance.IdleAbandon(cfg.Maintenance.IdleAbandon, mesh.Runner(), cfg.Maintenance.IdleTimeout, log),
		} {
			if err := sched.Add(job); err != nil {
				return err
			}
		}
		sched.Start(ctx)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			if err := sched.Stop(sctx); err != nil {
				log.Warn("maintenance.stop.failed", "error", err.Error())
			}
		}()
	}

	// 10. HTTP server, until SIGINT/SIGTERM
	srv := server.New(mesh.Runner(), mesh.Calls(), func(o *server.Options) {
		o.Addr = cfg.Server.Addr
		o.RequestsPerMinute = int(cfg.Server.RateLimitRPM)
		o.Burst = cfg.Server.RateLimitBurst
		o.OriginPatterns = cfg.Server.AllowedOrigins
		o.TrustedProxies = cfg.Server.TrustedProxies
		o.ShutdownTimeout = cfg.Server.ShutdownTimeout
		o.Logger = log
	})

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Pending escalation notifications are bounded by their own timeout.
	mesh.Runner().Router().Wait()

	log.Info("supportmeshd.stopped")
	return nil
}

func loadKnowledge(kb *memory.InMemoryStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return kb.LoadYAML(f)
}

func mcpServers(in []config.MCPServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(in))
	for _, s := range in {
		out = append(out, mcp.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
		})
	}
	return out
}

// slogOf returns the slog logger behind log, or a discarding one.
func slogOf(log logging.Logger) *slog.Logger {
	if sa, ok := log.(*logging.SlogAdapter); ok {
		return sa.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
