package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/vallit/flowexec/internal/api"
	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/logging"
	"github.com/vallit/flowexec/internal/metrics"
	"github.com/vallit/flowexec/internal/scheduler"
	"github.com/vallit/flowexec/internal/service"
	"github.com/vallit/flowexec/internal/steps"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/internal/streaming"
	"github.com/vallit/flowexec/internal/validation"
	flowmcp "github.com/vallit/flowexec/pkg/mcp"
)

// app holds every wired component of a running flowexec process.
type app struct {
	cfg    Config
	logger *slog.Logger

	store     *store.LibSQLStore
	hub       streaming.EventHub
	metrics   *metrics.Metrics
	executor  engine.Executor
	pool      *engine.WorkerPool
	scheduler *scheduler.Scheduler
	workflows *service.Workflows
	flow      *flowmcp.FlowServer

	closers []io.Closer
}

// newLogger builds the process logger. The level is read through lv so a
// config reload can change it in place.
func newLogger(w io.Writer, lv *slog.LevelVar) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// newApp opens the store and wires the engine, the collaborators and both
// outer surfaces. The scheduler is built but not started.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: s, closers: []io.Closer{s}}

	if err := s.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if cfg.RedisAddr != "" {
		client, err := streaming.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, err
		}
		hub := streaming.NewRedisHub(client, "", logger)
		a.hub = hub
		a.closers = append(a.closers, hub)
		logger.Info("run events on redis", "addr", cfg.RedisAddr)
	} else {
		a.hub = streaming.NewMemoryHub()
	}

	a.metrics = metrics.New()

	sessions := flowmcp.NewSessionRegistry()
	mcpSender := &deferredSender{}

	httpCfg := steps.HTTPConfig{DefaultTimeout: time.Duration(cfg.WebhookTimeout)}
	deps := steps.Deps{
		Requester: steps.NewHTTPRequester(httpCfg),
		Notifier: steps.MultiNotifier{
			steps.NewLogNotifier(logger),
			streaming.NewHubNotifier(a.hub),
			flowmcp.NewMCPNotifier(mcpSender, sessions),
		},
		Logger: logger,
	}
	if cfg.OpenAIAPIKey != "" {
		analyzer, err := steps.NewOpenAIAnalyzer(steps.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			HTTP:   httpCfg,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Analyzer = analyzer
	} else {
		logger.Warn("ai_analysis steps disabled: no OpenAI API key")
	}
	if cfg.NotionToken != "" {
		content, err := steps.NewNotionStore(steps.NotionConfig{Token: cfg.NotionToken, HTTP: httpCfg})
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Content = content
	} else {
		logger.Warn("external_action steps disabled: no Notion token")
	}

	a.executor = engine.NewExecutor(engine.ExecutorConfig{
		Store:   s,
		Steps:   steps.NewSet(deps),
		Events:  s,
		Hub:     a.hub,
		Metrics: a.metrics,
		Notifier: steps.MultiNotifier{
			steps.NewLogNotifier(logger),
			streaming.NewHubNotifier(a.hub),
		},
		Logger: logger,
	})

	validator, err := validation.NewWorkflowValidator(validation.Checkers{})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}

	a.pool = engine.NewWorkerPool(cfg.PoolSize, logger)
	svcDeps := service.Deps{
		Store:     s,
		Executor:  a.executor,
		Validator: validator,
		Logger:    logger,
	}
	if cfg.Scheduler {
		a.scheduler = scheduler.NewScheduler(scheduler.Config{
			Store:   s,
			Runner:  a.executor,
			Pool:    a.pool,
			Metrics: a.metrics,
			Logger:  logger,
		})
		svcDeps.Scheduler = a.scheduler
	}
	a.workflows = service.NewWorkflows(svcDeps)

	a.flow = flowmcp.NewFlowServer(flowmcp.FlowServerDeps{
		Workflows: a.workflows,
		Sessions:  sessions,
		Logger:    logger,
		Version:   version,
	})
	mcpSender.target = a.flow.MCPServer()

	return a, nil
}

// handler mounts the MCP streamable transport next to the JSON API.
func (a *app) handler() http.Handler {
	apiSrv := api.NewServer(api.Deps{
		Workflows: a.workflows,
		Executor:  a.executor,
		Hub:       a.hub,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	mux := http.NewServeMux()
	mux.Handle("/mcp", a.flow.HTTPHandler())
	mux.Handle("/", apiSrv.Handler())
	return mux
}

// Close stops background work and releases every resource, newest first.
func (a *app) Close() error {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// deferredSender forwards MCP notifications once the MCP server exists.
// The step notifier is built before the server it pushes through.
type deferredSender struct {
	target flowmcp.ClientSender
}

func (d *deferredSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	if d.target == nil {
		return server.ErrSessionNotFound
	}
	return d.target.SendNotificationToSpecificClient(sessionID, method, params)
}
