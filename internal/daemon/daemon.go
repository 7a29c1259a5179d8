package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/devpilot/internal/api"
	"github.com/tutu-network/devpilot/internal/app/ledger"
	"github.com/tutu-network/devpilot/internal/app/orchestrator"
	"github.com/tutu-network/devpilot/internal/app/runner"
	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/health"
	"github.com/tutu-network/devpilot/internal/infra/filestore"
	"github.com/tutu-network/devpilot/internal/infra/github"
	"github.com/tutu-network/devpilot/internal/infra/knowledge"
	"github.com/tutu-network/devpilot/internal/infra/llm"
	"github.com/tutu-network/devpilot/internal/infra/sqlite"
)

const shutdownTimeout = 30 * time.Second

// Version is reported by /api/version; the CLI sets it at start-up.
var Version = "dev"

// Daemon is the devpilot runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Logger    *slog.Logger
	DB        *sqlite.DB
	Tasks     domain.TaskRepository
	Runner    *runner.Runner
	Ledger    *ledger.Ledger
	Knowledge *knowledge.Store
	Service   *orchestrator.Service
	Health    *health.Checker
	Server    *api.Server
}

// New loads the configuration and creates a Daemon.
func New(ctx context.Context) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg, NewLogger(cfg.Logging, os.Stderr))
}

// NewWithConfig creates a Daemon with the given configuration. ctx bounds
// start-up work such as knowledge ingestion.
func NewWithConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.Storage.Dir
	if dir == "" {
		dir = devpilotHome()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d := &Daemon{Config: cfg, Logger: logger, DB: db}

	switch cfg.Storage.Backend {
	case BackendFile:
		fs, err := filestore.Open(dir)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open file store: %w", err)
		}
		d.Tasks = fs
	default:
		d.Tasks = sqlite.NewTaskStore(db)
	}
	logger.Info("task store ready", "backend", cfg.Storage.Backend, "dir", dir)

	d.Ledger = ledger.New(sqlite.NewWorkStore(db), logger)
	d.Runner = runner.New(
		runner.WithLogger(logger),
		runner.WithOnSettle(func(id string, st runner.Status, err error) {
			logger.Debug("task settled", "task_id", id, "status", st, "error", err)
		}),
	)

	repos := github.New(github.Options{
		BaseURL:           cfg.GitHub.APIURL,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		Burst:             cfg.GitHub.Burst,
		Logger:            logger,
	})

	var agent domain.Agent
	apiKey := Secret(cfg.Agent.APIKeyEnv)
	if apiKey != "" || cfg.Agent.BaseURL != "" {
		agent = llm.New(llm.Config{
			BaseURL:  cfg.Agent.BaseURL,
			APIKey:   apiKey,
			Model:    cfg.Agent.Model,
			MaxTurns: cfg.Agent.MaxTurns,
			Logger:   logger,
		}, repos)
	} else {
		logger.Warn("no agent credentials; agent-backed task types are disabled", "api_key_env", cfg.Agent.APIKeyEnv)
	}

	var kb domain.KnowledgeBase
	if cfg.Knowledge.Enabled {
		store, err := d.openKnowledge(ctx, dir, apiKey)
		if err != nil {
			logger.Warn("knowledge base unavailable", "error", err)
		} else {
			d.Knowledge = store
			kb = store
		}
	}

	d.Service, err = orchestrator.New(orchestrator.Config{
		AgentTimeout:      parseDuration(cfg.Agent.Timeout, 10*time.Minute),
		DisplayErrorLen:   cfg.Tasks.DisplayErrorLen,
		KnowledgeTopK:     cfg.Knowledge.TopK,
		DefaultCredential: Secret(cfg.GitHub.TokenEnv),
		PromptsDir:        cfg.Agent.PromptsDir,
	}, orchestrator.Deps{
		Tasks:     d.Tasks,
		Runner:    d.Runner,
		Agent:     agent,
		Ledger:    d.Ledger,
		Knowledge: kb,
		Repos:     repos,
		Logger:    logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	checks := []health.Check{health.StorageCheck(d.Tasks), health.DataDirCheck(dir)}
	if d.Knowledge != nil {
		checks = append(checks, health.KnowledgeCheck(d.Knowledge))
	}
	d.Health = health.NewChecker(health.DefaultInterval, logger, checks...)

	d.Server = api.NewServer(d.Service, d.Ledger, d.Health, api.Options{
		CORSOrigins: cfg.API.CORSOrigins,
		Metrics:     cfg.API.Metrics,
		Stream: api.StreamConfig{
			TaskInterval:     parseDuration(cfg.Stream.TaskInterval, 2*time.Second),
			TaskMaxAttempts:  cfg.Stream.TaskMaxAttempts,
			ActivityInterval: parseDuration(cfg.Stream.ActivityInterval, 3*time.Second),
			ActivityBudget:   parseDuration(cfg.Stream.ActivityBudget, 5*time.Minute),
		},
		Version: Version,
		Logger:  logger,
	})
	return d, nil
}

func (d *Daemon) openKnowledge(ctx context.Context, dir, apiKey string) (*knowledge.Store, error) {
	cfg := d.Config.Knowledge
	kc := knowledge.Config{
		Embed:     knowledge.OpenAIEmbedding(d.Config.Agent.BaseURL, apiKey, cfg.EmbeddingModel),
		CacheSize: cfg.CacheSize,
		Logger:    d.Logger,
	}
	if cfg.Persist {
		kc.PersistDir = dir
	}
	store, err := knowledge.Open(kc)
	if err != nil {
		return nil, err
	}
	if cfg.DocsDir != "" {
		if _, err := os.Stat(cfg.DocsDir); err == nil {
			if _, err := store.IngestDir(ctx, cfg.DocsDir); err != nil {
				d.Logger.Warn("knowledge ingestion incomplete", "dir", cfg.DocsDir, "error", err)
			}
		}
	}
	return store, nil
}

// Serve reaps orphaned tasks, then runs the HTTP server and health checks
// until ctx ends or SIGINT/SIGTERM arrives. In-flight tasks get
// shutdownTimeout to settle.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := d.Service.ReapOrphans(ctx); err != nil {
		d.Logger.Warn("orphan reaping failed", "error", err)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.Health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.Logger.Info("devpilot serving", "addr", "http://"+addr, "metrics", d.Config.API.Metrics)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.Logger.Info("shutting down")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			d.Logger.Warn("http shutdown", "error", err)
		}
		if err := d.Runner.Shutdown(shutdownCtx); err != nil {
			d.Logger.Warn("tasks still running at shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases storage.
func (d *Daemon) Close() {
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
