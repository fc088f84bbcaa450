// -----------------------------------------------------------------------
// Application - dependency wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/events"
	"github.com/ternarybob/codestory/internal/graph"
	"github.com/ternarybob/codestory/internal/handlers"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/pipeline"
	"github.com/ternarybob/codestory/internal/server"
	"github.com/ternarybob/codestory/internal/services/embeddings"
	"github.com/ternarybob/codestory/internal/services/llm"
	"github.com/ternarybob/codestory/internal/steps/astextract"
	"github.com/ternarybob/codestory/internal/steps/docgrapher"
	"github.com/ternarybob/codestory/internal/steps/filesystem"
	"github.com/ternarybob/codestory/internal/steps/summarizer"
	storage "github.com/ternarybob/codestory/internal/storage/badger"
)

// App owns every long-lived component and tears them down in reverse
// construction order.
type App struct {
	Config       *common.Config
	Logger       arbor.ILogger
	Storage      *storage.Manager
	Graph        *graph.Store
	Bus          *events.Bus
	LLM          interfaces.LLMService
	Embedder     interfaces.EmbeddingService
	Registry     *pipeline.Registry
	Orchestrator *pipeline.Orchestrator
	Server       *server.Server

	cron *cron.Cron
}

// New builds the full application from configuration.
func New(cfg *common.Config, version string, logger arbor.ILogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	mgr, err := storage.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = mgr

	a.Graph = graph.NewStore(mgr.DB(), &cfg.Graph, logger)
	if err := a.Graph.InitializeSchema(context.Background(), false); err != nil {
		mgr.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	a.Bus = events.NewBus(mgr.EventStorage(), cfg.Events.SubscriberBuffer, cfg.RetentionTTL(), logger)

	a.LLM, err = llm.NewLLMService(cfg, logger)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	a.Embedder = embeddings.NewService(a.LLM, cfg.Graph.EmbeddingDim, logger)

	a.Registry = pipeline.NewRegistry(cfg, logger)
	a.Registry.Register(filesystem.StepName, filesystem.New, filesystem.KnownParams...)
	a.Registry.Register(astextract.StepName, astextract.New, astextract.KnownParams...)
	a.Registry.Register(summarizer.StepName, summarizer.New, summarizer.KnownParams...)
	a.Registry.Register(docgrapher.StepName, docgrapher.New, docgrapher.KnownParams...)
	if err := a.Registry.Validate(); err != nil {
		mgr.Close()
		return nil, fmt.Errorf("invalid step registry: %w", err)
	}

	a.Orchestrator = pipeline.NewOrchestrator(
		a.Registry, a.Bus, mgr.JobStorage(), a.Graph, a.Embedder, a.LLM, cfg, logger)

	definitions, err := pipeline.LoadDefinitions(cfg.Pipeline.DefinitionsDir, logger)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	jobHandler := handlers.NewJobHandler(a.Orchestrator, a.Bus, definitions, logger)
	wsHandler := handlers.NewWebSocketHandler(a.Bus, a.Orchestrator, logger)
	a.Server = server.New(cfg, version, jobHandler, wsHandler, logger)

	if cfg.Scheduler.Enabled {
		a.cron = cron.New()
		if _, err := a.cron.AddFunc(cfg.Scheduler.Schedule, a.runMaintenance); err != nil {
			mgr.Close()
			return nil, fmt.Errorf("invalid scheduler schedule %q: %w", cfg.Scheduler.Schedule, err)
		}
	}

	return a, nil
}

// Start launches the cron maintenance and the HTTP server. Blocks until
// the server stops.
func (a *App) Start() error {
	if a.cron != nil {
		a.cron.Start()
		a.Logger.Info().
			Str("schedule", a.Config.Scheduler.Schedule).
			Msg("Maintenance scheduler started")
	}
	return a.Server.Start()
}

// Shutdown stops components in reverse order: server first so no new
// jobs arrive, then running pipelines, then the bus and storage.
func (a *App) Shutdown(ctx context.Context) {
	if a.cron != nil {
		a.cron.Stop()
	}
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	a.Orchestrator.Shutdown(ctx)
	a.Bus.Close()

	if err := a.LLM.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("LLM service close failed")
	}
	if err := a.Graph.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Graph store close failed")
	}
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}
	a.Logger.Info().Msg("Shutdown complete")
}

// runMaintenance trims expired progress events and compacts the badger
// value log.
func (a *App) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	trimmed, err := a.Bus.TrimExpired(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Event trim failed")
	} else if trimmed > 0 {
		a.Logger.Info().Int("trimmed", trimmed).Msg("Expired progress events removed")
	}

	if err := a.Storage.RunValueLogGC(); err != nil {
		a.Logger.Debug().Err(err).Msg("Badger value log GC failed")
	}
}
