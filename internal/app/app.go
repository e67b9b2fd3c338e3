// -----------------------------------------------------------------------
// App - dependency wiring for the Shadow-Twin pipeline service
// -----------------------------------------------------------------------

package app

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/handlers"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/services/events"
	"github.com/ternarybob/shadowtwin/internal/services/gates"
	"github.com/ternarybob/shadowtwin/internal/services/pipeline"
	"github.com/ternarybob/shadowtwin/internal/services/rag"
	"github.com/ternarybob/shadowtwin/internal/services/secretary"
	"github.com/ternarybob/shadowtwin/internal/services/trace"
	badgerstore "github.com/ternarybob/shadowtwin/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService  interfaces.EventService
	TraceConsumer *trace.Consumer

	// Pipeline orchestration
	ComputeClient   interfaces.ComputeClient
	IngestService   interfaces.IngestService
	GateEvaluator   *gates.Evaluator
	PipelineService *pipeline.Service
	sweeper         *cron.Cron

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	JobHandler      *handlers.JobHandler
	CallbackHandler *handlers.CallbackHandler
	ArtifactHandler *handlers.ArtifactHandler
	BatchHandler    *handlers.BatchHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	storageManager, err := badgerstore.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager
	logger.Debug().
		Str("storage", "badger").
		Str("path", cfg.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// Event bus must exist before anything that publishes or subscribes
	app.EventService = events.NewService(logger)

	// Trace consumer drains correlation-tagged log batches from arbor's
	// context channel into per-job trace storage
	traceConsumer := trace.NewConsumer(
		storageManager.TraceStorage(),
		app.EventService,
		logger,
		cfg.WebSocket.MinLevel,
	)
	if err := traceConsumer.Start(); err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to start trace consumer: %w", err)
	}
	app.TraceConsumer = traceConsumer
	app.Logger.SetChannel("context", traceConsumer.GetChannel())

	// Pipeline services in dependency order
	app.ComputeClient = secretary.NewClient(&cfg.Secretary, logger)
	app.IngestService = rag.NewService(storageManager.DB(), logger)
	app.GateEvaluator = gates.NewEvaluator(
		storageManager.JobStorage(),
		storageManager.ArtifactStorage(),
		app.IngestService,
		logger,
	)
	app.PipelineService = pipeline.NewService(
		cfg,
		storageManager,
		app.EventService,
		app.GateEvaluator,
		app.ComputeClient,
		app.IngestService,
		logger,
	)

	// Stale-job sweep covers jobs whose watchdog timers died with a restart
	sweeper, err := app.PipelineService.StartSweep()
	if err != nil {
		return nil, fmt.Errorf("failed to start stale-job sweep: %w", err)
	}
	app.sweeper = sweeper

	// HTTP handlers
	app.APIHandler = handlers.NewAPIHandler()
	app.JobHandler = handlers.NewJobHandler(app.PipelineService, storageManager, logger)
	app.CallbackHandler = handlers.NewCallbackHandler(app.PipelineService, cfg, logger)
	app.ArtifactHandler = handlers.NewArtifactHandler(storageManager, logger)
	app.BatchHandler = handlers.NewBatchHandler(storageManager, logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, logger, &cfg.WebSocket)

	logger.Info().
		Str("secretary", cfg.Secretary.BaseURL).
		Str("callback_base", cfg.Callbacks.PublicBaseURL).
		Msg("Application initialization complete")

	return app, nil
}

// Close shuts down all components in reverse dependency order
func (a *App) Close() error {
	if a.sweeper != nil {
		ctx := a.sweeper.Stop()
		<-ctx.Done()
		a.Logger.Info().Msg("Stale-job sweep stopped")
	}

	if a.PipelineService != nil {
		a.PipelineService.Watchdog().Close()
		a.Logger.Info().Msg("Watchdog timers stopped")
	}

	if a.TraceConsumer != nil {
		if err := a.TraceConsumer.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop trace consumer")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
