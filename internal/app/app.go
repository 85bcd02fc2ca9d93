package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"docvault/features/job"
	"docvault/features/mcp"
	"docvault/features/search"
	"docvault/features/source"
	"docvault/features/stats"
	"docvault/internal/config"
	"docvault/internal/extract"
	"docvault/internal/ingest"
	"docvault/internal/middleware"
	"docvault/internal/retrieval"
	"docvault/internal/settings"
	"docvault/internal/text"
	"docvault/internal/vector"
	"docvault/internal/worker"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	Handler       http.Handler
	Ingest        *ingest.Service
	Retrieval     *retrieval.Service
	SourceService *source.Service
	Consumer      *worker.IngestConsumer
	MCP           *mcp.Handler

	cfg       *config.Config
	deps      *Dependencies
	queryLog  *retrieval.QueryLogger
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// ExtractOptions maps the extraction settings onto the extractor.
func ExtractOptions(cfg *config.Config) extract.Options {
	opts := extract.DefaultOptions()
	opts.OCREnabled = cfg.OCREnabled
	if cfg.OCRDPI > 0 {
		opts.DPI = cfg.OCRDPI
	}
	if cfg.OCRLanguage != "" {
		opts.Language = cfg.OCRLanguage
	}
	if cfg.ExtractTimeout > 0 {
		opts.Timeout = cfg.ExtractTimeout
	}
	if cfg.WebUserAgent != "" {
		opts.UserAgent = cfg.WebUserAgent
	}
	if cfg.WebFetchTimeout > 0 {
		opts.FetchTimeout = cfg.WebFetchTimeout
	}
	if cfg.WebMaxBytes > 0 {
		opts.MaxFetchBytes = cfg.WebMaxBytes
	}
	return opts
}

// ChunkerConfig picks the standard or semantic splitting parameters.
func ChunkerConfig(cfg *config.Config) text.Config {
	if cfg.ChunkingMode == config.ChunkingSemantic {
		c := text.SemanticConfig()
		c.ChunkSize, c.ChunkOverlap = cfg.SemanticChunkSize, cfg.SemanticChunkOverlap
		return c
	}
	c := text.DefaultConfig()
	c.ChunkSize, c.ChunkOverlap = cfg.ChunkSize, cfg.ChunkOverlap
	return c
}

func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := deps.DB

	if err := extract.CheckTools(cfg.OCREnabled); err != nil {
		logger.Warn("pdf extraction tools missing, pdf uploads will fail", "error", err)
	}
	extractor := extract.New(ExtractOptions(cfg), logger)
	chunker, err := text.NewChunker(ChunkerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("chunker config: %w", err)
	}

	// Feature: Source registry and ingestion
	sourceRepo := source.NewPostgresRepo(db)
	ingestService := ingest.NewService(extractor, chunker, deps.Index, sourceRepo, cfg.IngestionConcurrency, logger)
	sourceService := source.NewService(sourceRepo, ingestService, deps.NSQProducer, cfg.UploadDir, logger)
	sourceHandler := source.NewHandler(sourceService, cfg.MaxUploadBytes)

	// Feature: Settings
	settingsHandler := settings.NewHandler(deps.Settings)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobHandler := job.NewHandler(job.NewService(jobRepo, deps.NSQProducer, logger))

	// Feature: Stats
	statsHandler := stats.NewHandler(sourceRepo, deps.Index, jobRepo)

	// Feature: Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		logger.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(deps.Embedder, deps.Index, deps.Settings, queryLogger, logger).
		WithDefaults(cfg.SearchThreshold, cfg.SearchTopK)
	searchHandler := search.NewHandler(retrievalService)

	// Feature: MCP tools for answer-composing agents
	mcpHandler := mcp.NewHandler(retrievalService, sourceService)

	consumer := worker.NewIngestConsumer(ingestService, jobRepo, cfg.WorkerTimeout, logger)

	// Middleware: CORS
	enableCORS := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.TenantHeader+", "+middleware.CorrelationHeader)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /sources/upload", middleware.Tenant(http.HandlerFunc(sourceHandler.Upload)))
	mux.Handle("POST /sources/web", middleware.Tenant(http.HandlerFunc(sourceHandler.Web)))
	mux.Handle("GET /sources", middleware.Tenant(http.HandlerFunc(sourceHandler.List)))
	mux.Handle("DELETE /sources", middleware.Tenant(http.HandlerFunc(sourceHandler.Delete)))
	mux.Handle("DELETE /sources/all", middleware.Tenant(http.HandlerFunc(sourceHandler.DeleteAll)))

	mux.Handle("POST /search", middleware.Tenant(http.HandlerFunc(searchHandler.Search)))

	mux.Handle("POST /mcp", middleware.Tenant(mcpHandler))
	mux.Handle("GET /mcp/sse", middleware.Tenant(http.HandlerFunc(mcpHandler.HandleSSE)))
	mux.Handle("POST /mcp/messages", middleware.Tenant(http.HandlerFunc(mcpHandler.HandleMessage)))

	mux.Handle("GET /jobs/failed", middleware.Tenant(http.HandlerFunc(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.Tenant(http.HandlerFunc(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.Tenant(http.HandlerFunc(statsHandler.GetStats)))

	mux.HandleFunc("GET /settings", settingsHandler.GetSettings)
	mux.HandleFunc("PUT /settings", settingsHandler.UpdateSettings)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		state := deps.Index.State()
		status, code := "ok", http.StatusOK
		if state.Status != vector.StatusReady {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_, _ = fmt.Fprintf(w, `{"status":%q,"index":%q}`, status, state.Status)
	})

	return &App{
		Handler:       middleware.CorrelationID(enableCORS(mux)),
		Ingest:        ingestService,
		Retrieval:     retrievalService,
		SourceService: sourceService,
		Consumer:      consumer,
		MCP:           mcpHandler,
		cfg:           cfg,
		deps:          deps,
		queryLog:      queryLogger,
		logger:        logger,
	}, nil
}

// Run serves HTTP and consumes ingest tasks until ctx is cancelled, then
// drains both and closes every dependency.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("failed to close dependencies", "error", err)
		}
	}()

	var consumer *nsq.Consumer
	if a.cfg.EnableWorker {
		c, err := a.startConsumer()
		if err != nil {
			return err
		}
		consumer = c
	}

	errCh := make(chan error, 1)
	var srv *http.Server
	if a.cfg.EnableAPI {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
			Handler:           a.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv.RegisterOnShutdown(a.MCP.Close)
		go func() {
			a.logger.Info("server starting", "port", a.cfg.ServerPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("server failed", "error", runErr)
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}
	if consumer != nil {
		consumer.Stop()
		select {
		case <-consumer.StopChan:
		case <-shutdownCtx.Done():
			a.logger.Warn("ingest consumer did not stop in time")
		}
	}
	return runErr
}

func (a *App) startConsumer() (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	concurrency := a.cfg.IngestionConcurrency
	if concurrency < 1 {
		concurrency = ingest.DefaultConcurrency
	}
	nsqCfg.MaxInFlight = concurrency
	// Ingestion of a large scanned PDF can outlast the default message timeout.
	nsqCfg.MsgTimeout = a.cfg.WorkerTimeout + time.Minute

	consumer, err := nsq.NewConsumer(config.TopicIngestTask, config.ChannelIngestWorker, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddConcurrentHandlers(a.Consumer, concurrency)
	if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsqlookupd: %w", err)
	}
	a.logger.Info("ingest consumer connected", "topic", config.TopicIngestTask, "channel", config.ChannelIngestWorker)
	return consumer, nil
}

// Close flushes the query log and releases the bootstrap dependencies once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.queryLog != nil {
			errs = append(errs, a.queryLog.Close())
		}
		if a.deps != nil {
			errs = append(errs, a.deps.Close(context.Background()))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
