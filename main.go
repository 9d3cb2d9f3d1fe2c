package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assetindex/internal/assets"
	"assetindex/internal/audit"
	"assetindex/internal/blobstore"
	"assetindex/internal/containers"
	"assetindex/internal/database"
	"assetindex/internal/filesystem"
	"assetindex/internal/handlers"
	"assetindex/internal/indexer"
	"assetindex/internal/jobs"
	"assetindex/internal/logging"
	"assetindex/internal/media"
	"assetindex/internal/memory"
	"assetindex/internal/metrics"
	"assetindex/internal/middleware"
	"assetindex/internal/startup"

	"github.com/gofrs/flock"
	"github.com/gorilla/mux"
)

const statsInterval = time.Minute

func main() {
	startTime := time.Now()

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	limit, source := memory.ApplyLimitFromEnv()
	startup.LogMemoryConfig(limit, source)

	// One daemon per database
	lock := flock.New(config.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		startup.LogFatal("Failed to acquire %s: %v", config.LockPath, err)
	}
	if !locked {
		startup.LogFatal("Another instance is using %s", config.DatabaseDir)
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	dbStart := time.Now()
	db, err := database.New(ctx, config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	defer db.Close()
	startup.LogDatabaseInit(time.Since(dbStart))

	auditLog := audit.New(db)
	blobs := blobstore.New(db, auditLog)
	if err := blobs.CheckInvariants(ctx); err != nil {
		startup.LogFatal("Blob store check failed: %v", err)
	}

	memConfig := memory.DefaultConfig()
	memConfig.LimitBytes = limit
	monitor := memory.NewMonitor(memConfig)
	monitor.Start()

	scheduler := jobs.New(db, auditLog, jobs.Config{
		Workers:      config.JobWorkers,
		MaxAttempts:  config.JobMaxAttempts,
		RetryInitial: config.JobRetryInitial,
		RetryMax:     config.JobRetryMax,
		Retention:    config.JobRetention,
	}, monitor)
	tracker := assets.New(db, auditLog, blobs, scheduler)

	filesystem.SetObserver(metrics.NewFilesystemObserver())
	volumes := filesystem.NewVolumeResolver(config.Volumes)
	filesystem.SetDefaultVolumeResolver(volumes)

	// Initialize change detector
	startup.LogIndexerInit(config.Roots, config.SweepInterval, config.MoveWindow)
	detectorConfig := indexer.Config{
		Roots:          config.Roots,
		SweepInterval:  config.SweepInterval,
		MoveWindow:     config.MoveWindow,
		IgnorePatterns: config.IgnorePatterns,
		Walker:         indexer.DefaultWalkerConfig(),
		Volumes:        volumes,
	}
	if config.WatchEnabled {
		detectorConfig.Sources = indexer.NewWatcher
	}
	detector, err := indexer.New(db, tracker, detectorConfig)
	if err != nil {
		startup.LogFatal("Failed to create change detector: %v", err)
	}

	// Wire job handlers
	kinds := []string{string(jobs.KindHash)}
	processorConfig := indexer.ProcessorConfig{Retry: filesystem.DefaultRetryConfig()}
	var previews *media.PreviewGenerator
	if config.VipsEnabled && (config.PreviewsEnabled || config.SimilarityEnabled) {
		if err := media.InitVips(); err != nil {
			logging.Warn("libvips unavailable, extra image formats are skipped: %v", err)
		}
	}
	if config.PreviewsEnabled {
		previews = media.NewPreviewGenerator(config.CacheDir)
		processorConfig.Previews = previews
		kinds = append(kinds, string(jobs.KindPreview))
	}
	if config.SimilarityEnabled {
		processorConfig.Fingerprints = media.NewFingerprinter()
		kinds = append(kinds, string(jobs.KindSimilarity))
	}
	if config.ContainersEnabled {
		processorConfig.Extractor = containers.NewExtractor()
		kinds = append(kinds, string(jobs.KindContainer))
	}
	processor := indexer.NewProcessor(tracker, blobs, scheduler, detector, processorConfig)
	if err := processor.Register(); err != nil {
		startup.LogFatal("Failed to register job handlers: %v", err)
	}

	if err := scheduler.Start(ctx); err != nil {
		startup.LogFatal("Failed to start job scheduler: %v", err)
	}
	startup.LogSchedulerStarted(config.JobWorkers, kinds)

	// The initial sweep runs in the background; /readyz reports when it is done
	if err := detector.Start(ctx); err != nil {
		startup.LogFatal("Failed to start change detector: %v", err)
	}
	startup.LogIndexerStarted()

	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)
	collector := metrics.NewCollector(indexStats{db: db, tracker: tracker, blobs: blobs, scheduler: scheduler}, config.DatabasePath, statsInterval)
	collector.Start()

	// Initialize handlers
	h := handlers.New(handlers.Dependencies{
		DB:        db,
		Tracker:   tracker,
		Blobs:     blobs,
		Scheduler: scheduler,
		Audit:     auditLog,
		Detector:  detector,
		Processor: processor,
		Previews:  previews,
	})

	// Setup router
	router := setupRouter(h)
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	// Apply logging middleware
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggedHandler := middleware.Logger(loggingConfig)(router)

	// Apply compression middleware
	handler := middleware.Compression(middleware.DefaultCompressionConfig())(loggedHandler)

	// Request contexts end when shutdown begins so event streams let go
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return requestCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	// Start graceful shutdown handler
	done := make(chan struct{})
	go handleShutdown(srv, done, func() {
		startup.LogShutdownStep("Stopping change detector")
		detector.Stop()
		startup.LogShutdownStepComplete("Change detector stopped")

		startup.LogShutdownStep("Stopping job scheduler")
		scheduler.Stop()
		startup.LogShutdownStepComplete("Job scheduler stopped")
		media.ShutdownVips()

		collector.Stop()
		monitor.Stop()
	})

	// Start server
	startup.LogServerStarted(startup.ServerConfig{Port: config.Port, StartupDuration: time.Since(startTime)})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		startup.LogFatal("Server error: %v", err)
	}
	<-done
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))

	// Health, version and metrics
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")
	r.Handle("/metrics", h.MetricsHandler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Blobs
	api.HandleFunc("/blobs/reclaimable", h.ListReclaimable).Methods("GET")
	api.HandleFunc("/blobs/stats", h.GetBlobStats).Methods("GET")
	api.HandleFunc("/blobs/{hash}", h.GetBlob).Methods("GET")
	api.HandleFunc("/blobs/{hash}/assets", h.GetBlobAssets).Methods("GET")
	api.HandleFunc("/blobs/{hash}/preview", h.GetBlobPreview).Methods("GET")
	api.HandleFunc("/duplicates", h.ListDuplicates).Methods("GET")

	// Assets
	api.HandleFunc("/assets", h.FindAsset).Methods("GET")
	api.HandleFunc("/assets/{id:[0-9]+}", h.GetAsset).Methods("GET")
	api.HandleFunc("/assets/{id:[0-9]+}/rehash", h.RehashAsset).Methods("POST")
	api.HandleFunc("/rescan", h.TriggerRescan).Methods("POST")

	// Jobs
	api.HandleFunc("/jobs/stats", h.GetJobStats).Methods("GET")
	api.HandleFunc("/jobs/dead", h.ListDeadJobs).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}/retry", h.RetryJob).Methods("POST")

	// Audit
	api.HandleFunc("/audit", h.ListAudit).Methods("GET")
	api.HandleFunc("/audit/stream", h.StreamAudit).Methods("GET")
	api.HandleFunc("/audit/{id:[0-9]+}", h.GetAuditRecord).Methods("GET")

	return r
}

func handleShutdown(srv *http.Server, done chan<- struct{}, stopServices func()) {
	defer close(done)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	stopServices()
	startup.LogShutdownComplete()
}

// indexStats feeds the metrics collector from the live components.
type indexStats struct {
	db        *database.Database
	tracker   *assets.Tracker
	blobs     *blobstore.Store
	scheduler *jobs.Scheduler
}

func (s indexStats) IndexStats(ctx context.Context) (metrics.Stats, error) {
	s.db.UpdateDBMetrics()

	counts, err := s.tracker.Counts(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}
	blobStats, err := s.blobs.Stats(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}
	jobStats, err := s.scheduler.Stats(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}

	stats := metrics.Stats{
		AssetsByState:    make(map[string]int, len(counts)),
		BlobsReferenced:  blobStats.Referenced,
		BlobsReclaimable: blobStats.Reclaimable,
		BlobBytes:        blobStats.Bytes,
		JobsByState:      make(map[string]int, len(jobStats)),
	}
	for state, n := range counts {
		stats.AssetsByState[string(state)] = n
	}
	for state, n := range jobStats {
		stats.JobsByState[string(state)] = n
	}
	return stats, nil
}
