package handlers

import (
	"net/http"
	"time"

	"assetindex/internal/assets"
	"assetindex/internal/audit"
	"assetindex/internal/blobstore"
	"assetindex/internal/database"
	"assetindex/internal/indexer"
	"assetindex/internal/jobs"
	"assetindex/internal/media"
	"assetindex/internal/streaming"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the components the handlers read from and act on.
// Previews may be nil when preview generation is disabled. A zero Stream
// uses streaming.DefaultConfig.
type Dependencies struct {
	DB        *database.Database
	Tracker   *assets.Tracker
	Blobs     *blobstore.Store
	Scheduler *jobs.Scheduler
	Audit     *audit.Log
	Detector  *indexer.Detector
	Processor *indexer.Processor
	Previews  *media.PreviewGenerator
	Stream    streaming.Config
}

type Handlers struct {
	db           *database.Database
	tracker      *assets.Tracker
	blobs        *blobstore.Store
	scheduler    *jobs.Scheduler
	audit        *audit.Log
	detector     *indexer.Detector
	processor    *indexer.Processor
	previews     *media.PreviewGenerator
	streamConfig streaming.Config
	startTime    time.Time
}

func New(deps Dependencies) *Handlers {
	if deps.Stream == (streaming.Config{}) {
		deps.Stream = streaming.DefaultConfig()
	}
	return &Handlers{
		db:           deps.DB,
		tracker:      deps.Tracker,
		blobs:        deps.Blobs,
		scheduler:    deps.Scheduler,
		audit:        deps.Audit,
		detector:     deps.Detector,
		processor:    deps.Processor,
		previews:     deps.Previews,
		streamConfig: deps.Stream,
		startTime:    time.Now(),
	}
}

// MetricsHandler returns the Prometheus metrics handler
func (h *Handlers) MetricsHandler() http.Handler {
	return promhttp.Handler()
}
