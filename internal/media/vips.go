package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"

	"assetindex/internal/logging"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
)

var (
	vipsMu        sync.Mutex
	vipsStarted   bool
	vipsAvailable bool
)

// errVipsUnavailable is returned when libvips was not started.
var errVipsUnavailable = errors.New("libvips not available")

// InitVips starts libvips so formats the Go decoders lack can still be
// previewed and fingerprinted. Call it once at startup; later calls are
// no-ops. libvips cannot be restarted after ShutdownVips.
func InitVips() error {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	if vipsStarted {
		return nil
	}

	// Map our log level onto libvips before Startup so LOG_LEVEL applies to
	// its messages too.
	verbosity := vips.LogLevelWarning
	switch logging.GetLevel() {
	case logging.LevelDebug:
		verbosity = vips.LogLevelInfo
	case logging.LevelWarn:
		verbosity = vips.LogLevelError
	case logging.LevelError:
		verbosity = vips.LogLevelCritical
	}
	vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
		switch level {
		case vips.LogLevelError, vips.LogLevelCritical:
			logging.Error("[%s] %s", domain, msg)
		case vips.LogLevelWarning:
			logging.Warn("[%s] %s", domain, msg)
		default:
			logging.Debug("[%s] %s", domain, msg)
		}
	}, verbosity)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheMem:      50 * 1024 * 1024,
		MaxCacheSize:     100,
	})

	vipsStarted = true
	vipsAvailable = true
	logging.Info("libvips initialized (version: %s)", vips.Version)
	return nil
}

// ShutdownVips releases libvips.
func ShutdownVips() {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	if vipsAvailable {
		vips.Shutdown()
		vipsAvailable = false
		logging.Info("libvips shutdown complete")
	}
}

// IsVipsAvailable reports whether libvips is running.
func IsVipsAvailable() bool {
	vipsMu.Lock()
	defer vipsMu.Unlock()
	return vipsAvailable
}

// decodeWithVips decodes data with libvips, shrinking it to fit within
// maxDimension during the decode. The result is round-tripped through JPEG
// so callers get an image.Image like every other decode path.
func decodeWithVips(data []byte, maxDimension int) (image.Image, error) {
	if !IsVipsAvailable() {
		return nil, errVipsUnavailable
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("vips failed to load image: %w", err)
	}
	defer ref.Close()

	if ref.Width() > maxDimension || ref.Height() > maxDimension {
		logging.Debug("Vips shrinking %dx%d to fit %d", ref.Width(), ref.Height(), maxDimension)
		if err := ref.Thumbnail(maxDimension, maxDimension, vips.InterestingNone); err != nil {
			return nil, fmt.Errorf("vips resize failed: %w", err)
		}
	}

	out, _, err := ref.ExportJpeg(&vips.JpegExportParams{Quality: 95, OptimizeCoding: true})
	if err != nil {
		return nil, fmt.Errorf("vips export failed: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode vips output: %w", err)
	}
	return img, nil
}
