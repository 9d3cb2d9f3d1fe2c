package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"assetindex/internal/blobstore"
	"assetindex/internal/indexer"
	"assetindex/internal/logging"
	"assetindex/internal/mediatypes"

	"github.com/disintegration/imaging"
)

const (
	// DefaultPreviewSize is the bounding box of generated previews.
	DefaultPreviewSize = 200
	// DefaultPreviewQuality is the JPEG quality of generated previews.
	DefaultPreviewQuality = 80

	previewDir = "previews"
)

// PreviewGenerator renders JPEG previews of image blobs into a cache
// directory. Previews are keyed by content hash, so every copy of the same
// bytes shares one preview.
type PreviewGenerator struct {
	cacheDir string
	size     int
	quality  int
	mu       sync.Mutex
}

// NewPreviewGenerator creates a generator writing below cacheDir.
func NewPreviewGenerator(cacheDir string) *PreviewGenerator {
	dir := filepath.Join(cacheDir, previewDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Warn("PreviewGenerator: failed to create cache dir: %v", err)
	}
	logging.Debug("PreviewGenerator: cache dir: %s", dir)
	return &PreviewGenerator{
		cacheDir: cacheDir,
		size:     DefaultPreviewSize,
		quality:  DefaultPreviewQuality,
	}
}

// Ref returns the preview reference for a content hash. It is relative to
// the cache directory.
func Ref(contentHash string) string {
	prefix := contentHash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.ToSlash(filepath.Join(previewDir, prefix, contentHash+".jpg"))
}

// Path resolves a preview reference to a file below the cache directory.
func (g *PreviewGenerator) Path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid preview ref %q", ref)
	}
	return filepath.Join(g.cacheDir, clean), nil
}

// GeneratePreview renders a preview of blob, reusing a cached one.
func (g *PreviewGenerator) GeneratePreview(ctx context.Context, blob blobstore.Blob, open indexer.Opener) (indexer.PreviewArtifact, error) {
	if blob.MediaType != mediatypes.TypeImage {
		return indexer.PreviewArtifact{}, fmt.Errorf("%w: %s", indexer.ErrUnsupported, blob.MimeType)
	}

	ref := Ref(blob.ContentHash)
	cachePath, err := g.Path(ref)
	if err != nil {
		return indexer.PreviewArtifact{}, err
	}

	if artifact, ok := cached(cachePath, ref); ok {
		logging.Debug("Preview cache hit: %s", blob.ContentHash)
		return artifact, nil
	}

	img, err := openImage(ctx, open)
	if err != nil {
		return indexer.PreviewArtifact{}, fmt.Errorf("preview generation failed: %w", err)
	}

	thumb := imaging.Fit(img, g.size, g.size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: g.quality}); err != nil {
		return indexer.PreviewArtifact{}, fmt.Errorf("failed to encode preview: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := writeAtomic(cachePath, buf.Bytes()); err != nil {
		return indexer.PreviewArtifact{}, fmt.Errorf("failed to cache preview: %w", err)
	}
	logging.Debug("Preview cached: %s", cachePath)

	bounds := thumb.Bounds()
	return indexer.PreviewArtifact{Ref: ref, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func cached(path, ref string) (indexer.PreviewArtifact, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return indexer.PreviewArtifact{}, false
	}
	config, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return indexer.PreviewArtifact{}, false
	}
	return indexer.PreviewArtifact{Ref: ref, Width: config.Width, Height: config.Height}, true
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".preview-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
