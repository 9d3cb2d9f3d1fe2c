package media

import (
	"context"
	"errors"
	"testing"

	"assetindex/internal/indexer"

	"github.com/davidbyttow/govips/v2/vips"
)

// libvips cannot be restarted once shut down, so these tests start it and
// leave it running.

func TestDecodeWithVipsUnavailable(t *testing.T) {
	if IsVipsAvailable() {
		t.Skip("libvips already running")
	}
	if _, err := decodeWithVips([]byte("anything"), 100); !errors.Is(err, errVipsUnavailable) {
		t.Errorf("err = %v, want errVipsUnavailable", err)
	}
}

func TestInitVipsIdempotent(t *testing.T) {
	if err := InitVips(); err != nil {
		t.Skipf("libvips not available: %v", err)
	}
	if err := InitVips(); err != nil {
		t.Errorf("second InitVips: %v", err)
	}
	if !IsVipsAvailable() {
		t.Error("libvips not available after InitVips")
	}
}

// tiffImage encodes a gradient as TIFF, which only libvips decodes here.
func tiffImage(t *testing.T, width, height int) []byte {
	t.Helper()
	ref, err := vips.NewImageFromBuffer(encode(t, gradient(width, height, false), "png"))
	if err != nil {
		t.Fatalf("vips load: %v", err)
	}
	defer ref.Close()
	data, _, err := ref.ExportTiff(vips.NewTiffExportParams())
	if err != nil {
		t.Fatalf("vips export: %v", err)
	}
	return data
}

func TestDecodeConstrainedFallsBackToVips(t *testing.T) {
	if err := InitVips(); err != nil {
		t.Skipf("libvips not available: %v", err)
	}
	data := tiffImage(t, 400, 200)

	img, err := DecodeConstrained(data, 100, MaxImagePixels)
	if err != nil {
		t.Fatalf("DecodeConstrained: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("size = %dx%d, want 100x50", b.Dx(), b.Dy())
	}

	if _, err := DecodeConstrained([]byte("definitely not pixels"), 100, MaxImagePixels); !errors.Is(err, indexer.ErrUnsupported) {
		t.Errorf("garbage err = %v, want ErrUnsupported", err)
	}
}

func TestPreviewOfVipsOnlyFormat(t *testing.T) {
	if err := InitVips(); err != nil {
		t.Skipf("libvips not available: %v", err)
	}
	g := NewPreviewGenerator(t.TempDir())

	artifact, err := g.GeneratePreview(context.Background(), imageBlob("cc"), opener(tiffImage(t, 800, 400), nil))
	if err != nil {
		t.Fatalf("GeneratePreview: %v", err)
	}
	if artifact.Width != DefaultPreviewSize || artifact.Height != DefaultPreviewSize/2 {
		t.Errorf("preview = %dx%d, want %dx%d", artifact.Width, artifact.Height, DefaultPreviewSize, DefaultPreviewSize/2)
	}
}
