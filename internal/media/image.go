package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"assetindex/internal/indexer"
	"assetindex/internal/logging"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // WebP format support
)

const (
	// MaxImageDimension is the maximum width or height we'll process.
	// Images larger than this are downscaled first.
	MaxImageDimension = 4096

	// MaxImagePixels is the maximum total pixels (width * height) we'll process.
	// A 50MP image would be ~50,000,000 pixels, which uses ~200MB in RGBA.
	MaxImagePixels = 20_000_000 // ~20MP, uses ~80MB in RGBA

	// MaxSourceBytes caps how much of a blob is buffered for decoding.
	MaxSourceBytes = 256 << 20
)

// ImageDimensions holds image width and height
type ImageDimensions struct {
	Width  int
	Height int
}

// readSource buffers the blob so it can be probed and then decoded.
func readSource(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSourceBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSourceBytes {
		return nil, fmt.Errorf("%w: image larger than %d bytes", indexer.ErrUnsupported, MaxSourceBytes)
	}
	return data, nil
}

// GetImageDimensions returns image dimensions without fully decoding the image
func GetImageDimensions(data []byte) (*ImageDimensions, error) {
	config, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &ImageDimensions{Width: config.Width, Height: config.Height}, nil
}

// DecodeConstrained decodes an image, downscaling it if it exceeds the size
// limits. Formats the Go decoders do not understand go to libvips when it is
// running and are otherwise reported as unsupported.
func DecodeConstrained(data []byte, maxDimension, maxPixels int) (image.Image, error) {
	dimensions, err := GetImageDimensions(data)
	if errors.Is(err, image.ErrFormat) {
		if !IsVipsAvailable() {
			return nil, fmt.Errorf("%w: %v", indexer.ErrUnsupported, err)
		}
		img, vipsErr := decodeWithVips(data, maxDimension)
		if vipsErr != nil {
			return nil, fmt.Errorf("%w: %v", indexer.ErrUnsupported, vipsErr)
		}
		return img, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	width, height := dimensions.Width, dimensions.Height
	if width <= maxDimension && height <= maxDimension && width*height <= maxPixels {
		return img, nil
	}

	// First, constrain by max dimension
	targetWidth, targetHeight := width, height
	if width > maxDimension || height > maxDimension {
		if width > height {
			targetWidth = maxDimension
			targetHeight = height * maxDimension / width
		} else {
			targetHeight = maxDimension
			targetWidth = width * maxDimension / height
		}
	}

	// Then, constrain by total pixels if still too large
	if targetPixels := targetWidth * targetHeight; targetPixels > maxPixels {
		scale := math.Sqrt(float64(maxPixels) / float64(targetPixels))
		targetWidth = int(float64(targetWidth) * scale)
		targetHeight = int(float64(targetHeight) * scale)
	}

	logging.Debug("Constraining large image from %dx%d to %dx%d", width, height, targetWidth, targetHeight)
	return imaging.Resize(img, targetWidth, targetHeight, imaging.Lanczos), nil
}

// openImage reads and decodes a blob through open.
func openImage(ctx context.Context, open indexer.Opener) (image.Image, error) {
	rc, err := open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			logging.Warn("failed to close image source: %v", err)
		}
	}()

	data, err := readSource(rc)
	if err != nil {
		return nil, err
	}
	return DecodeConstrained(data, MaxImageDimension, MaxImagePixels)
}
