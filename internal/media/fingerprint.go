package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math/bits"
	"strconv"
	"strings"

	"assetindex/internal/blobstore"
	"assetindex/internal/indexer"
	"assetindex/internal/mediatypes"

	"github.com/disintegration/imaging"
)

// AlgorithmDHash names the 64-bit difference hash.
const AlgorithmDHash = "dhash"

// Fingerprinter computes difference hashes of image blobs: the image is
// reduced to 9x8 grey pixels and each bit records whether a pixel is
// brighter than its right neighbour.
type Fingerprinter struct{}

// NewFingerprinter creates a fingerprinter.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{}
}

// ComputeFingerprint computes the difference hash of blob.
func (f *Fingerprinter) ComputeFingerprint(ctx context.Context, blob blobstore.Blob, open indexer.Opener) (indexer.FingerprintVector, error) {
	if blob.MediaType != mediatypes.TypeImage {
		return indexer.FingerprintVector{}, fmt.Errorf("%w: %s", indexer.ErrUnsupported, blob.MimeType)
	}
	img, err := openImage(ctx, open)
	if err != nil {
		return indexer.FingerprintVector{}, fmt.Errorf("fingerprint failed: %w", err)
	}
	return indexer.FingerprintVector{Algorithm: AlgorithmDHash, Bits: DHash(img)}, nil
}

// DHash returns the 64-bit difference hash of img.
func DHash(img image.Image) uint64 {
	small := imaging.Grayscale(imaging.Resize(img, 9, 8, imaging.Box))

	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := color.GrayModel.Convert(small.At(x, y)).(color.Gray).Y
			right := color.GrayModel.Convert(small.At(x+1, y)).(color.Gray).Y
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}
	return hash
}

// Distance is the number of differing bits between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// ParseRef parses a stored fingerprint reference.
func ParseRef(ref string) (indexer.FingerprintVector, error) {
	algorithm, hex, ok := strings.Cut(ref, ":")
	if !ok || algorithm == "" {
		return indexer.FingerprintVector{}, fmt.Errorf("invalid fingerprint ref %q", ref)
	}
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return indexer.FingerprintVector{}, fmt.Errorf("invalid fingerprint ref %q: %w", ref, err)
	}
	return indexer.FingerprintVector{Algorithm: algorithm, Bits: v}, nil
}
