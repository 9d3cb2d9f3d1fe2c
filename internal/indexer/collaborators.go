package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"assetindex/internal/blobstore"
	"assetindex/internal/mediatypes"
)

// ErrUnsupported is returned by collaborators for content they cannot
// handle. Jobs failing with it are not retried.
var ErrUnsupported = errors.New("unsupported content")

// Opener opens the bytes of a blob for one read.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// PreviewArtifact is a rendered preview of a blob.
type PreviewArtifact struct {
	// Ref locates the stored preview, such as a cache file path.
	Ref    string `json:"ref"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// PreviewGenerator renders previews.
type PreviewGenerator interface {
	GeneratePreview(ctx context.Context, blob blobstore.Blob, open Opener) (PreviewArtifact, error)
}

// FingerprintVector is a perceptual fingerprint used for similarity search.
type FingerprintVector struct {
	Algorithm string `json:"algorithm"`
	Bits      uint64 `json:"bits"`
}

// Ref is the stored form of the fingerprint.
func (v FingerprintVector) Ref() string {
	return fmt.Sprintf("%s:%016x", v.Algorithm, v.Bits)
}

// FingerprintComputer computes similarity fingerprints.
type FingerprintComputer interface {
	ComputeFingerprint(ctx context.Context, blob blobstore.Blob, open Opener) (FingerprintVector, error)
}

// ContainerEntry is one regular file inside a container, hashed while it
// was extracted.
type ContainerEntry struct {
	Name        string
	Size        int64
	ModTime     time.Time
	FastHash    string
	ContentHash string
	Hint        mediatypes.Hint
}

// ContainerExtractor lists and opens the entries of container blobs.
type ContainerExtractor interface {
	// Materialize calls yield for every regular entry of the container.
	Materialize(ctx context.Context, blob blobstore.Blob, open Opener, yield func(ContainerEntry) error) error
	// OpenEntry opens a single entry by name.
	OpenEntry(ctx context.Context, blob blobstore.Blob, open Opener, name string) (io.ReadCloser, error)
}
