package containers

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"assetindex/internal/blobstore"
	"assetindex/internal/hashing"
	"assetindex/internal/indexer"
	"assetindex/internal/logging"
	"assetindex/internal/mediatypes"
)

// DefaultMaxEntries caps how many entries one container may yield.
const DefaultMaxEntries = 100_000

const sniffLen = 512

var (
	zipMagic  = []byte("PK\x03\x04")
	zipEmpty  = []byte("PK\x05\x06")
	gzipMagic = []byte{0x1f, 0x8b}
	tarMagic  = []byte("ustar")
)

// ErrTooManyEntries is returned when a container exceeds MaxEntries.
var ErrTooManyEntries = errors.New("container has too many entries")

// Extractor materializes zip, tar and gzip-compressed tar containers.
type Extractor struct {
	// MaxEntries caps the entries of one container. Zero means
	// DefaultMaxEntries.
	MaxEntries int
	// TempDir receives spooled copies of zip sources that cannot seek.
	TempDir string
}

// NewExtractor creates an extractor with default limits.
func NewExtractor() *Extractor {
	return &Extractor{MaxEntries: DefaultMaxEntries}
}

// Format detects the container format from the leading bytes.
func Format(head []byte) string {
	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmpty):
		return mediatypes.ContainerZip
	case bytes.HasPrefix(head, gzipMagic):
		return mediatypes.ContainerTarGz
	case len(head) >= 262 && bytes.Equal(head[257:262], tarMagic):
		return mediatypes.ContainerTar
	}
	return ""
}

// CleanName normalizes an entry name. Names that would escape the
// container are rejected.
func CleanName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := path.Clean("/" + name)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", false
		}
	}
	return clean, true
}

// Materialize yields every regular entry of the container, hashed while it
// is read.
func (e *Extractor) Materialize(ctx context.Context, blob blobstore.Blob, open indexer.Opener, yield func(indexer.ContainerEntry) error) error {
	rc, err := open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 64*1024)
	head, _ := br.Peek(sniffLen)

	limit := e.maxEntries()
	counted := func(entry indexer.ContainerEntry) error {
		if limit == 0 {
			return fmt.Errorf("%w: %w: more than %d", indexer.ErrUnsupported, ErrTooManyEntries, e.maxEntries())
		}
		limit--
		return yield(entry)
	}

	start := time.Now()
	format := Format(head)
	switch format {
	case mediatypes.ContainerZip:
		err = e.walkZip(ctx, rc, br, func(f *zip.File) error {
			return e.emitZip(ctx, f, counted)
		})
	case mediatypes.ContainerTar:
		err = walkTar(br, func(hdr *tar.Header, r io.Reader) (bool, error) {
			return false, emit(ctx, hdr.Name, hdr.Size, hdr.ModTime, r, counted)
		})
	case mediatypes.ContainerTarGz:
		err = walkTarGz(br, func(hdr *tar.Header, r io.Reader) (bool, error) {
			return false, emit(ctx, hdr.Name, hdr.Size, hdr.ModTime, r, counted)
		})
	default:
		return fmt.Errorf("%w: container format of %s", indexer.ErrUnsupported, blob.ContentHash)
	}
	if err != nil {
		return err
	}

	logging.Debug("Materialized %s container %s in %v", format, blob.ContentHash, time.Since(start))
	return nil
}

func (e *Extractor) maxEntries() int {
	if e.MaxEntries <= 0 {
		return DefaultMaxEntries
	}
	return e.MaxEntries
}

// OpenEntry opens one entry of the container by name.
func (e *Extractor) OpenEntry(ctx context.Context, blob blobstore.Blob, open indexer.Opener, name string) (io.ReadCloser, error) {
	want, ok := CleanName(name)
	if !ok {
		return nil, fmt.Errorf("invalid entry name %q", name)
	}

	rc, err := open(ctx)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(rc, 64*1024)
	head, _ := br.Peek(sniffLen)

	var found io.ReadCloser
	errFound := errors.New("found")

	switch Format(head) {
	case mediatypes.ContainerZip:
		err = e.walkZip(ctx, rc, br, func(f *zip.File) error {
			if n, ok := CleanName(f.Name); !ok || n != want || f.FileInfo().IsDir() {
				return nil
			}
			r, err := f.Open()
			if err != nil {
				return err
			}
			data, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				return err
			}
			found = io.NopCloser(bytes.NewReader(data))
			return errFound
		})
		rc.Close()
	case mediatypes.ContainerTar, mediatypes.ContainerTarGz:
		match := func(hdr *tar.Header, r io.Reader) (bool, error) {
			if n, ok := CleanName(hdr.Name); !ok || n != want || hdr.Typeflag != tar.TypeReg {
				return false, nil
			}
			found = &entryReader{Reader: r, closer: rc}
			return true, nil
		}
		if Format(head) == mediatypes.ContainerTar {
			err = walkTar(br, match)
		} else {
			err = walkTarGz(br, match)
		}
		if found == nil {
			rc.Close()
		}
	default:
		rc.Close()
		return nil, fmt.Errorf("%w: container format of %s", indexer.ErrUnsupported, blob.ContentHash)
	}

	if err != nil && !errors.Is(err, errFound) {
		if found != nil {
			found.Close()
		}
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("entry %s: %w", name, os.ErrNotExist)
	}
	return found, nil
}

// entryReader keeps the container open while one tar entry is read.
type entryReader struct {
	io.Reader
	closer io.Closer
}

func (r *entryReader) Close() error {
	return r.closer.Close()
}

func emit(ctx context.Context, rawName string, size int64, mtime time.Time, r io.Reader, yield func(indexer.ContainerEntry) error) error {
	name, ok := CleanName(rawName)
	if !ok {
		logging.Warn("Skipping container entry with unsafe name %q", rawName)
		return nil
	}

	head := &headBuffer{}
	sums, err := hashing.Stream(ctx, io.TeeReader(r, head), size, mtime)
	if err != nil {
		return fmt.Errorf("hash entry %s: %w", name, err)
	}

	return yield(indexer.ContainerEntry{
		Name:        name,
		Size:        size,
		ModTime:     mtime,
		FastHash:    sums.FastHash,
		ContentHash: sums.ContentHash,
		Hint:        mediatypes.Sniff(name, head.Bytes()),
	})
}

// headBuffer keeps the first bytes written to it for content sniffing.
type headBuffer struct {
	bytes.Buffer
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := sniffLen - h.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.Buffer.Write(p[:room])
	}
	return len(p), nil
}
