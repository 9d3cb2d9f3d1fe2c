package containers

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"assetindex/internal/indexer"
)

// walkTar calls fn for every regular entry until fn reports it is done.
func walkTar(r io.Reader, fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	tr := tar.NewReader(r)
	for first := true; ; first = false {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if first && errors.Is(err, tar.ErrHeader) {
			return fmt.Errorf("%w: not a tar archive", indexer.ErrUnsupported)
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		done, err := fn(hdr, tr)
		if err != nil || done {
			return err
		}
	}
}

func walkTarGz(r io.Reader, fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: read gzip: %v", indexer.ErrUnsupported, err)
	}
	return walkTar(gz, fn)
}

// walkZip opens the zip directory. Zip needs random access, so sources that
// cannot seek are spooled to a temporary file first.
func (e *Extractor) walkZip(ctx context.Context, src io.ReadCloser, buffered io.Reader, fn func(f *zip.File) error) error {
	ra, size, cleanup, err := e.readerAt(src, buffered)
	if err != nil {
		return err
	}
	defer cleanup()

	zr, err := zip.NewReader(ra, size)
	if errors.Is(err, zip.ErrInsecurePath) && zr != nil {
		// Unsafe names are skipped entry by entry.
		err = nil
	}
	if err != nil {
		return fmt.Errorf("%w: read zip: %v", indexer.ErrUnsupported, err)
	}
	for _, f := range zr.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.FileInfo().IsDir() || !f.Mode().IsRegular() {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) emitZip(ctx context.Context, f *zip.File, yield func(indexer.ContainerEntry) error) error {
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer r.Close()
	return emit(ctx, f.Name, int64(f.UncompressedSize64), f.Modified, r, yield)
}

type statReaderAt interface {
	io.ReaderAt
	Stat() (os.FileInfo, error)
}

func (e *Extractor) readerAt(src io.ReadCloser, buffered io.Reader) (io.ReaderAt, int64, func(), error) {
	if f, ok := src.(statReaderAt); ok {
		info, err := f.Stat()
		if err == nil && info.Mode().IsRegular() {
			return f, info.Size(), func() {}, nil
		}
	}

	tmp, err := os.CreateTemp(e.TempDir, "container-*.zip")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	size, err := io.Copy(tmp, buffered)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool zip: %w", err)
	}
	return tmp, size, cleanup, nil
}
