package hashing

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"assetindex/internal/filesystem"
)

// Sample is the cheap observation of a file: its size, mtime and fast hash.
type Sample struct {
	Path     string
	Size     int64
	ModTime  time.Time
	FastHash string
}

// FastFile stats and samples the file at path. Only regular files can be
// sampled.
func FastFile(ctx context.Context, path string, retry filesystem.RetryConfig) (Sample, error) {
	f, err := filesystem.OpenWithRetry(ctx, path, retry)
	if err != nil {
		return Sample{}, ioFailure("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Sample{}, ioFailure("stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return Sample{}, ioFailure("sample", path, errors.New("not a regular file"))
	}

	sum, err := Fast(f, info.Size(), info.ModTime())
	if err != nil {
		return Sample{}, withPath(err, path)
	}

	return Sample{
		Path:     path,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		FastHash: sum,
	}, nil
}

// ContentFile computes the content hash of the file at path along with the
// size it had when opened.
func ContentFile(ctx context.Context, path string, retry filesystem.RetryConfig) (string, int64, error) {
	f, err := filesystem.OpenWithRetry(ctx, path, retry)
	if err != nil {
		return "", 0, ioFailure("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, ioFailure("stat", path, err)
	}

	sum, err := Content(ctx, f, info.Size())
	if err != nil {
		return "", 0, withPath(err, path)
	}

	// An open descriptor keeps reading an unlinked or replaced file, so check
	// the path still names the bytes that were hashed.
	after, err := filesystem.StatWithRetry(ctx, path, retry)
	if err != nil {
		return "", 0, ioFailure("stat", path, err)
	}
	if after.Size() != info.Size() || !after.ModTime().Equal(info.ModTime()) {
		return "", 0, ioFailure("content hash", path, errChangedDuringRead)
	}
	return sum, info.Size(), nil
}

var errChangedDuringRead = errors.New("file changed while it was being read")

// Verify recomputes the content hash of path and reports whether it equals
// expected.
func Verify(ctx context.Context, path, expected string, retry filesystem.RetryConfig) (bool, error) {
	sum, _, err := ContentFile(ctx, path, retry)
	if err != nil {
		return false, err
	}
	return sum == expected, nil
}

// IsNotExist reports whether err means the file is gone.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func withPath(err error, path string) error {
	var he *Error
	if errors.As(err, &he) && he.Path == "" {
		cp := *he
		cp.Path = path
		return &cp
	}
	return err
}
