package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"

	"assetindex/internal/metrics"
)

const (
	// WindowSize is the size of each sampled window of the fast hash.
	WindowSize = 64 * 1024
	// sampledWindows is head, middle and tail.
	sampledWindows = 3
	// chunkSize is the read size for streaming content hashes.
	chunkSize = 256 * 1024

	fastHashVersion = 1
)

// Sums carries both tiers computed in a single pass.
type Sums struct {
	FastHash    string
	ContentHash string
	Size        int64
}

// windows returns the offsets of the sampled windows for a file of size
// bytes. A nil result means the whole file is hashed.
func windows(size int64) []int64 {
	if size <= WindowSize*sampledWindows {
		return nil
	}
	return []int64{0, size/2 - WindowSize/2, size - WindowSize}
}

func newFastDigest(size int64, mtime time.Time) (hash.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	var header [17]byte
	header[0] = fastHashVersion
	binary.LittleEndian.PutUint64(header[1:9], uint64(size))
	binary.LittleEndian.PutUint64(header[9:17], uint64(mtime.UnixNano()))
	h.Write(header[:])
	return h, nil
}

// Fast computes the fast hash of r: BLAKE2b-256 over size, mtime and three
// 64 KiB windows (head, middle, tail). Files of up to three windows are read
// whole, so the time taken is bounded regardless of file size.
func Fast(r io.ReaderAt, size int64, mtime time.Time) (string, error) {
	start := time.Now()

	h, err := newFastDigest(size, mtime)
	if err != nil {
		metrics.HashFailures.WithLabelValues("hash").Inc()
		return "", hashFailure("fast hash", "", err)
	}

	offsets := windows(size)
	var read int64
	if offsets == nil {
		n, err := io.Copy(h, io.NewSectionReader(r, 0, size))
		read = n
		if err == nil && n != size {
			err = &sizeMismatchError{want: size, got: n}
		}
		if err != nil {
			metrics.HashFailures.WithLabelValues("io").Inc()
			return "", ioFailure("fast hash", "", err)
		}
	} else {
		buf := make([]byte, WindowSize)
		for _, off := range offsets {
			n, err := r.ReadAt(buf, off)
			read += int64(n)
			if n == WindowSize && errors.Is(err, io.EOF) {
				err = nil
			}
			if err != nil {
				metrics.HashFailures.WithLabelValues("io").Inc()
				return "", ioFailure("fast hash", "", err)
			}
			h.Write(buf)
		}
	}

	metrics.HashBytesTotal.WithLabelValues("fast").Add(float64(read))
	metrics.HashDuration.WithLabelValues("fast").Observe(time.Since(start).Seconds())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Content streams r through SHA-256. size is the expected length; a
// negative size disables the check. A stream that ends early or runs long is
// an IOFailure: the file changed or vanished mid-read.
func Content(ctx context.Context, r io.Reader, size int64) (string, error) {
	start := time.Now()
	h := sha256.New()

	n, err := copyWithContext(ctx, h, r)
	metrics.HashBytesTotal.WithLabelValues("content").Add(float64(n))
	if err != nil {
		return "", err
	}
	if size >= 0 && n != size {
		metrics.HashFailures.WithLabelValues("io").Inc()
		return "", ioFailure("content hash", "", &sizeMismatchError{want: size, got: n})
	}

	metrics.HashDuration.WithLabelValues("content").Observe(time.Since(start).Seconds())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stream computes both tiers in one sequential pass, for inputs that cannot
// seek such as container entries. The fast hash equals what Fast returns for
// the same bytes, size and mtime.
func Stream(ctx context.Context, r io.Reader, size int64, mtime time.Time) (Sums, error) {
	start := time.Now()

	fast, err := newFastDigest(size, mtime)
	if err != nil {
		metrics.HashFailures.WithLabelValues("hash").Inc()
		return Sums{}, hashFailure("stream hash", "", err)
	}
	content := sha256.New()
	sampler := newSampler(size)

	n, err := copyWithContext(ctx, io.MultiWriter(content, sampler), r)
	metrics.HashBytesTotal.WithLabelValues("content").Add(float64(n))
	if err != nil {
		return Sums{}, err
	}
	if n != size {
		metrics.HashFailures.WithLabelValues("io").Inc()
		return Sums{}, ioFailure("stream hash", "", &sizeMismatchError{want: size, got: n})
	}

	sampler.writeTo(fast)
	metrics.HashDuration.WithLabelValues("content").Observe(time.Since(start).Seconds())

	return Sums{
		FastHash:    hex.EncodeToString(fast.Sum(nil)),
		ContentHash: hex.EncodeToString(content.Sum(nil)),
		Size:        n,
	}, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr == nil && written != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				metrics.HashFailures.WithLabelValues("hash").Inc()
				return total, hashFailure("digest", "", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			metrics.HashFailures.WithLabelValues("io").Inc()
			return total, ioFailure("read", "", err)
		}
	}
}

// sampler captures the fast hash windows from a sequential stream.
type sampler struct {
	offsets []int64
	bufs    [][]byte
	whole   []byte
	pos     int64
}

func newSampler(size int64) *sampler {
	s := &sampler{offsets: windows(size)}
	if s.offsets == nil {
		s.whole = make([]byte, 0, max(size, 0))
		return s
	}
	s.bufs = make([][]byte, len(s.offsets))
	for i := range s.bufs {
		s.bufs[i] = make([]byte, 0, WindowSize)
	}
	return s
}

func (s *sampler) Write(p []byte) (int, error) {
	if s.offsets == nil {
		room := cap(s.whole) - len(s.whole)
		s.whole = append(s.whole, p[:min(room, len(p))]...)
		s.pos += int64(len(p))
		return len(p), nil
	}

	chunkStart, chunkEnd := s.pos, s.pos+int64(len(p))
	for i, off := range s.offsets {
		lo := max(off, chunkStart)
		hi := min(off+WindowSize, chunkEnd)
		if lo < hi {
			s.bufs[i] = append(s.bufs[i], p[lo-chunkStart:hi-chunkStart]...)
		}
	}
	s.pos = chunkEnd
	return len(p), nil
}

func (s *sampler) writeTo(h hash.Hash) {
	if s.offsets == nil {
		h.Write(s.whole)
		return
	}
	for _, b := range s.bufs {
		h.Write(b)
	}
}
