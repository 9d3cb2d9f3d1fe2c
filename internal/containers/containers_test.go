package containers

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"assetindex/internal/blobstore"
	"assetindex/internal/hashing"
	"assetindex/internal/indexer"
	"assetindex/internal/mediatypes"
)

var testEntries = []struct {
	name string
	body string
}{
	{"readme.txt", "read me first"},
	{"photos/a.png", "\x89PNG\r\n\x1a\nnot really pixels"},
	{"photos/deep/b.txt", "bravo"},
}

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func buildZip(t *testing.T, extra ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := zw.Create("photos/"); err != nil {
		t.Fatal(err)
	}
	for _, e := range testEntries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: testTime})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, e.body); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range extra {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, "escape")
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildTar(t *testing.T, compress bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.Writer = &buf
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(&buf)
		w = gz
	}
	tw := tar.NewWriter(w)
	if err := tw.WriteHeader(&tar.Header{Name: "photos/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: testTime}); err != nil {
		t.Fatal(err)
	}
	for _, e := range testEntries {
		hdr := &tar.Header{Name: e.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(e.body)), ModTime: testTime}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, e.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.WriteHeader(&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "readme.txt", ModTime: testTime}); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func memOpener(data []byte) indexer.Opener {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func fileOpener(t *testing.T, data []byte) indexer.Opener {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

func collect(t *testing.T, e *Extractor, open indexer.Opener) map[string]indexer.ContainerEntry {
	t.Helper()
	got := make(map[string]indexer.ContainerEntry)
	err := e.Materialize(context.Background(), blobstore.Blob{ContentHash: "c0ffee"}, open, func(entry indexer.ContainerEntry) error {
		got[entry.Name] = entry
		return nil
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	return got
}

func TestMaterialize(t *testing.T) {
	zipData := buildZip(t)
	tests := []struct {
		name string
		open indexer.Opener
	}{
		{"zip from file", fileOpener(t, zipData)},
		{"zip from stream", memOpener(zipData)},
		{"tar", memOpener(buildTar(t, false))},
		{"tar.gz", memOpener(buildTar(t, true))},
	}

	e := &Extractor{TempDir: t.TempDir()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, e, tt.open)
			if len(got) != len(testEntries) {
				t.Fatalf("entries = %d, want %d: %v", len(got), len(testEntries), got)
			}
			for _, want := range testEntries {
				entry, ok := got[want.name]
				if !ok {
					t.Errorf("missing entry %s", want.name)
					continue
				}
				sums, err := hashing.Stream(context.Background(), bytes.NewReader([]byte(want.body)), int64(len(want.body)), entry.ModTime)
				if err != nil {
					t.Fatal(err)
				}
				if entry.ContentHash != sums.ContentHash || entry.FastHash != sums.FastHash {
					t.Errorf("%s hashes do not match its bytes", want.name)
				}
				if entry.Size != int64(len(want.body)) {
					t.Errorf("%s size = %d", want.name, entry.Size)
				}
			}
			if got["photos/a.png"].Hint.Type != mediatypes.TypeImage {
				t.Errorf("png entry hint = %+v", got["photos/a.png"].Hint)
			}
		})
	}
}

func TestMaterializeSkipsUnsafeNames(t *testing.T) {
	data := buildZip(t, "../outside.txt")
	got := collect(t, NewExtractor(), memOpener(data))
	if len(got) != len(testEntries) {
		t.Errorf("entries = %d, want %d", len(got), len(testEntries))
	}
	for name := range got {
		if name == "../outside.txt" || name == "outside.txt" {
			t.Errorf("unsafe entry %s was yielded", name)
		}
	}
}

func TestMaterializeUnsupported(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"plain text", []byte("just some text")},
		{"gzip without tar", func() []byte {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			gz.Write(bytes.Repeat([]byte("x"), 2048))
			gz.Close()
			return buf.Bytes()
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewExtractor().Materialize(context.Background(), blobstore.Blob{}, memOpener(tt.data), func(indexer.ContainerEntry) error {
				return nil
			})
			if !errors.Is(err, indexer.ErrUnsupported) {
				t.Errorf("err = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestMaterializeEntryLimit(t *testing.T) {
	e := &Extractor{MaxEntries: 2}
	err := e.Materialize(context.Background(), blobstore.Blob{}, memOpener(buildTar(t, false)), func(indexer.ContainerEntry) error {
		return nil
	})
	if !errors.Is(err, ErrTooManyEntries) || !errors.Is(err, indexer.ErrUnsupported) {
		t.Errorf("err = %v, want ErrTooManyEntries", err)
	}
}

func TestMaterializeStopsOnYieldError(t *testing.T) {
	boom := errors.New("stop")
	err := NewExtractor().Materialize(context.Background(), blobstore.Blob{}, memOpener(buildTar(t, true)), func(indexer.ContainerEntry) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestOpenEntry(t *testing.T) {
	tests := []struct {
		name string
		open indexer.Opener
	}{
		{"zip", fileOpener(t, buildZip(t))},
		{"tar", memOpener(buildTar(t, false))},
		{"tar.gz", memOpener(buildTar(t, true))},
	}

	e := NewExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := e.OpenEntry(context.Background(), blobstore.Blob{}, tt.open, "photos/deep/b.txt")
			if err != nil {
				t.Fatalf("OpenEntry: %v", err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "bravo" {
				t.Errorf("entry = %q, want bravo", data)
			}

			_, err = e.OpenEntry(context.Background(), blobstore.Blob{}, tt.open, "missing.txt")
			if !errors.Is(err, os.ErrNotExist) {
				t.Errorf("missing entry err = %v, want ErrNotExist", err)
			}
		})
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a.txt", "a.txt", true},
		{"/abs/a.txt", "abs/a.txt", true},
		{"dir\\win.txt", "dir/win.txt", true},
		{"./x/./y.txt", "x/y.txt", true},
		{"../up.txt", "", false},
		{"a/../../up.txt", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := CleanName(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CleanName(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(buildZip(t)); got != mediatypes.ContainerZip {
		t.Errorf("zip detected as %q", got)
	}
	if got := Format(buildTar(t, false)); got != mediatypes.ContainerTar {
		t.Errorf("tar detected as %q", got)
	}
	if got := Format(buildTar(t, true)); got != mediatypes.ContainerTarGz {
		t.Errorf("tar.gz detected as %q", got)
	}
	if got := Format([]byte("hello")); got != "" {
		t.Errorf("text detected as %q", got)
	}
}
