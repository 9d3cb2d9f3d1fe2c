package filesystem

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"
)

type recordingObserver struct {
	mu         sync.Mutex
	operations []string
	retries    int
	failures   int
}

func (r *recordingObserver) ObserveOperation(operation, volume string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = append(r.operations, operation+"@"+volume)
}

func (r *recordingObserver) ObserveRetryAttempt(_, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recordingObserver) ObserveRetryFailure(_, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"estale", syscall.ESTALE, true},
		{"wrapped estale", &os.PathError{Op: "open", Path: "/x", Err: syscall.ESTALE}, true},
		{"enoent", syscall.ENOENT, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStale(tt.err); got != tt.want {
				t.Errorf("IsStale(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatAndOpenWithRetry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	obs := &recordingObserver{}
	SetObserver(obs)
	defer SetObserver(nil)

	cfg := DefaultRetryConfig()
	cfg.VolumeResolver = NewVolumeResolver(map[string]string{"data": dir})

	info, err := StatWithRetry(context.Background(), path, cfg)
	if err != nil {
		t.Fatalf("StatWithRetry: %v", err)
	}
	if info.Size() != 5 {
		t.Errorf("size = %d, want 5", info.Size())
	}

	f, err := OpenWithRetry(context.Background(), path, cfg)
	if err != nil {
		t.Fatalf("OpenWithRetry: %v", err)
	}
	f.Close()

	entries, err := ReadDirWithRetry(context.Background(), dir, cfg)
	if err != nil {
		t.Fatalf("ReadDirWithRetry: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{"stat@data", "open@data", "readdir@data"}
	if len(obs.operations) != len(want) {
		t.Fatalf("operations = %v, want %v", obs.operations, want)
	}
	for i := range want {
		if obs.operations[i] != want[i] {
			t.Errorf("operation[%d] = %s, want %s", i, obs.operations[i], want[i])
		}
	}
	if obs.retries != 0 || obs.failures != 0 {
		t.Errorf("unexpected retries=%d failures=%d", obs.retries, obs.failures)
	}
}

func TestNotExistIsNotRetried(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: time.Second}

	start := time.Now()
	_, err := OpenWithRetry(context.Background(), filepath.Join(t.TempDir(), "missing"), cfg)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("missing file should fail without backoff, took %v", time.Since(start))
	}
}

func TestVolumeResolver(t *testing.T) {
	t.Parallel()

	vr := NewVolumeResolver(map[string]string{
		"media":  "/srv/media",
		"photos": "/srv/media/photos",
		"db":     "/var/lib/index",
	})

	tests := []struct {
		path string
		want string
	}{
		{"/srv/media/a.jpg", "media"},
		{"/srv/media/photos/b.jpg", "photos"},
		{"/srv/media/photos", "photos"},
		{"/srv/mediaextra/c.jpg", UnknownVolume},
		{"/var/lib/index/index.db", "db"},
		{"/tmp/x", UnknownVolume},
	}

	for _, tt := range tests {
		if got := vr.Resolve(tt.path); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	var nilResolver *VolumeResolver
	if got := nilResolver.Resolve("/srv/media"); got != UnknownVolume {
		t.Errorf("nil resolver = %q, want %q", got, UnknownVolume)
	}
}
