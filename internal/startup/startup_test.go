package startup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"assetindex/internal/memory"

	"github.com/gorilla/mux"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()

	if info.Version == "" {
		t.Error("Expected Version to be set")
	}
	if info.OS == "" || info.Arch == "" {
		t.Error("Expected OS and Arch to be set")
	}
	if info.GoVersion != GoVersion {
		t.Errorf("Expected GoVersion=%s, got %s", GoVersion, info.GoVersion)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig(envMap(nil))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	want := DefaultConfig()
	if config.SweepInterval != want.SweepInterval || config.MoveWindow != want.MoveWindow {
		t.Errorf("intervals = %v/%v", config.SweepInterval, config.MoveWindow)
	}
	if len(config.Roots) != 1 || config.Roots[0] != "/data" {
		t.Errorf("Roots = %v", config.Roots)
	}
	if config.DatabasePath != "/database/index.db" || config.LockPath != "/database/index.lock" {
		t.Errorf("derived paths = %s, %s", config.DatabasePath, config.LockPath)
	}
	if !config.WatchEnabled || !config.PreviewsEnabled || !config.ContainersEnabled {
		t.Error("features should default to enabled")
	}
	if config.VipsEnabled {
		t.Error("PREVIEW_VIPS should default to off")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	config, err := loadConfig(envMap(map[string]string{
		"INDEX_ROOTS":        "/photos: /music ::/photos",
		"DATABASE_DIR":       "/var/lib/index",
		"SWEEP_INTERVAL":     "5m",
		"MOVE_WINDOW":        "0s",
		"IGNORE_PATTERNS":    "*.bak, raw",
		"JOB_WORKERS":        "3",
		"JOB_MAX_ATTEMPTS":   "9",
		"PREVIEWS_ENABLED":   "false",
		"PREVIEW_VIPS":       "true",
		"SIMILARITY_ENABLED": "nope",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if strings.Join(config.Roots, ",") != "/photos,/music" {
		t.Errorf("Roots = %v", config.Roots)
	}
	if config.SweepInterval != 5*time.Minute || config.MoveWindow != 0 {
		t.Errorf("intervals = %v/%v", config.SweepInterval, config.MoveWindow)
	}
	if strings.Join(config.IgnorePatterns, "|") != "*.bak|raw" {
		t.Errorf("IgnorePatterns = %v", config.IgnorePatterns)
	}
	if config.JobWorkers != 3 || config.JobMaxAttempts != 9 {
		t.Errorf("jobs = %d workers, %d attempts", config.JobWorkers, config.JobMaxAttempts)
	}
	if config.PreviewsEnabled {
		t.Error("PREVIEWS_ENABLED=false was ignored")
	}
	if !config.VipsEnabled {
		t.Error("PREVIEW_VIPS=true was ignored")
	}
	if !config.SimilarityEnabled {
		t.Error("invalid boolean should keep the default")
	}
	if config.DatabasePath != "/var/lib/index/index.db" {
		t.Errorf("DatabasePath = %s", config.DatabasePath)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
roots:
  - /srv/a
  - /srv/b
sweepInterval: 1h
jobWorkers: 4
containers: false
volumes:
  /srv/a: nas
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := loadConfig(envMap(map[string]string{
		"CONFIG_FILE": path,
		"JOB_WORKERS": "8",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if strings.Join(config.Roots, ",") != "/srv/a,/srv/b" {
		t.Errorf("Roots = %v", config.Roots)
	}
	if config.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v", config.SweepInterval)
	}
	if config.JobWorkers != 8 {
		t.Errorf("JobWorkers = %d, environment should win", config.JobWorkers)
	}
	if config.ContainersEnabled {
		t.Error("containers: false was ignored")
	}
	if config.Volumes["/srv/a"] != "nas" {
		t.Errorf("Volumes = %v", config.Volumes)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	badFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(badFile, []byte("moveWindow: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing file", map[string]string{"CONFIG_FILE": "/nonexistent/config.yaml"}},
		{"bad duration in file", map[string]string{"CONFIG_FILE": badFile}},
		{"nested roots", map[string]string{"INDEX_ROOTS": "/data:/data/photos"}},
		{"retry max below initial", map[string]string{"JOB_RETRY_INITIAL": "1m", "JOB_RETRY_MAX": "1s"}},
		{"zero attempts", map[string]string{"JOB_MAX_ATTEMPTS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig(envMap(tt.env)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestPrepareDirectories(t *testing.T) {
	base := t.TempDir()
	config := &Config{
		Roots:           []string{filepath.Join(base, "missing-root")},
		DatabaseDir:     filepath.Join(base, "db"),
		CacheDir:        filepath.Join(base, "cache"),
		PreviewsEnabled: true,
	}
	if err := config.prepareDirectories(); err != nil {
		t.Fatalf("prepareDirectories: %v", err)
	}
	if _, err := os.Stat(config.DatabaseDir); err != nil {
		t.Errorf("database directory not created: %v", err)
	}
	if !config.PreviewsEnabled {
		t.Error("previews should stay enabled with a writable cache")
	}
	if _, err := os.Stat(config.Roots[0]); !os.IsNotExist(err) {
		t.Error("missing roots must not be created")
	}
}

func TestEnsureDirectoryRejectsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureDirectory(path, "test"); err == nil {
		t.Error("expected an error for a regular file")
	}
}

func TestGetRouteGroup(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/blobs/{hash}", "api/blobs"},
		{"/api/jobs/stats", "api/jobs"},
		{"/health", "health"},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := getRouteGroup(tt.path); got != tt.want {
			t.Errorf("getRouteGroup(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestGetRoutes(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/api/assets/{id}", nil).Methods("GET").Name("asset")
	router.HandleFunc("/api/rescan", nil).Methods("POST")

	routes, err := GetRoutes(router)
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %v", routes)
	}
	if routes[0].Method != "GET" || routes[0].Path != "/api/assets/{id}" || routes[0].Name != "asset" {
		t.Errorf("routes[0] = %+v", routes[0])
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLogMemoryConfig(_ *testing.T) {
	LogMemoryConfig(0, memory.SourceNone)
	LogMemoryConfig(1<<30, memory.SourceMemoryLimit)
}
