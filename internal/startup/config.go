package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"assetindex/internal/indexer"
	"assetindex/internal/logging"

	"gopkg.in/yaml.v3"
)

// File names inside DATABASE_DIR.
const (
	DatabaseFile = "index.db"
	LockFile     = "index.lock"
)

// Config holds all application configuration
type Config struct {
	Roots       []string
	CacheDir    string
	DatabaseDir string
	Port        string

	SweepInterval  time.Duration
	MoveWindow     time.Duration
	IgnorePatterns []string
	// Volumes maps mount points to volume labels.
	Volumes map[string]string

	JobWorkers      int
	JobMaxAttempts  int
	JobRetryInitial time.Duration
	JobRetryMax     time.Duration
	JobRetention    time.Duration

	WatchEnabled      bool
	PreviewsEnabled   bool
	VipsEnabled       bool
	SimilarityEnabled bool
	ContainersEnabled bool
	LogHealthChecks   bool

	// Derived paths
	DatabasePath string
	LockPath     string
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE. Unset keys
// keep their defaults; environment variables win over the file.
type fileConfig struct {
	Roots           []string          `yaml:"roots"`
	CacheDir        string            `yaml:"cacheDir"`
	DatabaseDir     string            `yaml:"databaseDir"`
	Port            string            `yaml:"port"`
	SweepInterval   string            `yaml:"sweepInterval"`
	MoveWindow      string            `yaml:"moveWindow"`
	IgnorePatterns  []string          `yaml:"ignorePatterns"`
	Volumes         map[string]string `yaml:"volumes"`
	JobWorkers      *int              `yaml:"jobWorkers"`
	JobMaxAttempts  *int              `yaml:"jobMaxAttempts"`
	JobRetryInitial string            `yaml:"jobRetryInitial"`
	JobRetryMax     string            `yaml:"jobRetryMax"`
	JobRetention    string            `yaml:"jobRetention"`
	Watch           *bool             `yaml:"watch"`
	Previews        *bool             `yaml:"previews"`
	Vips            *bool             `yaml:"vips"`
	Similarity      *bool             `yaml:"similarity"`
	Containers      *bool             `yaml:"containers"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Roots:             []string{"/data"},
		CacheDir:          "/cache",
		DatabaseDir:       "/database",
		Port:              "8080",
		SweepInterval:     30 * time.Minute,
		MoveWindow:        indexer.DefaultMoveWindow,
		JobMaxAttempts:    5,
		JobRetryInitial:   5 * time.Second,
		JobRetryMax:       10 * time.Minute,
		JobRetention:      7 * 24 * time.Hour,
		WatchEnabled:      true,
		PreviewsEnabled:   true,
		SimilarityEnabled: true,
		ContainersEnabled: true,
		LogHealthChecks:   true,
	}
}

// LoadConfig loads and validates configuration from CONFIG_FILE and the
// environment
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	config, err := loadConfig(os.Getenv)
	if err != nil {
		return nil, err
	}
	logConfig(config)

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	if err := config.prepareDirectories(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadConfig(getenv func(string) string) (*Config, error) {
	config := DefaultConfig()

	if path := getenv("CONFIG_FILE"); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
		logging.Info("  CONFIG_FILE:         %s", path)
	}

	env := envReader{getenv: getenv}
	if roots := env.list("INDEX_ROOTS", ":"); len(roots) > 0 {
		config.Roots = roots
	}
	config.CacheDir = env.str("CACHE_DIR", config.CacheDir)
	config.DatabaseDir = env.str("DATABASE_DIR", config.DatabaseDir)
	config.Port = env.str("PORT", config.Port)
	config.SweepInterval = env.duration("SWEEP_INTERVAL", config.SweepInterval)
	config.MoveWindow = env.duration("MOVE_WINDOW", config.MoveWindow)
	if patterns := env.list("IGNORE_PATTERNS", ","); len(patterns) > 0 {
		config.IgnorePatterns = patterns
	}
	config.JobWorkers = env.integer("JOB_WORKERS", config.JobWorkers)
	config.JobMaxAttempts = env.integer("JOB_MAX_ATTEMPTS", config.JobMaxAttempts)
	config.JobRetryInitial = env.duration("JOB_RETRY_INITIAL", config.JobRetryInitial)
	config.JobRetryMax = env.duration("JOB_RETRY_MAX", config.JobRetryMax)
	config.JobRetention = env.duration("JOB_RETENTION", config.JobRetention)
	config.WatchEnabled = env.boolean("WATCH_ENABLED", config.WatchEnabled)
	config.PreviewsEnabled = env.boolean("PREVIEWS_ENABLED", config.PreviewsEnabled)
	config.VipsEnabled = env.boolean("PREVIEW_VIPS", config.VipsEnabled)
	config.SimilarityEnabled = env.boolean("SIMILARITY_ENABLED", config.SimilarityEnabled)
	config.ContainersEnabled = env.boolean("CONTAINERS_ENABLED", config.ContainersEnabled)
	config.LogHealthChecks = env.boolean("LOG_HEALTH_CHECKS", config.LogHealthChecks)

	if err := config.resolvePaths(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if len(f.Roots) > 0 {
		c.Roots = f.Roots
	}
	setString(&c.CacheDir, f.CacheDir)
	setString(&c.DatabaseDir, f.DatabaseDir)
	setString(&c.Port, f.Port)
	if len(f.IgnorePatterns) > 0 {
		c.IgnorePatterns = f.IgnorePatterns
	}
	if len(f.Volumes) > 0 {
		c.Volumes = f.Volumes
	}
	if f.JobWorkers != nil {
		c.JobWorkers = *f.JobWorkers
	}
	if f.JobMaxAttempts != nil {
		c.JobMaxAttempts = *f.JobMaxAttempts
	}
	setBool(&c.WatchEnabled, f.Watch)
	setBool(&c.PreviewsEnabled, f.Previews)
	setBool(&c.VipsEnabled, f.Vips)
	setBool(&c.SimilarityEnabled, f.Similarity)
	setBool(&c.ContainersEnabled, f.Containers)

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"sweepInterval", f.SweepInterval, &c.SweepInterval},
		{"moveWindow", f.MoveWindow, &c.MoveWindow},
		{"jobRetryInitial", f.JobRetryInitial, &c.JobRetryInitial},
		{"jobRetryMax", f.JobRetryMax, &c.JobRetryMax},
		{"jobRetention", f.JobRetention, &c.JobRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config file %s: invalid %s %q: %w", path, d.key, d.value, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func (c *Config) resolvePaths() error {
	roots := make([]string, 0, len(c.Roots))
	seen := make(map[string]bool)
	for _, root := range c.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("failed to resolve root %s: %w", root, err)
		}
		if !seen[abs] {
			seen[abs] = true
			roots = append(roots, abs)
		}
	}
	c.Roots = roots

	var err error
	if c.CacheDir, err = filepath.Abs(c.CacheDir); err != nil {
		return fmt.Errorf("failed to resolve cache directory path: %w", err)
	}
	if c.DatabaseDir, err = filepath.Abs(c.DatabaseDir); err != nil {
		return fmt.Errorf("failed to resolve database directory path: %w", err)
	}
	c.DatabasePath = filepath.Join(c.DatabaseDir, DatabaseFile)
	c.LockPath = filepath.Join(c.DatabaseDir, LockFile)
	return nil
}

func (c *Config) validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("no index roots configured")
	}
	// Nested roots would see the same files twice.
	for i, a := range c.Roots {
		for j, b := range c.Roots {
			if i != j && strings.HasPrefix(b, a+string(filepath.Separator)) {
				return fmt.Errorf("root %s is nested inside root %s", b, a)
			}
		}
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.JobRetryMax < c.JobRetryInitial {
		return fmt.Errorf("JOB_RETRY_MAX (%v) is shorter than JOB_RETRY_INITIAL (%v)", c.JobRetryMax, c.JobRetryInitial)
	}
	if c.MoveWindow < 0 {
		return fmt.Errorf("MOVE_WINDOW must not be negative")
	}
	return nil
}

func (c *Config) prepareDirectories() error {
	for _, root := range c.Roots {
		// A missing root is swept as soon as it appears.
		if err := checkDirectory(root); err != nil {
			logging.Warn("  Root %s: %v", root, err)
		} else {
			logging.Info("  [OK] Root %s", root)
		}
	}

	if err := ensureDirectory(c.DatabaseDir, "database"); err != nil {
		return fmt.Errorf("database directory error: %w", err)
	}
	logging.Debug("  Testing database directory write access...")
	if err := testWriteAccess(c.DatabaseDir); err != nil {
		return fmt.Errorf("database directory is not writable (required for database): %w", err)
	}
	logging.Info("  [OK] Database directory is writable")

	if c.PreviewsEnabled {
		c.PreviewsEnabled = setupOptionalDir(c.CacheDir, "previews")
	}

	logging.Info("")
	logging.Info("  Feature availability:")
	logging.Info("    Database:      ENABLED (required)")
	logging.Info("    Notifications: %s", enabledString(c.WatchEnabled))
	logging.Info("    Previews:      %s", enabledString(c.PreviewsEnabled))
	logging.Info("    libvips:       %s", enabledString(c.VipsEnabled))
	logging.Info("    Similarity:    %s", enabledString(c.SimilarityEnabled))
	logging.Info("    Containers:    %s", enabledString(c.ContainersEnabled))
	return nil
}

func logConfig(c *Config) {
	logging.Info("  INDEX_ROOTS:         %s", strings.Join(c.Roots, ":"))
	logging.Info("  CACHE_DIR:           %s", c.CacheDir)
	logging.Info("  DATABASE_DIR:        %s", c.DatabaseDir)
	logging.Info("  PORT:                %s", c.Port)
	logging.Info("  SWEEP_INTERVAL:      %v", c.SweepInterval)
	logging.Info("  MOVE_WINDOW:         %v", c.MoveWindow)
	if c.JobWorkers > 0 {
		logging.Info("  JOB_WORKERS:         %d", c.JobWorkers)
	} else {
		logging.Info("  JOB_WORKERS:         auto")
	}
	logging.Info("  JOB_MAX_ATTEMPTS:    %d", c.JobMaxAttempts)
	logging.Info("  JOB_RETRY_INITIAL:   %v", c.JobRetryInitial)
	logging.Info("  JOB_RETRY_MAX:       %v", c.JobRetryMax)
	logging.Info("  JOB_RETENTION:       %v", c.JobRetention)
	if len(c.IgnorePatterns) > 0 {
		logging.Info("  IGNORE_PATTERNS:     %s", strings.Join(c.IgnorePatterns, ","))
	}
	for mount, label := range c.Volumes {
		logging.Info("  Volume:              %s -> %s", mount, label)
	}
	logging.Info("  LOG_HEALTH_CHECKS:   %v", c.LogHealthChecks)
	logging.Info("  LOG_LEVEL:           %s", logging.GetLevel())
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) str(key, defaultValue string) string {
	if value := e.getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (e envReader) list(key, sep string) []string {
	var out []string
	for _, part := range strings.Split(e.getenv(key), sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e envReader) boolean(key string, defaultValue bool) bool {
	value := e.getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func (e envReader) integer(key string, defaultValue int) int {
	value := e.getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func (e envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := e.getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		logging.Warn("  Invalid %s, using default: %v", key, defaultValue)
		return defaultValue
	}
	return parsed
}
