// Package config provides YAML configuration loading and validation for
// dupwatch.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" or "text". Defaults to "json".
	LogFormat string `yaml:"log_format"`

	// LogFile, when set, additionally writes logs to a rotating file.
	LogFile string `yaml:"log_file"`

	// Roots are the directory trees to monitor.
	Roots []RootConfig `yaml:"roots"`

	// ExcludedPaths are full or partial paths whose changes are ignored.
	// They are merged with DefaultExcludedPaths.
	ExcludedPaths []string `yaml:"excluded_paths"`

	Cache   CacheConfig   `yaml:"cache"`
	Hashing HashingConfig `yaml:"hashing"`
	Watch   WatchConfig   `yaml:"watch"`
	Notify  NotifyConfig  `yaml:"notify"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api"`
}

// RootConfig describes one monitored directory.
type RootConfig struct {
	// Path is the directory to watch. Required.
	Path string `yaml:"path"`

	// CheckCurrentFiles hashes the files already in the directory before
	// watching starts.
	CheckCurrentFiles bool `yaml:"check_current_files"`

	// Notifications enables user notifications for this root.
	Notifications bool `yaml:"notifications"`

	ExcludeSystemExtensions bool `yaml:"exclude_system_extensions"`
	ExcludeTempExtensions   bool `yaml:"exclude_temp_extensions"`
}

// CacheConfig configures the persistent hash cache.
type CacheConfig struct {
	// Path of the slab file. Defaults to dupwatch/slab.bin under the user
	// cache directory.
	Path string `yaml:"path"`

	// MaxRecords is the slab capacity. Defaults to 65536.
	MaxRecords int `yaml:"max_records"`

	// FlushInterval is how often dirty pages are flushed. Defaults to 2s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HashingConfig sizes the hashing pipeline. Zero worker counts are derived
// from the CPU count.
type HashingConfig struct {
	Workers       int   `yaml:"workers"`
	BackupWorkers int   `yaml:"backup_workers"`
	QueueSize     int   `yaml:"queue_size"`
	MaxFileBytes  int64 `yaml:"max_file_bytes"`
	SampleBytes   int64 `yaml:"sample_bytes"`

	FileTimeout     time.Duration `yaml:"file_timeout"`
	ChunkTimeout    time.Duration `yaml:"chunk_timeout"`
	SpiderChunkSize int           `yaml:"spider_chunk_size"`
}

// WatchConfig tunes the per-root watch loop and event debouncing.
type WatchConfig struct {
	BufferSize             int           `yaml:"buffer_size"`
	MaxErrors              int           `yaml:"max_errors"`
	FastPollInterval       time.Duration `yaml:"fast_poll_interval"`
	ErrorInterval          time.Duration `yaml:"error_interval"`
	CancelGrace            time.Duration `yaml:"cancel_grace"`
	DebounceWindow         time.Duration `yaml:"debounce_window"`
	ModifiedRehashInterval time.Duration `yaml:"modified_rehash_interval"`
	FollowReparsePoints    bool          `yaml:"follow_reparse_points"`
}

// NotifyConfig configures the notification outbox.
type NotifyConfig struct {
	// QueuePath is the SQLite outbox file. Defaults to outbox.db next to
	// the cache file; ":memory:" keeps it in memory.
	QueuePath    string        `yaml:"queue_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// JournalConfig configures the hash-chained record of duplicate findings.
type JournalConfig struct {
	// Path of the JSON-lines journal. Defaults to duplicates.jsonl next to
	// the cache file.
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
	// Keep is how many recent findings the API can list. Defaults to 256.
	Keep int `yaml:"keep"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	// Addr is the listen address. Defaults to "127.0.0.1:8765".
	Addr string `yaml:"addr"`

	// Disabled turns the HTTP server off.
	Disabled bool `yaml:"disabled"`

	// JWTSecret enables HS256 bearer authentication on /api routes.
	JWTSecret string `yaml:"jwt_secret"`
}

// DefaultExcludedPaths are always excluded. They are partial paths matched
// anywhere inside a candidate path.
var DefaultExcludedPaths = []string{
	// notification banners create temp files here
	`\AppData\Local\Microsoft\Windows\Explorer\NotifyIcon`,
	`\AppData\Local\Microsoft\Windows\Explorer\thumbcache`,
	`\AppData\Local\Google\Chrome\User Data\Default`,
	`\$Recycle.Bin`,
	`\System Volume Information`,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates it. Every validation failure is reported.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := decodeStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// decodeStrict decodes a YAML mapping into cfg. Unknown keys and a document
// whose root is not a mapping are errors. An empty document leaves cfg
// untouched.
func decodeStrict(data []byte, cfg *Config) error {
	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil
		}
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: top level must be a mapping of settings", doc.Line)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Default returns a configuration with no roots and every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// DefaultCachePath returns the slab location used when cache.path is unset.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "dupwatch", "slab.bin")
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultCachePath()
	}
	cfg.Cache.Path = absPath(cfg.Cache.Path)
	if cfg.Cache.MaxRecords == 0 {
		cfg.Cache.MaxRecords = 1 << 16
	}
	if cfg.Cache.FlushInterval == 0 {
		cfg.Cache.FlushInterval = 2 * time.Second
	}

	h := &cfg.Hashing
	if h.QueueSize == 0 {
		h.QueueSize = 1024
	}
	if h.MaxFileBytes == 0 {
		h.MaxFileBytes = 50 << 20
	}
	if h.SampleBytes == 0 {
		h.SampleBytes = 50 << 20
	}
	if h.FileTimeout == 0 {
		h.FileTimeout = 10 * time.Second
	}
	if h.ChunkTimeout == 0 {
		h.ChunkTimeout = 60 * time.Second
	}
	if h.SpiderChunkSize == 0 {
		h.SpiderChunkSize = 64
	}

	w := &cfg.Watch
	if w.BufferSize == 0 {
		w.BufferSize = 64 << 10
	}
	if w.MaxErrors == 0 {
		w.MaxErrors = 10
	}
	if w.FastPollInterval == 0 {
		w.FastPollInterval = 50 * time.Millisecond
	}
	if w.ErrorInterval == 0 {
		w.ErrorInterval = time.Second
	}
	if w.CancelGrace == 0 {
		w.CancelGrace = 100 * time.Millisecond
	}
	if w.DebounceWindow == 0 {
		w.DebounceWindow = 500 * time.Millisecond
	}
	if w.ModifiedRehashInterval == 0 {
		w.ModifiedRehashInterval = 100 * time.Millisecond
	}

	if cfg.Notify.QueuePath == "" {
		cfg.Notify.QueuePath = filepath.Join(filepath.Dir(cfg.Cache.Path), "outbox.db")
	}
	if cfg.Notify.PollInterval == 0 {
		cfg.Notify.PollInterval = 500 * time.Millisecond
	}
	if cfg.Notify.BatchSize == 0 {
		cfg.Notify.BatchSize = 32
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(filepath.Dir(cfg.Cache.Path), "duplicates.jsonl")
	}
	if cfg.Journal.Keep == 0 {
		cfg.Journal.Keep = 256
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = "127.0.0.1:8765"
	}
}

// validate checks required fields and value ranges.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validLogFormats[cfg.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format %q must be one of: json, text", cfg.LogFormat))
	}

	seen := make(map[string]bool, len(cfg.Roots))
	for i, r := range cfg.Roots {
		prefix := fmt.Sprintf("roots[%d]", i)
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
			continue
		}
		key := strings.ToLower(filepath.Clean(r.Path))
		if seen[key] {
			errs = append(errs, fmt.Errorf("%s: duplicate path %q", prefix, r.Path))
		}
		seen[key] = true
	}

	if cfg.Cache.MaxRecords < 0 {
		errs = append(errs, errors.New("cache.max_records must be positive"))
	}
	if cfg.Cache.FlushInterval < 0 {
		errs = append(errs, errors.New("cache.flush_interval must not be negative"))
	}

	h := cfg.Hashing
	if h.Workers < 0 || h.BackupWorkers < 0 || h.QueueSize < 0 {
		errs = append(errs, errors.New("hashing: worker and queue sizes must not be negative"))
	}
	if h.MaxFileBytes < 0 || h.SampleBytes < 0 {
		errs = append(errs, errors.New("hashing: byte limits must not be negative"))
	}
	if h.FileTimeout < 0 || h.ChunkTimeout < 0 {
		errs = append(errs, errors.New("hashing: timeouts must not be negative"))
	}
	if h.SpiderChunkSize < 0 {
		errs = append(errs, errors.New("hashing.spider_chunk_size must not be negative"))
	}

	w := cfg.Watch
	if w.BufferSize < 0 || w.MaxErrors < 0 {
		errs = append(errs, errors.New("watch: buffer_size and max_errors must not be negative"))
	}
	if w.BufferSize > 0 && w.BufferSize%4 != 0 {
		errs = append(errs, fmt.Errorf("watch.buffer_size %d must be a multiple of 4", w.BufferSize))
	}
	if w.ModifiedRehashInterval >= w.DebounceWindow {
		errs = append(errs, fmt.Errorf("watch.modified_rehash_interval %s must be shorter than debounce_window %s",
			w.ModifiedRehashInterval, w.DebounceWindow))
	}

	if cfg.Notify.BatchSize < 0 {
		errs = append(errs, errors.New("notify.batch_size must not be negative"))
	}
	if cfg.Journal.Keep < 0 {
		errs = append(errs, errors.New("journal.keep must not be negative"))
	}

	return errors.Join(errs...)
}

// RootPaths returns the configured root directories in order.
func (c *Config) RootPaths() []string {
	out := make([]string, 0, len(c.Roots))
	for _, r := range c.Roots {
		out = append(out, r.Path)
	}
	return out
}

// ExcludedSegments returns the normalized segment sequence of every default
// and configured excluded path, without duplicates. The directory holding
// the cache file is always included.
func (c *Config) ExcludedSegments() [][]string {
	all := make([]string, 0, len(DefaultExcludedPaths)+len(c.ExcludedPaths)+1)
	all = append(all, DefaultExcludedPaths...)
	all = append(all, c.ExcludedPaths...)
	if c.Cache.Path != "" {
		all = append(all, filepath.Dir(absPath(c.Cache.Path)))
	}

	seen := make(map[string]bool, len(all))
	out := make([][]string, 0, len(all))
	for _, p := range all {
		segs := Segments(p)
		if len(segs) == 0 {
			continue
		}
		key := strings.Join(segs, "/")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, segs)
	}
	return out
}

// absPath resolves p against the working directory. A relative cache path
// would otherwise exclude its bare directory name under every root.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Segments lower-cases p and splits it on both slash kinds after cleaning.
// Empty and "." segments are dropped.
func Segments(p string) []string {
	p = path.Clean(strings.ToLower(strings.ReplaceAll(p, `\`, "/")))
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s == "" || s == "." {
			continue
		}
		out = append(out, s)
	}
	return out
}
