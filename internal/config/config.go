package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the process configuration for tgsearch. Runtime
// settings that change while the service runs live in the config store,
// not here.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Search   SearchConfig   `toml:"search"`
	Source   SourceConfig   `toml:"source"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Policy   PolicyConfig   `toml:"policy"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `toml:"level"` // "debug", "info" (default), "warn" or "error"
}

// DatabaseConfig represents configuration for the config store database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type          string `toml:"type"`               // "sqlite" or "memory"
	DataDir       string `toml:"data_dir,omitempty"` // only used for type=sqlite
	BusyTimeoutMs int    `toml:"busy_timeout_ms"`
	CacheTTLSec   int    `toml:"cache_ttl_sec"`
}

// SearchConfig configures the search backend and the presentation cache.
type SearchConfig struct {
	Backend string `toml:"backend"` // "meilisearch" or "memory"
	URL     string `toml:"url,omitempty"`
	APIKey  string `toml:"api_key,omitempty"`
	Index   string `toml:"index"`

	CacheEnabled        bool `toml:"cache_enabled"`
	CacheTTLSec         int  `toml:"cache_ttl_sec"`
	MaxCacheEntries     int  `toml:"max_cache_entries"`
	MaxPresentationHits int  `toml:"max_presentation_hits"`
	CallbackTokenTTLSec int  `toml:"callback_token_ttl_sec"`
	ResultsPerPage      int  `toml:"results_per_page"`
	TimeoutSec          int  `toml:"timeout_sec"`
}

// SourceConfig configures where dialog history is downloaded from.
type SourceConfig struct {
	Type      string `toml:"type"`                 // "export" or "none"
	ExportDir string `toml:"export_dir,omitempty"` // only used for type=export
	BatchSize int    `toml:"batch_size"`
}

// RuntimeConfig configures the runtime controller.
type RuntimeConfig struct {
	APIOnly         bool `toml:"api_only"`
	PollIntervalSec int  `toml:"poll_interval_sec"`
}

// SecretsConfig configures how secrets in the config store are sealed.
type SecretsConfig struct {
	Type         string `toml:"type"` // "age" or "none"
	IdentityPath string `toml:"identity_path,omitempty"`
	// Protected means the identity file is passphrase-encrypted.
	Protected bool `toml:"protected"`
}

// SnapshotConfig represents configuration for config store snapshots.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SnapshotConfig struct {
	Type string `toml:"type"` // "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Dir string `toml:"dir,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
}

// PolicyConfig holds the lists used to seed an empty policy.
type PolicyConfig struct {
	WhiteList []int64 `toml:"white_list"`
	BlackList []int64 `toml:"black_list"`
}

// NewConfig creates a new Config rooted at baseDir with default values.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db"), BusyTimeoutMs: 5000, CacheTTLSec: 10},
		Search: SearchConfig{
			Backend:             "meilisearch",
			URL:                 "http://localhost:7700",
			Index:               "telegram",
			CacheEnabled:        true,
			CacheTTLSec:         120,
			MaxCacheEntries:     256,
			MaxPresentationHits: 100,
			CallbackTokenTTLSec: 600,
			ResultsPerPage:      5,
			TimeoutSec:          10,
		},
		Source:   SourceConfig{Type: "export", ExportDir: filepath.Join(baseDir, "export"), BatchSize: 100},
		Runtime:  RuntimeConfig{PollIntervalSec: 2},
		Secrets:  SecretsConfig{Type: "age", IdentityPath: filepath.Join(baseDir, "keys", "tgsearch.key")},
		Snapshot: SnapshotConfig{Type: "filesystem", Dir: filepath.Join(baseDir, "snapshots")},
	}
}

// Seconds converts a config value in seconds to a duration, using def when
// the value is unset.
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
