package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"tgsearch/internal/config"
)

// Defaults are the paths and endpoints a fresh install starts from.
type Defaults struct {
	ConfigPath  string
	BaseDir     string
	LogDir      string
	DataDir     string
	ExportDir   string
	SnapshotDir string
	KeyPath     string
	SearchURL   string
	APIOnly     bool
}

// GetDefaults resolves Defaults from the environment, falling back to XDG
// locations under the home directory:
//   - TGSEARCH_CONFIG_PATH: config file (default ~/.config/tgsearch.toml)
//   - TGSEARCH_HOME: data root (default ~/.local/share/tgsearch)
//   - TGSEARCH_EXPORT_DIR: Telegram export directory (default <home>/export)
//   - TGSEARCH_MEILI_URL: Meilisearch URL (default http://localhost:7700)
//   - TGSEARCH_API_ONLY: start in api-only mode
func GetDefaults() (Defaults, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return Defaults{}, err
	}
	baseDir, err := getBaseDir()
	if err != nil {
		return Defaults{}, err
	}

	base := config.NewConfig(baseDir)
	d := Defaults{
		ConfigPath:  configPath,
		BaseDir:     baseDir,
		LogDir:      base.LogDir,
		DataDir:     base.Database.DataDir,
		ExportDir:   base.Source.ExportDir,
		SnapshotDir: base.Snapshot.Dir,
		KeyPath:     base.Secrets.IdentityPath,
		SearchURL:   base.Search.URL,
	}
	if dir := os.Getenv("TGSEARCH_EXPORT_DIR"); dir != "" {
		d.ExportDir = dir
	}
	if u := os.Getenv("TGSEARCH_MEILI_URL"); u != "" {
		d.SearchURL = u
	}
	if v := os.Getenv("TGSEARCH_API_ONLY"); v != "" {
		apiOnly, err := strconv.ParseBool(v)
		if err != nil {
			return Defaults{}, fmt.Errorf("invalid TGSEARCH_API_ONLY %q: %w", v, err)
		}
		d.APIOnly = apiOnly
	}
	return d, nil
}

// NewConfig builds the config written by `config init`.
func (d Defaults) NewConfig() *config.Config {
	cfg := config.NewConfig(d.BaseDir)
	cfg.LogDir = d.LogDir
	cfg.Database.DataDir = d.DataDir
	cfg.Source.ExportDir = d.ExportDir
	cfg.Snapshot.Dir = d.SnapshotDir
	cfg.Secrets.IdentityPath = d.KeyPath
	cfg.Search.URL = d.SearchURL
	cfg.Runtime.APIOnly = d.APIOnly
	return cfg
}

func getConfigPath() (string, error) {
	if path := os.Getenv("TGSEARCH_CONFIG_PATH"); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "tgsearch.toml"), nil
}

func getBaseDir() (string, error) {
	if path := os.Getenv("TGSEARCH_HOME"); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tgsearch"), nil
}
