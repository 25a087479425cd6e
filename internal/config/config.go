// Package config loads the two JSON documents the engine consumes:
// settings.json for engine knobs and sources.json for per-plugin
// enablement. Persistence and the setup wizard live outside the core.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/lucasmonteiro/anifetch/internal/models"
)

// Settings are the engine knobs, clamped to their documented ranges on
// load.
type Settings struct {
	ConcurrentDownloads  int    `json:"concurrent_downloads"`
	TimeoutSeconds       int    `json:"timeout"`
	MaxRetries           int    `json:"max_retries"`
	ChunkSize            int    `json:"chunk_size"`
	FragmentRetries      int    `json:"fragment_retries"`
	SearchTimeout        int    `json:"search_timeout"`
	SearchLimit          int    `json:"search_limit"`
	MaxSearchPages       int    `json:"max_search_pages"`
	MaxConcurrentPlugins int    `json:"max_concurrent_plugins"`
	OutputDir            string `json:"output_dir"`
	UseAccelerator       bool   `json:"use_accelerator"`
	AcceleratorPath      string `json:"accelerator_path"`
	AccelConnections     int    `json:"accel_connections"`
	AccelSplit           int    `json:"accel_split"`
	AccelMinSplitSize    string `json:"accel_min_split_size"`
	UseYtdlpFallback     bool   `json:"use_ytdlp_fallback"`
	BrowserHeadless      bool   `json:"browser_headless"`
	BrowserTimeout       int    `json:"browser_timeout"`
	BrowserMaxAttempts   int    `json:"browser_max_attempts"`
	AdblockPath          string `json:"adblock_path"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	home, _ := os.UserHomeDir()
	return Settings{
		ConcurrentDownloads:  3,
		TimeoutSeconds:       30,
		MaxRetries:           3,
		ChunkSize:            8 * 1024,
		FragmentRetries:      5,
		SearchTimeout:        15,
		SearchLimit:          50,
		MaxSearchPages:       5,
		MaxConcurrentPlugins: 8,
		OutputDir:            filepath.Join(home, "Downloads", "anifetch"),
		UseAccelerator:       false,
		AcceleratorPath:      "aria2c",
		AccelConnections:     16,
		AccelSplit:           16,
		AccelMinSplitSize:    "1M",
		BrowserHeadless:      true,
		BrowserTimeout:       30,
		BrowserMaxAttempts:   3,
	}
}

// Clamp forces out-of-range values back into their documented bounds.
func (s *Settings) Clamp() {
	if s.ConcurrentDownloads < 1 {
		s.ConcurrentDownloads = 1
	}
	if s.ConcurrentDownloads > 10 {
		s.ConcurrentDownloads = 10
	}
	if s.TimeoutSeconds < 5 {
		s.TimeoutSeconds = 5
	}
	if s.TimeoutSeconds > 300 {
		s.TimeoutSeconds = 300
	}
	if s.ChunkSize < 1024 {
		s.ChunkSize = 1024
	}
	if s.ChunkSize > 1024*1024 {
		s.ChunkSize = 1024 * 1024
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.FragmentRetries < 0 {
		s.FragmentRetries = 0
	}
	if s.MaxConcurrentPlugins < 1 {
		s.MaxConcurrentPlugins = 1
	}
}

// LoadSettings reads settings.json from dir, falling back to defaults
// when the file is absent. A present but unreadable document is a
// ConfigurationError.
func LoadSettings(dir string) (Settings, error) {
	settings := DefaultSettings()
	path := filepath.Join(dir, "settings.json")

	data, err := os.ReadFile(path) // #nosec G304 -- path is rooted at the config dir
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, models.NewConfigurationError("cannot read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, models.NewConfigurationError("cannot parse %s: %v", path, err)
	}
	settings.Clamp()
	return settings, nil
}

// DefaultSources enables the compiled-in plugins at sensible priorities.
func DefaultSources() map[string]models.SourceConfig {
	return map[string]models.SourceConfig{
		"AllAnime":  {Enabled: true, Priority: 1},
		"AnimeFire": {Enabled: true, Priority: 2},
		"Animetsu":  {Enabled: true, Priority: 3},
	}
}

// LoadSources reads sources.json from dir, falling back to the default
// set when the file is absent.
func LoadSources(dir string) (map[string]models.SourceConfig, error) {
	path := filepath.Join(dir, "sources.json")

	data, err := os.ReadFile(path) // #nosec G304 -- path is rooted at the config dir
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSources(), nil
		}
		return nil, models.NewConfigurationError("cannot read %s: %v", path, err)
	}

	var sources map[string]models.SourceConfig
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, models.NewConfigurationError("cannot parse %s: %v", path, err)
	}
	for name, cfg := range sources {
		if err := cfg.Validate(); err != nil {
			return nil, models.NewConfigurationError("source %s: %v", name, err)
		}
	}
	return sources, nil
}

// Dir returns the configuration directory, creating it when missing.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", models.NewConfigurationError("cannot determine config dir: %v", err)
	}
	dir := filepath.Join(base, "anifetch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", models.NewConfigurationError("cannot create config dir: %v", err)
	}
	return dir, nil
}
