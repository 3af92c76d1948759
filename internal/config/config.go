// Package config loads settings from the config file with environment
// overrides. Precedence: defaults, then ~/.storyloom/config.yaml, then
// STORYLOOM_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

const (
	envPrefix    = "STORYLOOM_"
	envDelimiter = "__"
	delimiter    = "."
)

// ProviderSettings selects the text-generation and embedding backends.
type ProviderSettings struct {
	Name              string            `koanf:"name"`
	Model             string            `koanf:"model"`
	APIKey            string            `koanf:"api_key"`
	APIKeys           map[string]string `koanf:"api_keys"` // per-provider keys
	BaseURL           string            `koanf:"base_url"`
	EmbeddingProvider string            `koanf:"embedding_provider"` // separate backend for embeddings
	EmbeddingModel    string            `koanf:"embedding_model"`
}

// StoreSettings holds on-disk store locations. Relative paths are resolved
// against the data directory.
type StoreSettings struct {
	DataDir   string `koanf:"data_dir"`
	LoreDB    string `koanf:"lore_db"`
	IndexFile string `koanf:"index_file"`
}

// PipelineSettings carries the default tuning applied to every run.
type PipelineSettings struct {
	MaxTokens     int     `koanf:"max_tokens"`
	Temperature   float64 `koanf:"temperature"`
	MaxRevisions  int     `koanf:"max_revisions"`
	BeatTarget    int     `koanf:"beat_target"`
	ContextBudget int     `koanf:"context_budget"`
	MaxIterations int     `koanf:"max_iterations"`
}

type Settings struct {
	Provider ProviderSettings `koanf:"provider"`
	Stores   StoreSettings    `koanf:"stores"`
	Pipeline PipelineSettings `koanf:"pipeline"`
	LogLevel string           `koanf:"log_level"`
}

// KeyFor returns the API key for a provider, preferring the per-provider map.
func (p ProviderSettings) KeyFor(name string) string {
	if key, ok := p.APIKeys[name]; ok && key != "" {
		return key
	}
	return p.APIKey
}

// LoreDBPath returns the lore database path resolved against the data dir.
func (s StoreSettings) LoreDBPath() string {
	return s.resolve(s.LoreDB)
}

// IndexFilePath returns the vector index path resolved against the data dir.
func (s StoreSettings) IndexFilePath() string {
	return s.resolve(s.IndexFile)
}

func (s StoreSettings) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.DataDir, path)
}

// DefaultDir returns the per-user data directory, ~/.storyloom.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".storyloom"
	}
	return filepath.Join(home, ".storyloom")
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"provider.name":               "anthropic",
		"provider.embedding_provider": "openai",
		"stores.data_dir":             DefaultDir(),
		"stores.lore_db":              "lore.db",
		"stores.index_file":           "index.json",
		"pipeline.max_tokens":         2048,
		"pipeline.temperature":        0.7,
		"pipeline.max_revisions":      3,
		"pipeline.beat_target":        10,
		"pipeline.context_budget":     6000,
		"log_level":                   "info",
	}
}

// Load reads settings from path. A missing file is not an error; defaults
// plus environment overrides still apply. Environment variables use the
// STORYLOOM_ prefix with double underscores for nesting, for example
// STORYLOOM_PROVIDER__API_KEY.
func Load(path string) (*Settings, error) {
	k := koanf.New(delimiter)

	if err := k.Load(confmap.Provider(defaults(), delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, delimiter, func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), envDelimiter, delimiter)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}
