package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	settings, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if settings.Provider.Name != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", settings.Provider.Name)
	}
	if settings.Pipeline.MaxRevisions != 3 {
		t.Errorf("default max_revisions = %d, want 3", settings.Pipeline.MaxRevisions)
	}
	if settings.LogLevel != "info" {
		t.Errorf("default log_level = %q, want info", settings.LogLevel)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("provider:\n  name: openai\n  model: gpt-4o\npipeline:\n  beat_target: 7\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if settings.Provider.Name != "openai" {
		t.Errorf("provider = %q, want openai", settings.Provider.Name)
	}
	if settings.Pipeline.BeatTarget != 7 {
		t.Errorf("beat_target = %d, want 7", settings.Pipeline.BeatTarget)
	}
	// Untouched keys keep their defaults.
	if settings.Pipeline.MaxTokens != 2048 {
		t.Errorf("max_tokens = %d, want 2048", settings.Pipeline.MaxTokens)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  name: openai\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STORYLOOM_PROVIDER__NAME", "deepseek")
	t.Setenv("STORYLOOM_LOG_LEVEL", "debug")

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if settings.Provider.Name != "deepseek" {
		t.Errorf("provider = %q, want deepseek", settings.Provider.Name)
	}
	if settings.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", settings.LogLevel)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if settings.Provider.Name != "anthropic" {
		t.Errorf("provider = %q, want anthropic", settings.Provider.Name)
	}
}

func TestKeyFor(t *testing.T) {
	p := ProviderSettings{
		APIKey:  "shared",
		APIKeys: map[string]string{"openai": "per-provider"},
	}

	if got := p.KeyFor("openai"); got != "per-provider" {
		t.Errorf("KeyFor(openai) = %q", got)
	}
	if got := p.KeyFor("anthropic"); got != "shared" {
		t.Errorf("KeyFor(anthropic) = %q", got)
	}
}

func TestStorePathResolution(t *testing.T) {
	s := StoreSettings{DataDir: "/data", LoreDB: "lore.db", IndexFile: "/abs/index.json"}

	if got := s.LoreDBPath(); got != filepath.Join("/data", "lore.db") {
		t.Errorf("LoreDBPath = %q", got)
	}
	if got := s.IndexFilePath(); got != "/abs/index.json" {
		t.Errorf("IndexFilePath = %q", got)
	}
}
