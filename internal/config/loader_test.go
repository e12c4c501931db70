package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// isolatedLoader returns a loader on a fresh viper instance running in an
// empty working directory.
func isolatedLoader(t *testing.T) *Loader {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return NewLoaderWithViper(viper.New())
}

// TestLoadWithNoConfigFile tests loading with no config file present.
func TestLoadWithNoConfigFile(t *testing.T) {
	loader := isolatedLoader(t)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.LogLevel != infoLevel {
		t.Errorf("Expected default log level '%s', got %s", infoLevel, cfg.LogLevel)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if len(cfg.Categories) != len(DefaultConfig().Categories) {
		t.Errorf("Expected default categories, got %v", cfg.Categories)
	}
	if !cfg.Enhance.Sharpen || cfg.Enhance.Binarize {
		t.Errorf("Unexpected enhance defaults: %+v", cfg.Enhance)
	}
}

// TestLoadFromSearchPath tests discovery of docsort.yaml in the working directory.
func TestLoadFromSearchPath(t *testing.T) {
	loader := isolatedLoader(t)
	yamlContent := `
log_level: debug
categories: [Invoice, Tax, Medical]
classification:
  threshold: 0.3
  exemplars:
    Tax: ["Einkommensteuerbescheid Finanzamt"]
storage:
  format: pdf
`
	if err := os.WriteFile(ConfigFileName+".yaml", []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LogLevel != debugLevel {
		t.Errorf("Expected debug, got %s", cfg.LogLevel)
	}
	if len(cfg.Categories) != 3 || cfg.Categories[2] != "Medical" {
		t.Errorf("Unexpected categories: %v", cfg.Categories)
	}
	if cfg.Classification.Threshold != 0.3 {
		t.Errorf("Expected threshold 0.3, got %v", cfg.Classification.Threshold)
	}
	if len(cfg.Classification.Exemplars["tax"])+len(cfg.Classification.Exemplars["Tax"]) != 1 {
		t.Errorf("Expected one Tax exemplar, got %v", cfg.Classification.Exemplars)
	}
	if cfg.Storage.Format != "pdf" {
		t.Errorf("Expected pdf, got %s", cfg.Storage.Format)
	}
	// Untouched sections keep their defaults
	if cfg.OCR.PoolSize != DefaultConfig().OCR.PoolSize {
		t.Errorf("Expected default pool size, got %d", cfg.OCR.PoolSize)
	}
	if loader.GetConfigFileUsed() == "" {
		t.Error("Expected config file to be recorded")
	}
}

func TestLoadWithFile(t *testing.T) {
	loader := isolatedLoader(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loader.LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
}

func TestLoadWithNonExistentFile(t *testing.T) {
	loader := isolatedLoader(t)
	if _, err := loader.LoadWithFile("/nonexistent/docsort.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadWithInvalidYAMLFile(t *testing.T) {
	loader := isolatedLoader(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [port: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadWithFile(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadWithValidationFailure(t *testing.T) {
	loader := isolatedLoader(t)
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(path, []byte("classification:\n  threshold: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadWithFile(path); err == nil {
		t.Error("Expected validation error")
	}

	loader = isolatedLoader(t)
	if err := os.WriteFile(ConfigFileName+".yaml", []byte("classification:\n  threshold: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loader.LoadWithoutValidation()
	if err != nil {
		t.Fatalf("LoadWithoutValidation() error: %v", err)
	}
	if cfg.Classification.Threshold != 2 {
		t.Errorf("Expected raw threshold 2, got %v", cfg.Classification.Threshold)
	}
}

// TestEnvironmentVariableOverride tests DOCSORT_ variables over file values.
func TestEnvironmentVariableOverride(t *testing.T) {
	loader := isolatedLoader(t)
	if err := os.WriteFile(ConfigFileName+".yaml", []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCSORT_SERVER_PORT", "7070")
	t.Setenv("DOCSORT_OCR_MIN_CONFIDENCE", "0.75")
	t.Setenv("DOCSORT_LOG_LEVEL", "warn")

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.OCR.MinConfidence != 0.75 {
		t.Errorf("Expected 0.75, got %v", cfg.OCR.MinConfidence)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Expected warn, got %s", cfg.LogLevel)
	}
}

func TestGetSetConfigValues(t *testing.T) {
	loader := isolatedLoader(t)
	loader.Set("storage.root", "/srv/docs")
	if got := loader.Get("storage.root"); got != "/srv/docs" {
		t.Errorf("Expected /srv/docs, got %v", got)
	}
	cfg, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Root != "/srv/docs" {
		t.Errorf("Set value should override default, got %s", cfg.Storage.Root)
	}
	if _, ok := loader.GetResolvedConfig()["storage"]; !ok {
		t.Error("Expected storage section in resolved config")
	}
}

func TestGenerateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "docsort.yaml")
	if err := GenerateDefaultConfigFile(path, false); err != nil {
		t.Fatalf("GenerateDefaultConfigFile() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("generated file is not valid YAML: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Embedding.Backend != EmbeddingHashing {
		t.Errorf("Unexpected generated config: %+v", cfg)
	}

	if err := GenerateDefaultConfigFile(path, false); err == nil {
		t.Error("Expected refusal to overwrite")
	}
	if err := GenerateDefaultConfigFile(path, true); err != nil {
		t.Errorf("force should overwrite: %v", err)
	}

	// The generated file loads back through the loader
	loader := isolatedLoader(t)
	loaded, err := loader.LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile(generated) error: %v", err)
	}
	if loaded.Catalog.Driver != "sqlite" {
		t.Errorf("Expected sqlite, got %s", loaded.Catalog.Driver)
	}
}

func TestGetConfigSearchPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	paths := GetConfigSearchPaths()
	if paths[0] != "." {
		t.Errorf("Expected current directory first, got %s", paths[0])
	}
	want := map[string]bool{filepath.Join("/xdg", "docsort"): false, "/etc/docsort": false}
	for _, p := range paths {
		if _, ok := want[p]; ok {
			want[p] = true
		}
	}
	for p, found := range want {
		if !found {
			t.Errorf("Expected search path %s in %v", p, paths)
		}
	}
}
