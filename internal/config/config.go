package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/classify"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/enhance"
	"github.com/MeKo-Tech/docsort/internal/geometry"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/MeKo-Tech/docsort/internal/storage"
)

// Embedding and OCR backend names.
const (
	EmbeddingHashing     = "hashing"
	EmbeddingTransformer = "transformer"
	EmbeddingOllama      = "ollama"

	OCRTesseract = "tesseract"
	OCRAzure     = "azure"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	orch := orchestrator.DefaultConfig()
	geo := geometry.DefaultConfig()
	return Config{
		LogLevel:   "info",
		Verbose:    false,
		Categories: orch.Categories,
		Classification: ClassificationConfig{
			Threshold:      classify.DefaultThreshold,
			Exemplars:      classify.DefaultExemplars(),
			CategoriesFile: "data/categories.yaml",
		},
		Enhance: enhance.DefaultOptions(),
		Embedding: EmbeddingConfig{
			Backend:    EmbeddingHashing,
			Model:      "all-MiniLM-L6-v2",
			Dim:        384,
			ModelDir:   "models/all-MiniLM-L6-v2",
			NumThreads: 0,
			MaxSeqLen:  256,
			OllamaURL:  "http://localhost:11434",
		},
		OCR: OCRConfig{
			Backend:       OCRTesseract,
			Languages:     []string{"deu", "eng"},
			PoolSize:      2,
			MinConfidence: orch.MinOcrConfidence,
		},
		Geometry: GeometryConfig{
			Aspect:          "a4",
			OutputWidth:     geo.OutputWidth,
			WorkingHeight:   geo.WorkingHeight,
			MinAreaFraction: geo.MinAreaFraction,
			CannyLow:        geo.CannyLow,
			CannyHigh:       geo.CannyHigh,
			MinConfidence:   orch.MinCornerConfidence,
		},
		Storage: StorageConfig{
			Root:   "data/storage",
			Format: storage.FormatPNG,
		},
		Catalog: catalog.Config{
			Driver: "sqlite",
			Path:   "data/docsort.db",
		},
		Cache: CacheConfig{
			TTLSec: 300,
		},
		Retry: retry.DefaultConfig(),
		Pipeline: PipelineConfig{
			MaxWorkers:    4,
			LanguageHints: orch.LanguageHints,
		},
		Translation: TranslationConfig{
			Language: "en",
		},
		Companies: CompaniesConfig{
			File: "data/companies.yaml",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      60,
			ShutdownTimeout: 10,
			RateLimit: RateLimitConfig{
				UploadsPerMinute: 30,
				UploadsPerDay:    1000,
				MaxMBPerDay:      1024,
			},
		},
		Watch: WatchConfig{
			Dir:        "inbox",
			Extensions: imageio.SupportedExtensions,
			DebounceMs: 500,
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if err := validateCategories(c.Categories); err != nil {
		return err
	}

	if err := validateThreshold(c.Classification.Threshold, "classification.threshold"); err != nil {
		return err
	}
	if err := validateThreshold(c.OCR.MinConfidence, "ocr.min_confidence"); err != nil {
		return err
	}
	if err := validateThreshold(c.Geometry.MinConfidence, "geometry.min_confidence"); err != nil {
		return err
	}
	if err := validateThreshold(c.Geometry.MinAreaFraction, "geometry.min_area_fraction"); err != nil {
		return err
	}

	if err := validateEnum(c.Embedding.Backend, "embedding.backend", EmbeddingHashing, EmbeddingTransformer, EmbeddingOllama); err != nil {
		return err
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("invalid embedding dim: %d (must be positive)", c.Embedding.Dim)
	}
	if err := validateEnum(c.OCR.Backend, "ocr.backend", OCRTesseract, OCRAzure); err != nil {
		return err
	}
	if c.OCR.Backend == OCRAzure && (c.OCR.AzureEndpoint == "" || c.OCR.AzureKey == "") {
		return fmt.Errorf("ocr backend azure requires ocr.azure_endpoint and ocr.azure_key")
	}
	if c.OCR.PoolSize <= 0 {
		return fmt.Errorf("invalid ocr pool size: %d (must be positive)", c.OCR.PoolSize)
	}
	if err := validateEnum(c.Storage.Format, "storage.format", storage.FormatPNG, storage.FormatPDF); err != nil {
		return err
	}
	if err := validateEnum(c.Catalog.Driver, "catalog.driver", "sqlite", "memory"); err != nil {
		return err
	}
	if _, err := c.ToGeometryConfig(); err != nil {
		return err
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if err := c.Embedding.GPU.Validate(); err != nil {
		return fmt.Errorf("invalid embedding.gpu: %w", err)
	}
	if rl := c.Server.RateLimit; rl.UploadsPerMinute < 0 || rl.UploadsPerDay < 0 || rl.MaxMBPerDay < 0 {
		return fmt.Errorf("invalid server.rate_limit: limits must not be negative")
	}
	if c.Pipeline.MaxWorkers <= 0 {
		return fmt.Errorf("invalid pipeline max workers: %d (must be positive)", c.Pipeline.MaxWorkers)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("invalid retry max attempts: %d (must be positive)", c.Retry.MaxAttempts)
	}
	if c.Cache.TTLSec < 0 {
		return fmt.Errorf("invalid cache ttl: %d (must not be negative)", c.Cache.TTLSec)
	}
	return nil
}

// ToGeometryConfig converts the geometry section into detection parameters.
func (c *Config) ToGeometryConfig() (geometry.Config, error) {
	g := geometry.DefaultConfig()
	aspect, err := geometry.ParseAspect(c.Geometry.Aspect)
	if err != nil {
		return g, fmt.Errorf("invalid geometry.aspect: %w", err)
	}
	g.Aspect = aspect
	g.OutputWidth = c.Geometry.OutputWidth
	if c.Geometry.WorkingHeight > 0 {
		g.WorkingHeight = c.Geometry.WorkingHeight
	}
	if c.Geometry.MinAreaFraction > 0 {
		g.MinAreaFraction = c.Geometry.MinAreaFraction
	}
	if c.Geometry.CannyHigh > 0 {
		g.CannyLow, g.CannyHigh = c.Geometry.CannyLow, c.Geometry.CannyHigh
	}
	if err := g.Validate(); err != nil {
		return g, fmt.Errorf("invalid geometry config: %w", err)
	}
	return g, nil
}

// ToClassifyConfig converts the classification section.
func (c *Config) ToClassifyConfig() classify.Config {
	return classify.Config{Threshold: c.Classification.Threshold, Exemplars: c.Classification.Exemplars}
}

// ToOrchestratorConfig converts the settings applied per document.
func (c *Config) ToOrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Categories:          c.Categories,
		LanguageHints:       c.Pipeline.LanguageHints,
		Enhance:             c.Enhance,
		StorageFormat:       c.Storage.Format,
		MinCornerConfidence: c.Geometry.MinConfidence,
		MinOcrConfidence:    c.OCR.MinConfidence,
		Retry:               c.Retry,
	}
}

// ToParallelConfig converts the worker settings for batch ingestion.
func (c *Config) ToParallelConfig() orchestrator.ParallelConfig {
	return orchestrator.ParallelConfig{MaxWorkers: c.Pipeline.MaxWorkers}
}

// CacheTTL returns the search cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSec) * time.Second
}

// Helper functions

func validateCategories(categories []string) error {
	if len(categories) == 0 {
		return fmt.Errorf("at least one category must be configured")
	}
	seen := make(map[string]bool, len(categories))
	for _, cat := range categories {
		key := strings.ToLower(strings.TrimSpace(cat))
		if key == "" {
			return fmt.Errorf("category names must not be empty")
		}
		if seen[key] {
			return fmt.Errorf("duplicate category: %s", cat)
		}
		if strings.ContainsAny(cat, `/\`) {
			return fmt.Errorf("invalid category %q: must not contain path separators", cat)
		}
		seen[key] = true
	}
	if seen[strings.ToLower(document.OtherCategory)] && len(seen) == 1 {
		return fmt.Errorf("categories must name more than %q", document.OtherCategory)
	}
	return nil
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

func validateEnum(value, name string, valid ...string) error {
	if !slices.Contains(valid, value) {
		return fmt.Errorf("invalid %s: %s (must be one of: %s)", name, value, strings.Join(valid, ", "))
	}
	return nil
}
