//nolint:lll
package config

import (
	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/enhance"
	"github.com/MeKo-Tech/docsort/internal/onnx"
	"github.com/MeKo-Tech/docsort/internal/retry"
)

// Config represents the complete configuration of the docsort application.
// It is shared by every command and loaded from a configuration file,
// DOCSORT_ environment variables and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Ordered category labels; "Other" is reserved and always appended.
	Categories []string `mapstructure:"categories" yaml:"categories" json:"categories"`

	Classification ClassificationConfig `mapstructure:"classification" yaml:"classification" json:"classification"`
	Enhance        enhance.Options      `mapstructure:"enhance" yaml:"enhance" json:"enhance"`
	Embedding      EmbeddingConfig      `mapstructure:"embedding" yaml:"embedding" json:"embedding"`
	OCR            OCRConfig            `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Geometry       GeometryConfig       `mapstructure:"geometry" yaml:"geometry" json:"geometry"`
	Storage        StorageConfig        `mapstructure:"storage" yaml:"storage" json:"storage"`
	Catalog        catalog.Config       `mapstructure:"catalog" yaml:"catalog" json:"catalog"`
	Cache          CacheConfig          `mapstructure:"cache" yaml:"cache" json:"cache"`
	Retry          retry.Config         `mapstructure:"retry" yaml:"retry" json:"retry"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`
	Translation    TranslationConfig    `mapstructure:"translation" yaml:"translation" json:"translation"`
	Companies      CompaniesConfig      `mapstructure:"companies" yaml:"companies" json:"companies"`
	Server         ServerConfig         `mapstructure:"server" yaml:"server" json:"server"`
	Watch          WatchConfig          `mapstructure:"watch" yaml:"watch" json:"watch"`
}

// ClassificationConfig tunes the category scorer.
type ClassificationConfig struct {
	Threshold float64             `mapstructure:"threshold" yaml:"threshold" json:"threshold"`
	Exemplars map[string][]string `mapstructure:"exemplars" yaml:"exemplars,omitempty" json:"exemplars,omitempty"`
	// CategoriesFile keeps categories added at runtime or imported from
	// the storage tree.
	CategoriesFile string `mapstructure:"categories_file" yaml:"categories_file" json:"categories_file"`
}

// EmbeddingConfig selects the sentence embedding backend.
type EmbeddingConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend" json:"backend"` // hashing, transformer or ollama
	Model       string `mapstructure:"model" yaml:"model" json:"model"`
	Dim         int    `mapstructure:"dim" yaml:"dim" json:"dim"`
	ModelDir    string `mapstructure:"model_dir" yaml:"model_dir" json:"model_dir"` // holds model.onnx and vocab.txt
	OnnxLibrary string `mapstructure:"onnx_library" yaml:"onnx_library" json:"onnx_library"`
	NumThreads  int    `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
	MaxSeqLen   int    `mapstructure:"max_seq_len" yaml:"max_seq_len" json:"max_seq_len"`
	OllamaURL   string `mapstructure:"ollama_url" yaml:"ollama_url" json:"ollama_url"`

	GPU onnx.GPUConfig `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
}

// OCRConfig selects the text recognition backend.
type OCRConfig struct {
	Backend       string   `mapstructure:"backend" yaml:"backend" json:"backend"` // tesseract or azure
	Languages     []string `mapstructure:"languages" yaml:"languages" json:"languages"`
	TessdataDir   string   `mapstructure:"tessdata_dir" yaml:"tessdata_dir" json:"tessdata_dir"`
	PoolSize      int      `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	MinConfidence float64  `mapstructure:"min_confidence" yaml:"min_confidence" json:"min_confidence"`
	AzureEndpoint string   `mapstructure:"azure_endpoint" yaml:"azure_endpoint" json:"azure_endpoint"`
	AzureKey      string   `mapstructure:"azure_key" yaml:"azure_key" json:"-"`
}

// GeometryConfig contains corner detection and rectification settings.
type GeometryConfig struct {
	Aspect          string  `mapstructure:"aspect" yaml:"aspect" json:"aspect"` // a4, letter, legal, square, "h:w" or a number
	OutputWidth     int     `mapstructure:"output_width" yaml:"output_width" json:"output_width"`
	WorkingHeight   int     `mapstructure:"working_height" yaml:"working_height" json:"working_height"`
	MinAreaFraction float64 `mapstructure:"min_area_fraction" yaml:"min_area_fraction" json:"min_area_fraction"`
	CannyLow        float64 `mapstructure:"canny_low" yaml:"canny_low" json:"canny_low"`
	CannyHigh       float64 `mapstructure:"canny_high" yaml:"canny_high" json:"canny_high"`
	MinConfidence   float64 `mapstructure:"min_confidence" yaml:"min_confidence" json:"min_confidence"`
}

// StorageConfig contains document storage settings.
type StorageConfig struct {
	Root   string `mapstructure:"root" yaml:"root" json:"root"`
	Format string `mapstructure:"format" yaml:"format" json:"format"` // png or pdf
}

// CacheConfig configures the search result cache. An empty RedisAddr keeps
// results in process memory; TTLSec 0 disables caching.
type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db" json:"redis_db"`
	TTLSec        int    `mapstructure:"ttl_sec" yaml:"ttl_sec" json:"ttl_sec"`
}

// PipelineConfig contains ingestion settings.
type PipelineConfig struct {
	MaxWorkers    int      `mapstructure:"max_workers" yaml:"max_workers" json:"max_workers"`
	LanguageHints []string `mapstructure:"language_hints" yaml:"language_hints" json:"language_hints"`
}

// TranslationConfig points at the label translation table.
type TranslationConfig struct {
	Table    string `mapstructure:"table" yaml:"table" json:"table"`
	Language string `mapstructure:"language" yaml:"language" json:"language"` // default display language
}

// CompaniesConfig points at the known companies list.
type CompaniesConfig struct {
	File string `mapstructure:"file" yaml:"file" json:"file"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig limits uploads per client. Zero disables a limit.
type RateLimitConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	UploadsPerMinute int  `mapstructure:"uploads_per_minute" yaml:"uploads_per_minute" json:"uploads_per_minute"`
	UploadsPerDay    int  `mapstructure:"uploads_per_day" yaml:"uploads_per_day" json:"uploads_per_day"`
	MaxMBPerDay      int  `mapstructure:"max_mb_per_day" yaml:"max_mb_per_day" json:"max_mb_per_day"`
}

// WatchConfig contains inbox watcher settings.
type WatchConfig struct {
	Dir        string   `mapstructure:"dir" yaml:"dir" json:"dir"`
	Extensions []string `mapstructure:"extensions" yaml:"extensions" json:"extensions"`
	DebounceMs int      `mapstructure:"debounce_ms" yaml:"debounce_ms" json:"debounce_ms"`
	Processed  string   `mapstructure:"processed" yaml:"processed" json:"processed"` // ingested files move here; empty deletes them
}
