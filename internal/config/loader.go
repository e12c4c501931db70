package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "docsort"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "DOCSORT"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	// Use the global viper instance so that cobra flag bindings apply
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWithViper creates a loader on a dedicated viper instance.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load loads configuration from files, environment variables, and sets defaults.
// It returns the loaded and validated configuration.
func (l *Loader) Load() (*Config, error) {
	return l.load("", true)
}

// LoadWithoutValidation is Load without the final Validate call.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	return l.load("", false)
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	return l.load(configFile, true)
}

func (l *Loader) load(configFile string, validate bool) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		// Without an explicit file a missing config is fine: defaults and env vars apply
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if validate {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return &config, nil
}

// Get returns a value from the configuration.
func (l *Loader) Get(key string) any {
	return l.v.Get(key)
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for advanced usage.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

// setupEnvironmentVariables configures environment variable handling.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	// DOCSORT_SERVER_PORT maps to server.port
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults registers every default so that environment variables bind
// to keys missing from the config file.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)
	l.v.SetDefault("categories", d.Categories)

	l.v.SetDefault("classification.threshold", d.Classification.Threshold)
	l.v.SetDefault("classification.exemplars", d.Classification.Exemplars)
	l.v.SetDefault("classification.categories_file", d.Classification.CategoriesFile)

	l.v.SetDefault("enhance.denoise", d.Enhance.Denoise)
	l.v.SetDefault("enhance.auto_contrast", d.Enhance.AutoContrast)
	l.v.SetDefault("enhance.sharpen", d.Enhance.Sharpen)
	l.v.SetDefault("enhance.grayscale", d.Enhance.Grayscale)
	l.v.SetDefault("enhance.binarize", d.Enhance.Binarize)

	l.v.SetDefault("embedding.backend", d.Embedding.Backend)
	l.v.SetDefault("embedding.model", d.Embedding.Model)
	l.v.SetDefault("embedding.dim", d.Embedding.Dim)
	l.v.SetDefault("embedding.model_dir", d.Embedding.ModelDir)
	l.v.SetDefault("embedding.onnx_library", d.Embedding.OnnxLibrary)
	l.v.SetDefault("embedding.num_threads", d.Embedding.NumThreads)
	l.v.SetDefault("embedding.max_seq_len", d.Embedding.MaxSeqLen)
	l.v.SetDefault("embedding.ollama_url", d.Embedding.OllamaURL)
	l.v.SetDefault("embedding.gpu.use_gpu", d.Embedding.GPU.UseGPU)
	l.v.SetDefault("embedding.gpu.device_id", d.Embedding.GPU.DeviceID)
	l.v.SetDefault("embedding.gpu.mem_limit", d.Embedding.GPU.GPUMemLimit)

	l.v.SetDefault("ocr.backend", d.OCR.Backend)
	l.v.SetDefault("ocr.languages", d.OCR.Languages)
	l.v.SetDefault("ocr.tessdata_dir", d.OCR.TessdataDir)
	l.v.SetDefault("ocr.pool_size", d.OCR.PoolSize)
	l.v.SetDefault("ocr.min_confidence", d.OCR.MinConfidence)
	l.v.SetDefault("ocr.azure_endpoint", d.OCR.AzureEndpoint)
	l.v.SetDefault("ocr.azure_key", d.OCR.AzureKey)

	l.v.SetDefault("geometry.aspect", d.Geometry.Aspect)
	l.v.SetDefault("geometry.output_width", d.Geometry.OutputWidth)
	l.v.SetDefault("geometry.working_height", d.Geometry.WorkingHeight)
	l.v.SetDefault("geometry.min_area_fraction", d.Geometry.MinAreaFraction)
	l.v.SetDefault("geometry.canny_low", d.Geometry.CannyLow)
	l.v.SetDefault("geometry.canny_high", d.Geometry.CannyHigh)
	l.v.SetDefault("geometry.min_confidence", d.Geometry.MinConfidence)

	l.v.SetDefault("storage.root", d.Storage.Root)
	l.v.SetDefault("storage.format", d.Storage.Format)
	l.v.SetDefault("catalog.driver", d.Catalog.Driver)
	l.v.SetDefault("catalog.path", d.Catalog.Path)

	l.v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	l.v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	l.v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	l.v.SetDefault("cache.ttl_sec", d.Cache.TTLSec)

	l.v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	l.v.SetDefault("retry.initial_interval_ms", d.Retry.InitialIntervalMs)
	l.v.SetDefault("retry.max_interval_ms", d.Retry.MaxIntervalMs)

	l.v.SetDefault("pipeline.max_workers", d.Pipeline.MaxWorkers)
	l.v.SetDefault("pipeline.language_hints", d.Pipeline.LanguageHints)

	l.v.SetDefault("translation.table", d.Translation.Table)
	l.v.SetDefault("translation.language", d.Translation.Language)
	l.v.SetDefault("companies.file", d.Companies.File)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.timeout_sec", d.Server.TimeoutSec)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.rate_limit.enabled", d.Server.RateLimit.Enabled)
	l.v.SetDefault("server.rate_limit.uploads_per_minute", d.Server.RateLimit.UploadsPerMinute)
	l.v.SetDefault("server.rate_limit.uploads_per_day", d.Server.RateLimit.UploadsPerDay)
	l.v.SetDefault("server.rate_limit.max_mb_per_day", d.Server.RateLimit.MaxMBPerDay)

	l.v.SetDefault("watch.dir", d.Watch.Dir)
	l.v.SetDefault("watch.extensions", d.Watch.Extensions)
	l.v.SetDefault("watch.debounce_ms", d.Watch.DebounceMs)
	l.v.SetDefault("watch.processed", d.Watch.Processed)
}

// GetResolvedConfig returns the current resolved configuration for debugging.
func (l *Loader) GetResolvedConfig() map[string]any {
	return l.v.AllSettings()
}

// GenerateDefaultConfigFile writes the default configuration as YAML.
// An existing file is not overwritten unless force is set.
func GenerateDefaultConfigFile(filename string, force bool) error {
	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}
	if !force {
		if _, err := os.Stat(filename); err == nil {
			return fmt.Errorf("config file already exists: %s", filename)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(filename, data, 0o600)
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, "docsort"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "docsort"))
	}

	paths = append(paths, "/etc/docsort")

	return paths
}
