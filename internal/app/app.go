// Package app assembles the document pipeline from a loaded configuration.
// Commands and the HTTP server share the wiring defined here.
package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/classify"
	"github.com/MeKo-Tech/docsort/internal/config"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/embedding/transformer"
	"github.com/MeKo-Tech/docsort/internal/geometry"
	"github.com/MeKo-Tech/docsort/internal/index"
	"github.com/MeKo-Tech/docsort/internal/ocr"
	"github.com/MeKo-Tech/docsort/internal/ocr/azure"
	"github.com/MeKo-Tech/docsort/internal/ocr/tesseract"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/search"
	"github.com/MeKo-Tech/docsort/internal/server"
	"github.com/MeKo-Tech/docsort/internal/storage"
	"github.com/MeKo-Tech/docsort/internal/translate"
)

const (
	eventBuffer = 64
	cachePrefix = "docsort:search:"
)

// App holds the assembled components.
type App struct {
	Config       *config.Config
	Catalog      catalog.Store
	Storage      *storage.Local
	Embedder     embedding.Embedder
	Index        *index.Indexer
	Search       *search.Service
	Companies    *classify.CompanyDetector
	Categories   *classify.CategoryList
	Translator   *translate.Table
	Orchestrator *orchestrator.Orchestrator
	Events       *orchestrator.Broadcaster

	ocr     ocr.Engine
	closers []io.Closer
}

type options struct {
	ocr      ocr.Engine
	embedder embedding.Embedder
	now      func() time.Time
}

// Option overrides a component that New would otherwise build from config.
type Option func(*options)

// WithOCR uses engine instead of the configured backend.
func WithOCR(engine ocr.Engine) Option { return func(o *options) { o.ocr = engine } }

// WithEmbedder uses e instead of the configured embedding backend.
func WithEmbedder(e embedding.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithClock overrides the clock of the index and the orchestrator.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds every component described by cfg. On error, whatever was
// already opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Events: orchestrator.NewBroadcaster(eventBuffer)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Catalog, err = catalog.Open(cfg.Catalog); err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	a.closers = append(a.closers, a.Catalog)

	if a.Storage, err = storage.NewLocal(cfg.Storage.Root); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.Embedder = o.embedder
	if a.Embedder == nil {
		if a.Embedder, err = a.buildEmbedder(cfg.Embedding); err != nil {
			return nil, err
		}
	}

	a.Index, err = index.Open(ctx, a.Catalog, a.Embedder, index.WithRetry(cfg.Retry), index.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	a.Search = search.New(a.Index, a.searchOptions(cfg)...)

	if a.Companies, err = classify.LoadCompanies(cfg.Companies.File); err != nil {
		return nil, err
	}
	if a.Categories, err = classify.LoadCategories(cfg.Classification.CategoriesFile); err != nil {
		return nil, err
	}
	if a.Translator, err = translate.Load(cfg.Translation.Table); err != nil {
		return nil, err
	}

	classifier, err := classify.New(a.Embedder, a.Companies, cfg.ToClassifyConfig())
	if err != nil {
		return nil, fmt.Errorf("create classifier: %w", err)
	}
	geoCfg, err := cfg.ToGeometryConfig()
	if err != nil {
		return nil, err
	}
	geo, err := geometry.New(geoCfg)
	if err != nil {
		return nil, fmt.Errorf("create geometry engine: %w", err)
	}

	a.ocr = o.ocr
	if a.ocr == nil {
		if a.ocr, err = buildOCR(cfg.OCR); err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, a.ocr)

	orchCfg := cfg.ToOrchestratorConfig()
	orchCfg.Categories = append(slices.Clone(orchCfg.Categories), a.Categories.List()...)
	a.Orchestrator, err = orchestrator.New(orchCfg, orchestrator.Deps{
		Geometry:   geo,
		OCR:        a.ocr,
		Classifier: classifier,
		Companies:  a.Companies,
		Labels:     a.Categories,
		Index:      a.Index,
		Catalog:    a.Catalog,
		Storage:    a.Storage,
	},
		orchestrator.WithObserver(orchestrator.MetricsObserver()),
		orchestrator.WithObserver(a.Events),
		orchestrator.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	slog.Debug("Pipeline assembled",
		"embedding", a.Embedder.ModelID(),
		"ocr", a.ocr.Name(),
		"catalog", cfg.Catalog.Driver,
		"storage", a.Storage.Root(),
		"indexed", a.Index.Len())
	return a, nil
}

func (a *App) buildEmbedder(cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	switch cfg.Backend {
	case config.EmbeddingTransformer:
		e, err := transformer.New(transformer.Config{
			ModelDir:    cfg.ModelDir,
			Name:        cfg.Model,
			Dim:         cfg.Dim,
			MaxSeqLen:   cfg.MaxSeqLen,
			NumThreads:  cfg.NumThreads,
			LibraryPath: cfg.OnnxLibrary,
			GPU:         cfg.GPU,
		})
		if err != nil {
			return nil, fmt.Errorf("load embedding model: %w", err)
		}
		a.closers = append(a.closers, e)
		return e, nil
	case config.EmbeddingOllama:
		return embedding.NewOllama(cfg.OllamaURL, cfg.Model, cfg.Dim), nil
	default:
		return embedding.NewHashing(cfg.Dim), nil
	}
}

// searchOptions returns the cache option. Redis is used when configured and
// reachable; otherwise results are cached in memory.
func (a *App) searchOptions(cfg *config.Config) []search.Option {
	ttl := cfg.CacheTTL()
	if ttl <= 0 {
		return nil
	}
	var cache search.Cache = search.NewMemoryCache()
	if cfg.Cache.RedisAddr != "" {
		rc, err := search.NewRedisCache(search.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   cachePrefix,
		})
		if err != nil {
			slog.Warn("Redis unavailable, caching search results in memory", "addr", cfg.Cache.RedisAddr, "error", err)
		} else {
			cache = rc
		}
	}
	a.closers = append(a.closers, cache)
	return []search.Option{search.WithCache(cache, ttl)}
}

// buildOCR creates the configured backend. A backend that cannot load does
// not stop the application: documents fail at TextExtracted with
// OcrUnavailableError and can be retried once the backend is fixed.
func buildOCR(cfg config.OCRConfig) (ocr.Engine, error) {
	var (
		engine ocr.Engine
		err    error
	)
	switch cfg.Backend {
	case config.OCRAzure:
		engine, err = azure.New(cfg.AzureEndpoint, cfg.AzureKey)
	default:
		engine, err = ocr.NewPool(config.OCRTesseract, cfg.PoolSize, tesseract.Factory(tesseract.Config{
			Languages:   cfg.Languages,
			TessdataDir: cfg.TessdataDir,
		}))
	}
	if err == nil {
		return engine, nil
	}

	var unavailable *document.OcrUnavailableError
	if !errors.As(err, &unavailable) {
		return nil, fmt.Errorf("create ocr backend %s: %w", cfg.Backend, err)
	}
	slog.Warn("OCR backend unavailable", "backend", cfg.Backend, "error", err)
	sw := ocr.NewSwitch(ocr.Func{
		ID: cfg.Backend,
		Fn: func(context.Context, image.Image, []string) (document.OcrResult, error) {
			return document.OcrResult{}, unavailable
		},
	})
	sw.SetUnavailable(unavailable.Err)
	return sw, nil
}

// OCRBackend returns the name of the text recognition backend in use.
func (a *App) OCRBackend() string { return a.ocr.Name() }

// ServerConfig derives the HTTP server settings.
func (a *App) ServerConfig() server.Config {
	s := a.Config.Server
	return server.Config{
		Host:        s.Host,
		Port:        s.Port,
		CORSOrigin:  s.CORSOrigin,
		MaxUploadMB: int64(s.MaxUploadMB),
		TimeoutSec:  s.TimeoutSec,
		Language:    a.Config.Translation.Language,
		RateLimit: server.RateLimitConfig{
			Enabled:          s.RateLimit.Enabled,
			UploadsPerMinute: s.RateLimit.UploadsPerMinute,
			UploadsPerDay:    s.RateLimit.UploadsPerDay,
			MaxBytesPerDay:   int64(s.RateLimit.MaxMBPerDay) << 20,
		},
	}
}

// Server creates the HTTP API over the pipeline with the given settings.
func (a *App) Server(cfg server.Config) (*server.Server, error) {
	return server.NewServer(cfg, server.Deps{
		Pipeline:   a.Orchestrator,
		Search:     a.Search,
		Translator: a.Translator,
		Events:     a.Events,
	})
}

// Close releases the components in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
