package app

import (
	"context"
	"errors"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"github.com/MeKo-Tech/docsort/internal/config"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/MeKo-Tech/docsort/internal/search"
	"github.com/MeKo-Tech/docsort/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invoiceText = "Stadtwerke Musterstadt GmbH\nStromrechnung 2024\nAbschlag Betrag 84,00 EUR"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Catalog.Driver = "sqlite"
	cfg.Catalog.Path = filepath.Join(dir, "docsort.db")
	cfg.Storage.Root = filepath.Join(dir, "storage")
	cfg.Companies.File = filepath.Join(dir, "companies.yaml")
	cfg.Classification.CategoriesFile = filepath.Join(dir, "categories.yaml")
	cfg.Retry = retry.Config{MaxAttempts: 2, InitialIntervalMs: 1, MaxIntervalMs: 2}
	cfg.Classification.Exemplars = map[string][]string{
		"Invoice":   {"Rechnung Stromrechnung Abschlag Betrag Stadtwerke"},
		"Insurance": {"Versicherung Police Beitrag Versicherungsnummer"},
	}
	return &cfg
}

func pageCapture(t *testing.T) document.RawCapture {
	t.Helper()
	const w, h = 600, 800
	page := testutil.DefaultPageConfig()
	page.Lines = []string{"Stadtwerke Musterstadt GmbH", "Stromrechnung 2024", "Abschlag Betrag 84,00 EUR"}
	scene := testutil.Scene(testutil.Page(page), testutil.SkewedQuad(w, h), w, h, color.Gray{Y: 40})
	c, err := imageio.NewCapture(testutil.EncodePNG(t, scene), "rechnung.png", "test", time.Now())
	require.NoError(t, err)
	return c
}

func TestNew_IngestAndSearch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, WithOCR(testutil.NewTextEngine(invoiceText)))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.Equal(t, "text", a.OCRBackend())
	assert.Equal(t, "hash-v1/384", a.Embedder.ModelID())

	cp, err := a.Orchestrator.Ingest(ctx, pageCapture(t))
	require.NoError(t, err)
	require.Equal(t, document.StateStored, cp.State)
	assert.Equal(t, "Invoice", cp.Classification.Category)
	require.NotNil(t, cp.Record)
	assert.Contains(t, cp.Record.Locator, "DocSort/Invoice/")

	seq, err := a.Search.Search(ctx, "stromrechnung", 5)
	require.NoError(t, err)
	hits := search.Collect(seq)
	require.NotEmpty(t, hits)
	assert.Equal(t, cp.ID, hits[0].DocumentID)
}

func TestNew_ReopenKeepsCatalogAndIndex(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, WithOCR(testutil.NewTextEngine(invoiceText)))
	require.NoError(t, err)
	cp, err := a.Orchestrator.Ingest(ctx, pageCapture(t))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := New(ctx, cfg, WithOCR(testutil.NewTextEngine(invoiceText)))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Equal(t, 1, b.Index.Len())
	got, err := b.Orchestrator.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, got.State)
}

func TestNew_AddedCategoriesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, WithOCR(testutil.NewTextEngine(invoiceText)))
	require.NoError(t, err)
	_, added, err := a.Orchestrator.AddCategory("Warranty")
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, a.Close())

	b, err := New(ctx, cfg, WithOCR(testutil.NewTextEngine(invoiceText)))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	assert.Contains(t, b.Orchestrator.Categories(), "Warranty")
	assert.Equal(t, []string{"Warranty"}, b.Categories.List())
	assert.NotContains(t, cfg.Categories, "Warranty", "configuration is left alone")
}

func TestNew_UnavailableOCRFailsAtTextExtraction(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.OCR.Backend = config.OCRAzure
	cfg.OCR.AzureEndpoint = ""

	a, err := New(ctx, cfg)
	require.NoError(t, err, "a missing OCR backend does not stop the application")
	defer func() { _ = a.Close() }()

	cp, err := a.Orchestrator.Ingest(ctx, pageCapture(t))
	require.Error(t, err)
	var unavailable *document.OcrUnavailableError
	assert.True(t, errors.As(err, &unavailable))
	require.NotNil(t, cp)
	require.NotNil(t, cp.Failure)
	assert.Equal(t, document.StateTextExtracted, cp.Failure.Stage)
	assert.Equal(t, document.KindOcrUnavailable, cp.Failure.Kind)
	assert.Equal(t, document.StateEnhanced, cp.Last)
}

func TestNew_InvalidGeometryConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Geometry.Aspect = "wide"

	_, err := New(context.Background(), cfg, WithOCR(testutil.NewTextEngine("")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geometry.aspect")
}

func TestNew_UnknownCatalogDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Driver = "postgres"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open catalog")
}

func TestSearchOptions(t *testing.T) {
	cfg := testConfig(t)

	cfg.Cache.TTLSec = 0
	a := &App{}
	assert.Empty(t, a.searchOptions(cfg), "ttl 0 disables caching")
	assert.Empty(t, a.closers)

	// An unreachable Redis falls back to the in-process cache
	cfg.Cache.TTLSec = 60
	cfg.Cache.RedisAddr = "127.0.0.1:1"
	opts := a.searchOptions(cfg)
	require.Len(t, opts, 1)
	require.Len(t, a.closers, 1)
	_, isMemory := a.closers[0].(*search.MemoryCache)
	assert.True(t, isMemory)
}

func TestServerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 9090
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.MaxMBPerDay = 2
	cfg.Translation.Language = "de"

	sc := (&App{Config: cfg}).ServerConfig()
	assert.Equal(t, 9090, sc.Port)
	assert.Equal(t, int64(cfg.Server.MaxUploadMB), sc.MaxUploadMB)
	assert.Equal(t, "de", sc.Language)
	assert.True(t, sc.RateLimit.Enabled)
	assert.Equal(t, int64(2<<20), sc.RateLimit.MaxBytesPerDay)
}
