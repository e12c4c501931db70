package support

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/docsort/internal/app"
	"github.com/MeKo-Tech/docsort/internal/config"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/ocr"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/MeKo-Tech/docsort/internal/testutil"
)

// DefaultPageText is what the OCR stand-in reads unless a scenario says
// otherwise.
const DefaultPageText = "Stadtwerke Musterstadt GmbH\nStromrechnung 2024\nAbschlag Betrag 84,00 EUR"

// TestContext holds the state of one scenario.
type TestContext struct {
	TempDir string
	Config  *config.Config
	App     *app.App
	Engine  *testutil.TextEngine
	OCR     *ocr.Switch

	// Pipeline results
	LastCheckpoint *document.Checkpoint
	LastError      error
	LastQuad       [4]document.Point
	StartedStages  []string
	OCRCallsBefore int

	// HTTP state
	HTTPServer         *httptest.Server
	LastHTTPStatusCode int
	LastHTTPResponse   string
}

// NewTestContext creates a context with its own temporary workspace.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "docsort-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	cfg := config.DefaultConfig()
	cfg.Catalog.Driver = "sqlite"
	cfg.Catalog.Path = filepath.Join(tempDir, "docsort.db")
	cfg.Storage.Root = filepath.Join(tempDir, "storage")
	cfg.Companies.File = filepath.Join(tempDir, "companies.yaml")
	cfg.Classification.CategoriesFile = filepath.Join(tempDir, "categories.yaml")
	cfg.Retry = retry.Config{MaxAttempts: 2, InitialIntervalMs: 1, MaxIntervalMs: 2}
	cfg.Cache.TTLSec = 0

	engine := testutil.NewTextEngine(DefaultPageText)
	return &TestContext{
		TempDir: tempDir,
		Config:  &cfg,
		Engine:  engine,
		OCR:     ocr.NewSwitch(engine),
	}, nil
}

// Start assembles the pipeline over the scenario workspace.
func (testCtx *TestContext) Start() error {
	if testCtx.App != nil {
		return nil
	}
	a, err := app.New(context.Background(), testCtx.Config, app.WithOCR(testCtx.OCR))
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	testCtx.App = a
	return nil
}

// Cleanup stops the HTTP server, closes the pipeline and removes the
// workspace.
func (testCtx *TestContext) Cleanup() error {
	var errs []error
	if testCtx.HTTPServer != nil {
		testCtx.HTTPServer.Close()
		testCtx.HTTPServer = nil
	}
	if testCtx.App != nil {
		if err := testCtx.App.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close pipeline: %w", err))
		}
		testCtx.App = nil
	}
	if err := os.RemoveAll(testCtx.TempDir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove %s: %w", testCtx.TempDir, err))
	}
	return errors.Join(errs...)
}
