package support

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/search"
	"github.com/MeKo-Tech/docsort/internal/testutil"
	"github.com/cucumber/godog"
)

const sceneWidth, sceneHeight = 600, 800

// skewedPhoto renders a page photographed at an angle on a dark desk.
func (testCtx *TestContext) skewedPhoto() ([]byte, error) {
	page := testutil.DefaultPageConfig()
	page.Lines = strings.Split(DefaultPageText, "\n")
	testCtx.LastQuad = testutil.SkewedQuad(sceneWidth, sceneHeight)
	scene := testutil.Scene(testutil.Page(page), testCtx.LastQuad, sceneWidth, sceneHeight, color.Gray{Y: 40})

	var buf bytes.Buffer
	if err := png.Encode(&buf, scene); err != nil {
		return nil, fmt.Errorf("failed to encode photo: %w", err)
	}
	return buf.Bytes(), nil
}

func (testCtx *TestContext) aFreshWorkspace() error {
	return testCtx.Start()
}

func (testCtx *TestContext) theOCREngineReads(text string) error {
	testCtx.Engine.Set(strings.ReplaceAll(text, `\n`, "\n"), 0.95)
	return nil
}

func (testCtx *TestContext) theOCREngineReadsWithConfidence(conf float64) error {
	testCtx.Engine.Set(DefaultPageText, conf)
	return nil
}

func (testCtx *TestContext) theOCRBackendIsUnavailable() error {
	testCtx.OCR.SetUnavailable(errors.New("model file missing"))
	return nil
}

func (testCtx *TestContext) theOCRBackendBecomesAvailable() error {
	testCtx.OCR.SetAvailable()
	return nil
}

func (testCtx *TestContext) iIngestASkewedPhoto() error {
	if err := testCtx.Start(); err != nil {
		return err
	}
	data, err := testCtx.skewedPhoto()
	if err != nil {
		return err
	}
	capture, err := imageio.NewCapture(data, "rechnung.png", "test", time.Now())
	if err != nil {
		return err
	}
	testCtx.LastCheckpoint, testCtx.LastError = testCtx.App.Orchestrator.Ingest(context.Background(), capture)
	return nil
}

func (testCtx *TestContext) iIngestAFileThatIsNotAnImage() error {
	if err := testCtx.Start(); err != nil {
		return err
	}
	path := filepath.Join(testCtx.TempDir, "scan.png")
	if err := os.WriteFile(path, []byte("definitely not a png"), 0o600); err != nil {
		return err
	}
	testCtx.LastCheckpoint = nil
	_, testCtx.LastError = imageio.LoadCaptures(path, "test", time.Now())
	return nil
}

// recordStages runs fn while collecting the stages it starts.
func (testCtx *TestContext) recordStages(fn func()) {
	events, stop := testCtx.App.Events.Subscribe()
	testCtx.OCRCallsBefore = testCtx.Engine.Calls()
	fn()
	stop()
	testCtx.StartedStages = nil
	for e := range events {
		if e.Type == orchestrator.EventStageStarted {
			testCtx.StartedStages = append(testCtx.StartedStages, e.Stage)
		}
	}
}

func (testCtx *TestContext) iRetryTheDocument() error {
	if testCtx.LastCheckpoint == nil {
		return errors.New("no document ingested")
	}
	id := testCtx.LastCheckpoint.ID
	testCtx.recordStages(func() {
		testCtx.LastCheckpoint, testCtx.LastError = testCtx.App.Orchestrator.Retry(context.Background(), id)
	})
	if testCtx.LastCheckpoint == nil {
		return fmt.Errorf("retry returned no checkpoint: %w", testCtx.LastError)
	}
	return nil
}

func (testCtx *TestContext) iCorrectTheCategoryTo(category, company string) error {
	if testCtx.LastCheckpoint == nil {
		return errors.New("no document ingested")
	}
	id := testCtx.LastCheckpoint.ID
	testCtx.recordStages(func() {
		testCtx.LastCheckpoint, testCtx.LastError = testCtx.App.Orchestrator.Correct(context.Background(), id,
			orchestrator.Correction{Category: category, Company: company})
	})
	if testCtx.LastError != nil {
		return fmt.Errorf("correction failed: %w", testCtx.LastError)
	}
	return nil
}

func (testCtx *TestContext) theDocumentShouldBe(state string) error {
	if testCtx.LastCheckpoint == nil {
		return fmt.Errorf("no checkpoint, last error: %w", testCtx.LastError)
	}
	if got := testCtx.LastCheckpoint.State.String(); got != state {
		return fmt.Errorf("expected state %s, got %s (%v)", state, got, testCtx.LastCheckpoint.Failure)
	}
	return nil
}

func (testCtx *TestContext) theDocumentShouldHaveFailedAtWith(stage, kind string) error {
	if err := testCtx.theDocumentShouldBe(document.StateFailed.String()); err != nil {
		return err
	}
	f := testCtx.LastCheckpoint.Failure
	if f == nil || f.Stage.String() != stage || f.Kind != kind {
		return fmt.Errorf("expected failure at %s with %s, got %v", stage, kind, f)
	}
	var stageErr *orchestrator.StageError
	if !errors.As(testCtx.LastError, &stageErr) {
		return fmt.Errorf("expected a stage error, got %v", testCtx.LastError)
	}
	return nil
}

func (testCtx *TestContext) theLastCompletedStageShouldBe(stage string) error {
	if got := testCtx.LastCheckpoint.Last.String(); got != stage {
		return fmt.Errorf("expected last completed stage %s, got %s", stage, got)
	}
	return nil
}

func (testCtx *TestContext) theIngestShouldBeRejectedAsAnInvalidImage() error {
	var invalid *document.InvalidImageError
	if !errors.As(testCtx.LastError, &invalid) {
		return fmt.Errorf("expected InvalidImageError, got %v", testCtx.LastError)
	}
	return nil
}

func (testCtx *TestContext) theCategoryShouldBe(category string) error {
	c := testCtx.LastCheckpoint.Classification
	if c == nil || c.Category != category {
		return fmt.Errorf("expected category %s, got %+v", category, c)
	}
	return nil
}

func (testCtx *TestContext) theCompanyShouldBe(company string) error {
	c := testCtx.LastCheckpoint.Classification
	if c == nil || c.Company == nil || *c.Company != company {
		return fmt.Errorf("expected company %s, got %+v", company, c)
	}
	return nil
}

func (testCtx *TestContext) theDocumentShouldBeFlagged(flag string) error {
	if !slices.Contains(testCtx.LastCheckpoint.ReviewFlags, document.ReviewFlag(flag)) {
		return fmt.Errorf("expected review flag %s, got %v", flag, testCtx.LastCheckpoint.ReviewFlags)
	}
	return nil
}

func (testCtx *TestContext) theDetectedCornersShouldMatchThePageWithinPixels(tolerance float64) error {
	c := testCtx.LastCheckpoint.Corners
	if c == nil {
		return errors.New("no corners recorded")
	}
	for i, want := range testCtx.LastQuad {
		got := c.Points[i]
		if math.Abs(got.X-want.X) > tolerance || math.Abs(got.Y-want.Y) > tolerance {
			return fmt.Errorf("corner %d: expected %v, got %v", i, want, got)
		}
	}
	return nil
}

func (testCtx *TestContext) theRectifiedPageShouldHaveA4Proportions() error {
	r := testCtx.LastCheckpoint.Rectified
	if r.Width == 0 {
		return errors.New("no rectified raster")
	}
	if want := int(math.Round(float64(r.Width) * math.Sqrt2)); r.Height != want {
		return fmt.Errorf("expected height %d for width %d, got %d", want, r.Width, r.Height)
	}
	return nil
}

func (testCtx *TestContext) theStoredFileShouldBeUnder(prefix string) error {
	rec := testCtx.LastCheckpoint.Record
	if rec == nil {
		return errors.New("no record")
	}
	if !strings.HasPrefix(rec.Locator, prefix) {
		return fmt.Errorf("expected locator under %s, got %s", prefix, rec.Locator)
	}
	path := filepath.Join(testCtx.App.Storage.Root(), filepath.FromSlash(rec.Locator))
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stored file missing: %w", err)
	}
	return nil
}

func (testCtx *TestContext) searchingForShouldFindTheDocumentFirst(query string) error {
	seq, err := testCtx.App.Search.Search(context.Background(), query, 5)
	if err != nil {
		return err
	}
	hits := search.Collect(seq)
	if len(hits) == 0 {
		return fmt.Errorf("no hits for %q", query)
	}
	if hits[0].DocumentID != testCtx.LastCheckpoint.ID {
		return fmt.Errorf("expected %s first, got %s", testCtx.LastCheckpoint.ID, hits[0].DocumentID)
	}
	return nil
}

func (testCtx *TestContext) theStagesShouldNotRunAgain(stages string) error {
	for _, s := range strings.Split(stages, ",") {
		if slices.Contains(testCtx.StartedStages, strings.TrimSpace(s)) {
			return fmt.Errorf("stage %s ran again: %v", strings.TrimSpace(s), testCtx.StartedStages)
		}
	}
	return nil
}

func (testCtx *TestContext) theStagesShouldRun(stages string) error {
	var want []string
	for _, s := range strings.Split(stages, ",") {
		if s = strings.TrimSpace(s); s != "" {
			want = append(want, s)
		}
	}
	if !slices.Equal(want, testCtx.StartedStages) {
		return fmt.Errorf("expected stages %v, got %v", want, testCtx.StartedStages)
	}
	return nil
}

func (testCtx *TestContext) ocrShouldHaveRunOnceMore() error {
	if n := testCtx.Engine.Calls() - testCtx.OCRCallsBefore; n != 1 {
		return fmt.Errorf("expected one OCR call, got %d", n)
	}
	return nil
}

// RegisterPipelineSteps registers the steps driving the orchestrator.
func (testCtx *TestContext) RegisterPipelineSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a fresh DocSort workspace$`, testCtx.aFreshWorkspace)
	sc.Step(`^the OCR engine reads "([^"]*)"$`, testCtx.theOCREngineReads)
	sc.Step(`^the OCR engine reads the page with confidence ([0-9.]+)$`, testCtx.theOCREngineReadsWithConfidence)
	sc.Step(`^the OCR backend is unavailable$`, testCtx.theOCRBackendIsUnavailable)
	sc.Step(`^the OCR backend becomes available$`, testCtx.theOCRBackendBecomesAvailable)

	sc.Step(`^I ingest a skewed photo of a page$`, testCtx.iIngestASkewedPhoto)
	sc.Step(`^I ingest a file that is not an image$`, testCtx.iIngestAFileThatIsNotAnImage)
	sc.Step(`^I retry the document$`, testCtx.iRetryTheDocument)
	sc.Step(`^I correct the category to "([^"]*)" from "([^"]*)"$`, testCtx.iCorrectTheCategoryTo)

	sc.Step(`^the document should be "([^"]*)"$`, testCtx.theDocumentShouldBe)
	sc.Step(`^the document should have failed at "([^"]*)" with "([^"]*)"$`, testCtx.theDocumentShouldHaveFailedAtWith)
	sc.Step(`^the last completed stage should be "([^"]*)"$`, testCtx.theLastCompletedStageShouldBe)
	sc.Step(`^the ingest should be rejected as an invalid image$`, testCtx.theIngestShouldBeRejectedAsAnInvalidImage)
	sc.Step(`^the category should be "([^"]*)"$`, testCtx.theCategoryShouldBe)
	sc.Step(`^the company should be "([^"]*)"$`, testCtx.theCompanyShouldBe)
	sc.Step(`^the document should be flagged "([^"]*)"$`, testCtx.theDocumentShouldBeFlagged)
	sc.Step(`^the detected corners should match the page within (\d+) pixels$`,
		testCtx.theDetectedCornersShouldMatchThePageWithinPixels)
	sc.Step(`^the rectified page should have A4 proportions$`, testCtx.theRectifiedPageShouldHaveA4Proportions)
	sc.Step(`^the stored file should be under "([^"]*)"$`, testCtx.theStoredFileShouldBeUnder)
	sc.Step(`^searching for "([^"]*)" should find the document first$`, testCtx.searchingForShouldFindTheDocumentFirst)
	sc.Step(`^the stages "([^"]*)" should not run again$`, testCtx.theStagesShouldNotRunAgain)
	sc.Step(`^only the stages "([^"]*)" should run$`, testCtx.theStagesShouldRun)
	sc.Step(`^OCR should have run once more$`, testCtx.ocrShouldHaveRunOnceMore)
}
