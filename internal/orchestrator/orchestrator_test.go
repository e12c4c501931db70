package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/classify"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/geometry"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/index"
	"github.com/MeKo-Tech/docsort/internal/ocr"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/MeKo-Tech/docsort/internal/storage"
	"github.com/MeKo-Tech/docsort/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invoiceText = "Stadtwerke Musterstadt GmbH\nStromrechnung 2024\nAbschlag Betrag 84,00 EUR"

var fastRetry = retry.Config{MaxAttempts: 3, InitialIntervalMs: 1, MaxIntervalMs: 2}

type flakyStorage struct {
	storage.Storage
	failPuts atomic.Int32
}

func (f *flakyStorage) PutFile(ctx context.Context, p string, data []byte) (string, error) {
	if f.failPuts.Add(-1) >= 0 {
		return "", &document.StorageError{Op: "put", Path: p, Err: errors.New("drive offline")}
	}
	return f.Storage.PutFile(ctx, p, data)
}

type harness struct {
	orch      *orchestrator.Orchestrator
	store     catalog.Store
	local     *storage.Local
	files     *flakyStorage
	index     *index.Indexer
	text      *testutil.TextEngine
	ocr       *ocr.Switch
	companies *classify.CompanyDetector
	labels    *classify.CategoryList

	mu      sync.Mutex
	events  []orchestrator.Event
	onEvent func(orchestrator.Event)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{}

	var err error
	h.store, err = catalog.Open(catalog.Config{Driver: "memory"})
	require.NoError(t, err)
	emb := embedding.NewHashing(384)
	h.index, err = index.Open(ctx, h.store, emb, index.WithRetry(fastRetry))
	require.NoError(t, err)

	h.companies = classify.NewCompanyDetector("Stadtwerke Musterstadt")
	h.labels, err = classify.LoadCategories(filepath.Join(t.TempDir(), "categories.yaml"))
	require.NoError(t, err)
	cls, err := classify.New(emb, h.companies, classify.Config{
		Threshold: classify.DefaultThreshold,
		Exemplars: map[string][]string{
			"Invoice":   {"Rechnung Stromrechnung Abschlag Betrag Stadtwerke"},
			"Insurance": {"Versicherung Police Beitrag Versicherungsnummer"},
			"Medical":   {"Arzt Befund Praxis Diagnose Rezept"},
		},
	})
	require.NoError(t, err)
	geo, err := geometry.New(geometry.DefaultConfig())
	require.NoError(t, err)
	h.local, err = storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	h.files = &flakyStorage{Storage: h.local}

	h.text = testutil.NewTextEngine(invoiceText)
	h.ocr = ocr.NewSwitch(h.text)

	cfg := orchestrator.DefaultConfig()
	cfg.Categories = []string{"Invoice", "Insurance", "Medical", "Tax"}
	cfg.Retry = fastRetry
	h.orch, err = orchestrator.New(cfg, orchestrator.Deps{
		Geometry:   geo,
		OCR:        h.ocr,
		Classifier: cls,
		Companies:  h.companies,
		Labels:     h.labels,
		Index:      h.index,
		Catalog:    h.store,
		Storage:    h.files,
	}, orchestrator.WithObserver(orchestrator.ObserverFunc(h.observe)))
	require.NoError(t, err)
	return h
}

func (h *harness) observe(e orchestrator.Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	fn := h.onEvent
	h.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (h *harness) finishedStages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		if e.Type == orchestrator.EventStageFinished {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (h *harness) resetEvents() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

func skewedCapture(t *testing.T, filename string) document.RawCapture {
	t.Helper()
	const w, h = 600, 800
	cfg := testutil.DefaultPageConfig()
	cfg.Lines = []string{"Stadtwerke Musterstadt GmbH", "Stromrechnung 2024", "Abschlag Betrag 84,00 EUR"}
	scene := testutil.Scene(testutil.Page(cfg), testutil.SkewedQuad(w, h), w, h, color.Gray{Y: 40})
	c, err := imageio.NewCapture(testutil.EncodePNG(t, scene), filename, "test", time.Now())
	require.NoError(t, err)
	return c
}

func clutterCapture(t *testing.T) document.RawCapture {
	t.Helper()
	c, err := imageio.NewCapture(testutil.EncodePNG(t, testutil.Clutter(400, 300, 7)), "photo.jpg", "test", time.Now())
	require.NoError(t, err)
	return c
}

func TestIngest_StoresClassifiesAndIndexes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.NoError(t, err)

	assert.Equal(t, document.StateStored, cp.State)
	assert.Equal(t, document.StateStored, cp.Last)
	assert.Nil(t, cp.Failure)
	assert.Equal(t, []string{"Rectified", "Enhanced", "TextExtracted", "Classified", "Indexed", "Stored"}, h.finishedStages())

	require.NotNil(t, cp.Corners)
	assert.Greater(t, cp.Corners.Confidence, 0.3)
	assert.Equal(t, int(math.Round(float64(cp.Rectified.Width)*math.Sqrt2)), cp.Rectified.Height)
	assert.Equal(t, cp.Rectified.Width, cp.Enhanced.Width)
	assert.Equal(t, cp.Rectified.Height, cp.Enhanced.Height)

	require.NotNil(t, cp.Classification)
	assert.Equal(t, "Invoice", cp.Classification.Category)
	assert.Equal(t, "Stadtwerke Musterstadt", cp.Classification.CompanyName())
	assert.Empty(t, cp.ReviewFlags)

	rec, err := h.store.Record(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "DocSort/Invoice/Stadtwerke Musterstadt", rec.Location)
	assert.Equal(t, "DocSort/Invoice/Stadtwerke Musterstadt/rechnung-"+cp.ID[:8]+".png", rec.Locator)
	assert.True(t, h.local.Exists(rec.Locator))
	stored, err := h.local.ReadFile(ctx, rec.Locator)
	require.NoError(t, err)
	assert.Equal(t, cp.Enhanced.PNG, stored)

	entry, ok := h.index.Get(cp.ID)
	require.True(t, ok)
	assert.Contains(t, entry.Snippet, "Stromrechnung")
}

func TestIngest_DegradedInputIsFlaggedNotFailed(t *testing.T) {
	h := newHarness(t)
	h.text.Set("", 0)

	cp, err := h.orch.Ingest(context.Background(), clutterCapture(t))
	require.NoError(t, err)

	assert.Equal(t, document.StateStored, cp.State)
	assert.Zero(t, cp.Corners.Confidence)
	assert.ElementsMatch(t, []document.ReviewFlag{
		document.FlagLowCornerConfidence,
		document.FlagEmptyText,
		document.FlagUnclassified,
		document.FlagNoCompany,
	}, cp.ReviewFlags)
	assert.Equal(t, document.OtherCategory, cp.Classification.Category)
	assert.Equal(t, "DocSort/Other", cp.Record.Location)
	assert.ElementsMatch(t, cp.ReviewFlags, cp.Record.ReviewFlags)
}

func TestIngest_LowOcrConfidenceFlag(t *testing.T) {
	h := newHarness(t)
	h.text.Set(invoiceText, 0.3)

	cp, err := h.orch.Ingest(context.Background(), skewedCapture(t, "scan.png"))
	require.NoError(t, err)
	assert.Contains(t, cp.ReviewFlags, document.FlagLowOcrConfidence)
	assert.Equal(t, document.StateStored, cp.State)
}

func TestIngest_InvalidImageFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cp, err := h.orch.Ingest(ctx, document.RawCapture{Image: []byte("not an image"), Filename: "broken.png"})
	var stageErr *orchestrator.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, document.StateRectified, stageErr.Stage)
	assert.Equal(t, document.KindInvalidImage, document.ErrorKind(err))

	require.NotNil(t, cp)
	assert.Equal(t, document.StateFailed, cp.State)
	assert.Equal(t, document.StateCaptured, cp.Last)
	require.NotNil(t, cp.Failure)
	assert.Equal(t, document.StateRectified, cp.Failure.Stage)

	saved, err := h.store.Checkpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StateFailed, saved.State)

	_, err = h.orch.Ingest(ctx, document.RawCapture{})
	assert.Equal(t, document.KindInvalidImage, document.ErrorKind(err))
}

func TestRetry_ResumesFromEnhancedAfterOcrRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ocr.SetUnavailable(errors.New("traineddata missing"))

	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.Error(t, err)
	assert.Equal(t, document.KindOcrUnavailable, document.ErrorKind(err))
	assert.Equal(t, document.StateFailed, cp.State)
	assert.Equal(t, document.StateEnhanced, cp.Last)
	assert.Equal(t, document.StateTextExtracted, cp.Failure.Stage)
	assert.Equal(t, document.KindOcrUnavailable, cp.Failure.Kind)
	rectified, enhanced := cp.Rectified.PNG, cp.Enhanced.PNG

	h.ocr.SetAvailable()
	h.resetEvents()
	cp, err = h.orch.Retry(ctx, cp.ID)
	require.NoError(t, err)

	assert.Equal(t, document.StateStored, cp.State)
	assert.Equal(t, 2, cp.Attempts)
	assert.Equal(t, []string{"TextExtracted", "Classified", "Indexed", "Stored"}, h.finishedStages())
	assert.Equal(t, rectified, cp.Rectified.PNG)
	assert.Equal(t, enhanced, cp.Enhanced.PNG)
	assert.Equal(t, "Invoice", cp.Classification.Category)

	again, err := h.orch.Retry(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts, "stored documents are not rerun")
}

func TestIngest_CancellationKeepsLastCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onEvent = func(e orchestrator.Event) {
		if e.Type == orchestrator.EventStageFinished && e.Stage == "Enhanced" {
			cancel()
		}
	}

	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, document.StateEnhanced, cp.State)

	saved, err := h.store.Checkpoint(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StateEnhanced, saved.State)
	assert.Nil(t, saved.Failure)
	assert.Zero(t, h.text.Calls())

	h.onEvent = nil
	cp, err = h.orch.Retry(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, cp.State)
}

func TestStore_TransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	h.files.failPuts.Store(2)

	cp, err := h.orch.Ingest(context.Background(), skewedCapture(t, "rechnung.png"))
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, cp.State)
}

func TestStore_PersistentErrorFailsAndRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.files.failPuts.Store(100)

	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.Error(t, err)
	assert.Equal(t, document.StateFailed, cp.State)
	assert.Equal(t, document.StateIndexed, cp.Last)
	assert.Equal(t, document.StateStored, cp.Failure.Stage)
	assert.Equal(t, document.KindStorage, cp.Failure.Kind)
	_, err = h.store.Record(ctx, cp.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	h.files.failPuts.Store(0)
	cp, err = h.orch.Retry(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, cp.State)
	_, err = h.store.Record(ctx, cp.ID)
	assert.NoError(t, err)
}

func TestCorrect_RefilesAndReindexes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.NoError(t, err)
	oldLocator := cp.Record.Locator
	before, _ := h.index.Get(cp.ID)

	cp, err = h.orch.Correct(ctx, cp.ID, orchestrator.Correction{Category: "insurance", Company: " Allianz  SE "})
	require.NoError(t, err)

	assert.Equal(t, document.StateStored, cp.State)
	assert.Equal(t, "Insurance", cp.Classification.Category)
	assert.Equal(t, 1.0, cp.Classification.Confidence)
	assert.True(t, cp.Classification.Corrected)
	assert.Equal(t, "Allianz SE", cp.Classification.CompanyName())

	rec, err := h.store.Record(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "DocSort/Insurance/Allianz SE/rechnung-"+cp.ID[:8]+".png", rec.Locator)
	assert.True(t, cp.Record.CreatedAt.Equal(rec.CreatedAt))
	assert.True(t, h.local.Exists(rec.Locator))
	assert.False(t, h.local.Exists(oldLocator))

	after, ok := h.index.Get(cp.ID)
	require.True(t, ok)
	assert.NotEqual(t, before.Vector, after.Vector)
	assert.Equal(t, 1, h.index.Len())
	assert.Contains(t, h.companies.List(), "Allianz SE")
}

func TestCorrect_ResumesUnfinishedDocuments(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onEvent = func(e orchestrator.Event) {
		if e.Type == orchestrator.EventStageFinished && e.Stage == "Classified" {
			cancel()
		}
	}
	interrupted, err := h.orch.Ingest(ctx, skewedCapture(t, "befund.png"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, document.StateClassified, interrupted.State)
	h.onEvent = nil

	cp, err := h.orch.Correct(context.Background(), interrupted.ID,
		orchestrator.Correction{Category: "Medical", Company: "Dr. Meier"})
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, cp.State)
	rec, err := h.store.Record(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "DocSort/Medical/Dr. Meier", rec.Location)
	_, ok := h.index.Get(cp.ID)
	assert.True(t, ok)

	h.files.failPuts.Store(100)
	failed, err := h.orch.Ingest(context.Background(), skewedCapture(t, "police.png"))
	require.Error(t, err)
	require.Equal(t, document.StateFailed, failed.State)
	h.files.failPuts.Store(0)

	cp, err = h.orch.Correct(context.Background(), failed.ID, orchestrator.Correction{Category: "Insurance"})
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, cp.State)
	assert.Nil(t, cp.Failure)
	assert.Equal(t, "DocSort/Insurance", cp.Record.Location)
}

func TestCorrect_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Correct(ctx, "whatever", orchestrator.Correction{Category: "Recipes"})
	assert.ErrorIs(t, err, orchestrator.ErrUnknownCategory)

	_, err = h.orch.Correct(ctx, "missing", orchestrator.Correction{Category: "Invoice"})
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	h.ocr.SetUnavailable(errors.New("down"))
	cp, _ := h.orch.Ingest(ctx, skewedCapture(t, "a.png"))
	_, err = h.orch.Correct(ctx, cp.ID, orchestrator.Correction{Category: "Invoice"})
	assert.ErrorIs(t, err, orchestrator.ErrNotClassified)
}

func TestCorrect_ToOtherFlagsDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.NoError(t, err)

	cp, err = h.orch.Correct(ctx, cp.ID, orchestrator.Correction{Category: "Other"})
	require.NoError(t, err)
	assert.Equal(t, "DocSort/Other", cp.Record.Location)
	assert.Contains(t, cp.ReviewFlags, document.FlagUnclassified)
	assert.Contains(t, cp.ReviewFlags, document.FlagNoCompany)
}

func TestRecrop_RerunsFromRectified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cp, err := h.orch.Ingest(ctx, clutterCapture(t))
	require.NoError(t, err)
	require.Contains(t, cp.ReviewFlags, document.FlagLowCornerConfidence)

	h.resetEvents()
	quad := [4]document.Point{{X: 300, Y: 250}, {X: 40, Y: 30}, {X: 360, Y: 20}, {X: 20, Y: 280}}
	cp, err = h.orch.Recrop(ctx, cp.ID, quad)
	require.NoError(t, err)

	assert.Equal(t, document.StateStored, cp.State)
	assert.Equal(t, 1.0, cp.Corners.Confidence)
	assert.Equal(t, document.Point{X: 40, Y: 30}, cp.Corners.Points[0])
	assert.NotContains(t, cp.ReviewFlags, document.FlagLowCornerConfidence)
	assert.Equal(t, []string{"Enhanced", "TextExtracted", "Classified", "Indexed", "Stored"}, h.finishedStages())
}

func TestRecrop_KeepsCorrectedClassification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.NoError(t, err)
	cp, err = h.orch.Correct(ctx, cp.ID, orchestrator.Correction{Category: "Medical", Company: "Dr. Meier"})
	require.NoError(t, err)

	textCalls := h.text.Calls()
	cp, err = h.orch.Recrop(ctx, cp.ID, cp.Corners.Points)
	require.NoError(t, err)

	assert.Equal(t, textCalls+1, h.text.Calls(), "text is recognized again")
	assert.Equal(t, "Medical", cp.Classification.Category)
	assert.Equal(t, "Dr. Meier", cp.Classification.CompanyName())
	assert.True(t, cp.Classification.Corrected)
	assert.Equal(t, "DocSort/Medical/Dr. Meier", cp.Record.Location)
}

func TestDelete_LeavesNoOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Ingest(ctx, skewedCapture(t, "one.png"))
	require.NoError(t, err)
	second, err := h.orch.Ingest(ctx, skewedCapture(t, "two.png"))
	require.NoError(t, err)

	require.NoError(t, h.orch.Delete(ctx, first.ID))

	_, ok := h.index.Get(first.ID)
	assert.False(t, ok)
	entries, err := h.store.Entries(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, first.ID, e.DocumentID)
	}
	_, err = h.store.Record(ctx, first.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = h.store.Checkpoint(ctx, first.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.False(t, h.local.Exists(first.Record.Locator))

	_, ok = h.index.Get(second.ID)
	assert.True(t, ok)
	assert.True(t, h.local.Exists(second.Record.Locator))

	assert.ErrorIs(t, h.orch.Delete(ctx, first.ID), catalog.ErrNotFound)
}

func TestDelete_FailedDocumentDropsIndexEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.files.failPuts.Store(100)
	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.Error(t, err)
	_, ok := h.index.Get(cp.ID)
	require.True(t, ok)

	require.NoError(t, h.orch.Delete(ctx, cp.ID))
	_, ok = h.index.Get(cp.ID)
	assert.False(t, ok)
}

type recordingProgress struct {
	mu       sync.Mutex
	started  int
	progress []int
	errors   []int
	stats    *orchestrator.BatchStats
}

func (r *recordingProgress) OnStart(total int) { r.started = total }
func (r *recordingProgress) OnDocument(p orchestrator.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p.Done)
	if p.Err != nil {
		r.errors = append(r.errors, p.Index)
	}
}
func (r *recordingProgress) OnComplete(stats orchestrator.BatchStats) { r.stats = &stats }

func TestProcessAll_OrderedResults(t *testing.T) {
	h := newHarness(t)
	captures := []document.RawCapture{
		skewedCapture(t, "a.png"),
		skewedCapture(t, "b.png"),
		{Image: []byte("garbage"), Filename: "broken.png"},
		skewedCapture(t, "d.png"),
	}
	progress := &recordingProgress{}
	var handled []int

	cps, err := h.orch.ProcessAll(context.Background(), captures, orchestrator.ParallelConfig{
		MaxWorkers:       3,
		ProgressCallback: progress,
		ErrorHandler:     func(i int, _ document.RawCapture, _ error) { handled = append(handled, i) },
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "capture 2 (broken.png)")
	assert.Equal(t, document.KindInvalidImage, document.ErrorKind(err))

	require.Len(t, cps, 4)
	for _, i := range []int{0, 1, 3} {
		assert.Equal(t, captures[i].ID, cps[i].ID)
		assert.Equal(t, document.StateStored, cps[i].State)
	}
	assert.Equal(t, document.StateFailed, cps[2].State)
	assert.Equal(t, []int{2}, handled)
	assert.Equal(t, []int{2}, progress.errors)
	assert.Equal(t, 4, progress.started)
	assert.Equal(t, []int{1, 2, 3, 4}, progress.progress)
	require.NotNil(t, progress.stats)
	assert.Equal(t, 3, progress.stats.Stored)

	stats := orchestrator.Stats(cps, time.Second)
	assert.Equal(t, 3, stats.Stored)
	assert.Equal(t, 1, stats.Failed)

	_, err = h.orch.ProcessAll(context.Background(), nil, orchestrator.DefaultParallelConfig())
	assert.Error(t, err)
}

func TestReconcile_AdoptsAndDrops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.NoError(t, err)
	require.NoError(t, h.local.DeleteFile(ctx, cp.Record.Locator))

	page := testutil.EncodePNG(t, testutil.Page(testutil.DefaultPageConfig()))
	_, err = h.local.PutFile(ctx, "DocSort/Tax/Finanzamt/bescheid.png", page)
	require.NoError(t, err)
	_, err = h.local.PutFile(ctx, "DocSort/Tax/notes.txt", []byte("remember to pay"))
	require.NoError(t, err)

	report, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cp.ID}, report.Removed)
	assert.Equal(t, []string{"DocSort/Tax/notes.txt"}, report.Skipped)
	require.Len(t, report.Adopted, 1)

	adopted := report.Adopted[0]
	rec, err := h.store.Record(ctx, adopted)
	require.NoError(t, err)
	assert.Equal(t, "DocSort/Tax/Finanzamt/bescheid.png", rec.Locator)
	assert.Equal(t, "Tax", rec.Classification.Category)
	assert.Equal(t, "Finanzamt", rec.Classification.CompanyName())
	assert.Equal(t, invoiceText, rec.OCR.Text)
	adoptedCp, err := h.store.Checkpoint(ctx, adopted)
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, adoptedCp.State)
	assert.Equal(t, orchestrator.SourceSync, adoptedCp.Capture.Source)

	_, ok := h.index.Get(adopted)
	assert.True(t, ok)
	_, ok = h.index.Get(cp.ID)
	assert.False(t, ok)

	again, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Adopted)
	assert.Empty(t, again.Removed)
}

func TestRebuildIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Ingest(ctx, skewedCapture(t, "a.png"))
	require.NoError(t, err)
	_, err = h.orch.Ingest(ctx, skewedCapture(t, "b.png"))
	require.NoError(t, err)
	gen := h.index.Generation()

	n, err := h.orch.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.index.Len())
	assert.Greater(t, h.index.Generation(), gen)
}

func TestRebuildIndex_KeepsDocumentsAwaitingStorage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.files.failPuts.Store(100)
	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.Error(t, err)
	require.Equal(t, document.StateIndexed, cp.Last)

	n, err := h.orch.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := h.index.Get(cp.ID)
	assert.True(t, ok, "entry of a document failed at Stored survives the rebuild")

	h.files.failPuts.Store(0)
	cp, err = h.orch.Retry(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StateStored, cp.State)
	_, ok = h.index.Get(cp.ID)
	assert.True(t, ok)
}

func TestStore_RestoresMissingIndexEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.files.failPuts.Store(100)
	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "rechnung.png"))
	require.Error(t, err)
	require.NoError(t, h.index.Remove(ctx, cp.ID))

	h.files.failPuts.Store(0)
	h.resetEvents()
	cp, err = h.orch.Retry(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Stored"}, h.finishedStages())
	entry, ok := h.index.Get(cp.ID)
	require.True(t, ok, "every stored record has an index entry")
	assert.Equal(t, cp.ID, entry.DocumentID)
	assert.Equal(t, 1, h.index.Len())
}

func TestAddCategory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	name, added, err := h.orch.AddCategory("  Warranty ")
	require.NoError(t, err)
	assert.Equal(t, "Warranty", name)
	assert.True(t, added)

	name, added, err = h.orch.AddCategory("WARRANTY")
	require.NoError(t, err)
	assert.Equal(t, "Warranty", name)
	assert.False(t, added)

	name, added, err = h.orch.AddCategory("other")
	require.NoError(t, err)
	assert.Equal(t, document.OtherCategory, name)
	assert.False(t, added)

	_, _, err = h.orch.AddCategory("Tax/2024")
	assert.ErrorIs(t, err, classify.ErrInvalidCategory)

	assert.Equal(t, []string{"Invoice", "Insurance", "Medical", "Tax", "Warranty", "Other"}, h.orch.Categories())
	assert.Equal(t, []string{"Warranty"}, h.labels.List())

	cp, err := h.orch.Ingest(ctx, skewedCapture(t, "garantie.png"))
	require.NoError(t, err)
	cp, err = h.orch.Correct(ctx, cp.ID, orchestrator.Correction{Category: "warranty", Company: "Bosch"})
	require.NoError(t, err)
	assert.Equal(t, "DocSort/Warranty/Bosch", cp.Record.Location)
}

func TestReconcile_ImportsFolderLabels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	page := testutil.EncodePNG(t, testutil.Page(testutil.DefaultPageConfig()))
	_, err := h.local.PutFile(ctx, "DocSort/Warranty/Bosch/garantie.png", page)
	require.NoError(t, err)
	_, err = h.local.PutFile(ctx, "DocSort/tax/bescheid.png", page)
	require.NoError(t, err)
	require.NoError(t, h.local.CreateFolder(ctx, "DocSort/Pets/Tierarzt Kuhn"))
	require.NoError(t, h.local.CreateFolder(ctx, "DocSort/What?"))

	report, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Pets", "Warranty"}, report.Categories)
	assert.ElementsMatch(t, []string{"Tierarzt Kuhn", "Bosch"}, report.Companies)
	require.Len(t, report.Adopted, 2)

	assert.Contains(t, h.orch.Categories(), "Warranty")
	assert.NotContains(t, h.orch.Categories(), "What?")
	assert.Equal(t, []string{"Pets", "Warranty"}, h.labels.List())
	assert.Contains(t, h.companies.List(), "Bosch")

	categories := map[string]string{}
	for _, id := range report.Adopted {
		rec, err := h.store.Record(ctx, id)
		require.NoError(t, err)
		categories[rec.Locator] = rec.Classification.Category
	}
	assert.Equal(t, map[string]string{
		"DocSort/Warranty/Bosch/garantie.png": "Warranty",
		"DocSort/tax/bescheid.png":            "Tax",
	}, categories)

	again, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Categories)
	assert.Empty(t, again.Companies)
	assert.Empty(t, again.Adopted)
}

func TestCategories(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{"Invoice", "Insurance", "Medical", "Tax", "Other"}, h.orch.Categories())

	h.orch.SetCategories([]string{" Bank ", "other", "", "Bank", "Tax"})
	assert.Equal(t, []string{"Bank", "Tax", "Other"}, h.orch.Categories())
}

func TestBroadcaster(t *testing.T) {
	b := orchestrator.NewBroadcaster(2)
	ch, cancel := b.Subscribe()
	assert.Equal(t, 1, b.Len())

	for i := range 5 {
		b.Observe(orchestrator.Event{Type: orchestrator.EventStageStarted, DocumentID: string(rune('a' + i))})
	}
	var got []string
	for range 2 {
		got = append(got, (<-ch).DocumentID)
	}
	assert.Equal(t, []string{"a", "b"}, got, "slow subscribers drop events")

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Len())
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{})
	assert.ErrorContains(t, err, "geometry")
}

func TestStageSequence(t *testing.T) {
	// Sanity check of the state machine the orchestrator walks.
	var seq []document.State
	for s := document.StateCaptured; ; {
		next, ok := s.Next()
		if !ok {
			break
		}
		seq = append(seq, next)
		s = next
	}
	assert.True(t, slices.Equal(seq, []document.State{
		document.StateRectified, document.StateEnhanced, document.StateTextExtracted,
		document.StateClassified, document.StateIndexed, document.StateStored,
	}))
}

func TestConsoleProgressCallback(t *testing.T) {
	var buf bytes.Buffer
	p := orchestrator.NewConsoleProgressCallback(&buf, "Ingesting")
	p.OnStart(2)
	p.OnDocument(orchestrator.Progress{Index: 0, Done: 1, Total: 2, Filename: "a.png",
		Checkpoint: &document.Checkpoint{ID: "a", State: document.StateStored,
			Classification: &document.ClassificationResult{Category: "Invoice"}}})
	p.OnDocument(orchestrator.Progress{Index: 1, Done: 2, Total: 2, Filename: "b.png",
		Err: &document.InvalidImageError{Op: "decode"}})
	p.OnComplete(orchestrator.BatchStats{Total: 2, Stored: 1, Failed: 1})

	out := buf.String()
	assert.Contains(t, out, "Ingesting 2 document(s)")
	assert.Contains(t, out, "[1/2] a.png: Stored (Invoice)")
	assert.Contains(t, out, "[2/2] b.png: rejected:")
	assert.Contains(t, out, "1 stored, 1 failed, 0 flagged")
}
