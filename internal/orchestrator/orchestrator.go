// Package orchestrator sequences the ingestion stages of each document
// through a checkpointed state machine:
//
//	Captured → Rectified → Enhanced → TextExtracted → Classified → Indexed → Stored
//
// Every successful transition is saved to the catalog before the next stage
// starts. A stage error moves the document to Failed(stage, reason) and keeps
// every earlier artifact, so Retry resumes after the last completed stage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/classify"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/enhance"
	"github.com/MeKo-Tech/docsort/internal/geometry"
	"github.com/MeKo-Tech/docsort/internal/index"
	"github.com/MeKo-Tech/docsort/internal/keylock"
	"github.com/MeKo-Tech/docsort/internal/ocr"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/MeKo-Tech/docsort/internal/storage"
	"github.com/google/uuid"
)

// ErrUnknownCategory is returned by Correct for a label outside the
// configured set.
var ErrUnknownCategory = errors.New("unknown category")

// ErrNotClassified is returned by Correct before the Classified stage ran.
var ErrNotClassified = errors.New("not classified yet")

// Config holds the pipeline settings the orchestrator applies per document.
type Config struct {
	Categories          []string
	LanguageHints       []string
	Enhance             enhance.Options
	StorageFormat       string  // png or pdf
	MinCornerConfidence float64 // below this the document is flagged, never failed
	MinOcrConfidence    float64
	Retry               retry.Config
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Categories:          []string{"Invoice", "Contract", "Insurance", "Tax", "Bank", "Medical"},
		LanguageHints:       []string{"de", "en"},
		Enhance:             enhance.DefaultOptions(),
		StorageFormat:       storage.FormatPNG,
		MinCornerConfidence: 0.3,
		MinOcrConfidence:    0.6,
		Retry:               retry.DefaultConfig(),
	}
}

// CategoryStore persists categories added at runtime.
type CategoryStore interface {
	Add(name string) (bool, error)
}

// Deps are the stage components. Companies and Labels are optional; when
// set, company names confirmed by a correction or found in the storage tree
// are added to Companies, and categories added at runtime to Labels.
type Deps struct {
	Geometry   *geometry.Engine
	OCR        ocr.Engine
	Classifier *classify.Classifier
	Companies  *classify.CompanyDetector
	Labels     CategoryStore
	Index      *index.Indexer
	Catalog    catalog.Store
	Storage    storage.Storage
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver adds an observer receiving stage events.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator runs documents through the pipeline. Stages of one document
// run sequentially; different documents may be processed concurrently.
type Orchestrator struct {
	cfg  Config
	deps Deps

	observers []Observer
	now       func() time.Time
	locks     keylock.Locker

	catMu      sync.RWMutex
	categories []string
}

// New checks deps and returns an orchestrator.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Geometry == nil:
		return nil, errors.New("orchestrator: geometry engine is required")
	case deps.OCR == nil:
		return nil, errors.New("orchestrator: ocr engine is required")
	case deps.Classifier == nil:
		return nil, errors.New("orchestrator: classifier is required")
	case deps.Index == nil:
		return nil, errors.New("orchestrator: index is required")
	case deps.Catalog == nil:
		return nil, errors.New("orchestrator: catalog is required")
	case deps.Storage == nil:
		return nil, errors.New("orchestrator: storage is required")
	}
	if cfg.StorageFormat == "" {
		cfg.StorageFormat = storage.FormatPNG
	}
	if cfg.StorageFormat != storage.FormatPNG && cfg.StorageFormat != storage.FormatPDF {
		return nil, fmt.Errorf("orchestrator: unsupported storage format %q", cfg.StorageFormat)
	}
	o := &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	o.SetCategories(cfg.Categories)
	return o, nil
}

// Categories returns the configured categories followed by Other.
func (o *Orchestrator) Categories() []string {
	o.catMu.RLock()
	defer o.catMu.RUnlock()
	return append(slices.Clone(o.categories), document.OtherCategory)
}

// SetCategories replaces the category set. Stored documents keep their
// labels; only documents classified afterwards see the new set.
func (o *Orchestrator) SetCategories(categories []string) {
	var out []string
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || strings.EqualFold(c, document.OtherCategory) || slices.ContainsFunc(out, equalFold(c)) {
			continue
		}
		out = append(out, c)
	}
	o.catMu.Lock()
	o.categories = out
	o.catMu.Unlock()
}

// AddCategory makes name available to classification and correction and
// saves it to the category store. It returns the label as known, which
// differs from name when a category of another case exists, and whether
// the category is new.
func (o *Orchestrator) AddCategory(name string) (string, bool, error) {
	name, err := classify.NormalizeCategory(name)
	if err != nil {
		return "", false, err
	}
	if strings.EqualFold(name, document.OtherCategory) {
		return document.OtherCategory, false, nil
	}

	o.catMu.Lock()
	defer o.catMu.Unlock()
	if i := slices.IndexFunc(o.categories, equalFold(name)); i >= 0 {
		return o.categories[i], false, nil
	}
	if o.deps.Labels != nil {
		if _, err := o.deps.Labels.Add(name); err != nil {
			return "", false, err
		}
	}
	o.categories = append(o.categories, name)
	slog.Info("Category added", "category", name)
	return name, true, nil
}

func equalFold(s string) func(string) bool {
	return func(t string) bool { return strings.EqualFold(s, t) }
}

func (o *Orchestrator) knownCategory(label string) (string, bool) {
	for _, c := range o.Categories() {
		if strings.EqualFold(c, label) {
			return c, true
		}
	}
	return "", false
}

// StageError reports the stage a document failed in.
type StageError struct {
	ID    string
	Stage document.State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("document %s: stage %s: %v", e.ID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Ingest creates the Captured checkpoint for c and runs the pipeline to
// Stored. A capture without id gets a fresh one. A stage failure is
// returned as *StageError alongside the Failed checkpoint.
func (o *Orchestrator) Ingest(ctx context.Context, c document.RawCapture) (*document.Checkpoint, error) {
	if len(c.Image) == 0 {
		return nil, &document.InvalidImageError{Op: "ingest", Err: errors.New("empty capture")}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = o.now().UTC()
	}
	unlock := o.locks.Lock(c.ID)
	defer unlock()

	if _, err := o.deps.Catalog.Checkpoint(ctx, c.ID); err == nil {
		return nil, fmt.Errorf("document %s already exists", c.ID)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	cp := &document.Checkpoint{
		ID:        c.ID,
		State:     document.StateCaptured,
		Last:      document.StateCaptured,
		Capture:   c,
		Attempts:  1,
		UpdatedAt: o.now().UTC(),
	}
	if err := o.save(ctx, cp); err != nil {
		return nil, err
	}
	slog.Info("Document captured", "id", c.ID, "filename", c.Filename, "source", c.Source)
	return o.run(ctx, cp)
}

// Retry resumes a document after its last completed stage. Stored
// documents are returned unchanged.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*document.Checkpoint, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	cp, err := o.deps.Catalog.Checkpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.State == document.StateStored {
		return cp, nil
	}
	cp.Attempts++
	slog.Info("Retrying document", "id", id, "resume_after", cp.Last, "attempt", cp.Attempts)
	return o.run(ctx, cp)
}

// Get returns the checkpoint of id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*document.Checkpoint, error) {
	return o.deps.Catalog.Checkpoint(ctx, id)
}

// List returns every checkpoint ordered by id.
func (o *Orchestrator) List(ctx context.Context) ([]*document.Checkpoint, error) {
	return o.deps.Catalog.Checkpoints(ctx)
}

// Record returns the stored record of id.
func (o *Orchestrator) Record(ctx context.Context, id string) (document.Record, error) {
	return o.deps.Catalog.Record(ctx, id)
}

// run executes stages after cp.Last until Stored, a stage fails or ctx
// ends. Stages themselves are not interrupted: cancellation is checked
// between stages and leaves the checkpoint at the last completed state.
func (o *Orchestrator) run(ctx context.Context, cp *document.Checkpoint) (*document.Checkpoint, error) {
	stageCtx := context.WithoutCancel(ctx)
	for {
		next, ok := cp.Last.Next()
		if !ok {
			return cp, nil
		}
		if err := ctx.Err(); err != nil {
			slog.Info("Document run canceled", "id", cp.ID, "last", cp.Last)
			return cp, err
		}

		o.emit(Event{Type: EventStageStarted, DocumentID: cp.ID, Stage: next.String()})
		start := time.Now()
		err := o.runStage(stageCtx, next, cp)
		elapsed := time.Since(start)
		if err != nil {
			return cp, o.fail(stageCtx, cp, next, err, elapsed)
		}

		prev := cp.Last
		cp.Advance(next, o.now().UTC())
		if err := o.save(stageCtx, cp); err != nil {
			cp.Last = prev
			return cp, o.fail(stageCtx, cp, next, err, elapsed)
		}
		o.emit(Event{Type: EventStageFinished, DocumentID: cp.ID, Stage: next.String(), Duration: elapsed})
		if next == document.StateStored {
			o.emit(Event{Type: EventStored, DocumentID: cp.ID, Stage: next.String(), Message: cp.Record.Locator})
		}
		slog.Debug("Stage completed", "id", cp.ID, "stage", next, "duration", elapsed)
	}
}

func (o *Orchestrator) fail(ctx context.Context, cp *document.Checkpoint, stage document.State, cause error, elapsed time.Duration) error {
	cp.Fail(stage, cause, o.now().UTC())
	o.emit(Event{
		Type:       EventStageFailed,
		DocumentID: cp.ID,
		Stage:      stage.String(),
		Kind:       cp.Failure.Kind,
		Message:    cause.Error(),
		Duration:   elapsed,
	})
	slog.Warn("Stage failed", "id", cp.ID, "stage", stage, "kind", cp.Failure.Kind, "error", cause)
	err := &StageError{ID: cp.ID, Stage: stage, Err: cause}
	if serr := o.save(ctx, cp); serr != nil {
		return errors.Join(err, fmt.Errorf("save failed checkpoint: %w", serr))
	}
	return err
}

func (o *Orchestrator) save(ctx context.Context, cp *document.Checkpoint) error {
	return retry.Do(ctx, o.cfg.Retry, "save checkpoint", func() error {
		return o.deps.Catalog.SaveCheckpoint(ctx, cp)
	})
}

func (o *Orchestrator) emit(e Event) {
	if e.At.IsZero() {
		e.At = o.now().UTC()
	}
	for _, obs := range o.observers {
		obs.Observe(e)
	}
}

func (o *Orchestrator) flag(cp *document.Checkpoint, f document.ReviewFlag) {
	if slices.Contains(cp.ReviewFlags, f) {
		return
	}
	cp.Flag(f)
	o.emit(Event{Type: EventReviewFlag, DocumentID: cp.ID, Flag: string(f)})
}
