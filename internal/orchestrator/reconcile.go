package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path"

	"github.com/MeKo-Tech/docsort/internal/classify"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/MeKo-Tech/docsort/internal/storage"
	"github.com/google/uuid"
)

// SourceSync marks captures adopted from the storage tree.
const SourceSync = "sync"

// ReconcileReport lists what Reconcile changed.
type ReconcileReport struct {
	Adopted    []string `json:"adopted"`              // new document ids
	Removed    []string `json:"removed"`              // ids whose file vanished
	Skipped    []string `json:"skipped"`              // locators that could not be adopted
	Categories []string `json:"categories,omitempty"` // category folders added as categories
	Companies  []string `json:"companies,omitempty"`  // company folders added as known companies
}

// Reconcile brings the catalog in line with the storage tree. Category
// folders become categories and company folders known companies. Files
// under DocSort/<category>[/<company>] without a record are adopted with
// the category and company their folders name; they are recognized and
// indexed but not moved. Records whose file is gone are deleted with their
// index entry.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if err := o.deps.Storage.CreateFolder(ctx, storage.RootFolder); err != nil {
		return report, err
	}
	if err := o.importLabels(ctx, &report); err != nil {
		return report, err
	}
	files, err := o.walk(ctx, storage.RootFolder, 2)
	if err != nil {
		return report, err
	}
	recs, err := o.deps.Catalog.Records(ctx)
	if err != nil {
		return report, err
	}

	known := make(map[string]bool, len(recs))
	for _, r := range recs {
		known[r.Locator] = true
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
		if known[f.Path] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id, err := o.adopt(ctx, f)
		if err != nil {
			var invalid *document.InvalidImageError
			if !errors.As(err, &invalid) && !errors.Is(err, errOutsideLayout) {
				return report, err
			}
			slog.Warn("File not adopted", "locator", f.Path, "error", err)
			report.Skipped = append(report.Skipped, f.Path)
			continue
		}
		report.Adopted = append(report.Adopted, id)
	}

	for _, r := range recs {
		if present[r.Locator] {
			continue
		}
		if err := o.dropRecord(ctx, r.ID); err != nil {
			return report, err
		}
		report.Removed = append(report.Removed, r.ID)
	}
	slog.Info("Storage reconciled", "adopted", len(report.Adopted), "removed", len(report.Removed),
		"skipped", len(report.Skipped))
	return report, nil
}

var errOutsideLayout = errors.New("file outside the folder layout")

// importLabels adds the folder names below RootFolder as categories and
// the folder names below those as companies. Names that cannot be
// categories are skipped.
func (o *Orchestrator) importLabels(ctx context.Context, report *ReconcileReport) error {
	cats, err := o.deps.Storage.ListFolder(ctx, storage.RootFolder)
	if err != nil {
		return err
	}
	for _, c := range cats {
		if !c.IsDir {
			continue
		}
		_, added, err := o.AddCategory(c.Name)
		switch {
		case errors.Is(err, classify.ErrInvalidCategory):
			slog.Warn("Folder not imported as category", "folder", c.Path, "error", err)
			continue
		case err != nil:
			return err
		case added:
			report.Categories = append(report.Categories, c.Name)
		}
		if o.deps.Companies == nil {
			continue
		}
		companies, err := o.deps.Storage.ListFolder(ctx, c.Path)
		if err != nil {
			return err
		}
		for _, e := range companies {
			if !e.IsDir {
				continue
			}
			added, err := o.deps.Companies.Add(e.Name)
			if err != nil {
				return err
			}
			if added {
				report.Companies = append(report.Companies, e.Name)
			}
		}
	}
	return nil
}

// walk lists files up to depth folders below p.
func (o *Orchestrator) walk(ctx context.Context, p string, depth int) ([]storage.Entry, error) {
	entries, err := o.deps.Storage.ListFolder(ctx, p)
	if err != nil {
		return nil, err
	}
	var files []storage.Entry
	for _, e := range entries {
		if !e.IsDir {
			files = append(files, e)
			continue
		}
		if depth == 0 {
			continue
		}
		sub, err := o.walk(ctx, e.Path, depth-1)
		if err != nil {
			return nil, err
		}
		files = append(files, sub...)
	}
	return files, nil
}

func (o *Orchestrator) adopt(ctx context.Context, f storage.Entry) (string, error) {
	category, company, _, ok := storage.ParseLocation(f.Path)
	if !ok {
		return "", errOutsideLayout
	}
	if known, ok := o.knownCategory(category); ok {
		category = known
	}
	data, err := o.deps.Storage.ReadFile(ctx, f.Path)
	if err != nil {
		return "", err
	}
	img, format, err := imageio.Decode(data)
	if err != nil {
		return "", err
	}
	raster, err := imageio.ToRaster(img)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	unlock := o.locks.Lock(id)
	defer unlock()

	cp := &document.Checkpoint{
		ID: id,
		Capture: document.RawCapture{
			ID: id, Image: data, Format: format, Filename: f.Name, Source: SourceSync, CapturedAt: f.ModTime.UTC(),
		},
		Rectified: raster,
		Enhanced:  raster,
		Attempts:  1,
	}
	if err := o.extractText(ctx, cp); err != nil {
		return "", err
	}
	cls := document.ClassificationResult{Category: category, Confidence: 1, Corrected: true}
	if company != "" {
		cls.Company = &company
		cls.CompanyConfidence = 1
	}
	cp.Classification = &cls
	o.reviewClassification(cp)
	if err := o.index(ctx, cp); err != nil {
		return "", err
	}

	now := o.now().UTC()
	rec := document.Record{
		ID:             id,
		Filename:       f.Name,
		Locator:        f.Path,
		Location:       path.Dir(f.Path),
		OCR:            *cp.OCR,
		Classification: cls,
		ReviewFlags:    cp.ReviewFlags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := retry.Do(ctx, o.cfg.Retry, "save record", func() error {
		return o.deps.Catalog.SaveRecord(ctx, rec)
	}); err != nil {
		return "", err
	}
	cp.Record = &rec
	cp.Advance(document.StateStored, now)
	if err := o.save(ctx, cp); err != nil {
		return "", err
	}
	slog.Info("Adopted stored file", "id", id, "locator", f.Path, "category", category, "company", company)
	return id, nil
}

func (o *Orchestrator) dropRecord(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()
	if err := retry.Do(ctx, o.cfg.Retry, "delete document", func() error {
		return o.deps.Catalog.DeleteDocument(ctx, id)
	}); err != nil {
		return err
	}
	if err := o.deps.Index.Remove(ctx, id); err != nil {
		return err
	}
	o.emit(Event{Type: EventDeleted, DocumentID: id, Message: "file missing"})
	slog.Info("Dropped record without file", "id", id)
	return nil
}
