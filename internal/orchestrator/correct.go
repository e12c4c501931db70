package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/geometry"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/retry"
)

// Correction is a user override of a classification. An empty Company
// clears the company.
type Correction struct {
	Category string `json:"category"`
	Company  string `json:"company"`
}

// Correct applies c as the Classified → Classified transition and then
// runs the remaining stages. A stored document is indexed and stored again,
// so its record, blob location and index entry follow the new labels; a
// failed or interrupted one resumes and is filed under them.
func (o *Orchestrator) Correct(ctx context.Context, id string, c Correction) (*document.Checkpoint, error) {
	category, ok := o.knownCategory(c.Category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c.Category)
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	cp, err := o.deps.Catalog.Checkpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Last < document.StateClassified || cp.Classification == nil {
		return nil, fmt.Errorf("%w: document %s (last stage %s)", ErrNotClassified, id, cp.Last)
	}

	res := *cp.Classification
	res.Category = category
	res.Confidence = 1
	res.Corrected = true
	res.Company, res.CompanyConfidence = nil, 0
	if name := strings.Join(strings.Fields(c.Company), " "); name != "" {
		res.Company = &name
		res.CompanyConfidence = 1
		if o.deps.Companies != nil {
			if _, err := o.deps.Companies.Add(name); err != nil {
				slog.Warn("Company not saved", "company", name, "error", err)
			}
		}
	}
	cp.Classification = &res
	o.reviewClassification(cp)
	cp.Advance(document.StateClassified, o.now().UTC())
	if err := o.save(ctx, cp); err != nil {
		return nil, err
	}
	o.emit(Event{Type: EventCorrected, DocumentID: id, Stage: document.StateClassified.String(), Message: category})
	slog.Info("Classification corrected", "id", id, "category", category, "company", res.CompanyName())
	return o.run(ctx, cp)
}

// Recrop replaces the detected corners with user supplied ones and reruns
// every stage after Captured. A corrected classification is kept.
func (o *Orchestrator) Recrop(ctx context.Context, id string, points [4]document.Point) (*document.Checkpoint, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	cp, err := o.deps.Catalog.Checkpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	img, _, err := imageio.Decode(cp.Capture.Image)
	if err != nil {
		return nil, err
	}
	corners := document.Corners{Points: geometry.OrderCorners(points), Confidence: 1}
	if err := o.applyCorners(cp, img, corners); err != nil {
		return nil, err
	}
	cp.Unflag(document.FlagLowCornerConfidence)
	cp.Advance(document.StateRectified, o.now().UTC())
	if err := o.save(ctx, cp); err != nil {
		return nil, err
	}
	slog.Info("Corners replaced", "id", id)
	return o.run(ctx, cp)
}

// Delete removes the stored blob, the record, the checkpoint and the index
// entry of id. The blob goes first and the catalog rows are removed in one
// transaction, so an interrupted delete can simply be repeated.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	var locator string
	cp, err := o.deps.Catalog.Checkpoint(ctx, id)
	switch {
	case err == nil && cp.Record != nil:
		locator = cp.Record.Locator
	case err != nil && !errors.Is(err, catalog.ErrNotFound):
		return err
	}
	rec, rerr := o.deps.Catalog.Record(ctx, id)
	switch {
	case rerr == nil:
		locator = rec.Locator
	case !errors.Is(rerr, catalog.ErrNotFound):
		return rerr
	case err != nil:
		_, indexed := o.deps.Index.Get(id)
		if !indexed {
			return fmt.Errorf("document %s: %w", id, catalog.ErrNotFound)
		}
	}

	if locator != "" {
		if err := retry.Do(ctx, o.cfg.Retry, "delete blob", func() error {
			return o.deps.Storage.DeleteFile(ctx, locator)
		}); err != nil {
			return err
		}
	}
	if err := retry.Do(ctx, o.cfg.Retry, "delete document", func() error {
		return o.deps.Catalog.DeleteDocument(ctx, id)
	}); err != nil {
		return err
	}
	if err := o.deps.Index.Remove(ctx, id); err != nil {
		return err
	}
	o.emit(Event{Type: EventDeleted, DocumentID: id})
	slog.Info("Document deleted", "id", id, "locator", locator)
	return nil
}

// RebuildIndex re-embeds every document that has an index entry with the
// current embedder and retags the index: stored records, and documents
// that completed Indexed but not yet Stored. It resolves
// IndexConsistencyError.
func (o *Orchestrator) RebuildIndex(ctx context.Context) (int, error) {
	recs, err := o.deps.Catalog.Records(ctx)
	if err != nil {
		return 0, err
	}
	cps, err := o.deps.Catalog.Checkpoints(ctx)
	if err != nil {
		return 0, err
	}
	docs := make(map[string]embedding.Fields, len(cps))
	for _, r := range recs {
		docs[r.ID] = fieldsOf(r.Filename, r.OCR.Text, r.Classification)
	}
	for _, cp := range cps {
		if cp.Last < document.StateIndexed || cp.Classification == nil || cp.OCR == nil {
			continue
		}
		docs[cp.ID] = fieldsOf(cp.Capture.Filename, cp.OCR.Text, *cp.Classification)
	}
	if err := o.deps.Index.Rebuild(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
