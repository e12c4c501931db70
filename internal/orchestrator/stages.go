package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/enhance"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/MeKo-Tech/docsort/internal/storage"
)

// runStage performs the transition into target. It fills the artifacts of
// target on cp and leaves state bookkeeping to the caller.
func (o *Orchestrator) runStage(ctx context.Context, target document.State, cp *document.Checkpoint) error {
	switch target {
	case document.StateRectified:
		return o.rectify(cp)
	case document.StateEnhanced:
		return o.enhance(cp)
	case document.StateTextExtracted:
		return o.extractText(ctx, cp)
	case document.StateClassified:
		return o.classify(ctx, cp)
	case document.StateIndexed:
		return o.index(ctx, cp)
	case document.StateStored:
		return o.store(ctx, cp)
	default:
		return fmt.Errorf("no stage leads to %s", target)
	}
}

func (o *Orchestrator) rectify(cp *document.Checkpoint) error {
	img, _, err := imageio.Decode(cp.Capture.Image)
	if err != nil {
		return err
	}
	corners := o.deps.Geometry.DetectCorners(img)
	if corners.Confidence < o.cfg.MinCornerConfidence {
		o.flag(cp, document.FlagLowCornerConfidence)
	} else {
		cp.Unflag(document.FlagLowCornerConfidence)
	}
	return o.applyCorners(cp, img, corners)
}

func (o *Orchestrator) applyCorners(cp *document.Checkpoint, img image.Image, corners document.Corners) error {
	rect, err := o.deps.Geometry.Rectify(img, corners)
	if err != nil {
		return err
	}
	raster, err := imageio.ToRaster(rect)
	if err != nil {
		return err
	}
	cp.Corners = &corners
	cp.Rectified = raster
	return nil
}

func (o *Orchestrator) enhance(cp *document.Checkpoint) error {
	if cp.Rectified.Empty() {
		return &document.InvalidImageError{Op: "enhance", Err: errors.New("missing rectified image")}
	}
	raster, err := enhance.EnhanceRaster(cp.Rectified, o.cfg.Enhance)
	if err != nil {
		return err
	}
	cp.Enhanced = raster
	return nil
}

func (o *Orchestrator) extractText(ctx context.Context, cp *document.Checkpoint) error {
	img, err := imageio.FromRaster(cp.Enhanced)
	if err != nil {
		return err
	}
	res, err := o.deps.OCR.Recognize(ctx, img, o.cfg.LanguageHints)
	if err != nil {
		return err
	}
	cp.OCR = &res

	cp.Unflag(document.FlagEmptyText)
	cp.Unflag(document.FlagLowOcrConfidence)
	switch {
	case strings.TrimSpace(res.Text) == "":
		o.flag(cp, document.FlagEmptyText)
	case res.Confidence < o.cfg.MinOcrConfidence:
		o.flag(cp, document.FlagLowOcrConfidence)
	}
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, cp *document.Checkpoint) error {
	if cp.OCR == nil {
		return errors.New("classify: missing ocr result")
	}
	if cp.Classification != nil && cp.Classification.Corrected {
		slog.Debug("Keeping corrected classification", "id", cp.ID, "category", cp.Classification.Category)
		o.reviewClassification(cp)
		return nil
	}
	res, err := o.deps.Classifier.Classify(ctx, cp.OCR.Text, o.Categories())
	if err != nil {
		return err
	}
	cp.Classification = &res
	o.reviewClassification(cp)
	return nil
}

func (o *Orchestrator) reviewClassification(cp *document.Checkpoint) {
	cp.Unflag(document.FlagUnclassified)
	cp.Unflag(document.FlagNoCompany)
	if cp.Classification.Category == document.OtherCategory {
		o.flag(cp, document.FlagUnclassified)
	}
	if cp.Classification.Company == nil {
		o.flag(cp, document.FlagNoCompany)
	}
}

func (o *Orchestrator) index(ctx context.Context, cp *document.Checkpoint) error {
	if cp.Classification == nil || cp.OCR == nil {
		return errors.New("index: document is not classified")
	}
	_, err := o.deps.Index.IndexFields(ctx, cp.ID, fieldsOf(cp.Capture.Filename, cp.OCR.Text, *cp.Classification))
	return err
}

func fieldsOf(filename, text string, c document.ClassificationResult) embedding.Fields {
	stem := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	return embedding.Fields{
		Filename: strings.NewReplacer("_", " ", "-", " ").Replace(stem),
		Company:  c.CompanyName(),
		Category: c.Category,
		Text:     text,
	}
}

// store files the enhanced image under its category and company and writes
// the record. A previously stored blob at another location is removed once
// the new one and its record are durable. A missing index entry, for
// example after a rebuild between Indexed and Stored, is written first.
func (o *Orchestrator) store(ctx context.Context, cp *document.Checkpoint) error {
	if cp.Classification == nil || cp.OCR == nil {
		return errors.New("store: document is not classified")
	}
	if _, ok := o.deps.Index.Get(cp.ID); !ok {
		slog.Warn("Index entry missing, indexing again", "id", cp.ID)
		if err := o.index(ctx, cp); err != nil {
			return err
		}
	}
	data, err := storage.Encode(cp.Enhanced.PNG, o.cfg.StorageFormat)
	if err != nil {
		return &document.InvalidImageError{Op: "store encode", Err: err}
	}
	folder := storage.FolderPath(cp.Classification.Category, cp.Classification.CompanyName())
	name := storage.FileName(cp.Capture.Filename, cp.ID, o.cfg.StorageFormat)

	var locator string
	if err := retry.Do(ctx, o.cfg.Retry, "store document", func() error {
		if err := o.deps.Storage.CreateFolder(ctx, folder); err != nil {
			return err
		}
		loc, err := o.deps.Storage.PutFile(ctx, path.Join(folder, name), data)
		locator = loc
		return err
	}); err != nil {
		return err
	}

	now := o.now().UTC()
	rec := document.Record{
		ID:             cp.ID,
		Filename:       cp.Capture.Filename,
		Locator:        locator,
		Location:       folder,
		OCR:            *cp.OCR,
		Classification: *cp.Classification,
		ReviewFlags:    slices.Clone(cp.ReviewFlags),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	prev := cp.Record
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := retry.Do(ctx, o.cfg.Retry, "save record", func() error {
		return o.deps.Catalog.SaveRecord(ctx, rec)
	}); err != nil {
		return err
	}
	cp.Record = &rec

	if prev != nil && prev.Locator != "" && prev.Locator != locator {
		if err := retry.Do(ctx, o.cfg.Retry, "delete previous blob", func() error {
			return o.deps.Storage.DeleteFile(ctx, prev.Locator)
		}); err != nil {
			slog.Warn("Previous file not removed", "id", cp.ID, "locator", prev.Locator, "error", err)
		}
	}
	slog.Info("Document stored", "id", cp.ID, "locator", locator, "category", rec.Classification.Category,
		"company", rec.Classification.CompanyName(), "flags", rec.ReviewFlags)
	return nil
}
