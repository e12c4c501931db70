package testutil

import (
	"context"
	"image"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/ocr"
)

// TextEngine is an OCR engine that "recognizes" preset text, one line per
// newline, with a fixed confidence. It stands in for a real backend whose
// models are not available in tests.
type TextEngine struct {
	mu         sync.Mutex
	text       string
	confidence float64
	calls      atomic.Int32
}

// NewTextEngine returns an engine recognizing text with confidence 0.95.
func NewTextEngine(text string) *TextEngine {
	return &TextEngine{text: text, confidence: 0.95}
}

// Set replaces the recognized text and confidence.
func (e *TextEngine) Set(text string, confidence float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text, e.confidence = text, confidence
}

// Calls returns how often Recognize ran.
func (e *TextEngine) Calls() int { return int(e.calls.Load()) }

func (e *TextEngine) Name() string { return "text" }

func (e *TextEngine) Recognize(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return document.OcrResult{}, err
	}
	if img == nil {
		return document.OcrResult{}, &document.InvalidImageError{Op: "ocr", Err: nil}
	}
	e.mu.Lock()
	text, conf := e.text, e.confidence
	e.mu.Unlock()

	var lines []document.OcrLine
	for i, l := range strings.Split(text, "\n") {
		lines = append(lines, document.OcrLine{
			Text:       l,
			Box:        document.Box{X: 10, Y: 10 + 20*i, W: 8 * len(l), H: 16},
			Confidence: conf,
		})
	}
	return ocr.Finalize(lines, "text", hints), nil
}

func (e *TextEngine) Close() error { return nil }
