// Package tesseract is the local OCR backend built on the Tesseract library.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"slices"
	"strings"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/ocr"
	"github.com/otiai10/gosseract/v2"
)

const backendName = "tesseract"

// Config selects the installed language models.
type Config struct {
	Languages   []string // ISO 639-2 model names, e.g. "deu", "eng"
	TessdataDir string
}

// Engine wraps one Tesseract client. A client is not safe for concurrent
// use; share engines through an ocr.Pool.
type Engine struct {
	cfg    Config
	client *gosseract.Client
}

// New loads the language models and runs a warm-up recognition so that a
// missing installation surfaces at startup as OcrUnavailableError.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	client := gosseract.NewClient()
	if cfg.TessdataDir != "" {
		if err := client.SetTessdataPrefix(cfg.TessdataDir); err != nil {
			_ = client.Close()
			return nil, &document.OcrUnavailableError{Backend: backendName, Err: err}
		}
	}
	if err := client.SetLanguage(cfg.Languages...); err != nil {
		_ = client.Close()
		return nil, &document.OcrUnavailableError{Backend: backendName, Err: err}
	}
	if err := warmUp(client); err != nil {
		_ = client.Close()
		return nil, &document.OcrUnavailableError{Backend: backendName, Err: err}
	}
	return &Engine{cfg: cfg, client: client}, nil
}

// Factory returns an ocr.Factory producing engines with cfg.
func Factory(cfg Config) ocr.Factory {
	return func() (ocr.Engine, error) {
		e, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

func warmUp(client *gosseract.Client) error {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return err
	}
	if _, err := client.Text(); err != nil {
		return fmt.Errorf("warm-up recognition: %w", err)
	}
	return nil
}

func (e *Engine) Name() string { return backendName }

// Recognize extracts text lines. Hints narrow the loaded models to the
// hinted languages that are installed; hints matching nothing installed
// fall back to every configured model.
func (e *Engine) Recognize(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error) {
	if err := ctx.Err(); err != nil {
		return document.OcrResult{}, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return document.OcrResult{}, &document.InvalidImageError{Op: "ocr encode", Err: err}
	}

	if err := e.client.SetLanguage(e.languagesFor(hints)...); err != nil {
		return document.OcrResult{}, fmt.Errorf("set language: %w", err)
	}
	if err := e.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return document.OcrResult{}, &document.InvalidImageError{Op: "ocr load", Err: err}
	}
	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return document.OcrResult{}, fmt.Errorf("tesseract recognize: %w", err)
	}

	lines := make([]document.OcrLine, 0, len(boxes))
	for _, b := range boxes {
		lines = append(lines, document.OcrLine{
			Text:       strings.TrimSpace(b.Word),
			Box:        document.Box{X: b.Box.Min.X, Y: b.Box.Min.Y, W: b.Box.Dx(), H: b.Box.Dy()},
			Confidence: b.Confidence / 100,
		})
	}
	return ocr.Finalize(lines, backendName, hints), nil
}

func (e *Engine) languagesFor(hints []string) []string {
	var langs []string
	for _, code := range ocr.ISO3(ocr.NormalizeHints(hints)) {
		if slices.Contains(e.cfg.Languages, code) && !slices.Contains(langs, code) {
			langs = append(langs, code)
		}
	}
	if len(langs) == 0 {
		return e.cfg.Languages
	}
	return langs
}

func (e *Engine) Close() error { return e.client.Close() }
