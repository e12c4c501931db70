// Package azure is the remote OCR backend using Azure Computer Vision
// printed-text recognition.
package azure

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/ocr"
)

const backendName = "azure"

// Engine calls the Computer Vision OCR endpoint. The underlying HTTP client
// is safe for concurrent use, so one Engine may be shared directly.
type Engine struct {
	client computervision.BaseClient
}

// New configures a client for endpoint authenticated with key.
func New(endpoint, key string) (*Engine, error) {
	if endpoint == "" || key == "" {
		return nil, &document.OcrUnavailableError{Backend: backendName, Err: errors.New("endpoint and key are required")}
	}
	client := computervision.New(endpoint)
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(key)
	return &Engine{client: client}, nil
}

func (e *Engine) Name() string { return backendName }

// Recognize uploads img and converts the recognized regions to lines. The
// service reports no per-line confidence; lines are returned with
// confidence 1. Only the first hint is sent, as the API accepts a single
// language; an unsupported hint falls back to automatic detection.
func (e *Engine) Recognize(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return document.OcrResult{}, &document.InvalidImageError{Op: "ocr encode", Err: err}
	}

	lang := computervision.OcrLanguagesUnk
	if h := ocr.NormalizeHints(hints); len(h) > 0 && supported(h[0]) {
		lang = computervision.OcrLanguages(h[0])
	}
	result, err := e.client.RecognizePrintedTextInStream(ctx, true, io.NopCloser(&buf), lang)
	if err != nil {
		if ctx.Err() != nil {
			return document.OcrResult{}, ctx.Err()
		}
		return document.OcrResult{}, &document.OcrUnavailableError{Backend: backendName, Err: err}
	}
	return ocr.Finalize(convert(result), backendName, hints), nil
}

func (e *Engine) Close() error { return nil }

func supported(code string) bool {
	for _, l := range computervision.PossibleOcrLanguagesValues() {
		if string(l) == code {
			return true
		}
	}
	return false
}

func convert(result computervision.OcrResult) []document.OcrLine {
	lang := ""
	if result.Language != nil && *result.Language != string(computervision.OcrLanguagesUnk) {
		lang = strings.ToLower(*result.Language)
	}
	if result.Regions == nil {
		return nil
	}
	var lines []document.OcrLine
	for _, region := range *result.Regions {
		if region.Lines == nil {
			continue
		}
		for _, line := range *region.Lines {
			var words []string
			if line.Words != nil {
				for _, w := range *line.Words {
					if w.Text != nil {
						words = append(words, *w.Text)
					}
				}
			}
			lines = append(lines, document.OcrLine{
				Text:       strings.Join(words, " "),
				Box:        parseBox(line.BoundingBox),
				Confidence: 1,
				Language:   lang,
			})
		}
	}
	return lines
}

// parseBox reads the service's "x,y,w,h" box notation.
func parseBox(s *string) document.Box {
	if s == nil {
		return document.Box{}
	}
	parts := strings.Split(*s, ",")
	if len(parts) != 4 {
		return document.Box{}
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return document.Box{}
		}
		v[i] = n
	}
	return document.Box{X: v[0], Y: v[1], W: v[2], H: v[3]}
}
