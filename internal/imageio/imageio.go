// Package imageio decodes captured images and encodes pipeline rasters.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SupportedExtensions lists file extensions accepted for ingestion.
var SupportedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp", ".pdf"}

// IsSupported reports whether path has a supported extension.
func IsSupported(path string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(path)))
}

// IsPDF reports whether path names a PDF file.
func IsPDF(path string) bool { return strings.EqualFold(filepath.Ext(path), ".pdf") }

// Decode decodes an encoded image buffer.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &document.InvalidImageError{Op: "decode", Err: errors.New("empty buffer")}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &document.InvalidImageError{Op: "decode", Err: err}
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", &document.InvalidImageError{Op: "decode", Err: errors.New("zero-sized image")}
	}
	return img, format, nil
}

// EncodePNG encodes img losslessly. The encoder is deterministic, so equal
// images produce equal bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &document.InvalidImageError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// ToRaster encodes img as a PNG raster.
func ToRaster(img image.Image) (document.Raster, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return document.Raster{}, err
	}
	b := img.Bounds()
	return document.Raster{PNG: data, Width: b.Dx(), Height: b.Dy()}, nil
}

// FromRaster decodes a raster produced by ToRaster.
func FromRaster(r document.Raster) (image.Image, error) {
	img, _, err := Decode(r.PNG)
	return img, err
}

// NewCapture wraps an encoded image into a RawCapture with a fresh id. The
// buffer is decoded once to reject unreadable input early.
func NewCapture(data []byte, filename, source string, now time.Time) (document.RawCapture, error) {
	_, format, err := Decode(data)
	if err != nil {
		return document.RawCapture{}, err
	}
	return document.RawCapture{
		ID:         uuid.NewString(),
		Image:      slices.Clone(data),
		Format:     format,
		Filename:   filepath.Base(filename),
		Source:     source,
		CapturedAt: now.UTC(),
	}, nil
}

// LoadCaptures reads an image file, or every embedded page image of a PDF,
// into captures.
func LoadCaptures(path, source string, now time.Time) ([]document.RawCapture, error) {
	if !IsSupported(path) {
		return nil, &document.InvalidImageError{Op: "load", Err: fmt.Errorf("unsupported format: %s", filepath.Ext(path))}
	}
	if IsPDF(path) {
		return loadPDFCaptures(path, source, now)
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: ingesting user-provided paths is the point
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := NewCapture(data, path, source, now)
	if err != nil {
		return nil, err
	}
	return []document.RawCapture{c}, nil
}

func loadPDFCaptures(path, source string, now time.Time) ([]document.RawCapture, error) {
	pages, err := ExtractPDFImages(path, "")
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := make([]document.RawCapture, 0, len(pages))
	for _, p := range pages {
		data, err := EncodePNG(p.Image)
		if err != nil {
			return nil, err
		}
		name := base + ".png"
		if len(pages) > 1 {
			name = fmt.Sprintf("%s_p%d_%d.png", base, p.Page, p.Index)
		}
		c, err := NewCapture(data, name, source, now)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
