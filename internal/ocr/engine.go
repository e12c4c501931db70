// Package ocr defines the text recognition backend interface and the
// backend-independent post-processing every result goes through.
package ocr

import (
	"context"
	"image"
	"sync/atomic"

	"github.com/MeKo-Tech/docsort/internal/document"
)

// Engine recognizes text in an image. Implementations that are not
// reentrant must be wrapped in a Pool before being shared.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error)
	Close() error
}

// Func adapts a function to the Engine interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Recognize(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error) {
	return f.Fn(ctx, img, hints)
}

func (Func) Close() error { return nil }

// Switch delegates to an inner engine that can be marked unavailable at
// runtime, as happens when a model file disappears or a remote endpoint
// stops answering. While unavailable every call fails with
// OcrUnavailableError.
type Switch struct {
	inner Engine
	down  atomic.Pointer[error]
}

// NewSwitch wraps inner, initially available.
func NewSwitch(inner Engine) *Switch { return &Switch{inner: inner} }

// SetUnavailable marks the backend as failed to load with cause.
func (s *Switch) SetUnavailable(cause error) { s.down.Store(&cause) }

// SetAvailable clears a previous SetUnavailable.
func (s *Switch) SetAvailable() { s.down.Store(nil) }

func (s *Switch) Name() string { return s.inner.Name() }

func (s *Switch) Recognize(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error) {
	if cause := s.down.Load(); cause != nil {
		return document.OcrResult{}, &document.OcrUnavailableError{Backend: s.inner.Name(), Err: *cause}
	}
	return s.inner.Recognize(ctx, img, hints)
}

func (s *Switch) Close() error { return s.inner.Close() }
