package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/MeKo-Tech/docsort/internal/document"
)

// ErrPoolClosed is returned by With after Close.
var ErrPoolClosed = errors.New("ocr pool closed")

// Factory creates one engine instance.
type Factory func() (Engine, error)

// Pool hands out exclusive engine instances. An instance is checked out for
// the duration of one call and always returned, even if the call panics.
type Pool struct {
	name  string
	free  chan Engine
	all   []Engine
	done  chan struct{}
	close sync.Once
}

// NewPool creates size instances up front. A factory failure closes the
// instances created so far and is reported as OcrUnavailableError, since a
// backend that cannot load at startup will not load later either.
func NewPool(name string, size int, factory Factory) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{name: name, free: make(chan Engine, size), done: make(chan struct{})}
	for i := range size {
		e, err := factory()
		if err != nil {
			_ = p.Close()
			var unavailable *document.OcrUnavailableError
			if errors.As(err, &unavailable) {
				return nil, err
			}
			return nil, &document.OcrUnavailableError{Backend: name, Err: fmt.Errorf("instance %d: %w", i, err)}
		}
		p.all = append(p.all, e)
		p.free <- e
	}
	slog.Debug("OCR pool ready", "backend", name, "size", size)
	return p, nil
}

// Size returns the number of pooled instances.
func (p *Pool) Size() int { return len(p.all) }

// With checks out an instance, runs fn and returns the instance. After
// Close it fails with ErrPoolClosed and never hands out an instance.
func (p *Pool) With(ctx context.Context, fn func(Engine) error) error {
	if p.closed() {
		return ErrPoolClosed
	}
	var e Engine
	select {
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case e = <-p.free:
	}
	defer func() { p.free <- e }()
	// select picks randomly among ready cases
	if p.closed() {
		return ErrPoolClosed
	}
	return fn(e)
}

func (p *Pool) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pool) Name() string { return p.name }

// Recognize runs recognition on a pooled instance.
func (p *Pool) Recognize(ctx context.Context, img image.Image, hints []string) (document.OcrResult, error) {
	var res document.OcrResult
	err := p.With(ctx, func(e Engine) error {
		var rerr error
		res, rerr = e.Recognize(ctx, img, hints)
		return rerr
	})
	return res, err
}

// Close stops handing out instances, waits for checked-out instances to
// come back and closes every instance.
func (p *Pool) Close() error {
	var errs []error
	p.close.Do(func() {
		close(p.done)
		for range p.all {
			if err := (<-p.free).Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
