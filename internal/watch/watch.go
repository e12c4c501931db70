// Package watch ingests files dropped into an inbox directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/fsnotify/fsnotify"
)

// SourceWatch marks captures that came from the inbox.
const SourceWatch = "watch"

// Pipeline ingests a batch of captures.
type Pipeline interface {
	ProcessAll(ctx context.Context, captures []document.RawCapture, config orchestrator.ParallelConfig) ([]*document.Checkpoint, error)
}

// Config holds inbox watcher settings.
type Config struct {
	Dir        string
	Extensions []string // lowercase with dot; empty means imageio.SupportedExtensions
	Debounce   time.Duration
	Processed  string // ingested files move here; empty deletes them
	Parallel   orchestrator.ParallelConfig
}

// Watcher waits for files to settle in Dir and hands them to the pipeline.
// A file is handled once no write happened for Debounce.
type Watcher struct {
	cfg      Config
	pipeline Pipeline
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
}

// New creates a watcher. Dir must exist.
func New(cfg Config, p Pipeline) (*Watcher, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch dir %s is not a directory", cfg.Dir)
	}
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = imageio.SupportedExtensions
	}
	cfg.Extensions = make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		cfg.Extensions = append(cfg.Extensions, e)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Processed != "" {
		if err := os.MkdirAll(cfg.Processed, 0o750); err != nil {
			return nil, fmt.Errorf("processed dir: %w", err)
		}
	}
	return &Watcher{
		cfg:      cfg,
		pipeline: p,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
		ready:    make(chan string, 64),
	}, nil
}

// Run handles files already in the inbox, then watches it until ctx is
// done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	slog.Info("Watching inbox", "dir", w.cfg.Dir, "extensions", w.cfg.Extensions, "debounce", w.cfg.Debounce)

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.cfg.Dir, e.Name()))
		}
	}

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Inbox watcher error", "error", err)
		case path := <-w.ready:
			w.handle(ctx, path)
		}
	}
}

func (w *Watcher) accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	return slices.Contains(w.cfg.Extensions, strings.ToLower(filepath.Ext(name)))
}

// schedule (re)starts the debounce timer of path.
func (w *Watcher) schedule(path string) {
	if !w.accepts(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.ready <- path
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

// handle ingests path. The file leaves the inbox once every capture in it
// has a checkpoint, failed or not; failed documents are retried from the
// catalog, not from the inbox.
func (w *Watcher) handle(ctx context.Context, path string) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}
	captures, err := imageio.LoadCaptures(path, SourceWatch, w.now())
	if err != nil {
		slog.Error("Inbox file not ingested", "path", path, "error", err)
		return
	}
	cps, err := w.pipeline.ProcessAll(ctx, captures, w.cfg.Parallel)
	if err != nil {
		slog.Warn("Inbox file ingested with failures", "path", path, "error", err)
	}
	if len(cps) != len(captures) {
		slog.Error("Inbox file kept; ingestion did not finish", "path", path)
		return
	}
	for _, cp := range cps {
		if cp == nil {
			slog.Error("Inbox file kept; a capture was not recorded", "path", path)
			return
		}
	}
	if err := w.release(path); err != nil {
		slog.Error("Inbox file not released", "path", path, "error", err)
		return
	}
	slog.Info("Inbox file ingested", "path", path, "documents", len(cps))
}

func (w *Watcher) release(path string) error {
	if w.cfg.Processed == "" {
		return os.Remove(path)
	}
	dst := filepath.Join(w.cfg.Processed, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(dst, ext), w.now().UnixNano(), ext)
	}
	return os.Rename(path, dst)
}
