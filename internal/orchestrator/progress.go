package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
)

// Progress describes one finished document of a ProcessAll run.
type Progress struct {
	Index      int // position in the input
	Done       int // documents finished so far, this one included
	Total      int
	Filename   string
	Checkpoint *document.Checkpoint // nil when no checkpoint was ever written
	Err        error
}

// ProgressCallback receives ProcessAll progress. Calls come from the
// collecting goroutine, one at a time.
type ProgressCallback interface {
	OnStart(total int)
	OnDocument(p Progress)
	OnComplete(stats BatchStats)
}

// ConsoleProgressCallback prints one line per document with an ETA.
type ConsoleProgressCallback struct {
	w      io.Writer
	prefix string

	mu    sync.Mutex
	start time.Time
}

// NewConsoleProgressCallback writes to w, stderr when nil.
func NewConsoleProgressCallback(w io.Writer, prefix string) *ConsoleProgressCallback {
	if w == nil {
		w = os.Stderr
	}
	if prefix != "" {
		prefix += " "
	}
	return &ConsoleProgressCallback{w: w, prefix: prefix}
}

func (c *ConsoleProgressCallback) OnStart(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
	_, _ = fmt.Fprintf(c.w, "%s%d document(s)\n", c.prefix, total)
}

func (c *ConsoleProgressCallback) OnDocument(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := fmt.Sprintf("%s[%d/%d] %s: %s", c.prefix, p.Done, p.Total, p.Filename, outcome(p))
	if elapsed := time.Since(c.start); p.Done < p.Total && p.Done > 0 {
		eta := time.Duration(float64(elapsed) * float64(p.Total-p.Done) / float64(p.Done))
		line += fmt.Sprintf(" (ETA %v)", eta.Round(time.Second))
	}
	_, _ = fmt.Fprintln(c.w, line)
}

func (c *ConsoleProgressCallback) OnComplete(stats BatchStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, "%s%d stored, %d failed, %d flagged in %v\n",
		c.prefix, stats.Stored, stats.Failed, stats.Flagged, stats.Duration.Round(time.Millisecond))
}

// outcome renders the state a document ended in.
func outcome(p Progress) string {
	switch cp := p.Checkpoint; {
	case cp == nil && p.Err != nil:
		return "rejected: " + p.Err.Error()
	case cp == nil:
		return "not recorded"
	case cp.State == document.StateFailed && cp.Failure != nil:
		return cp.Failure.String()
	case cp.Classification != nil:
		return fmt.Sprintf("%s (%s)", cp.State, cp.Classification.Category)
	default:
		return cp.State.String()
	}
}

// LogProgressCallback reports progress through slog. Failed documents are
// always logged at warn level.
type LogProgressCallback struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogProgressCallback logs at level, to the default logger when nil.
func NewLogProgressCallback(logger *slog.Logger, level slog.Level) *LogProgressCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProgressCallback{logger: logger, level: level}
}

func (l *LogProgressCallback) OnStart(total int) {
	l.logger.Log(context.Background(), l.level, "Ingest batch started", "total", total)
}

func (l *LogProgressCallback) OnDocument(p Progress) {
	level := l.level
	attrs := []any{"file", p.Filename, "done", p.Done, "total", p.Total}
	if cp := p.Checkpoint; cp != nil {
		attrs = append(attrs, "id", cp.ID, "state", cp.State.String())
	}
	if p.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, "error", p.Err)
	}
	l.logger.Log(context.Background(), level, "Document processed", attrs...)
}

func (l *LogProgressCallback) OnComplete(stats BatchStats) {
	l.logger.Log(context.Background(), l.level, "Ingest batch completed",
		"stored", stats.Stored, "failed", stats.Failed, "flagged", stats.Flagged,
		"elapsed", stats.Duration.Round(time.Millisecond))
}
