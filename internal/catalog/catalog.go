// Package catalog persists pipeline checkpoints, document records, index
// entries and index metadata keyed by document id.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MeKo-Tech/docsort/internal/document"
)

// ErrNotFound is returned when no row exists for a key.
var ErrNotFound = errors.New("not found")

// MetaEmbeddingModel is the meta key holding the model id the index was
// built with.
const MetaEmbeddingModel = "embedding_model"

// Store is the durable catalog. Implementations are safe for concurrent use.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *document.Checkpoint) error
	Checkpoint(ctx context.Context, id string) (*document.Checkpoint, error)
	Checkpoints(ctx context.Context) ([]*document.Checkpoint, error)

	SaveRecord(ctx context.Context, rec document.Record) error
	Record(ctx context.Context, id string) (document.Record, error)
	Records(ctx context.Context) ([]document.Record, error)

	// PutEntry inserts or replaces the entry for e.DocumentID in one write.
	PutEntry(ctx context.Context, e document.IndexEntry) error
	DeleteEntry(ctx context.Context, id string) error
	Entries(ctx context.Context) ([]document.IndexEntry, error)
	// ReplaceEntries swaps the whole index and its model tag atomically.
	ReplaceEntries(ctx context.Context, entries []document.IndexEntry, modelID string) error

	Meta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// DeleteDocument removes the record, index entry and checkpoint of id
	// in one transaction.
	DeleteDocument(ctx context.Context, id string) error

	Close() error
}

// Config selects the catalog backend.
type Config struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"` // "sqlite" or "memory"
	Path   string `mapstructure:"path" yaml:"path" json:"path"`
}

// Open creates the store described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}
}

func sortCheckpoints(cps []*document.Checkpoint) {
	slices.SortFunc(cps, func(a, b *document.Checkpoint) int {
		if c := a.Capture.CapturedAt.Compare(b.Capture.CapturedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
}

func sortRecords(recs []document.Record) {
	slices.SortFunc(recs, func(a, b document.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
}

func sortEntries(es []document.IndexEntry) {
	slices.SortFunc(es, func(a, b document.IndexEntry) int { return compareIDs(a.DocumentID, b.DocumentID) })
}

func compareIDs(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
