// Package index maintains the vector index over stored documents: one entry
// per live document, persisted through the catalog and held in memory for
// search.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/keylock"
	"github.com/MeKo-Tech/docsort/internal/retry"
)

const snippetLength = 160

// Snapshot is an immutable view of the index at one generation.
type Snapshot struct {
	Entries    []document.IndexEntry
	ModelID    string
	Generation uint64
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithWeights sets the field weights used by IndexFields.
func WithWeights(w embedding.Weights) Option { return func(x *Indexer) { x.weights = w } }

// WithRetry sets the backoff for catalog writes.
func WithRetry(cfg retry.Config) Option { return func(x *Indexer) { x.retry = cfg } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(x *Indexer) { x.now = now } }

// Indexer embeds documents and keeps their entries. Writes for one document
// id are serialized; writes for different ids run concurrently. Readers
// always observe exactly one entry for every live id.
type Indexer struct {
	store   catalog.Store
	emb     embedding.Embedder
	weights embedding.Weights
	retry   retry.Config
	now     func() time.Time

	locks     keylock.Locker
	rebuildMu sync.RWMutex

	mu      sync.RWMutex
	entries map[string]document.IndexEntry
	model   string
	gen     atomic.Uint64
}

// Open loads the persisted index. A fresh index is tagged with the
// embedder's model id.
func Open(ctx context.Context, store catalog.Store, emb embedding.Embedder, opts ...Option) (*Indexer, error) {
	x := &Indexer{
		store:   store,
		emb:     emb,
		weights: embedding.DefaultWeights(),
		retry:   retry.DefaultConfig(),
		now:     time.Now,
		entries: map[string]document.IndexEntry{},
	}
	for _, o := range opts {
		o(x)
	}

	entries, err := store.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	for _, e := range entries {
		x.entries[e.DocumentID] = e
	}

	model, err := store.Meta(ctx, catalog.MetaEmbeddingModel)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		model = emb.ModelID()
		if len(entries) > 0 {
			model = entries[0].ModelID
		}
		if err := store.SetMeta(ctx, catalog.MetaEmbeddingModel, model); err != nil {
			return nil, fmt.Errorf("tag index: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load index model: %w", err)
	}
	x.model = model

	slog.Info("Index loaded", "entries", len(entries), "model", model, "embedder", emb.ModelID())
	return x, nil
}

// Embedder returns the embedder queries must use.
func (x *Indexer) Embedder() embedding.Embedder { return x.emb }

// ModelID returns the model tag of the stored index.
func (x *Indexer) ModelID() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.model
}

// CheckVersion fails with IndexConsistencyError when the index was built
// with a different model than the current embedder.
func (x *Indexer) CheckVersion(context.Context) error {
	if m := x.ModelID(); m != x.emb.ModelID() {
		return &document.IndexConsistencyError{IndexModel: m, CurrentModel: x.emb.ModelID()}
	}
	return nil
}

// Generation increases on every write.
func (x *Indexer) Generation() uint64 { return x.gen.Load() }

// Len returns the number of live entries.
func (x *Indexer) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Get returns the entry for id.
func (x *Indexer) Get(id string) (document.IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e, ok
}

// Snapshot returns the current entries ordered by document id. Vectors are
// shared and must not be modified.
func (x *Indexer) Snapshot() Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]document.IndexEntry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b document.IndexEntry) int { return strings.Compare(a.DocumentID, b.DocumentID) })
	return Snapshot{Entries: out, ModelID: x.model, Generation: x.gen.Load()}
}

// Index embeds text and stores it as the entry of id, replacing any
// previous entry.
func (x *Indexer) Index(ctx context.Context, id, text string) (document.IndexEntry, error) {
	return x.Reindex(ctx, id, text)
}

// IndexFields embeds the weighted document fields as the entry of id.
func (x *Indexer) IndexFields(ctx context.Context, id string, f embedding.Fields) (document.IndexEntry, error) {
	return x.put(ctx, id, snippetOf(f), func() ([]float32, error) {
		return embedding.WeightedEmbed(ctx, x.emb, f, x.weights)
	})
}

// Reindex atomically replaces the entry of id. The new vector is computed
// before anything is touched; the replacement is a single upsert, so
// readers see either the old or the new entry.
func (x *Indexer) Reindex(ctx context.Context, id, text string) (document.IndexEntry, error) {
	return x.put(ctx, id, document.Snippet(text, snippetLength), func() ([]float32, error) {
		return x.emb.Embed(ctx, text)
	})
}

func (x *Indexer) put(ctx context.Context, id, snippet string, embed func() ([]float32, error)) (document.IndexEntry, error) {
	if id == "" {
		return document.IndexEntry{}, errors.New("index: empty document id")
	}
	if err := x.CheckVersion(ctx); err != nil {
		return document.IndexEntry{}, err
	}
	vec, err := embed()
	if err != nil {
		return document.IndexEntry{}, fmt.Errorf("embed %s: %w", id, err)
	}
	entry := document.IndexEntry{
		DocumentID: id,
		Vector:     vec,
		Snippet:    snippet,
		ModelID:    x.emb.ModelID(),
		UpdatedAt:  x.now().UTC(),
	}

	x.rebuildMu.RLock()
	defer x.rebuildMu.RUnlock()
	unlock := x.locks.Lock(id)
	defer unlock()

	if err := retry.Do(ctx, x.retry, "put index entry", func() error {
		return x.store.PutEntry(ctx, entry)
	}); err != nil {
		return document.IndexEntry{}, err
	}
	x.mu.Lock()
	x.entries[id] = entry
	x.gen.Add(1)
	x.mu.Unlock()
	slog.Debug("Indexed document", "id", id, "model", entry.ModelID)
	return entry, nil
}

// Remove deletes the entry of id. Removing an absent id is not an error.
func (x *Indexer) Remove(ctx context.Context, id string) error {
	x.rebuildMu.RLock()
	defer x.rebuildMu.RUnlock()
	unlock := x.locks.Lock(id)
	defer unlock()

	if err := retry.Do(ctx, x.retry, "delete index entry", func() error {
		return x.store.DeleteEntry(ctx, id)
	}); err != nil {
		return err
	}
	x.mu.Lock()
	delete(x.entries, id)
	x.gen.Add(1)
	x.mu.Unlock()
	return nil
}

// Rebuild re-embeds every document with the current embedder and swaps the
// whole index, retagging its model, in one catalog transaction. Ids absent
// from docs are dropped.
func (x *Indexer) Rebuild(ctx context.Context, docs map[string]embedding.Fields) error {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	now := x.now().UTC()
	entries := make([]document.IndexEntry, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := docs[id]
		vec, err := embedding.WeightedEmbed(ctx, x.emb, f, x.weights)
		if err != nil {
			return fmt.Errorf("embed %s: %w", id, err)
		}
		entries = append(entries, document.IndexEntry{
			DocumentID: id, Vector: vec, Snippet: snippetOf(f), ModelID: x.emb.ModelID(), UpdatedAt: now,
		})
	}

	x.rebuildMu.Lock()
	defer x.rebuildMu.Unlock()
	if err := retry.Do(ctx, x.retry, "replace index", func() error {
		return x.store.ReplaceEntries(ctx, entries, x.emb.ModelID())
	}); err != nil {
		return err
	}

	next := make(map[string]document.IndexEntry, len(entries))
	for _, e := range entries {
		next[e.DocumentID] = e
	}
	x.mu.Lock()
	x.entries = next
	x.model = x.emb.ModelID()
	x.gen.Add(1)
	x.mu.Unlock()
	slog.Info("Index rebuilt", "entries", len(entries), "model", x.emb.ModelID())
	return nil
}

func snippetOf(f embedding.Fields) string {
	if strings.TrimSpace(f.Text) != "" {
		return document.Snippet(f.Text, snippetLength)
	}
	return f.Filename
}
