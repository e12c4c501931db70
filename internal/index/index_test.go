package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MeKo-Tech/docsort/internal/catalog"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = WithRetry(retry.Config{MaxAttempts: 3, InitialIntervalMs: 1, MaxIntervalMs: 1})

func TestOpen_TagsFreshIndex(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemory()
	x, err := Open(ctx, store, embedding.NewHashing(64))
	require.NoError(t, err)
	assert.Equal(t, "hash-v1/64", x.ModelID())
	assert.NoError(t, x.CheckVersion(ctx))

	tag, err := store.Meta(ctx, catalog.MetaEmbeddingModel)
	require.NoError(t, err)
	assert.Equal(t, "hash-v1/64", tag)
}

func TestIndex_ReplaceAndRemove(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemory()
	x, err := Open(ctx, store, embedding.NewHashing(64))
	require.NoError(t, err)

	g0 := x.Generation()
	first, err := x.Index(ctx, "doc-1", "Stromrechnung der Stadtwerke")
	require.NoError(t, err)
	second, err := x.Reindex(ctx, "doc-1", "Versicherungspolice")
	require.NoError(t, err)
	assert.NotEqual(t, first.Vector, second.Vector)
	assert.Equal(t, 1, x.Len())
	assert.Greater(t, x.Generation(), g0)

	got, ok := x.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "Versicherungspolice", got.Snippet)

	persisted, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, second.Vector, persisted[0].Vector)

	require.NoError(t, x.Remove(ctx, "doc-1"))
	require.NoError(t, x.Remove(ctx, "doc-1"), "removing twice is fine")
	assert.Zero(t, x.Len())
	persisted, err = store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	_, err = x.Index(ctx, "", "text")
	assert.Error(t, err)
}

func TestIndex_ReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemory()
	x, err := Open(ctx, store, embedding.NewHashing(64))
	require.NoError(t, err)
	_, err = x.IndexFields(ctx, "doc-1", embedding.Fields{Filename: "a.png", Company: "ACME"})
	require.NoError(t, err)

	y, err := Open(ctx, store, embedding.NewHashing(64))
	require.NoError(t, err)
	e, ok := y.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "a.png", e.Snippet, "filename stands in for missing text")
}

func TestIndex_ModelMismatch(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemory()
	old, err := Open(ctx, store, embedding.NewHashing(32))
	require.NoError(t, err)
	_, err = old.Index(ctx, "doc-1", "Rechnung")
	require.NoError(t, err)

	x, err := Open(ctx, store, embedding.NewHashing(64))
	require.NoError(t, err)
	err = x.CheckVersion(ctx)
	var ice *document.IndexConsistencyError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, "hash-v1/32", ice.IndexModel)
	assert.Equal(t, "hash-v1/64", ice.CurrentModel)
	assert.Contains(t, err.Error(), "rebuild index required")

	_, err = x.Index(ctx, "doc-2", "Police")
	assert.ErrorAs(t, err, &ice, "writes never mix models")

	require.NoError(t, x.Rebuild(ctx, map[string]embedding.Fields{
		"doc-1": {Filename: "a.png", Text: "Rechnung"},
		"doc-2": {Filename: "b.png", Text: "Police"},
	}))
	assert.NoError(t, x.CheckVersion(ctx))
	assert.Equal(t, 2, x.Len())
	e, _ := x.Get("doc-1")
	assert.Len(t, e.Vector, 64)

	tag, err := store.Meta(ctx, catalog.MetaEmbeddingModel)
	require.NoError(t, err)
	assert.Equal(t, "hash-v1/64", tag)
}

// Concurrent readers must always see exactly one entry for a live document
// while it is being reindexed.
func TestReindex_NeverZeroOrTwoEntries(t *testing.T) {
	ctx := context.Background()
	x, err := Open(ctx, catalog.NewMemory(), embedding.NewHashing(64))
	require.NoError(t, err)
	_, err = x.Index(ctx, "live", "initial text")
	require.NoError(t, err)
	_, err = x.Index(ctx, "other", "unrelated")
	require.NoError(t, err)

	stop := make(chan struct{})
	var violations atomic.Int32
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := 0
				for _, e := range x.Snapshot().Entries {
					if e.DocumentID == "live" {
						n++
					}
				}
				if n != 1 {
					violations.Add(1)
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for w := range 4 {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := range 50 {
				_, err := x.Reindex(ctx, "live", fmt.Sprintf("revision %d from writer %d", i, w))
				assert.NoError(t, err)
			}
		}()
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	assert.Zero(t, violations.Load())
	assert.Equal(t, 2, x.Len())
}

func TestIndex_RetriesTransientStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: catalog.NewMemory(), failures: 2}
	x, err := Open(ctx, store, embedding.NewHashing(16), fastRetry)
	require.NoError(t, err)
	_, err = x.Index(ctx, "doc-1", "Rechnung")
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())

	store.failures = 10
	store.calls.Store(0)
	_, err = x.Index(ctx, "doc-2", "Police")
	var se *document.StorageError
	require.ErrorAs(t, err, &se)
	_, ok := x.Get("doc-2")
	assert.False(t, ok, "failed write is not visible")
}

type flakyStore struct {
	*catalog.Memory
	failures int32
	calls    atomic.Int32
}

func (f *flakyStore) PutEntry(ctx context.Context, e document.IndexEntry) error {
	if f.calls.Add(1) <= f.failures {
		return &document.StorageError{Op: "put", Path: e.DocumentID, Err: errors.New("database is locked")}
	}
	return f.Memory.PutEntry(ctx, e)
}
