// Package search answers natural-language queries by cosine similarity over
// the document index.
package search

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/index"
)

// Hit is one ranked search result.
type Hit struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet,omitempty"`
}

// Service runs searches against an index.
type Service struct {
	idx   *index.Indexer
	cache Cache
	ttl   time.Duration

	// newest snapshot results were cached for; older ones are purged
	mu        sync.Mutex
	lastModel string
	lastGen   uint64
}

// Option configures a Service.
type Option func(*Service)

// WithCache caches ranked results for ttl.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.ttl = ttl
	}
}

// New creates a search service over idx.
func New(idx *index.Indexer, opts ...Option) *Service {
	s := &Service{idx: idx}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search validates the query and embeds it, then returns the topK best
// matches as a sequence. Ranking happens on the first iteration over a
// snapshot taken now; iterating again yields the same hits. A topK larger
// than the index returns everything. Results are ordered by score
// descending, then document id ascending.
func (s *Service) Search(ctx context.Context, query string, topK int) (iter.Seq[Hit], error) {
	if topK <= 0 {
		return nil, &document.InvalidQueryError{Reason: fmt.Sprintf("topK must be positive, got %d", topK)}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &document.InvalidQueryError{Reason: "empty query"}
	}
	if err := s.idx.CheckVersion(ctx); err != nil {
		return nil, err
	}

	snap := s.idx.Snapshot()
	key := cacheKey(snap, query, topK)
	if hits, ok := s.cached(ctx, key); ok {
		return slices.Values(hits), nil
	}

	emb := s.idx.Embedder()
	qv, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var (
		once   sync.Once
		ranked []Hit
	)
	return func(yield func(Hit) bool) {
		once.Do(func() {
			ranked = Rank(snap.Entries, qv, topK)
			s.store(snap, key, ranked)
		})
		for _, h := range ranked {
			if !yield(h) {
				return
			}
		}
	}, nil
}

// Rank scores entries against qv and returns the best topK.
func Rank(entries []document.IndexEntry, qv []float32, topK int) []Hit {
	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, Hit{DocumentID: e.DocumentID, Score: embedding.Cosine(qv, e.Vector), Snippet: e.Snippet})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.DocumentID, b.DocumentID)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq[Hit]) []Hit {
	return slices.Collect(seq)
}

// cacheKey keeps the query as typed: embedders other than hashing may
// distinguish case.
func cacheKey(snap index.Snapshot, query string, topK int) string {
	return fmt.Sprintf("%s%d:%s", generationPrefix(snap.ModelID, snap.Generation), topK, query)
}

func generationPrefix(model string, gen uint64) string {
	return fmt.Sprintf("search:%s:%d:", model, gen)
}

func (s *Service) cached(ctx context.Context, key string) ([]Hit, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			slog.Warn("Search cache read failed", "error", err)
		}
		return nil, false
	}
	var hits []Hit
	if err := json.Unmarshal(data, &hits); err != nil {
		slog.Warn("Search cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return hits, true
}

func (s *Service) store(snap index.Snapshot, key string, hits []Hit) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(hits)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.Warn("Search cache write failed", "error", err)
	}
	s.purgeOlder(ctx, snap)
}

// purgeOlder drops results cached for the previous snapshot. They can no
// longer be read since every write bumps the generation.
func (s *Service) purgeOlder(ctx context.Context, snap index.Snapshot) {
	s.mu.Lock()
	prevModel, prevGen := s.lastModel, s.lastGen
	newer := prevModel == "" || prevModel != snap.ModelID || snap.Generation > prevGen
	if newer {
		s.lastModel, s.lastGen = snap.ModelID, snap.Generation
	}
	s.mu.Unlock()
	if !newer || prevModel == "" {
		return
	}
	if err := s.cache.DeleteByPrefix(ctx, generationPrefix(prevModel, prevGen)); err != nil {
		slog.Warn("Search cache purge failed", "error", err)
	}
}
