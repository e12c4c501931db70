package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/MeKo-Tech/docsort/internal/document"
)

// Memory is an in-process Store. Values are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
	records     map[string][]byte
	entries     map[string]document.IndexEntry
	meta        map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: map[string][]byte{},
		records:     map[string][]byte{},
		entries:     map[string]document.IndexEntry{},
		meta:        map[string]string{},
	}
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp *document.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = data
	return nil
}

func (m *Memory) Checkpoint(_ context.Context, id string) (*document.Checkpoint, error) {
	m.mu.RLock()
	data, ok := m.checkpoints[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var cp document.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (m *Memory) Checkpoints(_ context.Context) ([]*document.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*document.Checkpoint, 0, len(m.checkpoints))
	for _, data := range m.checkpoints {
		var cp document.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	sortCheckpoints(out)
	return out, nil
}

func (m *Memory) SaveRecord(_ context.Context, rec document.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = data
	return nil
}

func (m *Memory) Record(_ context.Context, id string) (document.Record, error) {
	m.mu.RLock()
	data, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return document.Record{}, ErrNotFound
	}
	var rec document.Record
	err := json.Unmarshal(data, &rec)
	return rec, err
}

func (m *Memory) Records(_ context.Context) ([]document.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]document.Record, 0, len(m.records))
	for _, data := range m.records {
		var rec document.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) PutEntry(_ context.Context, e document.IndexEntry) error {
	e.Vector = slices.Clone(e.Vector)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.DocumentID] = e
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) Entries(_ context.Context) ([]document.IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]document.IndexEntry, 0, len(m.entries))
	for _, e := range m.entries {
		e.Vector = slices.Clone(e.Vector)
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) ReplaceEntries(_ context.Context, entries []document.IndexEntry, modelID string) error {
	next := make(map[string]document.IndexEntry, len(entries))
	for _, e := range entries {
		e.Vector = slices.Clone(e.Vector)
		next[e.DocumentID] = e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = next
	m.meta[MetaEmbeddingModel] = modelID
	return nil
}

func (m *Memory) Meta(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	delete(m.entries, id)
	delete(m.checkpoints, id)
	return nil
}

func (m *Memory) Close() error { return nil }
