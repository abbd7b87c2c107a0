package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory keeps one point set per scope and ranks by brute-force cosine.
type Memory struct {
	dims int

	mu     sync.RWMutex
	scopes map[string]map[string]Item
}

func NewMemory(dims int) *Memory {
	return &Memory{dims: dims, scopes: make(map[string]map[string]Item)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Upsert(_ context.Context, scope string, items []Item) error {
	if scope == "" {
		return ErrEmptyScope
	}
	for _, it := range items {
		if m.dims > 0 && len(it.Vector) != m.dims {
			return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(it.Vector), m.dims)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	points, ok := m.scopes[scope]
	if !ok {
		points = make(map[string]Item)
		m.scopes[scope] = points
	}
	for _, it := range items {
		vec := make([]float32, len(it.Vector))
		copy(vec, it.Vector)
		points[it.ID] = Item{ID: it.ID, DocumentID: it.DocumentID, Vector: vec, Metadata: copyMetadata(it.Metadata)}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, scope string, vector []float32, k int, filter Filter) ([]Match, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}
	if k <= 0 {
		k = DefaultK
	}

	m.mu.RLock()
	points := m.scopes[scope]
	matches := make([]Match, 0, len(points))
	for _, p := range points {
		if !filter.allows(p.DocumentID) {
			continue
		}
		matches = append(matches, Match{
			ID:         p.ID,
			DocumentID: p.DocumentID,
			Score:      cosine(vector, p.Vector),
			Metadata:   copyMetadata(p.Metadata),
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *Memory) Delete(_ context.Context, scope string, ids []string) error {
	if scope == "" {
		return ErrEmptyScope
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	points := m.scopes[scope]
	for _, id := range ids {
		delete(points, id)
	}
	return nil
}

func (m *Memory) DropScope(_ context.Context, scope string) error {
	m.mu.Lock()
	delete(m.scopes, scope)
	m.mu.Unlock()
	return nil
}

// Count reports how many points a scope holds.
func (m *Memory) Count(scope string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scopes[scope])
}
