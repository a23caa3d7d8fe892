package storage

import (
	"context"
	"sort"
	"sync"

	"killchain-advisor/internal/schema"
)

// MemoryStore keeps cases and entities in process memory. It implements both
// CaseStore and EntityStore and is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	cases    map[string]schema.Case
	entities map[schema.EntityKey]schema.Entity
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:    make(map[string]schema.Case),
		entities: make(map[schema.EntityKey]schema.Entity),
	}
}

// NewMemoryStoreFromSnapshot creates a store preloaded with a snapshot.
func NewMemoryStoreFromSnapshot(snap *Snapshot) *MemoryStore {
	s := NewMemoryStore()
	if snap == nil {
		return s
	}
	for _, c := range snap.Cases {
		s.cases[c.ID] = c
	}
	for _, e := range snap.Entities {
		e.Normalize()
		if key := e.Key(); key != "" {
			s.entities[key] = e
		}
	}
	return s
}

// ListCases returns every case sorted by ID.
func (s *MemoryStore) ListCases(_ context.Context) ([]schema.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertCase inserts or replaces a case.
func (s *MemoryStore) UpsertCase(_ context.Context, c schema.Case) error {
	if c.ID == "" {
		return WrapInvalidDataError("UpsertCase", "memory", errEmptyCaseID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = c
	return nil
}

// ListEntities returns every entity sorted by key.
func (s *MemoryStore) ListEntities(_ context.Context) ([]schema.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// UpsertEntity merges an observation into the stored entity.
func (s *MemoryStore) UpsertEntity(_ context.Context, e schema.Entity) error {
	e.Normalize()
	return s.foldEntity("UpsertEntity", e, mergeFold(e))
}

// ObserveEntity merges an observation and raises the stored risk by riskDelta.
func (s *MemoryStore) ObserveEntity(_ context.Context, e schema.Entity, riskDelta int) error {
	e.Normalize()
	return s.foldEntity("ObserveEntity", e, observeFold(e, riskDelta))
}

func (s *MemoryStore) foldEntity(op string, e schema.Entity, fold entityFold) error {
	key := e.Key()
	if key == "" {
		return WrapInvalidDataError(op, "memory", errEmptyEntityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entities[key]
	s.entities[key] = fold(existing, ok)
	return nil
}
