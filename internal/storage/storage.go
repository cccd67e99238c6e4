package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tonal-labs/cantata/pkg/api"
)

type (
	// Store persists composition definitions. An empty status passed to
	// ListCompositions returns every composition
	Store interface {
		LoadComposition(
			context.Context, api.CompositionID,
		) (*api.Composition, error)
		SaveComposition(context.Context, *api.Composition) error
		ListCompositions(
			context.Context, api.CompositionStatus,
		) ([]*api.Composition, error)
		DeleteComposition(context.Context, api.CompositionID) error
	}

	// MemoryStore keeps compositions in process memory. Suited for
	// tests and single-node setups without persistence requirements
	MemoryStore struct {
		compositions map[api.CompositionID]*api.Composition
		mu           sync.RWMutex
	}
)

var (
	ErrNotFound = errors.New("composition not found")
	ErrIDEmpty  = errors.New("composition id must not be empty")

	_ Store = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory composition store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		compositions: map[api.CompositionID]*api.Composition{},
	}
}

func (s *MemoryStore) LoadComposition(
	_ context.Context, id api.CompositionID,
) (*api.Composition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	comp, ok := s.compositions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return comp.Clone(), nil
}

func (s *MemoryStore) SaveComposition(
	_ context.Context, comp *api.Composition,
) error {
	if comp.ID == "" {
		return ErrIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.compositions[comp.ID] = comp.Clone()
	return nil
}

func (s *MemoryStore) ListCompositions(
	_ context.Context, status api.CompositionStatus,
) ([]*api.Composition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.Composition
	for _, comp := range s.compositions {
		if status != "" && comp.Status != status {
			continue
		}
		res = append(res, comp.Clone())
	}
	sortCompositions(res)
	return res, nil
}

func (s *MemoryStore) DeleteComposition(
	_ context.Context, id api.CompositionID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.compositions[id]; !ok {
		return ErrNotFound
	}
	delete(s.compositions, id)
	return nil
}

func sortCompositions(comps []*api.Composition) {
	sort.Slice(comps, func(i, j int) bool {
		if comps[i].Name != comps[j].Name {
			return comps[i].Name < comps[j].Name
		}
		return comps[i].ID < comps[j].ID
	})
}
