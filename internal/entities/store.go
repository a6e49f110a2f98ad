package entities

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/ha-sync/internal/models"
)

// Persister saves and restores entity snapshots. Implemented by
// state.State.
type Persister interface {
	LoadEntities() ([]models.Entity, error)
	SaveEntities([]models.Entity) error
}

// Store is the shared entity-state cache. Push events and sync fetches
// both write through Put, so the last writer wins.
type Store struct {
	mu    sync.RWMutex
	items map[string]models.Entity
}

// NewStore returns an empty cache.
func NewStore() *Store {
	return &Store{items: make(map[string]models.Entity)}
}

// Put stores e and returns the stored value. A weather update without a
// forecast keeps the previously cached forecast.
func (s *Store) Put(e models.Entity) models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Weather != nil && len(e.Weather.Forecast) == 0 {
		if prev, ok := s.items[e.EntityID]; ok && prev.HasForecast() {
			w := *e.Weather
			w.Forecast = slices.Clone(prev.Weather.Forecast)
			e.Weather = &w
		}
	}

	s.items[e.EntityID] = e

	return e
}

// SetForecast replaces the forecast of a cached weather entity. It
// returns false when the entity is unknown or not a weather entity.
func (s *Store) SetForecast(entityID string, days []models.ForecastDay) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[entityID]
	if !ok || e.Weather == nil {
		return false
	}

	w := *e.Weather
	w.Forecast = slices.Clone(days)
	e.Weather = &w
	s.items[entityID] = e

	return true
}

// Get returns the cached entity.
func (s *Store) Get(entityID string) (models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[entityID]

	return e, ok
}

// Len returns the number of cached entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items)
}

// All returns every cached entity sorted by id.
func (s *Store) All() []models.Entity {
	s.mu.RLock()
	out := make([]models.Entity, 0, len(s.items))

	for _, e := range s.items {
		out = append(out, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Entity) int { return strings.Compare(a.EntityID, b.EntityID) })

	return out
}

// Restore loads the persisted snapshot into the cache.
func (s *Store) Restore(p Persister) (int, error) {
	items, err := p.LoadEntities()
	if err != nil {
		return 0, fmt.Errorf("loading entity snapshot: %w", err)
	}

	s.mu.Lock()
	for _, e := range items {
		s.items[e.EntityID] = e
	}
	s.mu.Unlock()

	return len(items), nil
}

// Persist writes the whole cache as the new snapshot.
func (s *Store) Persist(p Persister) error {
	if err := p.SaveEntities(s.All()); err != nil {
		return fmt.Errorf("saving entity snapshot: %w", err)
	}

	return nil
}
