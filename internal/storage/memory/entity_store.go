package memory

import (
	"context"
	"sync"

	"github.com/impactmap/entity-scraper/internal/scraper"
)

// EntityStore provides an in-memory implementation for development/testing.
type EntityStore struct {
	mu        sync.RWMutex
	records   map[string]scraper.EntityRecord
	byWebsite map[string]string
	ids       scraper.IDGenerator
}

var _ scraper.EntityStore = (*EntityStore)(nil)

// NewEntityStore constructs an EntityStore.
func NewEntityStore(ids scraper.IDGenerator) *EntityStore {
	return &EntityStore{
		records:   make(map[string]scraper.EntityRecord),
		byWebsite: make(map[string]string),
		ids:       ids,
	}
}

// FindByWebsite implements scraper.EntityStore.
func (s *EntityStore) FindByWebsite(_ context.Context, website string) (*scraper.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byWebsite[website]
	if !ok {
		return nil, scraper.Errorf(scraper.ENOTFOUND, "entity with website %q not found", website)
	}
	record := s.records[id]
	return &record, nil
}

// Insert implements scraper.EntityStore. A missing ID is generated here.
func (s *EntityStore) Insert(_ context.Context, record *scraper.EntityRecord) (*scraper.EntityRecord, error) {
	if record == nil {
		return nil, scraper.Errorf(scraper.EINVALID, "record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *record
	if out.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, scraper.Errorf(scraper.EINTERNAL, "generate entity id: %v", err)
		}
		out.ID = id
	}
	if _, exists := s.byWebsite[out.Website]; exists {
		return nil, scraper.Errorf(scraper.EINTERNAL, "entity with website %q already exists", out.Website)
	}
	s.records[out.ID] = out
	s.byWebsite[out.Website] = out.ID
	return &out, nil
}

// Update implements scraper.EntityStore. The stored creation timestamp is
// preserved, mirroring the Postgres store.
func (s *EntityStore) Update(_ context.Context, id string, record *scraper.EntityRecord) (*scraper.EntityRecord, error) {
	if id == "" {
		return nil, scraper.Errorf(scraper.EINVALID, "id is required")
	}
	if record == nil {
		return nil, scraper.Errorf(scraper.EINVALID, "record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[id]
	if !ok {
		return nil, scraper.Errorf(scraper.EINTERNAL, "entity update returned no row")
	}
	out := *record
	out.ID = id
	out.CreatedAt = existing.CreatedAt
	if existing.Website != out.Website {
		delete(s.byWebsite, existing.Website)
	}
	s.records[id] = out
	s.byWebsite[out.Website] = id
	return &out, nil
}

// Ping implements scraper.EntityStore.
func (s *EntityStore) Ping(context.Context) error { return nil }

// Close implements scraper.EntityStore.
func (s *EntityStore) Close() error { return nil }
