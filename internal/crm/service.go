// Package crm is the write path the UI uses for leads and
// calls: each change is applied to the cached collection first
// and then queued for replay against the API.
package crm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wesm/callsync/internal/cache"
	"github.com/wesm/callsync/internal/model"
	"github.com/wesm/callsync/internal/sync"
)

// Collection keys.
const (
	LeadsKey = "leads_collection"
	CallsKey = "calls_collection"
)

var (
	// ErrMissingID is returned when an update or delete names
	// no record.
	ErrMissingID = errors.New("record id is required")

	// ErrPendingChanges is returned by Refresh while local
	// changes are still queued.
	ErrPendingChanges = errors.New("local changes are waiting to sync")
)

// Fetcher lists records from the server.
type Fetcher interface {
	ListLeads(ctx context.Context) ([]model.Record, error)
	ListCalls(ctx context.Context) ([]model.Record, error)
}

// Service applies lead and call changes optimistically and
// queues them on the sync engine.
type Service struct {
	store   *cache.Store
	engine  *sync.Engine
	fetcher Fetcher
	ttl     time.Duration
}

// New creates a Service. Collections pulled by Refresh expire
// after ttl; zero keeps them until replaced.
func New(
	store *cache.Store, engine *sync.Engine, fetcher Fetcher, ttl time.Duration,
) *Service {
	return &Service{store: store, engine: engine, fetcher: fetcher, ttl: ttl}
}

// CollectionKey returns the collection a given entity type is
// cached under.
func CollectionKey(t model.EntityType) string {
	if t == model.EntityCall {
		return CallsKey
	}
	return LeadsKey
}

// ListLeads returns the cached leads.
func (s *Service) ListLeads() []model.Record {
	return s.store.GetCollection(LeadsKey)
}

// ListCalls returns the cached calls.
func (s *Service) ListCalls() []model.Record {
	return s.store.GetCollection(CallsKey)
}

// GetLead returns a cached lead.
func (s *Service) GetLead(id string) (model.Record, bool) {
	return s.store.GetCollectionItem(LeadsKey, id)
}

// CreateLead caches lead under a new local id and queues its
// creation. The returned record carries the local id.
func (s *Service) CreateLead(lead model.Record) model.Record {
	rec, payload := withLocalID(lead)
	s.upsert(LeadsKey, rec)
	s.engine.QueueOperation(sync.CreateLead{LocalID: rec.ID(), Lead: payload})
	return rec
}

// UpdateLead merges patch into the cached lead and queues the
// update.
func (s *Service) UpdateLead(id string, patch model.Record) (model.Record, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	patch = patch.Without("id")
	rec := s.merge(LeadsKey, s.cachedID(id), patch)
	s.engine.QueueOperation(sync.UpdateLead{ID: id, Patch: patch})
	return rec, nil
}

// DeleteLead drops the cached lead and queues the delete.
func (s *Service) DeleteLead(id string) error {
	if id == "" {
		return ErrMissingID
	}
	s.store.RemoveCollectionItem(LeadsKey, s.cachedID(id))
	s.engine.QueueOperation(sync.DeleteLead{ID: id})
	return nil
}

// CreateCall caches a call log under a new local id and queues
// its creation.
func (s *Service) CreateCall(call model.Record) model.Record {
	rec, payload := withLocalID(call)
	s.upsert(CallsKey, rec)
	s.engine.QueueOperation(sync.CreateCall{LocalID: rec.ID(), Call: payload})
	return rec
}

// UpdateCall merges patch into the cached call and queues the
// update.
func (s *Service) UpdateCall(id string, patch model.Record) (model.Record, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	patch = patch.Without("id")
	rec := s.merge(CallsKey, s.cachedID(id), patch)
	s.engine.QueueOperation(sync.UpdateCall{ID: id, Patch: patch})
	return rec, nil
}

// RefreshStats counts the records pulled by Refresh.
type RefreshStats struct {
	Leads int `json:"leads"`
	Calls int `json:"calls"`
}

// Refresh replaces both collections with the server's records.
// It refuses while operations are queued, since the server does
// not have them yet and they would vanish from the cache.
func (s *Service) Refresh(ctx context.Context) (RefreshStats, error) {
	if n := len(s.engine.SyncQueue()); n > 0 {
		return RefreshStats{}, fmt.Errorf("%w (%d pending)", ErrPendingChanges, n)
	}
	leads, err := s.fetcher.ListLeads(ctx)
	if err != nil {
		return RefreshStats{}, fmt.Errorf("listing leads: %w", err)
	}
	calls, err := s.fetcher.ListCalls(ctx)
	if err != nil {
		return RefreshStats{}, fmt.Errorf("listing calls: %w", err)
	}
	s.store.SetCollection(LeadsKey, leads, s.ttl)
	s.store.SetCollection(CallsKey, calls, s.ttl)
	return RefreshStats{Leads: len(leads), Calls: len(calls)}, nil
}

// cachedID maps a local id whose create has already been
// applied to the server id the cache now holds the record
// under. The queued operation keeps the id it was given.
func (s *Service) cachedID(id string) string {
	if !model.IsLocalID(id) {
		return id
	}
	if serverID, ok := s.engine.ServerID(id); ok {
		return serverID
	}
	return id
}

func (s *Service) upsert(key string, rec model.Record) {
	if err := s.store.UpdateCollectionItem(key, rec); err != nil {
		log.Printf("crm: caching %s: %v", key, err)
	}
}

func (s *Service) merge(key, id string, patch model.Record) model.Record {
	existing, _ := s.store.GetCollectionItem(key, id)
	rec := existing.Merge(patch)
	rec["id"] = id
	s.upsert(key, rec)
	return rec
}

// withLocalID returns the record to cache, with a fresh local
// id, and the payload to send, without any id.
func withLocalID(r model.Record) (model.Record, model.Record) {
	payload := r.Without("id")
	if payload == nil {
		payload = model.Record{}
	}
	rec := payload.Clone()
	rec["id"] = model.NewLocalID()
	return rec, payload
}
