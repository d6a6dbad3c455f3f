package cache

import (
	"errors"
	"slices"
	"time"

	"github.com/wesm/callsync/internal/model"
)

// ErrMissingID is returned when a collection item has no id.
var ErrMissingID = errors.New("collection item has no id")

// collection is the persisted shape of a record set: an id map
// plus an ordering in which every id of Items appears once.
type collection struct {
	Items map[string]model.Record `json:"items"`
	Order []string                `json:"order"`
}

func (s *Store) loadCollection(key string) collection {
	c := GetOr(s, key, collection{})
	if c.Items == nil {
		c.Items = make(map[string]model.Record)
	}
	return c
}

// SetCollection replaces the collection under key with items.
// Records without an id are skipped; a repeated id keeps the
// last record and its first position.
func (s *Store) SetCollection(
	key string, items []model.Record, ttl time.Duration,
) {
	s.collMu.Lock()
	defer s.collMu.Unlock()

	c := collection{
		Items: make(map[string]model.Record, len(items)),
		Order: make([]string, 0, len(items)),
	}
	for _, item := range items {
		id := item.ID()
		if id == "" {
			continue
		}
		if _, dup := c.Items[id]; !dup {
			c.Order = append(c.Order, id)
		}
		c.Items[id] = item
	}
	s.Set(key, c, ttl)
}

// GetCollection returns the records under key in collection
// order, or an empty slice when key is absent.
func (s *Store) GetCollection(key string) []model.Record {
	c := s.loadCollection(key)
	out := make([]model.Record, 0, len(c.Order))
	for _, id := range c.Order {
		if item, ok := c.Items[id]; ok {
			out = append(out, item)
		}
	}
	return out
}

// GetCollectionItem returns a single record by id.
func (s *Store) GetCollectionItem(key, id string) (model.Record, bool) {
	c := s.loadCollection(key)
	item, ok := c.Items[id]
	return item, ok
}

// UpdateCollectionItem upserts item by its id. The id is added
// to the order only if it is not already present. The
// collection keeps its expiry.
func (s *Store) UpdateCollectionItem(key string, item model.Record) error {
	id := item.ID()
	if id == "" {
		return ErrMissingID
	}

	s.collMu.Lock()
	defer s.collMu.Unlock()

	c := s.loadCollection(key)
	if _, ok := c.Items[id]; !ok && !slices.Contains(c.Order, id) {
		c.Order = append(c.Order, id)
	}
	c.Items[id] = item
	s.setKeepingExpiry(key, c)
	return nil
}

// RemoveCollectionItem deletes id from the collection under
// key, keeping the collection's expiry.
func (s *Store) RemoveCollectionItem(key, id string) {
	s.collMu.Lock()
	defer s.collMu.Unlock()

	c := s.loadCollection(key)
	delete(c.Items, id)
	c.Order = slices.DeleteFunc(c.Order, func(o string) bool {
		return o == id
	})
	s.setKeepingExpiry(key, c)
}

// ReplaceCollectionItem swaps the record stored as oldID for
// item, keeping oldID's position. When oldID is absent it
// behaves like UpdateCollectionItem.
func (s *Store) ReplaceCollectionItem(
	key, oldID string, item model.Record,
) error {
	id := item.ID()
	if id == "" {
		return ErrMissingID
	}

	s.collMu.Lock()
	defer s.collMu.Unlock()

	c := s.loadCollection(key)
	delete(c.Items, oldID)
	if i := slices.Index(c.Order, oldID); i >= 0 {
		c.Order[i] = id
	} else if !slices.Contains(c.Order, id) {
		c.Order = append(c.Order, id)
	}
	// oldID may have been renamed onto an id already present.
	c.Order = dedupe(c.Order)
	c.Items[id] = item
	s.setKeepingExpiry(key, c)
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	return slices.DeleteFunc(ids, func(id string) bool {
		if seen[id] {
			return true
		}
		seen[id] = true
		return false
	})
}
