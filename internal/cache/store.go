// Package cache implements the client-side cache: a persistent
// key/value tier with an in-memory mirror, lazy per-entry
// expiration, quota-driven eviction, and record collections
// layered on top.
//
// Store methods never return storage errors. Persistent-tier
// failures are logged and degrade to defaults or no-ops.
package cache

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/wesm/callsync/internal/db"
)

// DefaultEvictFraction is the share of a namespace evicted
// when a write hits the storage quota.
const DefaultEvictFraction = 0.2

// Backend is the persistent tier. *db.DB satisfies it.
type Backend interface {
	PutEntry(namespace string, e db.Entry) error
	GetEntry(namespace, key string) (db.Entry, bool, error)
	DeleteEntry(namespace, key string) error
	DeleteEntries(namespace string, keys []string) error
	ClearNamespace(namespace string) error
	ListEntryAges(namespace string) ([]db.EntryAge, error)
}

type memEntry struct {
	value     json.RawMessage
	expiresAt *int64
}

func (m memEntry) expired(nowMs int64) bool {
	return m.expiresAt != nil && nowMs >= *m.expiresAt
}

// Store is the cache for one namespace of a Backend.
type Store struct {
	backend       Backend
	namespace     string
	evictFraction float64
	protected     map[string]bool
	now           func() time.Time

	mu  sync.RWMutex
	mem map[string]memEntry

	// collMu serializes collection read-modify-write cycles
	// made through this Store.
	collMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for writtenAt and
// expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvictFraction sets the share of entries evicted on quota
// failure. Values outside (0, 1] are ignored.
func WithEvictFraction(f float64) Option {
	return func(s *Store) {
		if f > 0 && f <= 1 {
			s.evictFraction = f
		}
	}
}

// WithProtectedKeys exempts keys from quota eviction.
func WithProtectedKeys(keys ...string) Option {
	return func(s *Store) {
		for _, k := range keys {
			s.protected[k] = true
		}
	}
}

// New returns a Store scoped to namespace.
func New(backend Backend, namespace string, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		namespace:     namespace,
		evictFraction: DefaultEvictFraction,
		protected:     make(map[string]bool),
		now:           time.Now,
		mem:           make(map[string]memEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the namespace this Store is scoped to.
func (s *Store) Namespace() string {
	return s.namespace
}

// Set stores value under key. A positive ttl makes the entry
// expire ttl after now. If the backend reports the quota is
// exhausted, the oldest entries are evicted and the write is
// retried once; a second failure drops the persistent write.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	var expiresAt *int64
	if ttl > 0 {
		exp := s.now().UnixMilli() + ttl.Milliseconds()
		expiresAt = &exp
	}
	s.put(key, value, expiresAt)
}

// setKeepingExpiry rewrites key without moving its expiry. A
// key that is absent or already expired is written without one.
func (s *Store) setKeepingExpiry(key string, value any) {
	s.put(key, value, s.expiry(key))
}

func (s *Store) expiry(key string) *int64 {
	s.mu.RLock()
	m, ok := s.mem[key]
	s.mu.RUnlock()
	if ok {
		return m.expiresAt
	}
	e, ok, err := s.backend.GetEntry(s.namespace, key)
	if err != nil || !ok {
		return nil
	}
	return e.ExpiresAt
}

func (s *Store) put(key string, value any, expiresAt *int64) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Printf("cache: encoding %s: %v", key, err)
		return
	}

	e := db.Entry{
		Key:       key,
		Value:     raw,
		WrittenAt: s.now().UnixMilli(),
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	s.mem[key] = memEntry{value: raw, expiresAt: e.ExpiresAt}
	s.mu.Unlock()

	err = s.backend.PutEntry(s.namespace, e)
	if errors.Is(err, db.ErrQuotaExceeded) {
		s.evict(key)
		err = s.backend.PutEntry(s.namespace, e)
	}
	if err != nil {
		log.Printf("cache: dropping write of %s: %v", key, err)
	}
}

// Get returns the raw JSON stored under key. Expired, corrupt
// and unreadable entries are reported as absent; expired and
// corrupt ones are purged.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	nowMs := s.now().UnixMilli()

	s.mu.RLock()
	m, ok := s.mem[key]
	s.mu.RUnlock()
	if ok {
		if m.expired(nowMs) {
			s.Remove(key)
			return nil, false
		}
		return m.value, true
	}

	e, ok, err := s.backend.GetEntry(s.namespace, key)
	if err != nil {
		log.Printf("cache: reading %s: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	m = memEntry{value: e.Value, expiresAt: e.ExpiresAt}
	if m.expired(nowMs) {
		s.Remove(key)
		return nil, false
	}
	if !json.Valid(e.Value) {
		log.Printf("cache: discarding corrupt entry %s", key)
		s.Remove(key)
		return nil, false
	}

	s.mu.Lock()
	s.mem[key] = m
	s.mu.Unlock()
	return m.value, true
}

// GetInto decodes the value stored under key into dst. It
// reports false, leaving dst untouched where possible, when the
// key is absent or the value does not decode into dst.
func (s *Store) GetInto(key string, dst any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Printf("cache: decoding %s: %v", key, err)
		return false
	}
	return true
}

// GetOr returns the value stored under key, or def when the key
// is absent, expired or does not decode as T.
func GetOr[T any](s *Store, key string, def T) T {
	var v T
	if !s.GetInto(key, &v) {
		return def
	}
	return v
}

// Has reports whether key holds a live entry.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Remove deletes key from both tiers.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	if err := s.backend.DeleteEntry(s.namespace, key); err != nil {
		log.Printf("cache: removing %s: %v", key, err)
	}
}

// Clear removes every entry in this Store's namespace. Data in
// other namespaces of the same backend is untouched.
func (s *Store) Clear() {
	s.Invalidate()
	if err := s.backend.ClearNamespace(s.namespace); err != nil {
		log.Printf("cache: clearing %s: %v", s.namespace, err)
	}
}

// Invalidate drops the in-memory mirror so the next reads go to
// the persistent tier. Used when another process may have
// written the backend.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.mem = make(map[string]memEntry)
	s.mu.Unlock()
}

// evict removes expired entries plus the oldest evictFraction
// of the unprotected entries in the namespace. The key being
// written is never a victim.
func (s *Store) evict(writing string) {
	ages, err := s.backend.ListEntryAges(s.namespace)
	if err != nil {
		log.Printf("cache: listing entries for eviction: %v", err)
		return
	}

	nowMs := s.now().UnixMilli()
	var candidates []db.EntryAge
	victims := make(map[string]bool)
	for _, a := range ages {
		if s.protected[a.Key] || a.Key == writing {
			continue
		}
		candidates = append(candidates, a)
		if a.Expired(nowMs) {
			victims[a.Key] = true
		}
	}

	n := int(math.Ceil(float64(len(candidates)) * s.evictFraction))
	for _, a := range candidates[:n] {
		victims[a.Key] = true
	}
	if len(victims) == 0 {
		return
	}

	keys := make([]string, 0, len(victims))
	s.mu.Lock()
	for _, a := range candidates {
		if victims[a.Key] {
			keys = append(keys, a.Key)
			delete(s.mem, a.Key)
		}
	}
	s.mu.Unlock()

	if err := s.backend.DeleteEntries(s.namespace, keys); err != nil {
		log.Printf("cache: evicting %d entries: %v", len(keys), err)
		return
	}
	log.Printf(
		"cache: quota exceeded, evicted %d of %d entries",
		len(keys), len(ages),
	)
}
