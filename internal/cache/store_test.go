package cache

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/callsync/internal/db"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openDB(t *testing.T, opts ...db.Option) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "cache.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testStore(
	t *testing.T, opts ...Option,
) (*Store, *db.DB, *fakeClock) {
	t.Helper()
	d := openDB(t)
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(d, "test", opts...), d, clock
}

func TestStore_SetGet(t *testing.T) {
	s, _, _ := testStore(t)

	s.Set("greeting", "hello", 0)
	assert.Equal(t, "hello", GetOr(s, "greeting", ""))
	assert.True(t, s.Has("greeting"))
	assert.Equal(t, "fallback", GetOr(s, "missing", "fallback"))
	assert.False(t, s.Has("missing"))
}

func TestStore_ReadsPersistentTierAfterInvalidate(t *testing.T) {
	s, d, clock := testStore(t)
	s.Set("n", 42, 0)

	// A second Store over the same backend has an empty mirror.
	other := New(d, "test", WithClock(clock.Now))
	assert.Equal(t, 42, GetOr(other, "n", 0))

	s.Invalidate()
	assert.Equal(t, 42, GetOr(s, "n", 0))
}

func TestStore_Expiration(t *testing.T) {
	s, d, clock := testStore(t)

	s.Set("k", "v", 100*time.Millisecond)
	clock.Advance(99 * time.Millisecond)
	assert.Equal(t, "v", GetOr(s, "k", "default"))

	clock.Advance(2 * time.Millisecond)
	assert.Equal(t, "default", GetOr(s, "k", "default"))
	assert.False(t, s.Has("k"))

	_, ok, err := d.GetEntry("test", "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry should be purged")
}

func TestStore_ExpirationFromPersistentTier(t *testing.T) {
	s, d, clock := testStore(t)
	s.Set("k", "v", time.Second)
	s.Invalidate()

	clock.Advance(time.Second)
	assert.False(t, s.Has("k"))
	_, ok, err := d.GetEntry("test", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RemoveAndClearAreNamespaced(t *testing.T) {
	d := openDB(t)
	a := New(d, "a")
	b := New(d, "b")

	a.Set("x", 1, 0)
	a.Set("y", 2, 0)
	b.Set("x", 3, 0)

	a.Remove("x")
	assert.False(t, a.Has("x"))
	assert.True(t, a.Has("y"))

	a.Clear()
	assert.False(t, a.Has("y"))
	assert.Equal(t, 3, GetOr(b, "x", 0))
}

func TestStore_CorruptEntryIsAbsent(t *testing.T) {
	s, d, _ := testStore(t)
	require.NoError(t, d.PutEntry("test", db.Entry{
		Key: "bad", Value: []byte("{not json"),
	}))

	assert.False(t, s.Has("bad"))
	_, ok, err := d.GetEntry("test", "bad")
	require.NoError(t, err)
	assert.False(t, ok, "corrupt entry should be purged")
}

func TestStore_WrongTypeDegradesToDefault(t *testing.T) {
	s, _, _ := testStore(t)
	s.Set("k", "not a number", 0)
	assert.Equal(t, 7, GetOr(s, "k", 7))
}

func TestStore_QuotaEvictsOldest(t *testing.T) {
	d := openDB(t, db.WithQuotaBytes(40))
	clock := newFakeClock()
	s := New(d, "test", WithClock(clock.Now))

	// Each value encodes to 8 bytes: "aaaaaa" with quotes.
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		s.Set(k, "aaaaaa", 0)
		clock.Advance(time.Millisecond)
	}
	s.Set("k6", "aaaaaa", 0)

	s.Invalidate()
	assert.False(t, s.Has("k1"), "oldest entry should be evicted")
	for _, k := range []string{"k2", "k3", "k4", "k5", "k6"} {
		assert.True(t, s.Has(k), k)
	}
}

func TestStore_QuotaEvictionSkipsProtectedKeys(t *testing.T) {
	d := openDB(t, db.WithQuotaBytes(40))
	clock := newFakeClock()
	s := New(d, "test", WithClock(clock.Now),
		WithProtectedKeys("sync_queue"))

	for _, k := range []string{"sync_queue", "k2", "k3", "k4", "k5"} {
		s.Set(k, "aaaaaa", 0)
		clock.Advance(time.Millisecond)
	}
	s.Set("k6", "aaaaaa", 0)

	s.Invalidate()
	assert.True(t, s.Has("sync_queue"))
	assert.False(t, s.Has("k2"))
	assert.True(t, s.Has("k6"))
}

func TestStore_QuotaEvictionSparesKeyBeingWritten(t *testing.T) {
	d := openDB(t, db.WithQuotaBytes(40))
	clock := newFakeClock()
	s := New(d, "test", WithClock(clock.Now))

	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		s.Set(k, "aaaaaa", 0)
		clock.Advance(time.Millisecond)
	}
	// k1 is the oldest row, but it is the one being rewritten.
	s.Set("k1", "bbbbbbb", 0)

	s.Invalidate()
	assert.Equal(t, "bbbbbbb", GetOr(s, "k1", ""))
	assert.False(t, s.Has("k2"), "next-oldest entry should be evicted")
}

func TestStore_QuotaFailureDropsWrite(t *testing.T) {
	d := openDB(t, db.WithQuotaBytes(10))
	s := New(d, "test")

	s.Set("big", strings.Repeat("x", 32), 0)

	// Still visible in this session's mirror, but never persisted.
	assert.True(t, s.Has("big"))
	s.Invalidate()
	assert.False(t, s.Has("big"))
}

// failingBackend returns err from every call.
type failingBackend struct{ err error }

func (f failingBackend) PutEntry(string, db.Entry) error { return f.err }
func (f failingBackend) GetEntry(string, string) (db.Entry, bool, error) {
	return db.Entry{}, false, f.err
}
func (f failingBackend) DeleteEntry(string, string) error { return f.err }
func (f failingBackend) DeleteEntries(string, []string) error { return f.err }
func (f failingBackend) ClearNamespace(string) error { return f.err }
func (f failingBackend) ListEntryAges(string) ([]db.EntryAge, error) {
	return nil, f.err
}

func TestStore_BackendFailuresNeverSurface(t *testing.T) {
	s := New(failingBackend{err: errors.New("disk on fire")}, "test")

	assert.NotPanics(t, func() {
		s.Set("k", "v", 0)
		s.Remove("k")
		s.Clear()
	})
	assert.Equal(t, "default", GetOr(s, "k", "default"))
	assert.False(t, s.Has("other"))
}

func TestStore_QuotaWithUnlistableBackend(t *testing.T) {
	s := New(failingBackend{
		err: db.ErrQuotaExceeded,
	}, "test")
	assert.NotPanics(t, func() { s.Set("k", "v", 0) })
}
