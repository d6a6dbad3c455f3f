package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wesm/callsync/internal/cache"
	"github.com/wesm/callsync/internal/db"
	"github.com/wesm/callsync/internal/model"
)

// fakeClient records calls and returns scripted results.
type fakeClient struct {
	mu     gosync.Mutex
	calls  []string
	nextID int
	// fail, when set, decides the error for a call.
	fail func(method, arg string) error
	// gate, when set, blocks every call until it is closed;
	// entered receives one value per blocked call.
	gate    chan struct{}
	entered chan struct{}
}

func (c *fakeClient) do(
	ctx context.Context, method, arg string, rec model.Record,
) (model.Record, error) {
	if c.gate != nil {
		if c.entered != nil {
			c.entered <- struct{}{}
		}
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, method+":"+arg)
	if c.fail != nil {
		if err := c.fail(method, arg); err != nil {
			return nil, err
		}
	}
	out := rec.Clone()
	if out == nil {
		out = model.Record{}
	}
	if method == "createLead" || method == "createCall" {
		c.nextID++
		out["id"] = fmt.Sprintf("srv-%d", c.nextID)
	}
	return out, nil
}

func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func label(r model.Record) string {
	if name, ok := r["companyName"].(string); ok {
		return name
	}
	if notes, ok := r["notes"].(string); ok {
		if lead, ok := r["leadId"].(string); ok {
			return notes + "@" + lead
		}
		return notes
	}
	return ""
}

func (c *fakeClient) CreateLead(ctx context.Context, lead model.Record) (model.Record, error) {
	return c.do(ctx, "createLead", label(lead), lead)
}

func (c *fakeClient) UpdateLead(ctx context.Context, id string, patch model.Record) (model.Record, error) {
	return c.do(ctx, "updateLead", id, patch.Merge(model.Record{"id": id}))
}

func (c *fakeClient) DeleteLead(ctx context.Context, id string) error {
	_, err := c.do(ctx, "deleteLead", id, nil)
	return err
}

func (c *fakeClient) CreateCall(ctx context.Context, call model.Record) (model.Record, error) {
	return c.do(ctx, "createCall", label(call), call)
}

func (c *fakeClient) UpdateCall(ctx context.Context, id string, patch model.Record) (model.Record, error) {
	return c.do(ctx, "updateCall", id, patch.Merge(model.Record{"id": id}))
}

// tickClock returns a strictly increasing time on every call.
type tickClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newTickClock() *tickClock {
	return &tickClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

type testEnv struct {
	db     *db.DB
	store  *cache.Store
	client *fakeClient
	engine *Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	d := openTestDB(t)
	store := cache.New(d, "test", cache.WithProtectedKeys(ReservedKeys...))
	client := &fakeClient{}
	opts = append([]Option{WithClock(newTickClock().Now)}, opts...)
	e := NewEngine(store, client, opts...)
	t.Cleanup(e.Wait)
	return &testEnv{db: d, store: store, client: client, engine: e}
}

var errTimeout = errors.New("network timeout")
