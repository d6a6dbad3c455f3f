// Package sync replays locally made lead and call mutations
// against the remote API. Operations wait in a persisted queue
// and are drained in queue order whenever the client is online;
// operations that keep failing are moved to a failure log for a
// manual retry.
package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/callsync/internal/cache"
	"github.com/wesm/callsync/internal/model"
)

// Reserved cache keys.
const (
	QueueKey  = "sync_queue"
	FailedKey = "failed_operations"
	IDMapKey  = "sync_id_map"
)

// ReservedKeys lists the cache keys owned by the Engine. They
// should be protected from quota eviction.
var ReservedKeys = []string{QueueKey, FailedKey, IDMapKey}

// DefaultMaxAttempts is the attempt budget per operation.
const DefaultMaxAttempts = 5

var (
	// ErrNotFound is returned when a failure record id is
	// unknown.
	ErrNotFound = errors.New("operation not found")

	// ErrUnresolvedID is returned when an operation targets a
	// local id whose create has not been applied yet.
	ErrUnresolvedID = errors.New("target has no server id yet")
)

// Client is the remote API capability the Engine replays
// operations through. Timeouts are the Client's concern.
type Client interface {
	CreateLead(ctx context.Context, lead model.Record) (model.Record, error)
	UpdateLead(ctx context.Context, id string, patch model.Record) (model.Record, error)
	DeleteLead(ctx context.Context, id string) error
	CreateCall(ctx context.Context, call model.Record) (model.Record, error)
	UpdateCall(ctx context.Context, id string, patch model.Record) (model.Record, error)
}

// Engine owns the operation queue and the failure log and
// drains the queue against a Client.
type Engine struct {
	store       *cache.Store
	client      Client
	maxAttempts int
	permanent   func(error) bool
	onApplied   func(Operation, model.Record)
	now         func() time.Time

	// stateMu serializes read-modify-write of the queue, the
	// failure log and the id map.
	stateMu gosync.Mutex

	mu            gosync.Mutex
	online        bool
	syncing       bool
	closed        bool
	lastSync      time.Time
	lastSyncStats DrainStats

	bg gosync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts sets the attempt budget. Values below 1 are
// ignored.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxAttempts = n
		}
	}
}

// WithPermanentError installs a classifier for errors that
// should not be retried. A failure it matches is moved to the
// failure log immediately. Without one every failure counts
// against the attempt budget.
func WithPermanentError(fn func(error) bool) Option {
	return func(e *Engine) { e.permanent = fn }
}

// WithOnApplied registers a callback run after an operation is
// applied, with the record the server returned (nil for
// deletes).
func WithOnApplied(fn func(Operation, model.Record)) Option {
	return func(e *Engine) { e.onApplied = fn }
}

// WithClock overrides the time source for queue and failure
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOnline sets the initial connectivity state. The default
// is online.
func WithOnline(online bool) Option {
	return func(e *Engine) { e.online = online }
}

// NewEngine creates an Engine persisting its state in store.
func NewEngine(store *cache.Store, client Client, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		client:      client,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		online:      true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueueOperation appends m to the queue and, when online,
// starts a drain in the background.
func (e *Engine) QueueOperation(m Mutation) Operation {
	op := Operation{
		ID:         newOperationID(),
		Kind:       m.Kind(),
		EntityType: m.Entity(),
		Payload:    m.payload(),
		TargetID:   m.target(),
		QueuedAt:   e.now(),
	}

	e.stateMu.Lock()
	q := e.loadQueue()
	q = append(q, op)
	e.store.Set(QueueKey, q, 0)
	e.stateMu.Unlock()

	if e.Online() {
		e.kick()
	}
	return op
}

// newOperationID returns a UUIDv7: a millisecond timestamp
// followed by random bits.
func newOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// AttemptSync runs one drain pass over a snapshot of the queue.
// It returns immediately with Ran=false when offline or when
// another pass is in progress. Operations queued while the pass
// runs are left to a follow-up pass started in the background
// once this one finishes.
func (e *Engine) AttemptSync(ctx context.Context) DrainStats {
	e.mu.Lock()
	if !e.online || e.syncing {
		e.mu.Unlock()
		return DrainStats{}
	}
	e.syncing = true
	e.mu.Unlock()

	stats := DrainStats{Ran: true}
	var followUp bool
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.lastSync = e.now()
		e.lastSyncStats = stats
		online := e.online
		e.mu.Unlock()
		if followUp && online {
			e.kick()
		}
	}()

	for _, op := range e.SyncQueue() {
		if ctx.Err() != nil {
			break
		}
		rec, err := e.apply(ctx, op)
		if err != nil && ctx.Err() != nil {
			// Cancelled mid-call; leave the operation as it was.
			break
		}
		e.commit(op, rec, err, &stats)
	}

	remaining := e.loadQueueLocked()
	stats.Remaining = len(remaining)
	// Every operation in the snapshot has been tried by now, so
	// an untried one arrived mid-pass.
	followUp = ctx.Err() == nil && slices.ContainsFunc(remaining,
		func(op Operation) bool { return op.Attempts == 0 })
	if stats.Processed() > 0 {
		log.Printf(
			"sync: %d applied, %d retrying, %d failed, %d pending",
			stats.Applied, stats.Retried, stats.Quarantined,
			stats.Remaining,
		)
	}
	return stats
}

func (e *Engine) apply(ctx context.Context, op Operation) (model.Record, error) {
	payload, err := e.resolveRefs(op.Payload)
	if err != nil {
		return nil, err
	}
	op.Payload = payload
	m, err := op.Mutation()
	if err != nil {
		return nil, err
	}
	target := op.TargetID
	if op.Kind != KindCreate {
		target, err = e.resolveID(target)
		if err != nil {
			return nil, err
		}
	}
	return m.apply(ctx, e.client, target)
}

// resolveID maps a local id to the server id recorded when its
// create was applied. Ids that were never local pass through.
func (e *Engine) resolveID(id string) (string, error) {
	e.stateMu.Lock()
	ids := cache.GetOr(e.store, IDMapKey, map[string]string{})
	e.stateMu.Unlock()

	if serverID, ok := ids[id]; ok {
		return serverID, nil
	}
	if model.IsLocalID(id) {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedID, id)
	}
	return id, nil
}

// resolveRefs returns a copy of payload with field values that
// are local ids (a call's leadId, say) swapped for server ids.
func (e *Engine) resolveRefs(payload model.Record) (model.Record, error) {
	var out model.Record
	for k, v := range payload {
		s, ok := v.(string)
		if !ok || !model.IsLocalID(s) {
			continue
		}
		id, err := e.resolveID(s)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = payload.Clone()
		}
		out[k] = id
	}
	if out == nil {
		return payload, nil
	}
	return out, nil
}

// ServerID returns the server id recorded for a local id, if
// its create has been applied.
func (e *Engine) ServerID(localID string) (string, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	id, ok := cache.GetOr(e.store, IDMapKey, map[string]string{})[localID]
	return id, ok
}

// commit records the outcome of one operation against the live
// queue, which may have grown since the snapshot was taken.
func (e *Engine) commit(
	op Operation, rec model.Record, applyErr error, stats *DrainStats,
) {
	e.stateMu.Lock()
	q := e.loadQueue()
	i := slices.IndexFunc(q, func(o Operation) bool {
		return o.ID == op.ID
	})
	if i < 0 {
		// Removed by another writer during the call.
		e.stateMu.Unlock()
		return
	}

	applied := applyErr == nil
	if applied {
		q = slices.Delete(q, i, i+1)
		stats.Applied++
		if op.Kind == KindCreate && op.TargetID != "" && rec.ID() != "" {
			ids := cache.GetOr(e.store, IDMapKey, map[string]string{})
			ids[op.TargetID] = rec.ID()
			e.store.Set(IDMapKey, ids, 0)
		}
	} else {
		q[i].Attempts++
		if q[i].Attempts >= e.maxAttempts || e.isPermanent(applyErr) {
			e.quarantine(q[i], applyErr)
			q = slices.Delete(q, i, i+1)
			stats.Quarantined++
		} else {
			stats.Retried++
		}
	}
	e.store.Set(QueueKey, q, 0)
	e.stateMu.Unlock()

	if applied && e.onApplied != nil {
		e.onApplied(op, rec)
	}
}

func (e *Engine) isPermanent(err error) bool {
	if errors.Is(err, ErrUnsupportedOperation) {
		return true
	}
	return e.permanent != nil && e.permanent(err)
}

// quarantine appends op to the failure log. Caller holds
// stateMu.
func (e *Engine) quarantine(op Operation, cause error) {
	msg := cause.Error()
	if msg == "" {
		msg = "unknown error"
	}
	failed := e.loadFailed()
	failed = append(failed, FailureRecord{
		Operation: op,
		Error:     msg,
		FailedAt:  e.now(),
	})
	e.store.Set(FailedKey, failed, 0)
	log.Printf(
		"sync: %s %s %s failed after %d attempt(s): %s",
		op.Kind, op.EntityType, op.ID, op.Attempts, msg,
	)
}

// SetOnline records a connectivity transition. Going online
// starts a drain; going offline only flips the flag and does
// not interrupt a pass in progress.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if online == was {
		return
	}
	if online {
		log.Println("sync: online")
		e.kick()
	} else {
		log.Println("sync: offline")
	}
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Syncing reports whether a drain pass is running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// LastSync returns the time the last drain pass finished.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastSyncStats returns statistics from the last drain pass.
func (e *Engine) LastSyncStats() DrainStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncStats
}

// kick starts a drain pass in the background.
func (e *Engine) kick() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bg.Done()
		e.AttemptSync(context.Background())
	}()
}

// Wait blocks until background drain passes have finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Shutdown stops background drains from being started, waits
// for running ones, and makes a final pass if operations are
// still pending and the client is online.
func (e *Engine) Shutdown(ctx context.Context) DrainStats {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return DrainStats{}
	}

	if len(e.SyncQueue()) == 0 || !e.Online() {
		return DrainStats{}
	}
	log.Println("sync: final drain before shutdown")
	return e.AttemptSync(ctx)
}

// Reload drops the cache's memory mirror so state written by
// another process becomes visible, then drains if any queued
// operation has never been attempted.
func (e *Engine) Reload(ctx context.Context) DrainStats {
	e.store.Invalidate()
	untried := slices.ContainsFunc(e.SyncQueue(), func(op Operation) bool {
		return op.Attempts == 0
	})
	if !untried {
		return DrainStats{}
	}
	return e.AttemptSync(ctx)
}

// SyncQueue returns the pending operations in replay order.
func (e *Engine) SyncQueue() []Operation {
	q := e.loadQueueLocked()
	slices.SortStableFunc(q, func(a, b Operation) int {
		if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return q
}

// FailedOperations returns the failure log, oldest first.
func (e *Engine) FailedOperations() []FailureRecord {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.loadFailed()
}

// RetryFailedOperation moves a failure record back to the queue
// with its attempt count reset and, when online, starts a
// drain.
func (e *Engine) RetryFailedOperation(id string) error {
	e.stateMu.Lock()
	failed := e.loadFailed()
	i := slices.IndexFunc(failed, func(f FailureRecord) bool {
		return f.ID == id
	})
	if i < 0 {
		e.stateMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	op := failed[i].Operation
	op.Attempts = 0
	failed = slices.Delete(failed, i, i+1)

	q := append(e.loadQueue(), op)
	e.store.Set(QueueKey, q, 0)
	e.store.Set(FailedKey, failed, 0)
	e.stateMu.Unlock()

	if e.Online() {
		e.kick()
	}
	return nil
}

// RetryAllFailed moves every failure record back to the queue.
// It returns the number of operations requeued.
func (e *Engine) RetryAllFailed() int {
	e.stateMu.Lock()
	failed := e.loadFailed()
	if len(failed) == 0 {
		e.stateMu.Unlock()
		return 0
	}
	q := e.loadQueue()
	for _, f := range failed {
		op := f.Operation
		op.Attempts = 0
		q = append(q, op)
	}
	e.store.Set(QueueKey, q, 0)
	e.store.Remove(FailedKey)
	e.stateMu.Unlock()

	if e.Online() {
		e.kick()
	}
	return len(failed)
}

// ClearFailedOperations empties the failure log.
func (e *Engine) ClearFailedOperations() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.store.Remove(FailedKey)
}

// Status returns a point-in-time summary for display.
func (e *Engine) Status() Status {
	pending := len(e.SyncQueue())
	failed := len(e.FailedOperations())

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Online:    e.online,
		Syncing:   e.syncing,
		Pending:   pending,
		Failed:    failed,
		LastSync:  e.lastSync,
		LastStats: e.lastSyncStats,
	}
}

func (e *Engine) loadQueueLocked() []Operation {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.loadQueue()
}

// loadQueue reads the persisted queue. Caller holds stateMu.
func (e *Engine) loadQueue() []Operation {
	return cache.GetOr(e.store, QueueKey, []Operation(nil))
}

// loadFailed reads the failure log. Caller holds stateMu.
func (e *Engine) loadFailed() []FailureRecord {
	return cache.GetOr(e.store, FailedKey, []FailureRecord(nil))
}
