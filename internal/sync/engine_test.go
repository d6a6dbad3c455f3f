package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/callsync/internal/cache"
	"github.com/wesm/callsync/internal/model"
)

func TestQueueOperation_Persists(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	e := env.engine

	a := e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Acme"}})
	b := e.QueueOperation(UpdateCall{ID: "c1", Patch: model.Record{"outcome": "voicemail"}})

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 0, a.Attempts)
	assert.Equal(t, KindUpdate, b.Kind)
	assert.Equal(t, model.EntityCall, b.EntityType)
	assert.Equal(t, "c1", b.TargetID)

	// A fresh store over the same database sees the queue.
	reopened := NewEngine(cache.New(env.db, "test"), env.client, WithOnline(false))
	if diff := cmp.Diff([]Operation{a, b}, reopened.SyncQueue()); diff != "" {
		t.Errorf("persisted queue mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, env.client.Calls())
}

func TestScenario_OfflineCreatesDrainInOrder(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	e := env.engine

	e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Acme"}})
	e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Globex"}})
	assert.Empty(t, env.client.Calls())

	e.SetOnline(true)
	e.Wait()

	assert.Equal(t,
		[]string{"createLead:Acme", "createLead:Globex"},
		env.client.Calls())
	assert.Empty(t, e.SyncQueue())
	assert.Empty(t, e.FailedOperations())
}

func TestAttemptSync_ReplaysInQueuedAtOrder(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Stored out of order; replay must follow queued_at.
	env.store.Set(QueueKey, []Operation{
		{ID: "b", Kind: KindUpdate, EntityType: model.EntityLead,
			TargetID: "L1", Payload: model.Record{"status": "won"},
			QueuedAt: t0.Add(2 * time.Second)},
		{ID: "c", Kind: KindDelete, EntityType: model.EntityLead,
			TargetID: "L1", QueuedAt: t0.Add(3 * time.Second)},
		{ID: "a", Kind: KindUpdate, EntityType: model.EntityLead,
			TargetID: "L1", Payload: model.Record{"status": "contacted"},
			QueuedAt: t0.Add(1 * time.Second)},
	}, 0)

	env.engine.SetOnline(true)
	env.engine.Wait()

	assert.Equal(t,
		[]string{"updateLead:L1", "updateLead:L1", "deleteLead:L1"},
		env.client.Calls())
}

func TestAttemptSync_OfflineIsNoop(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.engine.QueueOperation(DeleteLead{ID: "L1"})

	stats := env.engine.AttemptSync(context.Background())
	assert.False(t, stats.Ran)
	assert.Empty(t, env.client.Calls())
	assert.Len(t, env.engine.SyncQueue(), 1)
}

func TestAttemptSync_SingleFlight(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.client.gate = make(chan struct{})
	env.client.entered = make(chan struct{}, 4)
	e := env.engine

	e.QueueOperation(DeleteLead{ID: "L1"})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	first := make(chan DrainStats, 1)
	go func() { first <- e.AttemptSync(context.Background()) }()

	select {
	case <-env.client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the client")
	}
	assert.True(t, e.Syncing())

	second := e.AttemptSync(context.Background())
	assert.False(t, second.Ran, "second pass should be a no-op")

	close(env.client.gate)
	stats := <-first
	assert.True(t, stats.Ran)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, []string{"deleteLead:L1"}, env.client.Calls())
}

func TestAttemptSync_QueuedDuringPassDrainsInFollowUpPass(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.client.gate = make(chan struct{})
	env.client.entered = make(chan struct{}, 4)
	e := env.engine

	e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Acme"}})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	first := make(chan DrainStats, 1)
	go func() { first <- e.AttemptSync(context.Background()) }()
	<-env.client.entered

	e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Globex"}})
	close(env.client.gate)

	stats := <-first
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Remaining)

	// No further AttemptSync or timer: the first pass starts
	// the follow-up itself.
	e.Wait()
	assert.Equal(t,
		[]string{"createLead:Acme", "createLead:Globex"},
		env.client.Calls())
	assert.Empty(t, e.SyncQueue())
}

func TestAttemptSync_NoFollowUpForRetriedOperations(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.client.fail = func(string, string) error { return errTimeout }
	e := env.engine

	e.QueueOperation(DeleteLead{ID: "L1"})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	e.AttemptSync(context.Background())
	e.Wait()
	assert.Equal(t, []string{"deleteLead:L1"}, env.client.Calls(),
		"a failed operation waits for the next trigger")
	require.Len(t, e.SyncQueue(), 1)
	assert.Equal(t, 1, e.SyncQueue()[0].Attempts)
}

func TestAttemptSync_AttemptBudget(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.client.fail = func(string, string) error { return errTimeout }
	e := env.engine

	op := e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Acme"}})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	ctx := context.Background()
	for i := 1; i < DefaultMaxAttempts; i++ {
		stats := e.AttemptSync(ctx)
		require.Equal(t, 1, stats.Retried, "pass %d", i)
		q := e.SyncQueue()
		require.Len(t, q, 1)
		assert.Equal(t, i, q[0].Attempts)
	}

	stats := e.AttemptSync(ctx)
	assert.Equal(t, 1, stats.Quarantined)
	assert.Equal(t, 0, stats.Remaining)
	assert.Empty(t, e.SyncQueue())

	failed := e.FailedOperations()
	require.Len(t, failed, 1)
	assert.Equal(t, op.ID, failed[0].ID)
	assert.Equal(t, DefaultMaxAttempts, failed[0].Attempts)
	assert.Equal(t, "network timeout", failed[0].Error)
	assert.False(t, failed[0].FailedAt.IsZero())

	// Quarantined operations are not retried automatically.
	e.AttemptSync(ctx)
	assert.Len(t, env.client.Calls(), DefaultMaxAttempts)
}

func TestAttemptSync_ConfiguredBudget(t *testing.T) {
	env := newTestEnv(t, WithOnline(false), WithMaxAttempts(2))
	env.client.fail = func(string, string) error { return errTimeout }
	e := env.engine
	e.QueueOperation(DeleteLead{ID: "L1"})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	e.AttemptSync(context.Background())
	e.AttemptSync(context.Background())

	failed := e.FailedOperations()
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
}

func TestAttemptSync_FailureIsolation(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.client.fail = func(method, arg string) error {
		if arg == "Bad" {
			return errors.New("422 companyName invalid")
		}
		return nil
	}
	e := env.engine
	e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Bad"}})
	e.QueueOperation(CreateLead{Lead: model.Record{"companyName": "Good"}})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	stats := e.AttemptSync(context.Background())
	assert.Equal(t, DrainStats{Ran: true, Applied: 1, Retried: 1, Remaining: 1}, stats)
	q := e.SyncQueue()
	require.Len(t, q, 1)
	assert.Equal(t, "Bad", q[0].Payload["companyName"])
}

func TestAttemptSync_PermanentErrorQuarantinesImmediately(t *testing.T) {
	errRejected := errors.New("rejected")
	env := newTestEnv(t, WithOnline(false),
		WithPermanentError(func(err error) bool {
			return errors.Is(err, errRejected)
		}))
	env.client.fail = func(string, string) error { return errRejected }
	e := env.engine
	e.QueueOperation(DeleteLead{ID: "L1"})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	stats := e.AttemptSync(context.Background())
	assert.Equal(t, 1, stats.Quarantined)
	failed := e.FailedOperations()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
}

func TestAttemptSync_UnsupportedOperationQuarantined(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.store.Set(QueueKey, []Operation{{
		ID: "x", Kind: KindDelete, EntityType: model.EntityCall,
		TargetID: "C1", QueuedAt: time.Now(),
	}}, 0)
	env.engine.SetOnline(true)
	env.engine.Wait()

	failed := env.engine.FailedOperations()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "unsupported operation")
	assert.Empty(t, env.client.Calls())
}

func TestAttemptSync_ResolvesLocalIDs(t *testing.T) {
	var applied []Operation
	env := newTestEnv(t, WithOnline(false),
		WithOnApplied(func(op Operation, rec model.Record) {
			applied = append(applied, op)
		}))
	e := env.engine

	e.QueueOperation(CreateLead{
		LocalID: "local-1",
		Lead:    model.Record{"companyName": "Acme"},
	})
	e.QueueOperation(UpdateLead{ID: "local-1", Patch: model.Record{"status": "won"}})
	e.QueueOperation(CreateCall{
		LocalID: "local-2",
		Call:    model.Record{"leadId": "local-1", "notes": "intro"},
	})
	e.SetOnline(true)
	e.Wait()

	assert.Equal(t, []string{
		"createLead:Acme", "updateLead:srv-1", "createCall:intro@srv-1",
	}, env.client.Calls())
	require.Len(t, applied, 3)
	assert.Equal(t, KindUpdate, applied[1].Kind)

	ids := cache.GetOr(env.store, IDMapKey, map[string]string{})
	assert.Equal(t, map[string]string{"local-1": "srv-1", "local-2": "srv-2"}, ids)
}

func TestAttemptSync_UnresolvedLocalIDRetries(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	e := env.engine
	e.QueueOperation(DeleteLead{ID: "local-missing"})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	stats := e.AttemptSync(context.Background())
	assert.Equal(t, 1, stats.Retried)
	assert.Empty(t, env.client.Calls())
}

func TestRetryFailedOperation(t *testing.T) {
	env := newTestEnv(t, WithOnline(false), WithMaxAttempts(1))
	failing := true
	env.client.fail = func(string, string) error {
		if failing {
			return errTimeout
		}
		return nil
	}
	e := env.engine
	op := e.QueueOperation(DeleteLead{ID: "L1"})
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()
	e.AttemptSync(context.Background())
	require.Len(t, e.FailedOperations(), 1)

	err := e.RetryFailedOperation("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	env.client.mu.Lock()
	failing = false
	env.client.mu.Unlock()

	require.NoError(t, e.RetryFailedOperation(op.ID))
	e.Wait()

	assert.Empty(t, e.FailedOperations())
	assert.Empty(t, e.SyncQueue())
	assert.Equal(t, []string{"deleteLead:L1", "deleteLead:L1"}, env.client.Calls())
}

func TestRetryFailedOperation_ResetsAttemptsWhileOffline(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	rec := FailureRecord{
		Operation: Operation{
			ID: "f1", Kind: KindDelete, EntityType: model.EntityLead,
			TargetID: "L1", Attempts: 5,
		},
		Error: "network timeout",
	}
	env.store.Set(FailedKey, []FailureRecord{rec}, 0)

	require.NoError(t, env.engine.RetryFailedOperation("f1"))
	q := env.engine.SyncQueue()
	require.Len(t, q, 1)
	assert.Equal(t, 0, q[0].Attempts)
	assert.Empty(t, env.engine.FailedOperations())
	assert.Empty(t, env.client.Calls())
}

func TestRetryAllFailed(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.store.Set(FailedKey, []FailureRecord{
		{Operation: Operation{ID: "f1", Kind: KindDelete,
			EntityType: model.EntityLead, TargetID: "L1", Attempts: 5}},
		{Operation: Operation{ID: "f2", Kind: KindDelete,
			EntityType: model.EntityLead, TargetID: "L2", Attempts: 5}},
	}, 0)

	assert.Equal(t, 2, env.engine.RetryAllFailed())
	assert.Len(t, env.engine.SyncQueue(), 2)
	assert.Empty(t, env.engine.FailedOperations())
	assert.Equal(t, 0, env.engine.RetryAllFailed())
}

func TestClearFailedOperations(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.store.Set(FailedKey, []FailureRecord{{
		Operation: Operation{ID: "f1"}, Error: "boom",
	}}, 0)
	env.engine.QueueOperation(DeleteLead{ID: "L1"})

	env.engine.ClearFailedOperations()
	assert.Empty(t, env.engine.FailedOperations())
	assert.Len(t, env.engine.SyncQueue(), 1, "queue untouched by clear")
}

func TestShutdown_FinalDrain(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	calls := 0
	env.client.fail = func(string, string) error {
		calls++
		if calls == 1 {
			return errTimeout
		}
		return nil
	}
	e := env.engine
	e.QueueOperation(DeleteLead{ID: "L1"})
	e.SetOnline(true)
	e.Wait()
	require.Len(t, e.SyncQueue(), 1)

	stats := e.Shutdown(context.Background())
	assert.Equal(t, 1, stats.Applied)
	assert.Empty(t, e.SyncQueue())

	// No background passes after shutdown.
	e.QueueOperation(DeleteLead{ID: "L2"})
	e.Wait()
	assert.Len(t, e.SyncQueue(), 1)
}

func TestShutdown_OfflineSkipsDrain(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.engine.QueueOperation(DeleteLead{ID: "L1"})
	stats := env.engine.Shutdown(context.Background())
	assert.False(t, stats.Ran)
	assert.Empty(t, env.client.Calls())
}

func TestReload_PicksUpOtherWriters(t *testing.T) {
	env := newTestEnv(t)
	other := NewEngine(cache.New(env.db, "test"), env.client, WithOnline(false))

	// Prime env's mirror with an empty queue.
	assert.Empty(t, env.engine.SyncQueue())
	other.QueueOperation(DeleteLead{ID: "L1"})

	stats := env.engine.Reload(context.Background())
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, []string{"deleteLead:L1"}, env.client.Calls())
}

func TestReload_IgnoresAlreadyTriedOperations(t *testing.T) {
	env := newTestEnv(t)
	env.store.Set(QueueKey, []Operation{{
		ID: "a", Kind: KindDelete, EntityType: model.EntityLead,
		TargetID: "L1", Attempts: 2,
	}}, 0)

	stats := env.engine.Reload(context.Background())
	assert.False(t, stats.Ran)
	assert.Empty(t, env.client.Calls())
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, WithOnline(false))
	env.engine.QueueOperation(DeleteLead{ID: "L1"})
	env.store.Set(FailedKey, []FailureRecord{{Operation: Operation{ID: "f"}}}, 0)

	st := env.engine.Status()
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Failed)
	assert.True(t, st.LastSync.IsZero())
}
