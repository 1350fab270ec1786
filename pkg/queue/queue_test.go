package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportive/synckit/pkg/api"
	"github.com/reportive/synckit/pkg/conflict"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu     sync.Mutex
	nextID uint64
	ops    map[uint64]*Operation
	order  []uint64
	failed []*FailedOperation
}

func newMemStore() *memStore {
	return &memStore{ops: make(map[uint64]*Operation)}
}

func (s *memStore) Append(ctx context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	op.ID = s.nextID
	clone := *op
	s.ops[op.ID] = &clone
	s.order = append(s.order, op.ID)
	return nil
}

func (s *memStore) Pending(ctx context.Context) ([]*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Operation
	for _, id := range s.order {
		if op, ok := s.ops[id]; ok && op.Status == StatusQueued {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memStore) PendingCount(ctx context.Context) (int, error) {
	pending, _ := s.Pending(ctx)
	return len(pending), nil
}

func (s *memStore) MarkSynced(ctx context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return errors.New("not found")
	}
	op.Status = StatusSynced
	op.SyncedAt = &at
	return nil
}

func (s *memStore) MarkConflicted(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return errors.New("not found")
	}
	op.Status = StatusConflicted
	return nil
}

func (s *memStore) UpdateRetryCount(ctx context.Context, id uint64, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return errors.New("not found")
	}
	op.RetryCount = retryCount
	return nil
}

func (s *memStore) MoveToFailed(ctx context.Context, id uint64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return errors.New("not found")
	}
	s.failed = append(s.failed, &FailedOperation{Operation: *op, Reason: reason, FailedAt: at})
	delete(s.ops, id)
	return nil
}

func (s *memStore) Failed(ctx context.Context) ([]*FailedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FailedOperation(nil), s.failed...), nil
}

func (s *memStore) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, op := range s.ops {
		if op.Status == StatusSynced && op.SyncedAt != nil && op.SyncedAt.Before(before) {
			delete(s.ops, id)
			purged++
		}
	}
	return purged, nil
}

func (s *memStore) Close() error { return nil }

// scriptedReplayer answers each mutation from a per-record script.
type scriptedReplayer struct {
	mu       sync.Mutex
	errs     map[string]error // keyed by record id; nil means success
	attempts []string
}

func (r *scriptedReplayer) Do(ctx context.Context, m api.Mutation) (*api.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, m.RecordID)
	if err, ok := r.errs[m.RecordID]; ok && err != nil {
		return nil, err
	}
	return &api.Result{RecordID: m.RecordID}, nil
}

func (r *scriptedReplayer) attempted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.attempts...)
}

func online() api.Prober {
	return api.ProberFunc(func(ctx context.Context) bool { return true })
}

func offline() api.Prober {
	return api.ProberFunc(func(ctx context.Context) bool { return false })
}

func enqueueN(t *testing.T, q *Queue, records ...string) {
	t.Helper()
	for _, r := range records {
		_, err := q.Enqueue(context.Background(), "report", api.KindUpdate, r, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
}

func TestSyncReplaysInEnqueueOrder(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{}
	q := New(Config{}, store, replayer, online(), nil)

	enqueueN(t, q, "r1", "r2", "r3")

	res, err := q.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.SyncedCount)
	assert.Equal(t, []string{"r1", "r2", "r3"}, replayer.attempted())

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncRequiresProbe(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{}
	q := New(Config{}, store, replayer, offline(), nil)

	enqueueN(t, q, "r1")

	_, err := q.Sync(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, replayer.attempted(), "no replay attempt while offline")
}

func TestSyncStopsPassOnTransportFailure(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{errs: map[string]error{
		"r2": errors.New("connection reset"),
	}}
	q := New(Config{MaxAttempts: 3}, store, replayer, online(), nil)

	enqueueN(t, q, "r1", "r2", "r3")

	res, err := q.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 1, res.FailedCount)
	// r3 must not overtake the failed r2.
	assert.Equal(t, []string{"r1", "r2"}, replayer.attempted())

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r2", pending[0].RecordID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "r3", pending[1].RecordID)
}

func TestSyncDeadLettersAtRetryCeiling(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{errs: map[string]error{
		"r1": errors.New("server unavailable"),
	}}
	q := New(Config{MaxAttempts: 3}, store, replayer, online(), nil)

	enqueueN(t, q, "r1")

	for i := 0; i < 3; i++ {
		res, err := q.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.FailedCount)
	}

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := q.Failed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r1", failed[0].Operation.RecordID)
	assert.Equal(t, 3, failed[0].Operation.RetryCount)
	assert.Contains(t, failed[0].Reason, "retry ceiling")
}

func TestSyncRecordsConflictAndContinues(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{errs: map[string]error{
		"r1": &api.ConflictError{
			StatusCode:      409,
			ServerVersion:   7,
			ServerTimestamp: 1700000000,
			ServerActorID:   "server",
			ServerPayload:   json.RawMessage(`{"title":"server copy"}`),
		},
	}}
	recorder := conflict.NewRecorder()
	q := New(Config{ClientID: "client-a"}, store, replayer, online(), recorder)

	enqueueN(t, q, "r1", "r2")

	res, err := q.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictCount)
	assert.Equal(t, 1, res.SyncedCount)
	// A conflict does not block later operations.
	assert.Equal(t, []string{"r1", "r2"}, replayer.attempted())

	pending := recorder.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "report", pending[0].Entity)
	assert.Equal(t, "r1", pending[0].RecordID)
	assert.Equal(t, int64(7), pending[0].ServerVersion.Version)
	assert.Equal(t, "client-a", pending[0].LocalVersion.ActorID)

	// The conflicted operation left the pending set.
	ops, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncConflictedOpIsNotRetried(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{errs: map[string]error{
		"r1": &api.ConflictError{StatusCode: 409},
	}}
	q := New(Config{}, store, replayer, online(), nil)

	enqueueN(t, q, "r1")

	_, err := q.Sync(context.Background())
	require.NoError(t, err)
	_, err = q.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"r1"}, replayer.attempted())
}

func TestSyncReportsTerminalOutcomes(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{errs: map[string]error{
		"r2": &api.ConflictError{StatusCode: 409},
		"r3": errors.New("server unavailable"),
	}}

	type seen struct {
		record  string
		outcome Outcome
		reason  string
	}
	var got []seen
	q := New(Config{MaxAttempts: 1}, store, replayer, online(), nil,
		WithOutcomeHandler(func(op Operation, outcome Outcome, reason string) {
			got = append(got, seen{op.RecordID, outcome, reason})
		}))

	enqueueN(t, q, "r1", "r2", "r3")

	_, err := q.Sync(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, seen{"r1", OutcomeSynced, ""}, got[0])
	assert.Equal(t, seen{"r2", OutcomeConflicted, ""}, got[1])
	assert.Equal(t, "r3", got[2].record)
	assert.Equal(t, OutcomeDeadLettered, got[2].outcome)
	assert.Contains(t, got[2].reason, "retry ceiling")
}

func TestSyncDoesNotReportRetriableFailures(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{errs: map[string]error{
		"r1": errors.New("connection reset"),
	}}

	var outcomes []Outcome
	q := New(Config{MaxAttempts: 3}, store, replayer, online(), nil,
		WithOutcomeHandler(func(op Operation, outcome Outcome, reason string) {
			outcomes = append(outcomes, outcome)
		}))

	enqueueN(t, q, "r1")

	_, err := q.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes, "a failure below the ceiling is not terminal")

	_, err = q.Sync(context.Background())
	require.NoError(t, err)
	_, err = q.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeDeadLettered}, outcomes)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	store := newMemStore()
	q := New(Config{MaxPending: 2}, store, &scriptedReplayer{}, online(), nil)

	enqueueN(t, q, "r1", "r2")

	_, err := q.Enqueue(context.Background(), "report", api.KindCreate, "", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q := New(Config{}, newMemStore(), &scriptedReplayer{}, online(), nil)

	_, err := q.Enqueue(context.Background(), "report", api.Kind("merge"), "", nil)
	require.Error(t, err)
}

func TestEnqueueAssignsMonotonicOpIDs(t *testing.T) {
	q := New(Config{}, newMemStore(), &scriptedReplayer{}, online(), nil)

	a, err := q.Enqueue(context.Background(), "report", api.KindCreate, "", json.RawMessage(`{}`))
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), "report", api.KindCreate, "", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.NotEqual(t, a.OpID, b.OpID)
	assert.Less(t, a.OpID, b.OpID, "ulids from one client sort by creation time")
	assert.Equal(t, a.ClientID, b.ClientID)
}

func TestSyncPurgesSyncedAfterGracePeriod(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{}

	current := time.Unix(1700000000, 0)
	q := New(Config{GracePeriod: 5 * time.Second}, store, replayer, online(), nil,
		WithClock(func() time.Time { return current }))

	enqueueN(t, q, "r1")

	_, err := q.Sync(context.Background())
	require.NoError(t, err)

	store.mu.Lock()
	remaining := len(store.ops)
	store.mu.Unlock()
	assert.Equal(t, 1, remaining, "synced operation stays through the grace period")

	current = current.Add(10 * time.Second)
	_, err = q.Sync(context.Background())
	require.NoError(t, err)

	store.mu.Lock()
	remaining = len(store.ops)
	store.mu.Unlock()
	assert.Equal(t, 0, remaining, "synced operation purged after the grace period")
}

func TestRunReactsToConnectivityKick(t *testing.T) {
	store := newMemStore()
	replayer := &scriptedReplayer{}
	q := New(Config{SyncInterval: time.Hour}, store, replayer, online(), nil)

	enqueueN(t, q, "r1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	q.OnConnectivityRestored()

	require.Eventually(t, func() bool {
		pending, err := q.Pending(context.Background())
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	q.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}
