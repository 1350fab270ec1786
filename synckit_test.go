package synckit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	synckit "github.com/reportive/synckit"
	"github.com/reportive/synckit/internal/fakeserver"
	"github.com/reportive/synckit/pkg/api"
	"github.com/reportive/synckit/pkg/cache"
	"github.com/reportive/synckit/pkg/conflict"
	"github.com/reportive/synckit/pkg/env"
	"github.com/reportive/synckit/pkg/optimistic"
	"github.com/reportive/synckit/pkg/realtime"
)

// restServer fakes the replay endpoint plus the health probe.
type restServer struct {
	*httptest.Server
	mu         sync.Mutex
	requests   []string // "METHOD path"
	failStatus int      // non-health requests fail with this status when set
}

func newRESTServer() *restServer {
	rs := &restServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		rs.mu.Lock()
		rs.requests = append(rs.requests, r.Method+" "+r.URL.Path)
		failStatus := rs.failStatus
		rs.mu.Unlock()
		if failStatus != 0 {
			http.Error(w, "boom", failStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":1}`))
	}))
	return rs
}

func (rs *restServer) setFailStatus(code int) {
	rs.mu.Lock()
	rs.failStatus = code
	rs.mu.Unlock()
}

func (rs *restServer) seen() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.requests...)
}

func openClient(t *testing.T, rest *restServer, mutate func(*synckit.Config), opts ...synckit.Option) *synckit.Client {
	t.Helper()
	cfg := synckit.Config{
		BaseURL:   rest.URL,
		QueuePath: filepath.Join(t.TempDir(), "queue.db"),
		ClientID:  "client-a",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := synckit.Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestOpenRequiresBaseURLAndStore(t *testing.T) {
	_, err := synckit.Open(synckit.Config{})
	require.Error(t, err)

	_, err = synckit.Open(synckit.Config{BaseURL: "http://localhost:1"})
	require.Error(t, err, "no QueuePath and no WithStore")
}

func TestOfflineExecuteReplaysThroughQueue(t *testing.T) {
	rest := newRESTServer()
	defer rest.Close()

	probe := env.NewStaticProbe(false)
	c := openClient(t, rest, nil, synckit.WithEnvProbe(probe))

	op, err := c.Execute(context.Background(), api.KindCreate, "shops", "s1",
		json.RawMessage(`{"name":"Store A"}`))
	require.NoError(t, err)
	assert.Equal(t, optimistic.StatePending, op.State)
	assert.Empty(t, rest.seen(), "no network while offline")

	pending, err := c.Queue().Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	c.SetOnline(true)
	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, []string{"POST /shops"}, rest.seen())

	// The queue ack settles the engine's pending operation.
	got, err := c.Engine().Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, optimistic.StateConfirmed, got.State)
}

func TestOfflineExecuteDeadLetterRollsBack(t *testing.T) {
	rest := newRESTServer()
	defer rest.Close()
	rest.setFailStatus(http.StatusInternalServerError)

	probe := env.NewStaticProbe(false)
	c := openClient(t, rest, func(cfg *synckit.Config) {
		cfg.Queue.MaxAttempts = 1
	}, synckit.WithEnvProbe(probe))

	op, err := c.Execute(context.Background(), api.KindCreate, "shops", "s1",
		json.RawMessage(`{"name":"Store A"}`))
	require.NoError(t, err)
	require.Equal(t, optimistic.StatePending, op.State)

	_, ok := c.Engine().Projection().Record("shops", "s1")
	require.True(t, ok, "speculative record visible while pending")

	c.SetOnline(true)
	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedCount)

	failed, err := c.Queue().Failed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Dead-lettering fails the engine operation and rolls the
	// speculative record back out of the projection.
	got, err := c.Engine().Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, optimistic.StateRolledBack, got.State)
	_, ok = c.Engine().Projection().Record("shops", "s1")
	assert.False(t, ok)
}

func TestVisibilityRestoredKicksReplay(t *testing.T) {
	rest := newRESTServer()
	defer rest.Close()

	probe := env.NewStaticProbe(false)
	c := openClient(t, rest, nil, synckit.WithEnvProbe(probe))

	op, err := c.Execute(context.Background(), api.KindCreate, "shops", "s1",
		json.RawMessage(`{"name":"Store A"}`))
	require.NoError(t, err)

	probe.SetOnline(true)
	probe.SetVisible(false)
	probe.SetVisible(true)

	require.Eventually(t, func() bool {
		pending, err := c.Queue().Pending(context.Background())
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := c.Engine().Get(op.ID)
		return err == nil && got.State == optimistic.StateConfirmed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteOnlineConfirmsAndUndoRoundTrips(t *testing.T) {
	rest := newRESTServer()
	defer rest.Close()

	c := openClient(t, rest, nil)
	ctx := context.Background()

	op, err := c.Execute(ctx, api.KindCreate, "metrics", "m1",
		json.RawMessage(`{"name":"Hours"}`))
	require.NoError(t, err)
	assert.Equal(t, optimistic.StateConfirmed, op.State)

	undoOp, err := c.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.KindDelete, undoOp.Kind)

	redoOp, err := c.Redo(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.KindCreate, redoOp.Kind)

	payload, ok := c.Engine().Projection().Record("metrics", "m1")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Hours"}`, string(payload))
}

func TestRealtimeChangeInvalidatesCache(t *testing.T) {
	rest := newRESTServer()
	defer rest.Close()
	ws := fakeserver.New()
	defer ws.Close()

	c := openClient(t, rest, func(cfg *synckit.Config) {
		cfg.RealtimeURL = ws.URL()
	})

	c.Cache().Set("metrics:m1", "cached", cache.SetOptions{TTL: time.Minute, StaleTTL: time.Hour})

	invalidated := make(chan cache.Update, 1)
	c.Subscribe("metrics:m1", func(u cache.Update) {
		if u.Invalidated {
			invalidated <- u
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return ws.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	payload, _ := json.Marshal(realtime.DataChange{Entity: "metrics", RecordID: "m1", Version: 2})
	ws.Broadcast(realtime.Message{Type: realtime.TypeUpdate, Payload: payload, Timestamp: 1, ID: "x"})

	select {
	case <-invalidated:
	case <-time.After(time.Second):
		t.Fatal("cache subscriber never saw the invalidation")
	}
	assert.Nil(t, c.Cache().Get("metrics:m1"))
}

func TestRealtimeConflictNoticeLandsInRecorder(t *testing.T) {
	rest := newRESTServer()
	defer rest.Close()
	ws := fakeserver.New()
	defer ws.Close()

	c := openClient(t, rest, func(cfg *synckit.Config) {
		cfg.RealtimeURL = ws.URL()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return ws.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	payload, _ := json.Marshal(realtime.ConflictPayload{
		Entity:        "reports",
		RecordID:      "r9",
		LocalVersion:  3,
		ServerVersion: 5,
		ServerPayload: json.RawMessage(`{"title":"Server"}`),
	})
	ws.Broadcast(realtime.Message{Type: realtime.TypeConflictDetected, Payload: payload, Timestamp: 1, ID: "c"})

	require.Eventually(t, func() bool {
		return len(c.Conflicts()) == 1
	}, time.Second, 5*time.Millisecond)

	got := c.Conflicts()[0]
	assert.Equal(t, "reports", got.Entity)
	assert.Equal(t, int64(5), got.ServerVersion.Version)

	resolved, err := c.ResolveConflict(got.ID, conflict.ResolutionServer)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Empty(t, c.Conflicts())
}

func TestRealtimeEchoConfirmsOwnPendingOperation(t *testing.T) {
	rest := newRESTServer()
	defer rest.Close()
	ws := fakeserver.New()
	defer ws.Close()

	probe := env.NewStaticProbe(false)
	c := openClient(t, rest, func(cfg *synckit.Config) {
		cfg.RealtimeURL = ws.URL()
	}, synckit.WithEnvProbe(probe))

	op, err := c.Execute(context.Background(), api.KindUpdate, "metrics", "m1",
		json.RawMessage(`{"name":"Hours"}`))
	require.NoError(t, err)
	require.Equal(t, optimistic.StatePending, op.State)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return ws.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	payload, _ := json.Marshal(realtime.DataChange{
		Entity: "metrics", RecordID: "m1", ActorID: "client-a",
	})
	ws.Broadcast(realtime.Message{Type: realtime.TypeUpdate, Payload: payload, Timestamp: 1, ID: "e"})

	require.Eventually(t, func() bool {
		got, err := c.Engine().Get(op.ID)
		return err == nil && got.State == optimistic.StateConfirmed
	}, time.Second, 5*time.Millisecond)
}
