// Package queue is the durable offline mutation queue: operations are
// persisted locally in enqueue order and replayed against the server,
// strictly FIFO, once connectivity is verified.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/reportive/synckit/pkg/api"
	"github.com/reportive/synckit/pkg/conflict"
	"github.com/reportive/synckit/pkg/logger"
)

var (
	ErrQueueFull = errors.New("queue: pending limit reached")
	ErrOffline   = errors.New("queue: connectivity probe failed")
	ErrClosed    = errors.New("queue: closed")
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSynced     Status = "synced"
	StatusConflicted Status = "conflicted"
)

// Operation is one durable pending mutation. ID is assigned by the
// store on append and defines replay order; OpID is the client-side
// identifier (a ulid, so ids from one client sort by creation time).
type Operation struct {
	ID         uint64          `json:"id"`
	OpID       string          `json:"op_id"`
	ClientID   string          `json:"client_id"`
	Entity     string          `json:"entity"`
	Kind       api.Kind        `json:"kind"`
	RecordID   string          `json:"record_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
}

// Mutation converts the operation into its replay protocol form.
func (op *Operation) Mutation() api.Mutation {
	return api.Mutation{
		Entity:   op.Entity,
		Kind:     op.Kind,
		RecordID: op.RecordID,
		Payload:  op.Payload,
	}
}

// FailedOperation is the dead-letter record for an operation that
// exceeded the retry ceiling. Nothing is ever silently dropped.
type FailedOperation struct {
	Operation Operation `json:"operation"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Store is the durable backing of the queue. Implementations live in
// the boltstore and sqlstore subpackages.
type Store interface {
	// Append persists a new operation and assigns its auto-increment ID.
	Append(ctx context.Context, op *Operation) error
	// Pending returns queued operations in ID (enqueue) order.
	Pending(ctx context.Context) ([]*Operation, error)
	MarkSynced(ctx context.Context, id uint64, at time.Time) error
	MarkConflicted(ctx context.Context, id uint64) error
	UpdateRetryCount(ctx context.Context, id uint64, retryCount int) error
	// MoveToFailed atomically removes the operation from the active set
	// and records it as a dead letter.
	MoveToFailed(ctx context.Context, id uint64, reason string, at time.Time) error
	Failed(ctx context.Context) ([]*FailedOperation, error)
	// PurgeSynced deletes synced operations whose sync time is before
	// the cutoff, returning how many were removed.
	PurgeSynced(ctx context.Context, before time.Time) (int, error)
	PendingCount(ctx context.Context) (int, error)
	Close() error
}

// Replayer sends one mutation to the server. *api.Client implements it.
type Replayer interface {
	Do(ctx context.Context, m api.Mutation) (*api.Result, error)
}

// Outcome is the terminal result of replaying one operation. Transient
// failures that will be retried on a later pass are not outcomes.
type Outcome string

const (
	OutcomeSynced       Outcome = "synced"
	OutcomeConflicted   Outcome = "conflicted"
	OutcomeDeadLettered Outcome = "deadLettered"
)

// OutcomeHandler observes operations reaching a terminal state during
// replay. Reason is non-empty only for OutcomeDeadLettered. Handlers
// run synchronously on the replay goroutine.
type OutcomeHandler func(op Operation, outcome Outcome, reason string)

// Result summarizes one replay pass.
type Result struct {
	SyncedCount   int
	FailedCount   int
	ConflictCount int
}

// Config tunes a Queue. Zero values get defaults in New.
type Config struct {
	// ClientID identifies this client in persisted records. Defaults to
	// a random UUID.
	ClientID string
	// MaxPending bounds the number of queued operations; Enqueue fails
	// synchronously past it. Default 1000.
	MaxPending int
	// MaxAttempts is the per-operation retry ceiling before the
	// operation moves to the dead letter store. Default 5.
	MaxAttempts int
	// SyncInterval drives the background replay loop. Default 30s.
	SyncInterval time.Duration
	// GracePeriod is how long a synced operation stays readable in the
	// store before it is purged. Default 5s.
	GracePeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
}

// Queue owns the durable operation log. Replay is serialized: one
// replay pass runs at a time, and within a pass operations are
// attempted in enqueue order, so same-entity mutations can never
// reorder.
type Queue struct {
	cfg       Config
	store     Store
	replayer  Replayer
	prober    api.Prober
	conflicts *conflict.Recorder
	log       logger.Logger
	now       func() time.Time

	onOutcome OutcomeHandler

	syncMu sync.Mutex // serializes replay passes
	kickCh chan struct{}
	closed chan struct{}
	once   sync.Once
}

type Option func(*Queue)

func WithLogger(l logger.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithOutcomeHandler registers the terminal-outcome observer, which is
// how the optimistic engine learns the fate of operations it handed
// off while offline.
func WithOutcomeHandler(fn OutcomeHandler) Option {
	return func(q *Queue) { q.onOutcome = fn }
}

func New(cfg Config, store Store, replayer Replayer, prober api.Prober, conflicts *conflict.Recorder, opts ...Option) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:       cfg,
		store:     store,
		replayer:  replayer,
		prober:    prober,
		conflicts: conflicts,
		log:       logger.Nop(),
		now:       time.Now,
		kickCh:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a mutation for later replay. It fails synchronously
// with ErrQueueFull when the pending limit is reached and with an error
// for an unknown kind; it never drops silently.
func (q *Queue) Enqueue(ctx context.Context, entity string, kind api.Kind, recordID string, payload json.RawMessage) (*Operation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("queue: unknown operation kind %q", kind)
	}

	pending, err := q.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to count pending operations: %w", err)
	}
	if pending >= q.cfg.MaxPending {
		return nil, ErrQueueFull
	}

	op := &Operation{
		OpID:       ulid.Make().String(),
		ClientID:   q.cfg.ClientID,
		Entity:     entity,
		Kind:       kind,
		RecordID:   recordID,
		Payload:    payload,
		EnqueuedAt: q.now(),
		Status:     StatusQueued,
	}
	if err := q.store.Append(ctx, op); err != nil {
		return nil, fmt.Errorf("queue: failed to persist operation: %w", err)
	}

	q.log.Debug("operation enqueued",
		"op_id", op.OpID, "entity", entity, "kind", string(kind))
	return op, nil
}

// Sync runs one replay pass.
//
// The pass starts with a connectivity probe; a local online flag is not
// trusted. Operations replay in enqueue order. A conflict response
// records a Conflict and marks the operation conflicted without further
// retries. Any other failure increments the retry count and ends the
// pass, because attempting later operations after a failed earlier one
// could reorder mutations on the same entity.
func (q *Queue) Sync(ctx context.Context) (Result, error) {
	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	var res Result

	if !q.prober.Probe(ctx) {
		return res, ErrOffline
	}

	// Synced operations past the grace period leave the store first, so
	// restarts replay only what still matters.
	if purged, err := q.store.PurgeSynced(ctx, q.now().Add(-q.cfg.GracePeriod)); err != nil {
		q.log.Warn("failed to purge synced operations", "error", err)
	} else if purged > 0 {
		q.log.Debug("purged synced operations", "count", purged)
	}

	pending, err := q.store.Pending(ctx)
	if err != nil {
		return res, fmt.Errorf("queue: failed to load pending operations: %w", err)
	}

	for _, op := range pending {
		outcome, err := q.replayOne(ctx, op)
		switch outcome {
		case replaySynced:
			res.SyncedCount++
		case replayConflicted:
			res.ConflictCount++
		case replayFailed:
			res.FailedCount++
			// Stop the pass; this operation retries next cycle and
			// later operations must not overtake it.
			return res, err
		}
	}
	return res, nil
}

type replayOutcome int

const (
	replaySynced replayOutcome = iota
	replayConflicted
	replayFailed
)

func (q *Queue) replayOne(ctx context.Context, op *Operation) (replayOutcome, error) {
	_, err := q.replayer.Do(ctx, op.Mutation())
	if err == nil {
		if err := q.store.MarkSynced(ctx, op.ID, q.now()); err != nil {
			q.log.Error("failed to mark operation synced", "op_id", op.OpID, "error", err)
		}
		q.log.Debug("operation synced", "op_id", op.OpID)
		q.notifyOutcome(op, OutcomeSynced, "")
		return replaySynced, nil
	}

	var ce *api.ConflictError
	if errors.As(err, &ce) {
		q.recordConflict(op, ce)
		if err := q.store.MarkConflicted(ctx, op.ID); err != nil {
			q.log.Error("failed to mark operation conflicted", "op_id", op.OpID, "error", err)
		}
		q.notifyOutcome(op, OutcomeConflicted, "")
		return replayConflicted, nil
	}

	op.RetryCount++
	if op.RetryCount >= q.cfg.MaxAttempts {
		// Persist the final count so the dead-letter record carries it.
		if uerr := q.store.UpdateRetryCount(ctx, op.ID, op.RetryCount); uerr != nil {
			q.log.Error("failed to persist retry count", "op_id", op.OpID, "error", uerr)
		}
		reason := fmt.Sprintf("retry ceiling reached: %v", err)
		if ferr := q.store.MoveToFailed(ctx, op.ID, reason, q.now()); ferr != nil {
			q.log.Error("failed to dead-letter operation", "op_id", op.OpID, "error", ferr)
		}
		q.log.Warn("operation moved to dead letters",
			"op_id", op.OpID, "retries", op.RetryCount, "error", err)
		q.notifyOutcome(op, OutcomeDeadLettered, reason)
		return replayFailed, nil
	}

	if uerr := q.store.UpdateRetryCount(ctx, op.ID, op.RetryCount); uerr != nil {
		q.log.Error("failed to persist retry count", "op_id", op.OpID, "error", uerr)
	}
	q.log.Debug("operation replay failed, will retry next cycle",
		"op_id", op.OpID, "retries", op.RetryCount, "error", err)
	return replayFailed, nil
}

func (q *Queue) notifyOutcome(op *Operation, outcome Outcome, reason string) {
	if q.onOutcome == nil {
		return
	}
	q.onOutcome(*op, outcome, reason)
}

func (q *Queue) recordConflict(op *Operation, ce *api.ConflictError) {
	if q.conflicts == nil {
		return
	}
	q.conflicts.Record(op.Entity, op.RecordID,
		conflict.Version{
			Payload:   op.Payload,
			Timestamp: op.EnqueuedAt.Unix(),
			ActorID:   op.ClientID,
		},
		conflict.Version{
			Payload:   ce.ServerPayload,
			Version:   ce.ServerVersion,
			Timestamp: ce.ServerTimestamp,
			ActorID:   ce.ServerActorID,
		},
	)
}

// Pending returns the operations still waiting for replay.
func (q *Queue) Pending(ctx context.Context) ([]*Operation, error) {
	return q.store.Pending(ctx)
}

// Failed returns the dead-letter records.
func (q *Queue) Failed(ctx context.Context) ([]*FailedOperation, error) {
	return q.store.Failed(ctx)
}

// OnConnectivityRestored kicks the background loop into an immediate
// replay pass. Safe to call from any goroutine; kicks coalesce.
func (q *Queue) OnConnectivityRestored() {
	select {
	case q.kickCh <- struct{}{}:
	default:
	}
}

// Run drives periodic replay until the context is cancelled or Close is
// called. Failures inside the loop are contained and logged; they are
// never thrown across the subsystem boundary.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case <-ticker.C:
		case <-q.kickCh:
		}

		if res, err := q.Sync(ctx); err != nil {
			if !errors.Is(err, ErrOffline) {
				q.log.Warn("replay pass failed", "error", err)
			}
		} else if res.SyncedCount > 0 || res.FailedCount > 0 || res.ConflictCount > 0 {
			q.log.Info("replay pass finished",
				"synced", res.SyncedCount,
				"failed", res.FailedCount,
				"conflicts", res.ConflictCount)
		}
	}
}

// Close stops Run. The store is owned by the caller and closed
// separately.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}
