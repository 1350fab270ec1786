// Package optimistic applies mutations to a local projection before the
// server confirms them, and owns the confirm/rollback state machine plus
// the bounded undo/redo stacks built on top of it.
package optimistic

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
	"github.com/reportive/synckit/pkg/env"
	"github.com/reportive/synckit/pkg/logger"
	"github.com/reportive/synckit/pkg/retry"
)

var (
	ErrNothingToUndo = errors.New("optimistic: undo stack is empty")
	ErrNothingToRedo = errors.New("optimistic: redo stack is empty")
	ErrNotFound      = errors.New("optimistic: operation not found")
	ErrNotFailed     = errors.New("optimistic: operation is not in the failed state")
	ErrNotPending    = errors.New("optimistic: operation is not pending")
)

// OpState is the lifecycle state of an optimistic operation.
// Pending moves to confirmed on success, or through failed to
// rolledBack; a server-reported conflict lands in conflicted.
type OpState string

const (
	StatePending    OpState = "pending"
	StateConfirmed  OpState = "confirmed"
	StateFailed     OpState = "failed"
	StateRolledBack OpState = "rolledBack"
	StateConflicted OpState = "conflicted"
)

// RollbackStrategy says when a failed operation's projected change is
// reverted.
type RollbackStrategy string

const (
	// RollbackImmediate reverts the instant failure is detected.
	RollbackImmediate RollbackStrategy = "immediate"
	// RollbackDelayed reverts after a grace delay, so a fast retry can
	// fix things without visible flicker.
	RollbackDelayed RollbackStrategy = "delayed"
	// RollbackManual reverts only on an explicit Rollback call.
	RollbackManual RollbackStrategy = "manual"
	// RollbackBatchEnd defers reverts until EndBatch.
	RollbackBatchEnd RollbackStrategy = "batchEnd"
)

// Operation is the caller-visible snapshot of an optimistic operation.
// Outcomes are reported through State, not through errors: Execute only
// returns an error for programmer mistakes such as an unknown kind.
type Operation struct {
	ID          string
	Entity      string
	RecordID    string
	Kind        api.Kind
	Payload     json.RawMessage
	State       OpState
	Attempts    int
	StartedAt   time.Time
	ConfirmedAt *time.Time
	// FailReason describes why the operation failed; TimedOut marks the
	// confirmation-timeout case distinctly for diagnostics.
	FailReason string
	TimedOut   bool
}

type opTag int

const (
	tagNone opTag = iota
	tagUndo
	tagRedo
)

type operation struct {
	id          string
	mutation    api.Mutation
	state       OpState
	attempts    int
	startedAt   time.Time
	confirmedAt *time.Time
	failReason  string
	timedOut    bool
	prev        Prev
	tag         opTag
}

// Replayer sends one mutation to the server. *api.Client implements it.
type Replayer interface {
	Do(ctx context.Context, m api.Mutation) (*api.Result, error)
}

// Enqueuer hands a mutation to the durable queue when the environment
// reports offline.
type Enqueuer interface {
	Enqueue(ctx context.Context, entity string, kind api.Kind, recordID string, payload json.RawMessage) error
}

// EnqueuerFunc adapts a function to the Enqueuer interface.
type EnqueuerFunc func(ctx context.Context, entity string, kind api.Kind, recordID string, payload json.RawMessage) error

func (f EnqueuerFunc) Enqueue(ctx context.Context, entity string, kind api.Kind, recordID string, payload json.RawMessage) error {
	return f(ctx, entity, kind, recordID, payload)
}

// Config tunes an Engine. Zero values get defaults in New.
type Config struct {
	// ConfirmationTimeout forces pending -> failed when the server never
	// responds. Default 30s.
	ConfirmationTimeout time.Duration
	// Rollback picks the strategy for reverting failed operations.
	// Default RollbackImmediate.
	Rollback RollbackStrategy
	// RollbackDelay is the grace delay for RollbackDelayed. Default 2s.
	RollbackDelay time.Duration
	// UndoLimit bounds the undo stack; oldest entries evict past it.
	// Default 100.
	UndoLimit int
	// Retry is the per-operation network backoff. Default 250ms base,
	// doubling, three attempts.
	Retry retry.Policy
}

func (c *Config) applyDefaults() {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 30 * time.Second
	}
	if c.Rollback == "" {
		c.Rollback = RollbackImmediate
	}
	if c.RollbackDelay <= 0 {
		c.RollbackDelay = 2 * time.Second
	}
	if c.UndoLimit <= 0 {
		c.UndoLimit = 100
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.Policy{Base: 250 * time.Millisecond, Factor: 2, MaxAttempts: 3}
	}
}

// Engine owns the projection and the operation state machines.
type Engine struct {
	cfg       Config
	replayer  Replayer
	enqueuer  Enqueuer
	probe     env.Probe
	conflicts *conflict.Recorder
	proj      *Projection
	log       logger.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	ops         map[string]*operation
	undoStack   []*operation
	redoStack   []*operation
	inBatch     bool
	batchFailed []*operation
	timers      map[string]*time.Timer
	closed      bool
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithEnqueuer enables the offline handoff: when the environment probe
// reports offline, Execute enqueues instead of calling the network.
func WithEnqueuer(q Enqueuer) Option {
	return func(e *Engine) { e.enqueuer = q }
}

// WithProbe installs the environment hint consulted by the offline
// handoff.
func WithProbe(p env.Probe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithConflicts routes server-reported conflicts into a shared recorder.
func WithConflicts(r *conflict.Recorder) Option {
	return func(e *Engine) { e.conflicts = r }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, replayer Replayer, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		replayer: replayer,
		proj:     NewProjection(),
		log:      logger.Nop(),
		now:      time.Now,
		ops:      make(map[string]*operation),
		timers:   make(map[string]*time.Timer),
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Projection exposes the optimistic local view for reads.
func (e *Engine) Projection() *Projection { return e.proj }

// Execute creates an optimistic operation: the projected change is
// applied locally at once, then the mutation is sent with bounded retry
// under the confirmation timeout. The outcome is in the returned
// snapshot's State; the error is non-nil only for programmer mistakes.
//
// A create with an empty recordID gets a generated one, so a later
// delete (including undo) can target the record before the server has
// assigned its own identifier.
func (e *Engine) Execute(ctx context.Context, kind api.Kind, entity, recordID string, payload json.RawMessage) (Operation, error) {
	if !kind.Valid() {
		return Operation{}, fmt.Errorf("optimistic: unknown operation kind %q", kind)
	}
	if kind == api.KindCreate && recordID == "" {
		recordID = uuid.NewString()
	}
	if recordID == "" {
		return Operation{}, fmt.Errorf("optimistic: %s requires a record id", kind)
	}

	// A fresh user mutation invalidates the redo history.
	e.mu.Lock()
	e.redoStack = nil
	e.mu.Unlock()

	m := api.Mutation{Entity: entity, Kind: kind, RecordID: recordID, Payload: payload}
	return e.run(ctx, m, tagNone)
}

func (e *Engine) run(ctx context.Context, m api.Mutation, tag opTag) (Operation, error) {
	prev, err := e.proj.apply(m)
	if err != nil {
		return Operation{}, err
	}

	op := &operation{
		id:        ulid.Make().String(),
		mutation:  m,
		state:     StatePending,
		startedAt: e.now(),
		prev:      prev,
		tag:       tag,
	}
	e.mu.Lock()
	e.ops[op.id] = op
	e.mu.Unlock()

	if e.offline() {
		if err := e.enqueuer.Enqueue(ctx, m.Entity, m.Kind, m.RecordID, m.Payload); err != nil {
			e.fail(op, fmt.Sprintf("offline enqueue failed: %v", err), false)
			return e.snapshot(op), nil
		}
		e.log.Debug("operation handed to offline queue",
			"op_id", op.id, "entity", m.Entity, "kind", string(m.Kind))
		// Stays pending; the durable queue owns delivery from here and
		// Confirm is called once the replay is acknowledged.
		return e.snapshot(op), nil
	}

	e.send(ctx, op)
	return e.snapshot(op), nil
}

func (e *Engine) offline() bool {
	return e.enqueuer != nil && e.probe != nil && !e.probe.Online()
}

func (e *Engine) send(ctx context.Context, op *operation) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmationTimeout)
	defer cancel()

	state := retry.NewState(e.cfg.Retry)
	var lastErr error
	for {
		if _, err := state.Next(); err != nil {
			e.fail(op, fmt.Sprintf("retries exhausted: %v", lastErr), false)
			return
		}
		if state.Attempt() > 1 {
			if err := e.sleep(ctx, e.cfg.Retry.Delay(state.Attempt()-1)); err != nil {
				e.failFromContext(ctx, op, lastErr)
				return
			}
		}

		e.mu.Lock()
		op.attempts++
		e.mu.Unlock()

		res, err := e.replayer.Do(ctx, op.mutation)
		if err == nil {
			e.confirm(op, res)
			return
		}
		if api.IsConflict(err) {
			e.conflicted(op, err)
			return
		}
		if ctx.Err() != nil {
			e.failFromContext(ctx, op, err)
			return
		}
		lastErr = err
		e.log.Debug("optimistic attempt failed",
			"op_id", op.id, "attempt", state.Attempt(), "error", err)
	}
}

func (e *Engine) failFromContext(ctx context.Context, op *operation, lastErr error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.fail(op, "confirmation timeout", true)
		return
	}
	e.fail(op, fmt.Sprintf("cancelled: %v", lastErr), false)
}

func (e *Engine) confirm(op *operation, _ *api.Result) {
	e.mu.Lock()
	op.state = StateConfirmed
	at := e.now()
	op.confirmedAt = &at

	// Confirmed deletes are not undoable; undo operations push their
	// original onto the redo stack at Undo time instead.
	if op.tag != tagUndo && op.mutation.Kind != api.KindDelete {
		e.undoStack = append(e.undoStack, op)
		if len(e.undoStack) > e.cfg.UndoLimit {
			e.undoStack = e.undoStack[len(e.undoStack)-e.cfg.UndoLimit:]
		}
	}
	e.mu.Unlock()

	e.log.Debug("operation confirmed", "op_id", op.id)
}

func (e *Engine) conflicted(op *operation, err error) {
	e.mu.Lock()
	op.state = StateConflicted
	op.failReason = err.Error()
	e.mu.Unlock()

	if e.conflicts != nil {
		var ce *api.ConflictError
		errors.As(err, &ce)
		e.conflicts.Record(op.mutation.Entity, op.mutation.RecordID,
			conflict.Version{
				Payload:   op.mutation.Payload,
				Timestamp: op.startedAt.Unix(),
			},
			conflict.Version{
				Payload:   ce.ServerPayload,
				Version:   ce.ServerVersion,
				Timestamp: ce.ServerTimestamp,
				ActorID:   ce.ServerActorID,
			},
		)
	}
	// The projected change stays visible until the conflict is resolved;
	// resolution decides which side wins.
	e.log.Warn("operation conflicted", "op_id", op.id, "entity", op.mutation.Entity)
}

func (e *Engine) fail(op *operation, reason string, timedOut bool) {
	e.mu.Lock()
	op.state = StateFailed
	op.failReason = reason
	op.timedOut = timedOut
	strategy := e.cfg.Rollback
	if strategy == RollbackBatchEnd {
		if e.inBatch {
			e.batchFailed = append(e.batchFailed, op)
		} else {
			strategy = RollbackImmediate
		}
	}
	e.mu.Unlock()

	e.log.Warn("operation failed", "op_id", op.id, "reason", reason)

	switch strategy {
	case RollbackImmediate:
		_ = e.Rollback(op.id)
	case RollbackDelayed:
		e.mu.Lock()
		if !e.closed {
			e.timers[op.id] = time.AfterFunc(e.cfg.RollbackDelay, func() {
				_ = e.Rollback(op.id)
				e.mu.Lock()
				delete(e.timers, op.id)
				e.mu.Unlock()
			})
		}
		e.mu.Unlock()
	}
}

// Rollback reverts a failed operation's projected change. It is the
// explicit path for RollbackManual and a no-op error for operations not
// in the failed state.
func (e *Engine) Rollback(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.state != StateFailed {
		return ErrNotFailed
	}
	e.proj.restore(op.mutation, op.prev)
	op.state = StateRolledBack
	return nil
}

// Confirm marks a pending operation confirmed, for operations whose
// delivery happens outside Execute (the offline queue handoff, or a
// realtime echo of our own mutation).
func (e *Engine) Confirm(id string) error {
	e.mu.Lock()
	op, ok := e.ops[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if op.state != StatePending {
		e.mu.Unlock()
		return ErrNotPending
	}
	e.mu.Unlock()

	e.confirm(op, nil)
	return nil
}

// Fail marks a pending operation failed, mirroring Confirm for the
// external-delivery path.
func (e *Engine) Fail(id, reason string) error {
	e.mu.Lock()
	op, ok := e.ops[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if op.state != StatePending {
		e.mu.Unlock()
		return ErrNotPending
	}
	e.mu.Unlock()

	e.fail(op, reason, false)
	return nil
}

// ConfirmRecord confirms every pending operation targeting the given
// record. Used when a realtime echo proves the server applied the
// change before Execute heard back. Returns how many were confirmed.
func (e *Engine) ConfirmRecord(entity, recordID string) int {
	matched := e.pendingFor(entity, recordID)
	for _, op := range matched {
		e.confirm(op, nil)
	}
	return len(matched)
}

// FailRecord fails every pending operation targeting the given record,
// triggering the configured rollback strategy. Used when the durable
// queue dead-letters an operation the engine handed off while offline.
func (e *Engine) FailRecord(entity, recordID, reason string) int {
	matched := e.pendingFor(entity, recordID)
	for _, op := range matched {
		e.fail(op, reason, false)
	}
	return len(matched)
}

// ConflictRecord moves every pending operation targeting the record to
// the conflicted state. The conflict itself is recorded by whoever
// detected it; the projected change stays visible until resolution.
func (e *Engine) ConflictRecord(entity, recordID string) int {
	matched := e.pendingFor(entity, recordID)
	e.mu.Lock()
	for _, op := range matched {
		op.state = StateConflicted
	}
	e.mu.Unlock()
	return len(matched)
}

func (e *Engine) pendingFor(entity, recordID string) []*operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []*operation
	for _, op := range e.ops {
		if op.state == StatePending &&
			op.mutation.Entity == entity && op.mutation.RecordID == recordID {
			matched = append(matched, op)
		}
	}
	return matched
}

// Undo pops the most recent confirmed operation, executes its structural
// inverse as a new optimistic operation and pushes the original onto
// the redo stack. Undo is itself subject to confirm/rollback, so it is
// not guaranteed instantaneous.
func (e *Engine) Undo(ctx context.Context) (Operation, error) {
	e.mu.Lock()
	if len(e.undoStack) == 0 {
		e.mu.Unlock()
		return Operation{}, ErrNothingToUndo
	}
	orig := e.undoStack[len(e.undoStack)-1]
	e.undoStack = e.undoStack[:len(e.undoStack)-1]
	e.redoStack = append(e.redoStack, orig)
	e.mu.Unlock()

	inv, err := Invert(orig.mutation, orig.prev)
	if err != nil {
		return Operation{}, err
	}
	return e.run(ctx, inv, tagUndo)
}

// Redo re-executes the most recently undone operation and pops it off
// the redo stack; on confirmation it lands back on the undo stack.
func (e *Engine) Redo(ctx context.Context) (Operation, error) {
	e.mu.Lock()
	if len(e.redoStack) == 0 {
		e.mu.Unlock()
		return Operation{}, ErrNothingToRedo
	}
	orig := e.redoStack[len(e.redoStack)-1]
	e.redoStack = e.redoStack[:len(e.redoStack)-1]
	e.mu.Unlock()

	return e.run(ctx, orig.mutation, tagRedo)
}

// BeginBatch starts collecting RollbackBatchEnd failures.
func (e *Engine) BeginBatch() {
	e.mu.Lock()
	e.inBatch = true
	e.mu.Unlock()
}

// EndBatch rolls back every operation that failed during the batch.
func (e *Engine) EndBatch() {
	e.mu.Lock()
	failed := e.batchFailed
	e.batchFailed = nil
	e.inBatch = false
	e.mu.Unlock()

	for _, op := range failed {
		_ = e.Rollback(op.id)
	}
}

// Get returns a snapshot of one operation.
func (e *Engine) Get(id string) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.ops[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return snapshotLocked(op), nil
}

// UndoDepth returns the number of undoable operations.
func (e *Engine) UndoDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.undoStack)
}

// RedoDepth returns the number of redoable operations.
func (e *Engine) RedoDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.redoStack)
}

// Close stops delayed-rollback timers. Pending operations are left as
// they are; the caller decides their fate.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) snapshot(op *operation) Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotLocked(op)
}

func snapshotLocked(op *operation) Operation {
	snap := Operation{
		ID:         op.id,
		Entity:     op.mutation.Entity,
		RecordID:   op.mutation.RecordID,
		Kind:       op.mutation.Kind,
		Payload:    op.mutation.Payload,
		State:      op.state,
		Attempts:   op.attempts,
		StartedAt:  op.startedAt,
		FailReason: op.failReason,
		TimedOut:   op.timedOut,
	}
	if op.confirmedAt != nil {
		at := *op.confirmedAt
		snap.ConfirmedAt = &at
	}
	return snap
}
