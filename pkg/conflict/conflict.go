// Package conflict records divergences between the local and server
// versions of an entity and exposes them for resolution.
//
// Conflicts are detected, never merged behind the caller's back: a
// recorded conflict stays pending until a policy or an explicit
// Resolve call decides which side wins.
package conflict

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conflict: not found")

// Resolution says which side of a conflict was kept.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
	ResolutionMerged Resolution = "merged"
)

// Version is one side of a conflict: the entity payload plus the
// metadata needed to order it against the other side.
type Version struct {
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"`
	ActorID   string          `json:"actor_id"`
}

// NewerThan orders two versions the last-write-wins way: higher
// timestamp wins, equal timestamps fall back to the actor id so that
// every replica decides the same winner.
func (v Version) NewerThan(other Version) bool {
	if v.Timestamp != other.Timestamp {
		return v.Timestamp > other.Timestamp
	}
	return v.ActorID > other.ActorID
}

// Conflict is a recorded divergence for one entity record.
type Conflict struct {
	ID            string     `json:"id"`
	Entity        string     `json:"entity"`
	RecordID      string     `json:"record_id"`
	LocalVersion  Version    `json:"local_version"`
	ServerVersion Version    `json:"server_version"`
	DetectedAt    time.Time  `json:"detected_at"`
	Resolved      bool       `json:"resolved"`
	Resolution    Resolution `json:"resolution,omitempty"`
}

// Winner returns the payload chosen by the recorded resolution.
// It is only meaningful once Resolved is true.
func (c *Conflict) Winner() json.RawMessage {
	if c.Resolution == ResolutionLocal {
		return c.LocalVersion.Payload
	}
	return c.ServerVersion.Payload
}

// Policy decides a resolution for a conflict, or reports that it cannot
// (ok == false), leaving the conflict pending for manual handling.
type Policy func(c *Conflict) (Resolution, bool)

// PolicyManual never resolves anything automatically.
func PolicyManual(*Conflict) (Resolution, bool) { return "", false }

// PolicyPreferLocal always keeps the local version.
func PolicyPreferLocal(*Conflict) (Resolution, bool) { return ResolutionLocal, true }

// PolicyPreferServer always keeps the server version.
func PolicyPreferServer(*Conflict) (Resolution, bool) { return ResolutionServer, true }

// PolicyLastWriteWins keeps whichever side has the newer timestamp,
// breaking ties on actor id.
func PolicyLastWriteWins(c *Conflict) (Resolution, bool) {
	if c.LocalVersion.NewerThan(c.ServerVersion) {
		return ResolutionLocal, true
	}
	return ResolutionServer, true
}

// Handler observes every recorded conflict, resolved or not.
type Handler func(c Conflict)

// Recorder owns the conflict list. The operation queue and the
// optimistic engine both record into one Recorder so the UI has a single
// place to list and resolve divergences.
type Recorder struct {
	mu        sync.RWMutex
	policy    Policy
	conflicts map[string]*Conflict
	order     []string
	handlers  []Handler
	now       func() time.Time
}

type Option func(*Recorder)

// WithPolicy installs an automatic resolution policy.
func WithPolicy(p Policy) Option {
	return func(r *Recorder) { r.policy = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		policy:    PolicyManual,
		conflicts: make(map[string]*Conflict),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnConflict registers a handler invoked for every recorded conflict.
// Handlers run synchronously on the recording goroutine.
func (r *Recorder) OnConflict(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Record stores a new conflict and runs the policy against it.
// It returns the stored conflict, resolved or pending.
func (r *Recorder) Record(entity, recordID string, local, server Version) Conflict {
	c := &Conflict{
		ID:            uuid.NewString(),
		Entity:        entity,
		RecordID:      recordID,
		LocalVersion:  local,
		ServerVersion: server,
		DetectedAt:    r.now(),
	}

	r.mu.Lock()
	if res, ok := r.policy(c); ok {
		c.Resolved = true
		c.Resolution = res
	}
	r.conflicts[c.ID] = c
	r.order = append(r.order, c.ID)
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	snapshot := *c
	r.mu.Unlock()

	for _, h := range handlers {
		h(snapshot)
	}

	return snapshot
}

// Resolve marks a pending conflict resolved.
func (r *Recorder) Resolve(id string, res Resolution) (Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[id]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	c.Resolved = true
	c.Resolution = res
	return *c, nil
}

// Get returns a conflict by id.
func (r *Recorder) Get(id string) (Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conflicts[id]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	return *c, nil
}

// Pending returns unresolved conflicts in detection order.
func (r *Recorder) Pending() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conflict, 0, len(r.order))
	for _, id := range r.order {
		if c := r.conflicts[id]; !c.Resolved {
			out = append(out, *c)
		}
	}
	return out
}

// All returns every recorded conflict in detection order.
func (r *Recorder) All() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conflict, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.conflicts[id])
	}
	return out
}
