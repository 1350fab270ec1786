package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reportive/synckit/pkg/api"
	"github.com/reportive/synckit/pkg/auth"
	"github.com/reportive/synckit/pkg/cache"
	"github.com/reportive/synckit/pkg/conflict"
	"github.com/reportive/synckit/pkg/env"
	"github.com/reportive/synckit/pkg/logger"
	"github.com/reportive/synckit/pkg/optimistic"
	"github.com/reportive/synckit/pkg/queue"
	"github.com/reportive/synckit/pkg/queue/boltstore"
	"github.com/reportive/synckit/pkg/realtime"
)

// Config wires the whole sync core from one place.
type Config struct {
	// BaseURL is the REST endpoint mutations replay against.
	BaseURL string
	// RealtimeURL is the websocket endpoint. Empty disables the realtime
	// channel.
	RealtimeURL string
	// QueuePath is the bbolt file backing the durable operation queue.
	// Required unless WithStore injects another store.
	QueuePath string
	// ClientID identifies this client in queue records and conflict
	// attribution. Defaults to a random UUID.
	ClientID string

	// ConflictPolicy resolves recorded conflicts automatically; nil
	// leaves them pending for manual resolution.
	ConflictPolicy conflict.Policy

	// CacheCapacity and CacheCleanupInterval tune the query cache; zero
	// values keep the cache defaults.
	CacheCapacity        int
	CacheCleanupInterval time.Duration

	// Queue, Engine and Channel pass through to the subsystems; zero
	// values get each subsystem's defaults. Channel.URL is taken from
	// RealtimeURL.
	Queue   queue.Config
	Engine  optimistic.Config
	Channel realtime.Config
}

// Client composes the four subsystems: the query cache, the durable
// operation queue, the optimistic update engine and the realtime
// channel, sharing one conflict recorder and one token source.
type Client struct {
	log       logger.Logger
	clientID  string
	tokens    *auth.TokenSource
	api       *api.Client
	conflicts *conflict.Recorder
	cache     *cache.Cache
	store     queue.Store
	queue     *queue.Queue
	engine    *optimistic.Engine
	channel   *realtime.Channel
	envProbe  env.Probe

	cancelRun        context.CancelFunc
	cancelVisibility func()
}

type Option func(*options)

type options struct {
	log      logger.Logger
	store    queue.Store
	prober   api.Prober
	envProbe env.Probe
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStore injects a queue store, typically the sqlstore variant or a
// test double, instead of opening a bbolt file at QueuePath.
func WithStore(s queue.Store) Option {
	return func(o *options) { o.store = s }
}

// WithProber replaces the HTTP health probe gating queue replay.
func WithProber(p api.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithEnvProbe replaces the environment hint used for the offline
// handoff.
func WithEnvProbe(p env.Probe) Option {
	return func(o *options) { o.envProbe = p }
}

// Open builds the client and starts the background replay loop. The
// realtime channel is not dialed until Connect.
func Open(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("synckit: BaseURL is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	c := &Client{
		log:      o.log,
		clientID: cfg.ClientID,
		tokens:   auth.NewTokenSource(),
	}
	c.api = api.NewClient(cfg.BaseURL, api.WithTokenSource(c.tokens))

	var recorderOpts []conflict.Option
	if cfg.ConflictPolicy != nil {
		recorderOpts = append(recorderOpts, conflict.WithPolicy(cfg.ConflictPolicy))
	}
	c.conflicts = conflict.NewRecorder(recorderOpts...)

	cacheOpts := []cache.Option{cache.WithLogger(o.log)}
	if cfg.CacheCapacity > 0 {
		cacheOpts = append(cacheOpts, cache.WithCapacity(cfg.CacheCapacity))
	}
	if cfg.CacheCleanupInterval > 0 {
		cacheOpts = append(cacheOpts, cache.WithCleanupInterval(cfg.CacheCleanupInterval))
	}
	c.cache = cache.New(cacheOpts...)

	c.store = o.store
	if c.store == nil {
		if cfg.QueuePath == "" {
			c.cache.Close()
			return nil, errors.New("synckit: QueuePath is required without WithStore")
		}
		store, err := boltstore.Open(cfg.QueuePath)
		if err != nil {
			c.cache.Close()
			return nil, fmt.Errorf("synckit: failed to open queue store: %w", err)
		}
		c.store = store
	}

	prober := o.prober
	if prober == nil {
		prober = api.NewHealthProber(cfg.BaseURL + "/health")
	}
	cfg.Queue.ClientID = cfg.ClientID
	c.queue = queue.New(cfg.Queue, c.store, c.api, prober, c.conflicts,
		queue.WithLogger(o.log),
		// Replay outcomes settle the engine's pending operations from the
		// offline handoff. The closure runs only during Sync, after Open
		// has built the engine.
		queue.WithOutcomeHandler(func(op queue.Operation, outcome queue.Outcome, reason string) {
			switch outcome {
			case queue.OutcomeSynced:
				c.engine.ConfirmRecord(op.Entity, op.RecordID)
			case queue.OutcomeConflicted:
				c.engine.ConflictRecord(op.Entity, op.RecordID)
			case queue.OutcomeDeadLettered:
				c.engine.FailRecord(op.Entity, op.RecordID, reason)
			}
		}))

	c.envProbe = o.envProbe
	if c.envProbe == nil {
		c.envProbe = env.NewStaticProbe(true)
	}
	c.engine = optimistic.New(cfg.Engine, c.api,
		optimistic.WithLogger(o.log),
		optimistic.WithConflicts(c.conflicts),
		optimistic.WithProbe(c.envProbe),
		optimistic.WithEnqueuer(optimistic.EnqueuerFunc(
			func(ctx context.Context, entity string, kind api.Kind, recordID string, payload json.RawMessage) error {
				_, err := c.queue.Enqueue(ctx, entity, kind, recordID, payload)
				return err
			})),
	)

	if cfg.RealtimeURL != "" {
		chCfg := cfg.Channel
		chCfg.URL = cfg.RealtimeURL
		c.channel = realtime.New(chCfg,
			realtime.WithLogger(o.log),
			realtime.WithTokenSource(c.tokens))
		c.routeRealtime()
	}

	// Coming back to the foreground is a good moment to retry delivery.
	c.cancelVisibility = c.envProbe.OnVisibilityChange(func(visible bool) {
		if visible {
			c.queue.OnConnectivityRestored()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	go c.queue.Run(ctx)

	return c, nil
}

// routeRealtime feeds inbound channel messages into the other
// subsystems: data changes invalidate the cache and confirm our own
// pending operations; conflict notices land in the recorder.
func (c *Client) routeRealtime() {
	onChange := func(msg realtime.Message) {
		var dc realtime.DataChange
		if err := json.Unmarshal(msg.Payload, &dc); err != nil {
			c.log.Warn("malformed data change", "type", string(msg.Type), "error", err)
			return
		}
		c.applyChange(dc)
	}
	c.channel.OnMessage(realtime.TypeCreate, onChange)
	c.channel.OnMessage(realtime.TypeUpdate, onChange)
	c.channel.OnMessage(realtime.TypeDelete, onChange)

	c.channel.OnMessage(realtime.TypeBatchUpdate, func(msg realtime.Message) {
		var batch realtime.BatchUpdatePayload
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			c.log.Warn("malformed batch update", "error", err)
			return
		}
		for _, dc := range batch.Changes {
			c.applyChange(dc)
		}
	})

	c.channel.OnMessage(realtime.TypeConflictDetected, func(msg realtime.Message) {
		var p realtime.ConflictPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed conflict notice", "error", err)
			return
		}
		c.conflicts.Record(p.Entity, p.RecordID,
			conflict.Version{Version: p.LocalVersion, ActorID: c.clientID},
			conflict.Version{
				Version:   p.ServerVersion,
				Payload:   p.ServerPayload,
				ActorID:   p.ActorID,
				Timestamp: p.Timestamp,
			})
	})

	c.channel.OnMessage(realtime.TypeVersionMismatch, func(msg realtime.Message) {
		var p realtime.VersionMismatchPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed version mismatch", "error", err)
			return
		}
		c.conflicts.Record(p.Entity, p.RecordID,
			conflict.Version{Version: p.ExpectedVersion, ActorID: c.clientID},
			conflict.Version{Version: p.ActualVersion})
	})
}

func (c *Client) applyChange(dc realtime.DataChange) {
	// Entity keys are <entity>:<record id>; list queries share the
	// entity prefix, so one prefix invalidation covers both.
	c.cache.Invalidate(cache.Prefix(dc.Entity + ":"))
	if dc.ActorID == c.clientID {
		c.engine.ConfirmRecord(dc.Entity, dc.RecordID)
	}
}

// Connect dials the realtime channel. A no-op when RealtimeURL was not
// configured.
func (c *Client) Connect(ctx context.Context) error {
	if c.channel == nil {
		return nil
	}
	return c.channel.Connect(ctx)
}

// SetToken installs the bearer token used by replay requests and the
// realtime auth handshake.
func (c *Client) SetToken(token string) {
	c.tokens.Set(token)
}

// SetOnline updates the environment hint; flipping to online kicks an
// immediate replay pass.
func (c *Client) SetOnline(online bool) {
	if sp, ok := c.envProbe.(*env.StaticProbe); ok {
		sp.SetOnline(online)
	}
	if online {
		c.queue.OnConnectivityRestored()
	}
}

// Query reads through the cache with single-flight dedup and
// stale-while-revalidate semantics.
func (c *Client) Query(ctx context.Context, key string, fetcher cache.Fetcher, opts cache.QueryOptions) (cache.QueryResult, error) {
	return c.cache.Query(ctx, key, fetcher, opts)
}

// Subscribe observes one cache key. The returned function unsubscribes.
func (c *Client) Subscribe(key string, fn func(cache.Update)) (unsubscribe func()) {
	return c.cache.Subscribe(key, fn)
}

// Invalidate removes matching cache entries and notifies subscribers.
func (c *Client) Invalidate(p cache.Pattern) int {
	return c.cache.Invalidate(p)
}

// Execute runs an optimistic mutation. While the environment reports
// offline the mutation is handed to the durable queue instead.
func (c *Client) Execute(ctx context.Context, kind api.Kind, entity, recordID string, payload json.RawMessage) (optimistic.Operation, error) {
	return c.engine.Execute(ctx, kind, entity, recordID, payload)
}

// Undo reverts the most recent confirmed operation.
func (c *Client) Undo(ctx context.Context) (optimistic.Operation, error) {
	return c.engine.Undo(ctx)
}

// Redo re-applies the most recently undone operation.
func (c *Client) Redo(ctx context.Context) (optimistic.Operation, error) {
	return c.engine.Redo(ctx)
}

// Sync runs one queue replay pass now, instead of waiting for the
// interval loop.
func (c *Client) Sync(ctx context.Context) (queue.Result, error) {
	return c.queue.Sync(ctx)
}

// Conflicts lists unresolved conflicts in detection order.
func (c *Client) Conflicts() []conflict.Conflict {
	return c.conflicts.Pending()
}

// ResolveConflict marks a conflict resolved with the given outcome.
func (c *Client) ResolveConflict(id string, res conflict.Resolution) (conflict.Conflict, error) {
	return c.conflicts.Resolve(id, res)
}

// SubscribeTopic subscribes the realtime channel to a topic.
func (c *Client) SubscribeTopic(topic string) realtime.SendStatus {
	if c.channel == nil {
		return realtime.SendRejected
	}
	return c.channel.Subscribe(topic)
}

// SendMessage sends an application message over the realtime channel.
func (c *Client) SendMessage(t realtime.MessageType, payload any) realtime.SendStatus {
	if c.channel == nil {
		return realtime.SendRejected
	}
	return c.channel.SendMessage(t, payload)
}

// Cache exposes the query cache for direct use.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Queue exposes the durable operation queue.
func (c *Client) Queue() *queue.Queue { return c.queue }

// Engine exposes the optimistic update engine.
func (c *Client) Engine() *optimistic.Engine { return c.engine }

// Channel exposes the realtime channel; nil when RealtimeURL was not
// configured.
func (c *Client) Channel() *realtime.Channel { return c.channel }

// Close tears the subsystems down: channel first so no new messages
// arrive, then the queue loop, the engine's timers, the cache janitor
// and finally the store.
func (c *Client) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.cancelVisibility()
	c.cancelRun()
	c.queue.Close()
	c.engine.Close()
	c.cache.Close()
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
