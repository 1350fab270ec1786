// Package cache implements the keyed read cache of the sync core:
// TTL/stale-TTL entries, LRU eviction under capacity pressure,
// single-flight deduplication of concurrent reads, stale-while-revalidate,
// bounded retry with exponential backoff, and per-key subscriptions.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/reportive/synckit/pkg/logger"
	"github.com/reportive/synckit/pkg/memo"
	"github.com/reportive/synckit/pkg/retry"
)

// Status classifies what Get found for a key.
type Status string

const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusExpired Status = "expired"
	StatusLoading Status = "loading"
	StatusError   Status = "error"
)

var ErrClosed = errors.New("cache: closed")

// Fetcher loads the value for a key from the network.
type Fetcher func(ctx context.Context) (any, error)

// Lookup is the result of Get. A nil *Lookup is a true miss; an entry
// past its stale TTL counts as a miss and is removed, it is never
// returned as an expired value. StatusExpired appears only on
// subscription events when the janitor drops an entry.
type Lookup struct {
	Value   any
	Status  Status
	IsStale bool
}

// QueryResult is the result of Query.
type QueryResult struct {
	Data      any
	IsStale   bool
	FromCache bool
}

// Update is delivered to subscribers: either new data or an
// invalidation, never both.
type Update struct {
	Data        any
	Status      Status
	Invalidated bool
}

// SetOptions control the freshness window of a stored entry.
// StaleTTL is clamped up to at least TTL.
type SetOptions struct {
	TTL      time.Duration
	StaleTTL time.Duration
}

// QueryOptions control one read path invocation.
type QueryOptions struct {
	TTL      time.Duration
	StaleTTL time.Duration
	// StaleWhileRevalidate serves a stale hit immediately and refreshes
	// it in the background.
	StaleWhileRevalidate bool
	// Retry bounds fetch attempts. Zero value means DefaultRetry.
	Retry retry.Policy
	// ErrorTTL is how long a terminal fetch failure is cached to absorb
	// retry storms. Zero means DefaultErrorTTL.
	ErrorTTL time.Duration
}

const (
	DefaultTTL             = time.Minute
	DefaultStaleTTL        = 5 * time.Minute
	DefaultErrorTTL        = 30 * time.Second
	DefaultCapacity        = 1024
	DefaultCleanupInterval = time.Minute
)

// DefaultRetry is the fetch retry policy: base 250ms, doubling, 3 attempts.
func DefaultRetry() retry.Policy {
	return retry.Policy{Base: 250 * time.Millisecond, Factor: 2, MaxAttempts: 3}
}

type entry struct {
	key            string
	value          any
	err            error
	storedAt       time.Time
	ttl            time.Duration
	staleTTL       time.Duration
	accessCount    int64
	lastAccessedAt time.Time
	lruElem        *list.Element
}

func (e *entry) age(now time.Time) time.Duration {
	return now.Sub(e.storedAt)
}

// flight is one in-progress fetch shared by all concurrent callers of
// the same key. Waiters select on done together with their own context,
// so cancelling one caller never disturbs the others.
type flight struct {
	done  chan struct{}
	value any
	err   error
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size        int
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	InFlight    int
}

type subscriber struct {
	id int
	fn func(Update)
}

// Cache is the query cache. Construct with New and release with Close;
// there is deliberately no package-level instance.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently accessed
	flights  map[string]*flight
	subs     map[string][]subscriber
	nextSub  int
	capacity int
	stats    Stats
	closed   bool

	now             func() time.Time
	sleep           func(time.Duration)
	log             logger.Logger
	cleanupInterval time.Duration
	stopCh          chan struct{}
	doneCh          chan struct{}
}

type Option func(*Cache)

// WithCapacity bounds the number of entries. When exceeded, the least
// recently accessed tenth of the capacity is evicted.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithCleanupInterval changes how often expired entries are swept.
// Zero disables the janitor.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Cache) { c.cleanupInterval = d }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:         make(map[string]*entry),
		lru:             list.New(),
		flights:         make(map[string]*flight),
		subs:            make(map[string][]subscriber),
		capacity:        DefaultCapacity,
		now:             time.Now,
		sleep:           time.Sleep,
		log:             logger.Nop(),
		cleanupInterval: DefaultCleanupInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cleanupInterval > 0 {
		go c.janitor(c.cleanupInterval)
	} else {
		close(c.doneCh)
	}
	return c
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes every entry whose stale TTL has elapsed, independent of
// access.
func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	var dropped []string
	for key, e := range c.entries {
		if e.age(now) >= e.staleTTL {
			c.removeLocked(e)
			dropped = append(dropped, key)
			c.stats.Expirations++
		}
	}
	notifies := make([][]subscriber, len(dropped))
	for i, key := range dropped {
		notifies[i] = append([]subscriber(nil), c.subs[key]...)
	}
	c.mu.Unlock()

	for i := range dropped {
		for _, s := range notifies[i] {
			s.fn(Update{Invalidated: true, Status: StatusExpired})
		}
	}
	if len(dropped) > 0 {
		c.log.Debug("cache sweep removed expired entries", "count", len(dropped))
	}
}

// Close stops the janitor. Pending flights finish on their own.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

// Get returns the cached state of a key without fetching.
func (c *Cache) Get(key string) *Lookup {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		if _, loading := c.flights[key]; loading {
			return &Lookup{Status: StatusLoading}
		}
		c.stats.Misses++
		return nil
	}

	if e.age(now) >= e.staleTTL {
		c.removeLocked(e)
		c.stats.Expirations++
		if _, loading := c.flights[key]; loading {
			return &Lookup{Status: StatusLoading}
		}
		c.stats.Misses++
		return nil
	}

	c.touchLocked(e, now)
	c.stats.Hits++

	if e.err != nil {
		return &Lookup{Status: StatusError}
	}
	if e.age(now) >= e.ttl {
		return &Lookup{Value: e.value, Status: StatusStale, IsStale: true}
	}
	return &Lookup{Value: e.value, Status: StatusFresh}
}

// Set stores a value. Subscribers are notified unless the new value is
// structurally identical to the previous one.
func (c *Cache) Set(key string, value any, opts SetOptions) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StaleTTL < opts.TTL {
		opts.StaleTTL = maxDuration(opts.TTL, opts.StaleTTL)
	}

	now := c.now()

	c.mu.Lock()
	prev, had := c.entries[key]
	unchanged := had && prev.err == nil && memo.ShallowEqual(prev.value, value)
	c.storeLocked(key, value, nil, opts, now)
	var subs []subscriber
	if !unchanged {
		subs = append([]subscriber(nil), c.subs[key]...)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(Update{Data: value, Status: StatusFresh})
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// storeLocked inserts or replaces an entry and applies LRU pressure.
func (c *Cache) storeLocked(key string, value any, err error, opts SetOptions, now time.Time) {
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.err = err
		e.storedAt = now
		e.ttl = opts.TTL
		e.staleTTL = opts.StaleTTL
		c.touchLocked(e, now)
		return
	}

	e := &entry{
		key:            key,
		value:          value,
		err:            err,
		storedAt:       now,
		ttl:            opts.TTL,
		staleTTL:       opts.StaleTTL,
		lastAccessedAt: now,
	}
	e.lruElem = c.lru.PushFront(e)
	c.entries[key] = e

	if len(c.entries) > c.capacity {
		c.evictLocked()
	}
}

// evictLocked removes the least recently accessed tenth of capacity.
func (c *Cache) evictLocked() {
	count := c.capacity / 10
	if count < 1 {
		count = 1
	}
	for range count {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.removeLocked(e)
		c.stats.Evictions++
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.lruElem)
}

func (c *Cache) touchLocked(e *entry, now time.Time) {
	e.accessCount++
	e.lastAccessedAt = now
	c.lru.MoveToFront(e.lruElem)
}

// Query is the primary read path.
//
// A fresh hit returns immediately. A stale hit with StaleWhileRevalidate
// returns immediately and refreshes in the background. Otherwise the
// caller either joins an in-flight fetch for the same key or starts one;
// the fetcher runs at most once regardless of how many callers wait.
// Fetch failures are retried with exponential backoff up to the policy's
// ceiling, then cached briefly as an error and returned.
func (c *Cache) Query(ctx context.Context, key string, fetcher Fetcher, opts QueryOptions) (QueryResult, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StaleTTL < opts.TTL {
		opts.StaleTTL = DefaultStaleTTL
		if opts.StaleTTL < opts.TTL {
			opts.StaleTTL = opts.TTL
		}
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = DefaultRetry()
	}
	if opts.ErrorTTL <= 0 {
		opts.ErrorTTL = DefaultErrorTTL
	}

	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return QueryResult{}, ErrClosed
	}

	if e, ok := c.entries[key]; ok && e.age(now) < e.staleTTL {
		c.touchLocked(e, now)
		if e.err != nil && e.age(now) < e.ttl {
			err := e.err
			c.stats.Hits++
			c.mu.Unlock()
			return QueryResult{}, err
		}
		if e.err == nil {
			age := e.age(now)
			if age < e.ttl {
				c.stats.Hits++
				value := e.value
				c.mu.Unlock()
				return QueryResult{Data: value, FromCache: true}, nil
			}
			if opts.StaleWhileRevalidate {
				c.stats.Hits++
				value := e.value
				if _, refreshing := c.flights[key]; !refreshing {
					c.startFlightLocked(key, fetcher, opts)
				}
				c.mu.Unlock()
				return QueryResult{Data: value, IsStale: true, FromCache: true}, nil
			}
		}
	}
	c.stats.Misses++

	f, started := c.flights[key]
	if !started {
		f = c.startFlightLocked(key, fetcher, opts)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		// Only this caller gives up; the shared fetch keeps running and
		// will populate the cache for everyone else.
		return QueryResult{}, ctx.Err()
	case <-f.done:
		if f.err != nil {
			return QueryResult{}, f.err
		}
		return QueryResult{Data: f.value}, nil
	}
}

// startFlightLocked registers and launches the single fetch for a key.
func (c *Cache) startFlightLocked(key string, fetcher Fetcher, opts QueryOptions) *flight {
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f

	go func() {
		value, err := c.runFetch(fetcher, opts.Retry)

		c.mu.Lock()
		delete(c.flights, key)
		now := c.now()
		if err != nil {
			// Cache the failure briefly so a burst of readers does not
			// turn into a retry storm.
			c.storeLocked(key, nil, err, SetOptions{TTL: opts.ErrorTTL, StaleTTL: opts.ErrorTTL}, now)
		} else {
			c.storeLocked(key, value, nil, SetOptions{TTL: opts.TTL, StaleTTL: opts.StaleTTL}, now)
		}
		subs := append([]subscriber(nil), c.subs[key]...)
		c.mu.Unlock()

		if err == nil {
			for _, s := range subs {
				s.fn(Update{Data: value, Status: StatusFresh})
			}
		}

		f.value = value
		f.err = err
		close(f.done)
	}()

	return f
}

// runFetch drives the fetcher through the retry policy. The fetch is
// detached from any single caller on purpose: deduplicated peers share
// its outcome.
func (c *Cache) runFetch(fetcher Fetcher, policy retry.Policy) (any, error) {
	state := retry.NewState(policy)
	var lastErr error
	for {
		if _, err := state.Next(); err != nil {
			return nil, lastErr
		}
		if state.Attempt() > 1 {
			c.sleep(policy.Delay(state.Attempt() - 1))
		}
		value, err := fetcher(context.Background())
		if err == nil {
			return value, nil
		}
		lastErr = err
		c.log.Debug("cache fetch attempt failed", "attempt", state.Attempt(), "error", err)
	}
}

// Subscribe registers a callback fired on every set and invalidation of
// the key. The returned function unsubscribes.
func (c *Cache) Subscribe(key string, fn func(Update)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[key] = append(c.subs[key], subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[key]
		for i, s := range list {
			if s.id == id {
				c.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
	}
}

// Invalidate removes all entries matching the pattern and notifies
// their subscribers. It returns how many entries were removed.
func (c *Cache) Invalidate(p Pattern) int {
	c.mu.Lock()
	var dropped []string
	for key, e := range c.entries {
		if p.Match(key) {
			c.removeLocked(e)
			dropped = append(dropped, key)
		}
	}
	notifies := make([][]subscriber, len(dropped))
	for i, key := range dropped {
		notifies[i] = append([]subscriber(nil), c.subs[key]...)
	}
	c.mu.Unlock()

	for i := range dropped {
		for _, s := range notifies[i] {
			s.fn(Update{Invalidated: true, Status: StatusExpired})
		}
	}
	return len(dropped)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	s.InFlight = len(c.flights)
	return s
}
