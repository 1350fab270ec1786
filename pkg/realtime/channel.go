// Package realtime maintains the persistent websocket channel: typed
// message envelopes, heartbeat liveness, reconnection with backoff, and
// replay of auth, subscriptions and queued messages after a reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reportive/synckit/internal/codec"
	"github.com/reportive/synckit/internal/rand"
	"github.com/reportive/synckit/pkg/auth"
	"github.com/reportive/synckit/pkg/logger"
	"github.com/reportive/synckit/pkg/retry"
)

var (
	ErrClosed       = errors.New("realtime: channel is closed")
	ErrNotConnected = errors.New("realtime: channel is not connected")
)

// State is the channel's connection state. Closed is terminal and only
// reached by an explicit Close; Error means the reconnect attempt cap
// was exceeded and auto-retry stopped until Connect is called again.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// SendStatus is the synchronous outcome of SendMessage.
type SendStatus int

const (
	// SendRejected means the message was not accepted: oversized payload,
	// failed encoding, or a closed channel.
	SendRejected SendStatus = iota
	// SendSent means the message was written to the open socket.
	SendSent
	// SendQueued means the socket is not open and the message waits in
	// the bounded pending queue for the next (re)connect.
	SendQueued
)

// Handler receives one inbound message. Handlers run synchronously on
// the read loop, so delivery order is arrival order.
type Handler func(msg Message)

// Config tunes a Channel. Zero values get defaults in New.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// PingInterval is the heartbeat period. Default 30s.
	PingInterval time.Duration
	// PongTimeout force-closes the connection when a ping goes
	// unanswered. Default 5s.
	PongTimeout time.Duration
	// ReconnectBase, ReconnectDecay and ReconnectMax shape the backoff:
	// delay(n) = min(base * decay^(n-1), max). Defaults 1s, 2, 30s.
	ReconnectBase  time.Duration
	ReconnectDecay float64
	ReconnectMax   time.Duration
	// MaxReconnectAttempts caps auto-retry; past it the channel enters
	// StateError. Default 10.
	MaxReconnectAttempts int
	// SendQueueSize bounds the pending queue; the oldest message is
	// dropped past it. Default 100.
	SendQueueSize int
	// MaxPayloadBytes rejects larger encoded messages synchronously.
	// Default 256 KiB.
	MaxPayloadBytes int
	// HandshakeTimeout bounds the websocket dial. Default 10s.
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 5 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectDecay <= 0 {
		c.ReconnectDecay = 2
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 100
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 256 << 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Metrics is a point-in-time snapshot of the channel.
type Metrics struct {
	State             State
	ReconnectAttempts int
	MessagesSent      uint64
	MessagesReceived  uint64
	QueuedMessages    int
	SubscribedTopics  int
	ConnectedAt       time.Time
	LastPongAt        time.Time
}

// Channel is the realtime sync connection. All methods are safe for
// concurrent use.
type Channel struct {
	cfg     Config
	dialer  *websocket.Dialer
	tokens  *auth.TokenSource
	log     logger.Logger
	marshal codec.Codec
	now     func() time.Time
	backoff retry.Policy

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	stopHeart chan struct{}
	topics    map[string]struct{}
	pending   []*Message
	handlers  map[MessageType][]Handler
	unhandled Handler
	attempts  int
	closeCh   chan struct{}
	closeOnce sync.Once

	connectedAt time.Time
	lastPong    time.Time
	sent        uint64
	received    uint64

	writeMu sync.Mutex
}

type Option func(*Channel)

func WithLogger(l logger.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithTokenSource enables the auth message on every (re)connect.
func WithTokenSource(ts *auth.TokenSource) Option {
	return func(c *Channel) { c.tokens = ts }
}

// WithDialer swaps the websocket dialer, typically for tests.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

func New(cfg Config, opts ...Option) *Channel {
	cfg.applyDefaults()
	c := &Channel{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:      logger.Nop(),
		marshal:  codec.NewJSON(),
		now:      time.Now,
		state:    StateDisconnected,
		topics:   make(map[string]struct{}),
		handlers: make(map[MessageType][]Handler),
		closeCh:  make(chan struct{}),
		backoff: retry.Policy{
			Base:   cfg.ReconnectBase,
			Factor: cfg.ReconnectDecay,
			Max:    cfg.ReconnectMax,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection. Calling it clears a previous
// StateError and resets the reconnect attempt counter.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.log.Warn("websocket dial failed", "url", c.cfg.URL, "error", err)
		return fmt.Errorf("realtime: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.connectedAt = c.now()
	c.lastPong = c.now()
	stop := make(chan struct{})
	c.stopHeart = stop
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.log.Info("websocket connected", "url", c.cfg.URL)

	c.replayHandshake(conn, topics, queued)

	go c.readLoop(conn)
	go c.heartbeat(conn, stop)
	return nil
}

// replayHandshake re-establishes session state on a fresh connection:
// auth first, then subscriptions, then the messages queued while
// disconnected.
func (c *Channel) replayHandshake(conn *websocket.Conn, topics []string, queued []*Message) {
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil && !errors.Is(err, auth.ErrNoToken) {
			c.log.Warn("auth token unavailable", "error", err)
		}
		if token != "" {
			payload, _ := c.marshal.Marshal(AuthPayload{Token: token})
			c.writeEnvelope(conn, newMessage(TypeAuth, payload, rand.NewMessageID(16), c.now()))
		}
	}

	for _, topic := range topics {
		payload, _ := c.marshal.Marshal(TopicPayload{Topic: topic})
		c.writeEnvelope(conn, newMessage(TypeSubscribe, payload, rand.NewMessageID(16), c.now()))
	}

	for _, msg := range queued {
		c.writeEnvelope(conn, msg)
	}
	if len(queued) > 0 {
		c.log.Debug("flushed queued messages", "count", len(queued))
	}
}

func (c *Channel) writeEnvelope(conn *websocket.Conn, msg *Message) error {
	data, err := c.marshal.Marshal(msg)
	if err != nil {
		return fmt.Errorf("realtime: failed to encode message: %w", err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("realtime: write failed: %w", err)
	}

	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnLoss(conn, err)
			return
		}

		var msg Message
		if err := c.marshal.Unmarshal(data, &msg); err != nil {
			// Malformed frames are logged and ignored, never fatal.
			c.log.Warn("malformed message ignored", "error", err)
			continue
		}

		c.mu.Lock()
		c.received++
		c.mu.Unlock()

		c.dispatch(conn, msg)
	}
}

// dispatch routes one inbound message. Handlers run on this goroutine,
// so no concurrent invocation happens for the same message stream.
func (c *Channel) dispatch(conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case TypePing:
		c.writeEnvelope(conn, newMessage(TypePong, nil, msg.ID, c.now()))
		return
	case TypePong:
		c.mu.Lock()
		c.lastPong = c.now()
		c.mu.Unlock()
		return
	case TypeCreate, TypeUpdate, TypeDelete, TypeBatchUpdate,
		TypeConflictDetected, TypeVersionMismatch,
		TypeUserJoined, TypeUserLeft, TypeUserTyping,
		TypeAuth, TypeSubscribe, TypeUnsubscribe:
		c.deliver(msg)
	case TypeError, TypeRateLimit:
		var ep ErrorPayload
		_ = json.Unmarshal(msg.Payload, &ep)
		c.log.Warn("server notice", "type", string(msg.Type), "code", ep.Code, "message", ep.Message)
		c.deliver(msg)
	default:
		// Application-defined type: forward to whoever registered for it.
		c.deliver(msg)
	}
}

func (c *Channel) deliver(msg Message) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[msg.Type]...)
	fallback := c.unhandled
	c.mu.Unlock()

	if len(handlers) == 0 {
		if fallback != nil {
			fallback(msg)
			return
		}
		c.log.Debug("unhandled message", "type", string(msg.Type), "id", msg.ID)
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

// heartbeat sends pings on a fixed interval and force-closes the
// connection when a pong does not arrive within the pong timeout.
func (c *Channel) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	var watchdog *time.Timer
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
		}

		if watchdog != nil {
			watchdog.Stop()
		}
		sentAt := c.now()
		if err := c.writeEnvelope(conn, newMessage(TypePing, nil, rand.NewMessageID(16), sentAt)); err != nil {
			// The read loop will observe the broken connection.
			continue
		}

		watchdog = time.AfterFunc(c.cfg.PongTimeout, func() {
			c.mu.Lock()
			alive := !c.lastPong.Before(sentAt)
			c.mu.Unlock()
			if alive {
				return
			}
			c.log.Warn("pong timeout, forcing reconnect",
				"timeout", c.cfg.PongTimeout.String())
			_ = conn.Close()
		})
	}
}

// handleConnLoss runs once per dead connection, from its read loop.
func (c *Channel) handleConnLoss(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	if c.stopHeart != nil {
		close(c.stopHeart)
		c.stopHeart = nil
	}
	c.conn = nil
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn("websocket connection lost", "error", err)
	c.scheduleReconnect()
}

// scheduleReconnect arms the next reconnect attempt with exponential
// backoff, or parks the channel in StateError once the cap is exceeded.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.state = StateError
		attempts := c.attempts - 1
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted, giving up",
			"attempts", attempts)
		return
	}
	attempt := c.attempts
	c.state = StateReconnecting
	c.mu.Unlock()

	delay := c.backoff.Delay(attempt)
	c.log.Info("reconnect scheduled",
		"attempt", attempt, "delay", delay.String())

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-c.closeCh:
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		if err := c.dial(context.Background()); err != nil {
			c.scheduleReconnect()
		}
	}()
}

// SendMessage sends or queues one message. It never blocks on the
// network state: with an open socket the message is written, otherwise
// it joins the bounded pending queue (oldest dropped past capacity).
// Oversized payloads are rejected synchronously.
func (c *Channel) SendMessage(t MessageType, payload any) SendStatus {
	var raw json.RawMessage
	if payload != nil {
		data, err := c.marshal.Marshal(payload)
		if err != nil {
			c.log.Warn("message payload failed to encode", "type", string(t), "error", err)
			return SendRejected
		}
		raw = data
	}
	if len(raw) > c.cfg.MaxPayloadBytes {
		c.log.Warn("message payload too large",
			"type", string(t), "size", len(raw), "limit", c.cfg.MaxPayloadBytes)
		return SendRejected
	}

	msg := newMessage(t, raw, rand.NewMessageID(16), c.now())

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return SendRejected
	}
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	if !connected {
		c.enqueueLocked(msg)
		c.mu.Unlock()
		return SendQueued
	}
	c.mu.Unlock()

	if err := c.writeEnvelope(conn, msg); err != nil {
		c.mu.Lock()
		c.enqueueLocked(msg)
		c.mu.Unlock()
		return SendQueued
	}
	return SendSent
}

func (c *Channel) enqueueLocked(msg *Message) {
	if len(c.pending) >= c.cfg.SendQueueSize {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		c.log.Warn("send queue full, dropping oldest message",
			"type", string(dropped.Type), "id", dropped.ID)
	}
	c.pending = append(c.pending, msg)
}

// Subscribe registers interest in a topic. The subscription is replayed
// on every reconnect until Unsubscribe.
func (c *Channel) Subscribe(topic string) SendStatus {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	closed := c.state == StateClosed
	connected := c.state == StateConnected && c.conn != nil
	c.mu.Unlock()
	if closed {
		return SendRejected
	}
	if !connected {
		// The topic set is replayed on connect; queuing the message too
		// would send the subscription twice.
		return SendQueued
	}
	return c.SendMessage(TypeSubscribe, TopicPayload{Topic: topic})
}

// Unsubscribe removes a topic.
func (c *Channel) Unsubscribe(topic string) SendStatus {
	c.mu.Lock()
	delete(c.topics, topic)
	closed := c.state == StateClosed
	connected := c.state == StateConnected && c.conn != nil
	c.mu.Unlock()
	if closed {
		return SendRejected
	}
	if !connected {
		return SendQueued
	}
	return c.SendMessage(TypeUnsubscribe, TopicPayload{Topic: topic})
}

// OnMessage registers a handler for one message type.
func (c *Channel) OnMessage(t MessageType, h Handler) {
	c.mu.Lock()
	c.handlers[t] = append(c.handlers[t], h)
	c.mu.Unlock()
}

// OnUnhandled registers the fallback handler for message types nothing
// else claims.
func (c *Channel) OnUnhandled(h Handler) {
	c.mu.Lock()
	c.unhandled = h
	c.mu.Unlock()
}

// Metrics returns a snapshot of the channel state.
func (c *Channel) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		MessagesSent:      c.sent,
		MessagesReceived:  c.received,
		QueuedMessages:    len(c.pending),
		SubscribedTopics:  len(c.topics),
		ConnectedAt:       c.connectedAt,
		LastPongAt:        c.lastPong,
	}
}

// Close disconnects and makes the channel terminal. Only an explicit
// Close reaches StateClosed; connection loss goes through reconnect.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	if c.stopHeart != nil {
		close(c.stopHeart)
		c.stopHeart = nil
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeCh) })
	if conn != nil {
		return conn.Close()
	}
	return nil
}
