// Package transport is the boundary between the pub/sub connection and the
// scene logic. A Boundary runs on its own goroutine, owns the connection and
// the per-category inbound queues, and is driven only through requests sent
// over a bounded channel.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"arena-scenesync/internal/core/network"
	"arena-scenesync/internal/health"
	"arena-scenesync/internal/topics"
)

// TimestampLayout is the ISO-8601 UTC millisecond layout injected into
// published payloads.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	ErrStopped         = errors.New("transport stopped")
	ErrNotConnected    = network.ErrNotConnected
	ErrUnknownCategory = errors.New("no queue registered for category")
)

// Config tunes a Boundary. Zero values get defaults.
type Config struct {
	// FlushInterval bounds how long queued messages wait for a Tock before
	// the boundary pushes them to the queue handler itself.
	FlushInterval time.Duration
	// PublishRate limits outbound messages per second; zero disables.
	PublishRate  float64
	PublishBurst int
	// DedupeWindow enables duplicate suppression when positive.
	DedupeWindow time.Duration
	// RequestBuffer and InboundBuffer size the boundary channels.
	RequestBuffer int
	InboundBuffer int

	Clock      clock.Clock
	Logger     *zap.Logger
	Health     health.Reporter
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = 1
	}
	if c.RequestBuffer <= 0 {
		c.RequestBuffer = 32
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 1024
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Health == nil {
		c.Health = nopHealth{}
	}
	return c
}

type nopHealth struct{}

func (nopHealth) AddError(string)    {}
func (nopHealth) RemoveError(string) {}

// Credentials authenticate the connection.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

// LastWill is published by the broker if this client disconnects
// ungracefully.
type LastWill struct {
	Topic   string
	Payload []byte
}

// PublishOptions control one publish. Raw skips timestamp injection.
type PublishOptions struct {
	QoS      network.QoS
	Retained bool
	Raw      bool
}

// Identity requires a payload field (dotted path, e.g. "data.source") to
// equal a topic token (negative indexes count from the end).
type Identity struct {
	Field string
	Token int
}

// Received is one inbound message that passed the boundary checks.
type Received struct {
	Topic      string
	Address    topics.Address
	Payload    []byte
	Fields     map[string]any
	ReceivedAt time.Time
}

// Batch is a drained queue, in arrival order.
type Batch []Received

// QueueOptions configure a batched category. Handler receives self-flushed
// batches on the boundary goroutine and must hand them off without blocking.
type QueueOptions struct {
	Handler  func(Batch)
	JSON     bool
	Identity *Identity
}

// HandlerOptions configure an unbatched category. Handler runs on the
// boundary goroutine.
type HandlerOptions struct {
	Handler  func(Received)
	JSON     bool
	Identity *Identity
}

type queue struct {
	opts     QueueOptions
	items    Batch
	lastTock time.Time
}

type connEvent struct {
	lost      bool
	reconnect bool
	err       error
}

type request struct {
	fn   func()
	done chan struct{}
}

// Boundary owns one network.Conn.
type Boundary struct {
	conn    network.Conn
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	health  health.Reporter
	metrics *metrics
	limiter *rate.Limiter

	requests chan request
	inbound  chan network.Message
	events   chan connEvent
	done     chan struct{}

	// owned by the Run goroutine
	queues   map[topics.Category]*queue
	handlers map[topics.Category]HandlerOptions
	subs     map[string]func()
	dedupe   *dedupe
	ticker   *clock.Ticker
}

func New(conn network.Conn, cfg Config) *Boundary {
	cfg = cfg.withDefaults()
	b := &Boundary{
		conn:     conn,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("transport"),
		health:   cfg.Health,
		metrics:  newMetrics(cfg.Registerer),
		requests: make(chan request, cfg.RequestBuffer),
		inbound:  make(chan network.Message, cfg.InboundBuffer),
		events:   make(chan connEvent, 16),
		done:     make(chan struct{}),
		queues:   make(map[topics.Category]*queue),
		handlers: make(map[topics.Category]HandlerOptions),
		subs:     make(map[string]func()),
	}
	if cfg.PublishRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst)
	}
	if cfg.DedupeWindow > 0 {
		b.dedupe = newDedupe(cfg.DedupeWindow, 100_000, 0.001, cfg.Clock.Now())
	}
	return b
}

// Run serves requests and inbound traffic until ctx ends. Undelivered
// batches are discarded and the connection is closed on return.
func (b *Boundary) Run(ctx context.Context) error {
	b.ticker = b.clock.Ticker(b.checkInterval())
	defer b.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-b.requests:
			req.fn()
			close(req.done)
		case msg := <-b.inbound:
			b.onMessage(msg)
		case ev := <-b.events:
			b.onConnEvent(ev)
		case <-b.ticker.C:
			b.flushStale()
		}
	}
}

// Done is closed once Run has returned.
func (b *Boundary) Done() <-chan struct{} { return b.done }

func (b *Boundary) checkInterval() time.Duration {
	interval := b.cfg.FlushInterval / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

func (b *Boundary) teardown() {
	b.ticker.Stop()
	for filter, cancel := range b.subs {
		cancel()
		delete(b.subs, filter)
	}
	for category := range b.queues {
		delete(b.queues, category)
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Warn("close connection", zap.Error(err))
	}
	close(b.done)
}

// do runs fn on the boundary goroutine and waits for it.
func (b *Boundary) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case b.requests <- req:
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect opens the connection, configuring the last will if given. A
// failure raises the connection health error and is returned.
func (b *Boundary) Connect(ctx context.Context, creds Credentials, will *LastWill) error {
	var err error
	if reqErr := b.do(ctx, func() { err = b.connect(ctx, creds, will) }); reqErr != nil {
		return reqErr
	}
	return err
}

func (b *Boundary) connect(ctx context.Context, creds Credentials, will *LastWill) error {
	opts := network.ConnectOptions{
		ClientID: creds.ClientID,
		Username: creds.Username,
		Password: creds.Password,
		OnConnect: func(reconnect bool) {
			b.postEvent(connEvent{reconnect: reconnect})
		},
		OnConnectionLost: func(err error) {
			b.postEvent(connEvent{lost: true, err: err})
		},
	}
	if will != nil {
		opts.Will = &network.Will{Topic: will.Topic, Payload: will.Payload, QoS: network.ExactlyOnce}
	}
	if err := b.conn.Connect(ctx, opts); err != nil {
		b.health.AddError(health.MQTTConnection)
		b.logger.Error("scene connection failed", zap.Error(err))
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (b *Boundary) postEvent(ev connEvent) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *Boundary) onConnEvent(ev connEvent) {
	if ev.lost {
		b.health.AddError(health.MQTTConnection)
		b.logger.Warn("scene connection lost, reconnecting", zap.Error(ev.err))
		return
	}
	b.health.RemoveError(health.MQTTConnection)
	if ev.reconnect {
		b.logger.Warn("scene reconnected")
	} else {
		b.logger.Info("scene connected")
	}
}

// Subscribe adds a topic filter. Subscribing twice to the same filter is a
// no-op.
func (b *Boundary) Subscribe(ctx context.Context, filter string) error {
	var err error
	if reqErr := b.do(ctx, func() { err = b.subscribe(filter) }); reqErr != nil {
		return reqErr
	}
	return err
}

func (b *Boundary) subscribe(filter string) error {
	if _, ok := b.subs[filter]; ok {
		return nil
	}
	ch, cancel, err := b.conn.Subscribe(filter)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	b.subs[filter] = cancel
	go b.forward(ch)
	b.logger.Debug("subscribed", zap.String("filter", filter))
	return nil
}

func (b *Boundary) forward(ch <-chan network.Message) {
	for msg := range ch {
		select {
		case b.inbound <- msg:
		case <-b.done:
			return
		}
	}
}

// Publish sends payload to topic. JSON object payloads get a "timestamp"
// field unless opts.Raw is set.
func (b *Boundary) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish rate: %w", err)
		}
	}
	var err error
	if reqErr := b.do(ctx, func() { err = b.publish(topic, payload, opts) }); reqErr != nil {
		return reqErr
	}
	return err
}

func (b *Boundary) publish(topic string, payload []byte, opts PublishOptions) error {
	if !b.conn.IsConnected() {
		return ErrNotConnected
	}
	if !opts.Raw {
		payload = injectTimestamp(payload, b.clock.Now())
	}
	if err := b.conn.Publish(topic, payload, network.PublishOptions{QoS: opts.QoS, Retained: opts.Retained}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.metrics.published.Inc()
	return nil
}

// injectTimestamp sets "timestamp" on a JSON object payload; anything else
// is returned untouched.
func injectTimestamp(payload []byte, now time.Time) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload
	}
	ts, _ := json.Marshal(now.UTC().Format(TimestampLayout))
	obj["timestamp"] = ts
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

// RegisterQueue batches messages of a category until Tock or self-flush.
func (b *Boundary) RegisterQueue(ctx context.Context, category topics.Category, opts QueueOptions) error {
	return b.do(ctx, func() {
		b.queues[category] = &queue{opts: opts, lastTock: b.clock.Now()}
	})
}

// RegisterHandler delivers messages of a category immediately.
func (b *Boundary) RegisterHandler(ctx context.Context, category topics.Category, opts HandlerOptions) error {
	return b.do(ctx, func() { b.handlers[category] = opts })
}

// Tock drains and returns the queue of a category and resets its flush clock.
func (b *Boundary) Tock(ctx context.Context, category topics.Category) (Batch, error) {
	var (
		batch Batch
		err   error
	)
	reqErr := b.do(ctx, func() {
		q, ok := b.queues[category]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownCategory, category)
			return
		}
		batch = b.drain(q)
	})
	if reqErr != nil {
		return nil, reqErr
	}
	return batch, err
}

// SetFlushInterval changes the self-flush threshold at runtime.
func (b *Boundary) SetFlushInterval(ctx context.Context, d time.Duration) error {
	return b.do(ctx, func() {
		if d <= 0 || d == b.cfg.FlushInterval {
			return
		}
		b.cfg.FlushInterval = d
		b.ticker.Reset(b.checkInterval())
	})
}

func (b *Boundary) drain(q *queue) Batch {
	batch := q.items
	q.items = nil
	q.lastTock = b.clock.Now()
	if len(batch) > 0 {
		b.metrics.batchSize.Observe(float64(len(batch)))
	}
	return batch
}

func (b *Boundary) flushStale() {
	now := b.clock.Now()
	for category, q := range b.queues {
		if len(q.items) == 0 || q.opts.Handler == nil {
			continue
		}
		if now.Sub(q.lastTock) <= b.cfg.FlushInterval {
			continue
		}
		batch := b.drain(q)
		b.metrics.selfFlushes.Inc()
		b.logger.Debug("self-flushing stale batch", zap.String("category", string(category)), zap.Int("size", len(batch)))
		q.opts.Handler(batch)
	}
}

func (b *Boundary) onMessage(msg network.Message) {
	addr, err := topics.Parse(msg.Topic)
	if err != nil {
		b.reject(rejectTopic, msg.Topic, err)
		return
	}
	q, queued := b.queues[addr.Category]
	h, handled := b.handlers[addr.Category]
	if !queued && !handled {
		b.metrics.rejected.WithLabelValues(rejectUnrouted).Inc()
		return
	}
	if b.dedupe != nil {
		if key, ok := dedupeKey(msg); ok && b.dedupe.seen(key, b.clock.Now()) {
			b.metrics.rejected.WithLabelValues(rejectDuplicate).Inc()
			return
		}
	}

	jsonRequired, identity := h.JSON, h.Identity
	if queued {
		jsonRequired, identity = q.opts.JSON, q.opts.Identity
	}
	rcv := Received{Topic: msg.Topic, Address: addr, Payload: msg.Payload, ReceivedAt: b.clock.Now()}
	if jsonRequired || identity != nil {
		if err := json.Unmarshal(msg.Payload, &rcv.Fields); err != nil || rcv.Fields == nil {
			b.reject(rejectJSON, msg.Topic, err)
			return
		}
	}
	if identity != nil && !identity.matches(rcv) {
		b.reject(rejectIdentity, msg.Topic, nil)
		return
	}

	b.metrics.received.WithLabelValues(string(addr.Category)).Inc()
	if queued {
		q.items = append(q.items, rcv)
		return
	}
	h.Handler(rcv)
}

func (b *Boundary) reject(reason, topic string, err error) {
	b.metrics.rejected.WithLabelValues(reason).Inc()
	fields := []zap.Field{zap.String("reason", reason), zap.String("topic", topic)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	b.logger.Warn("inbound message rejected", fields...)
}

func (id Identity) matches(rcv Received) bool {
	token, ok := rcv.Address.Token(id.Token)
	if !ok {
		return false
	}
	value, ok := lookup(rcv.Fields, id.Field)
	return ok && value == token
}

// lookup resolves a dotted path to a string value.
func lookup(fields map[string]any, path string) (string, bool) {
	var cur any = fields
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = obj[key]; !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
