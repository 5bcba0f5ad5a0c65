// Package session wires the transport, dispatcher, reconciler and bootstrap
// loader for one client in one scene, and drives them through an explicit
// lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arena-scenesync/internal/bootstrap"
	"arena-scenesync/internal/config"
	"arena-scenesync/internal/core/network"
	"arena-scenesync/internal/dispatch"
	"arena-scenesync/internal/health"
	"arena-scenesync/internal/message"
	"arena-scenesync/internal/scene"
	"arena-scenesync/internal/topics"
	"arena-scenesync/internal/transport"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrInvalidState    = errors.New("invalid session state")
	ErrRestartRequired = errors.New("config change requires a session restart")
)

// sceneCategories carry scene object messages and are batched.
var sceneCategories = []topics.Category{topics.Objects, topics.User, topics.Presence}

// SnapshotFetcher reads the persisted scene.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, recordType string) ([]bootstrap.Record, error)
	SceneOptions(ctx context.Context) (*bootstrap.Record, error)
}

// Options assemble a Session. Conn is required; a nil Fetcher skips the
// persisted snapshot.
type Options struct {
	Config       config.Config
	Conn         network.Conn
	Fetcher      SnapshotFetcher
	Identity     *Identity
	Health       *health.Registry
	ClientEvents dispatch.ClientEventSink
	Clock        clock.Clock
	Logger       *zap.Logger
	Registerer   prometheus.Registerer
}

// Session is the explicit context of one client in one scene.
type Session struct {
	cfg      config.Config
	identity Identity
	scene    topics.Scene
	clock    clock.Clock
	logger   *zap.Logger
	health   *health.Registry
	fetcher  SnapshotFetcher

	boundary   *transport.Boundary
	store      *scene.Store
	dispatcher *dispatch.Dispatcher
	loader     *bootstrap.Loader
	outcomes   *prometheus.CounterVec

	mu           sync.Mutex
	state        State
	cancel       context.CancelFunc
	group        *errgroup.Group
	result       bootstrap.Result
	sceneOptions *bootstrap.Record

	// self-flushed batches, appended on the transport goroutine
	flushMu   sync.Mutex
	flushed   []transport.Batch
	flushWake chan struct{}

	intervals chan intervals
	lastDelay time.Time
}

type intervals struct {
	tock  time.Duration
	sweep time.Duration
}

func New(opts Options) (*Session, error) {
	if opts.Conn == nil {
		return nil, errors.New("session: nil conn")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = health.NewRegistry(opts.Logger)
	}
	id := NewIdentity(opts.Config.Username)
	if opts.Identity != nil {
		id = *opts.Identity
	}
	cfg := opts.Config
	logger := opts.Logger.Named("session").With(zap.String("id_tag", id.IDTag))

	s := &Session{
		cfg:       cfg,
		identity:  id,
		scene:     topics.Scene{Realm: cfg.Realm, Namespace: cfg.Namespace, Name: cfg.Scene},
		clock:     opts.Clock,
		logger:    logger,
		health:    opts.Health,
		fetcher:   opts.Fetcher,
		flushWake: make(chan struct{}, 1),
		intervals: make(chan intervals, 1),
	}
	s.boundary = transport.New(opts.Conn, transport.Config{
		FlushInterval: cfg.FlushInterval,
		PublishRate:   cfg.PublishRate,
		PublishBurst:  cfg.PublishBurst,
		DedupeWindow:  cfg.DedupeWindow,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
		Health:        opts.Health,
		Registerer:    opts.Registerer,
	})
	s.store = scene.NewStore(scene.WithClock(opts.Clock), scene.WithLogger(opts.Logger))
	dispatchOpts := []dispatch.Option{dispatch.WithSelf(id.Owned()...), dispatch.WithLogger(opts.Logger)}
	if opts.ClientEvents != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithClientEvents(opts.ClientEvents))
	}
	s.dispatcher = dispatch.New(s.store, dispatchOpts...)
	s.loader = bootstrap.NewLoader(s.dispatcher, s.store, id.CamName, opts.Logger)
	s.outcomes = promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "session",
		Name:      "dispatch_total",
		Help:      "Dispatched scene messages by outcome.",
	}, []string{"outcome"})
	healthErrors := promauto.With(opts.Registerer).NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "session",
		Name:      "health_errors",
		Help:      "Active health error conditions.",
	})
	s.health.OnChange(func(active []health.Error) {
		healthErrors.Set(float64(len(active)))
	})
	return s, nil
}

func (s *Session) Identity() Identity            { return s.identity }
func (s *Session) Scene() topics.Scene           { return s.scene }
func (s *Session) Store() *scene.Store           { return s.store }
func (s *Session) Health() *health.Registry      { return s.health }
func (s *Session) Boundary() *transport.Boundary { return s.boundary }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bootstrap returns the result of the initial snapshot load.
func (s *Session) Bootstrap() bootstrap.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// SceneOptions returns the persisted scene options record, if any.
func (s *Session) SceneOptions() *bootstrap.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sceneOptions
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, s.state)
	}
	s.state = to
	return nil
}

// Will is the message other clients receive if this client vanishes.
func (s *Session) Will() (*transport.LastWill, error) {
	payload, err := message.Encode(message.Delete{ObjectID: s.identity.CamName})
	if err != nil {
		return nil, err
	}
	topic, err := topics.PublishSceneObjects.Expand(topics.SceneVars(s.scene).With(topics.VarObjectID, s.identity.CamName))
	if err != nil {
		return nil, err
	}
	return &transport.LastWill{Topic: topic, Payload: payload}, nil
}

// Start connects, loads the persisted scene and starts the main loop. The
// snapshot is fully applied before any live batch is dispatched. Connect and
// snapshot failures are returned and leave the session Stopped.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transition(Idle, Starting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.boundary.Run(gctx) })
	s.mu.Lock()
	s.cancel, s.group = cancel, g
	s.mu.Unlock()

	if err := s.open(ctx); err != nil {
		_ = s.shutdown()
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return err
	}

	g.Go(func() error { return s.loop(gctx) })
	if err := s.transition(Starting, Running); err != nil {
		return err
	}
	s.logger.Info("session running",
		zap.String("scene", s.scene.Namespaced()), zap.String("cam_name", s.identity.CamName))
	return nil
}

func (s *Session) open(ctx context.Context) error {
	for _, category := range sceneCategories {
		opts := transport.QueueOptions{JSON: true, Handler: s.onSelfFlush}
		if category == topics.User {
			opts.Identity = &transport.Identity{Field: "object_id", Token: -1}
		}
		if err := s.boundary.RegisterQueue(ctx, category, opts); err != nil {
			return err
		}
	}

	will, err := s.Will()
	if err != nil {
		return err
	}
	creds := transport.Credentials{
		ClientID: "arena-sync-" + s.identity.IDTag,
		Username: s.cfg.MQTTUsername,
		Password: s.cfg.MQTTToken,
	}
	if creds.Username == "" {
		creds.Username = s.cfg.Username
	}
	if err := s.boundary.Connect(ctx, creds, will); err != nil {
		return err
	}
	vars := topics.SceneVars(s.scene).With(topics.VarCamName, s.identity.CamName)
	for _, tmpl := range []topics.Template{topics.SubscribeScenePublic, topics.SubscribeScenePrivate} {
		filter, err := tmpl.Expand(vars)
		if err != nil {
			return err
		}
		if err := s.boundary.Subscribe(ctx, filter); err != nil {
			return err
		}
	}

	if s.fetcher == nil {
		return nil
	}
	records, err := s.fetcher.Fetch(ctx, "")
	if err != nil {
		s.health.AddError(health.SceneLoad)
		return fmt.Errorf("load scene: %w", err)
	}
	s.health.RemoveError(health.SceneLoad)
	res, err := s.loader.Load(ctx, records, bootstrap.Options{})
	if err != nil && !errors.Is(err, bootstrap.ErrLoopBound) {
		return err
	}
	opts, err := s.fetcher.SceneOptions(ctx)
	if err != nil {
		s.logger.Warn("scene options unavailable", zap.Error(err))
	}
	s.mu.Lock()
	s.result, s.sceneOptions = res, opts
	s.mu.Unlock()
	s.logger.Info("scene objects loaded",
		zap.Int("created", len(res.Created)), zap.Int("dropped", len(res.Dropped)),
		zap.Int("programs", len(res.Programs)), zap.Int("starting_positions", res.StartingPositions))
	return nil
}

// onSelfFlush runs on the transport goroutine.
func (s *Session) onSelfFlush(batch transport.Batch) {
	s.flushMu.Lock()
	s.flushed = append(s.flushed, batch)
	s.flushMu.Unlock()
	select {
	case s.flushWake <- struct{}{}:
	default:
	}
}

func (s *Session) takeFlushed() []transport.Batch {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	out := s.flushed
	s.flushed = nil
	return out
}

// loop is the main context: the only goroutine that dispatches after Start.
func (s *Session) loop(ctx context.Context) error {
	s.mu.Lock()
	tockEvery, sweepEvery := s.cfg.TockInterval, s.cfg.TTLSweepInterval
	s.mu.Unlock()
	tock := s.clock.Ticker(tockEvery)
	defer tock.Stop()
	sweep := s.clock.Ticker(sweepEvery)
	defer sweep.Stop()

	// batches self-flushed while the snapshot was loading
	for _, batch := range s.takeFlushed() {
		s.process(ctx, batch)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tock.C:
			if !s.tockAll(ctx) {
				return nil
			}
		case <-s.flushWake:
			for _, batch := range s.takeFlushed() {
				s.process(ctx, batch)
			}
		case <-sweep.C:
			if expired := s.store.Sweep(); len(expired) > 0 {
				s.logger.Debug("objects expired", zap.Strings("object_ids", expired))
			}
		case iv := <-s.intervals:
			if iv.tock > 0 {
				tock.Reset(iv.tock)
			}
			if iv.sweep > 0 {
				sweep.Reset(iv.sweep)
			}
		}
	}
}

// tockAll drains every scene queue. Batches the boundary self-flushed
// earlier are older than anything still queued, so they go first. It
// reports false once the boundary has stopped.
func (s *Session) tockAll(ctx context.Context) bool {
	for _, batch := range s.takeFlushed() {
		s.process(ctx, batch)
	}
	for _, category := range sceneCategories {
		batch, err := s.boundary.Tock(ctx, category)
		if err != nil {
			if errors.Is(err, transport.ErrStopped) || ctx.Err() != nil {
				return false
			}
			s.logger.Warn("tock failed", zap.String("category", string(category)), zap.Error(err))
			continue
		}
		s.process(ctx, batch)
	}
	return true
}

func (s *Session) process(ctx context.Context, batch transport.Batch) {
	if len(batch) == 0 {
		return
	}
	_, span := otel.Tracer("arena-scenesync/session").Start(ctx, "session.dispatch_batch")
	defer span.End()

	now := s.clock.Now()
	if now.Sub(s.lastDelay) > time.Second {
		s.logger.Info("message delay", zap.Duration("delay", now.Sub(batch[0].ReceivedAt)))
		s.lastDelay = now
	}
	applied := 0
	for i := range batch {
		addr := batch[i].Address
		out := s.dispatcher.DispatchPayload(&addr, batch[i].Payload)
		label := "applied"
		if !out.Applied {
			label = string(out.Reason)
		} else {
			applied++
		}
		s.outcomes.WithLabelValues(label).Inc()
	}
	span.SetAttributes(attribute.Int("batch_size", len(batch)), attribute.Int("applied", applied))
}

// Publish sends a locally authored change. The store is updated when the
// broker echoes it back, like any other client's message.
func (s *Session) Publish(ctx context.Context, v message.Variant) error {
	if st := s.State(); st != Running {
		return fmt.Errorf("%w: publish while %s", ErrInvalidState, st)
	}
	if ev, ok := v.(message.ClientEvent); ok && ev.Source == "" {
		ev.Source = s.identity.CamName
		v = ev
	}
	topic, err := s.topicFor(v)
	if err != nil {
		return err
	}
	payload, err := message.Encode(v)
	if err != nil {
		return err
	}
	return s.boundary.Publish(ctx, topic, payload, transport.PublishOptions{})
}

// PublishRaw sends a payload untouched to a topic of the scene.
func (s *Session) PublishRaw(ctx context.Context, category topics.Category, payload []byte, ids ...string) error {
	if st := s.State(); st != Running {
		return fmt.Errorf("%w: publish while %s", ErrInvalidState, st)
	}
	return s.boundary.Publish(ctx, topics.Topic(s.scene, category, ids...), payload, transport.PublishOptions{Raw: true})
}

// topicFor addresses object messages to the object, owned avatar parts to
// the user category and client events to their sender.
func (s *Session) topicFor(v message.Variant) (string, error) {
	vars := topics.SceneVars(s.scene)
	if ev, ok := v.(message.ClientEvent); ok {
		return topics.PublishSceneObjects.Expand(vars.With(topics.VarObjectID, ev.Source))
	}
	if s.owns(v.Target()) && v.Action() != message.ActionDelete {
		return topics.PublishSceneUser.Expand(vars.With(topics.VarObjectID, v.Target()))
	}
	return topics.PublishSceneObjects.Expand(vars.With(topics.VarObjectID, v.Target()))
}

func (s *Session) owns(id string) bool {
	for _, own := range s.identity.Owned() {
		if id == own {
			return true
		}
	}
	return false
}

// ApplyConfigChange applies interval changes live. Anything that changes
// the scene, identity, transport or process surface needs a new session.
func (s *Session) ApplyConfigChange(ctx context.Context, old, next config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if restartNeeded(old, next) {
		return ErrRestartRequired
	}
	st := s.State()
	if st == Stopped {
		return fmt.Errorf("%w: config change while %s", ErrInvalidState, st)
	}

	var errs error
	if next.FlushInterval != old.FlushInterval {
		errs = multierr.Append(errs, s.boundary.SetFlushInterval(ctx, next.FlushInterval))
	}
	iv := intervals{}
	if next.TockInterval != old.TockInterval {
		iv.tock = next.TockInterval
	}
	if next.TTLSweepInterval != old.TTLSweepInterval {
		iv.sweep = next.TTLSweepInterval
	}
	if iv != (intervals{}) && st == Running {
		select {
		case s.intervals <- iv:
		case <-ctx.Done():
			errs = multierr.Append(errs, ctx.Err())
		}
	}
	if errs == nil {
		s.mu.Lock()
		s.cfg.FlushInterval, s.cfg.TockInterval, s.cfg.TTLSweepInterval = next.FlushInterval, next.TockInterval, next.TTLSweepInterval
		s.mu.Unlock()
	}
	return errs
}

func restartNeeded(old, next config.Config) bool {
	live := func(c config.Config) config.Config {
		c.FlushInterval, c.TockInterval, c.TTLSweepInterval = 0, 0, 0
		return c
	}
	return !reflect.DeepEqual(live(old), live(next))
}

// Stop announces departure, tears down the transport (dropping undelivered
// batches) and clears the scene.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	if prev != Running && prev != Idle {
		s.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, prev)
	}
	s.state = Stopped
	s.mu.Unlock()
	if prev == Idle {
		return nil
	}

	var errs error
	if will, err := s.Will(); err == nil {
		err = s.boundary.Publish(ctx, will.Topic, will.Payload, transport.PublishOptions{})
		if err != nil && !errors.Is(err, transport.ErrNotConnected) {
			errs = multierr.Append(errs, fmt.Errorf("announce departure: %w", err))
		}
	}
	errs = multierr.Append(errs, s.shutdown())
	s.store.Clear()
	s.logger.Info("session stopped")
	return errs
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return g.Wait()
}
