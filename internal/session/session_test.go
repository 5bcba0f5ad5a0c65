package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena-scenesync/internal/bootstrap"
	"arena-scenesync/internal/config"
	"arena-scenesync/internal/core/network"
	"arena-scenesync/internal/health"
	"arena-scenesync/internal/message"
	"arena-scenesync/internal/scene"
	"arena-scenesync/internal/topics"
	"arena-scenesync/internal/transport"
)

// slowFetcher calls during before returning its snapshot, while the session
// is already subscribed.
type slowFetcher struct {
	records []bootstrap.Record
	during  func()
}

func (f slowFetcher) Fetch(context.Context, string) ([]bootstrap.Record, error) {
	f.during()
	return f.records, nil
}

func (f slowFetcher) SceneOptions(context.Context) (*bootstrap.Record, error) { return nil, nil }

type stubFetcher struct {
	records []bootstrap.Record
	err     error
}

func (f stubFetcher) Fetch(context.Context, string) ([]bootstrap.Record, error) {
	return f.records, f.err
}

func (f stubFetcher) SceneOptions(context.Context) (*bootstrap.Record, error) { return nil, nil }

func testConfig(username string) config.Config {
	return config.Config{
		Realm:            "realm",
		Namespace:        "public",
		Scene:            "lobby",
		Username:         username,
		Transport:        config.TransportMemory,
		FlushInterval:    200 * time.Millisecond,
		TockInterval:     10 * time.Millisecond,
		TTLSweepInterval: 20 * time.Millisecond,
	}
}

func newSession(t *testing.T, conn network.Conn, tag string, fetcher SnapshotFetcher) *Session {
	t.Helper()
	id := IdentityFromTag(tag)
	s, err := New(Options{Config: testConfig(id.Username), Conn: conn, Fetcher: fetcher, Identity: &id})
	require.NoError(t, err)
	return s
}

func startSession(t *testing.T, conn network.Conn, tag string, fetcher SnapshotFetcher) *Session {
	t.Helper()
	s := newSession(t, conn, tag, fetcher)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		if s.State() == Running {
			_ = s.Stop(context.Background())
		}
	})
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

var lobby = topics.Scene{Realm: "realm", Namespace: "public", Name: "lobby"}

func publish(t *testing.T, broker *network.MemoryPubSub, category topics.Category, token, payload string) {
	t.Helper()
	require.NoError(t, broker.Publish(topics.Topic(lobby, category, token), []byte(payload), network.PublishOptions{}))
}

func TestSessionEndToEnd(t *testing.T) {
	broker := network.NewMemoryPubSub()
	snapshot := stubFetcher{records: []bootstrap.Record{
		{ObjectID: "cup", Type: bootstrap.TypeObject, Attributes: map[string]any{"parent": "table"}},
		{ObjectID: "table", Type: bootstrap.TypeObject, Attributes: map[string]any{}},
	}}
	alice := startSession(t, broker.Client(), "1_alice", snapshot)
	assert.Equal(t, Running, alice.State())
	assert.Equal(t, []string{"table", "cup"}, alice.Bootstrap().Created)

	publish(t, broker, topics.Objects, "box", `{"object_id":"box","action":"create","type":"object","data":{"color":"red","scale":2}}`)
	waitFor(t, func() bool { return alice.Store().Has("box") }, "remote create never applied")

	err := alice.Publish(context.Background(), message.Update{ObjectID: "box", Type: "object", Data: map[string]any{"color": "blue"}, Overwrite: true})
	require.NoError(t, err)
	waitFor(t, func() bool {
		obj, _ := alice.Store().Get("box")
		return obj.Data["color"] == "blue"
	}, "local publish never echoed back")
	obj, _ := alice.Store().Get("box")
	assert.NotContains(t, obj.Data, "scale")

	require.NoError(t, alice.Stop(context.Background()))
	assert.Equal(t, Stopped, alice.State())
	assert.Zero(t, alice.Store().Len())
}

func TestSessionIgnoresOwnObjects(t *testing.T) {
	broker := network.NewMemoryPubSub()
	alice := startSession(t, broker.Client(), "1_alice", nil)
	cam := alice.Identity().CamName

	publish(t, broker, topics.User, cam, `{"object_id":"`+cam+`","action":"create","data":{}}`)
	publish(t, broker, topics.Objects, "box", `{"object_id":"box","action":"create","data":{}}`)
	waitFor(t, func() bool { return alice.Store().Has("box") }, "marker object never applied")
	time.Sleep(30 * time.Millisecond)
	assert.False(t, alice.Store().Has(cam))
}

func TestSessionLastWillRemovesDepartedCamera(t *testing.T) {
	broker := network.NewMemoryPubSub()
	aliceConn := broker.Client()
	alice := startSession(t, aliceConn, "1_alice", nil)
	bob := startSession(t, broker.Client(), "2_bob", nil)

	cam := alice.Identity().CamName
	handLeft := alice.Identity().HandLeft
	publish(t, broker, topics.User, cam, `{"object_id":"`+cam+`","action":"create","type":"object","data":{"object_type":"camera"}}`)
	publish(t, broker, topics.Objects, handLeft, `{"object_id":"`+handLeft+`","action":"create","data":{"dep":"`+cam+`"}}`)
	waitFor(t, func() bool { return bob.Store().Has(cam) && bob.Store().Has(handLeft) }, "bob never saw alice")

	aliceConn.Drop()
	waitFor(t, func() bool { return !bob.Store().Has(cam) }, "last will did not remove alice's camera")
	assert.False(t, bob.Store().Has(handLeft), "dependents go with the camera")
	waitFor(t, func() bool { return alice.Health().Has(health.MQTTConnection) }, "drop not reported to health")

	aliceConn.Restore()
	waitFor(t, func() bool { return alice.Health().Healthy() }, "reconnect not reported to health")
}

func TestSessionUserIdentityCheck(t *testing.T) {
	broker := network.NewMemoryPubSub()
	bob := startSession(t, broker.Client(), "2_bob", nil)

	publish(t, broker, topics.User, "camera_1_alice", `{"object_id":"camera_3_eve","action":"create","data":{}}`)
	publish(t, broker, topics.User, "camera_1_alice", `{"object_id":"camera_1_alice","action":"create","data":{}}`)
	waitFor(t, func() bool { return bob.Store().Has("camera_1_alice") }, "genuine user message never applied")
	assert.False(t, bob.Store().Has("camera_3_eve"))
}

func TestSessionTTLExpiry(t *testing.T) {
	broker := network.NewMemoryPubSub()
	alice := newSession(t, broker.Client(), "1_alice", nil)
	changes, cancel := alice.Store().Watch()
	defer cancel()
	require.NoError(t, alice.Start(context.Background()))
	defer func() { _ = alice.Stop(context.Background()) }()

	publish(t, broker, topics.Objects, "spark", `{"object_id":"spark","action":"create","ttl":0.05,"data":{}}`)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Object.ID == "spark" && c.Kind == scene.Expired {
				return
			}
		case <-deadline:
			t.Fatal("ttl object never expired")
		}
	}
}

func TestSessionSnapshotFailureIsFatal(t *testing.T) {
	s := newSession(t, network.NewMemoryPubSub().Client(), "1_alice", stubFetcher{err: bootstrap.ErrSnapshotStatus})
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, bootstrap.ErrSnapshotStatus)
	assert.Equal(t, Stopped, s.State())
	assert.True(t, s.Health().Has(health.SceneLoad))
}

func TestSessionConnectFailure(t *testing.T) {
	client := network.NewMemoryPubSub().Client()
	client.FailNextConnect(errors.New("refused"))
	reg := prometheus.NewRegistry()
	id := IdentityFromTag("1_alice")
	s, err := New(Options{Config: testConfig(id.Username), Conn: client, Identity: &id, Registerer: reg})
	require.NoError(t, err)
	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, Stopped, s.State())
	assert.True(t, s.Health().Has(health.MQTTConnection))
	assert.Equal(t, 1.0, metricValue(t, reg, "arena_session_health_errors"))
}

func TestSessionInvalidTransitions(t *testing.T) {
	s := newSession(t, network.NewMemoryPubSub().Client(), "1_alice", nil)
	assert.ErrorIs(t, s.Publish(context.Background(), message.Delete{ObjectID: "box"}), ErrInvalidState)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)
	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Stop(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)
}

func TestApplyConfigChange(t *testing.T) {
	s := startSession(t, network.NewMemoryPubSub().Client(), "1_alice", nil)
	old := testConfig("alice")

	next := old
	next.FlushInterval = time.Second
	next.TockInterval = 20 * time.Millisecond
	next.TTLSweepInterval = 50 * time.Millisecond
	assert.NoError(t, s.ApplyConfigChange(context.Background(), old, next))

	moved := old
	moved.Scene = "elsewhere"
	assert.ErrorIs(t, s.ApplyConfigChange(context.Background(), old, moved), ErrRestartRequired)

	bad := old
	bad.TockInterval = 0
	assert.ErrorIs(t, s.ApplyConfigChange(context.Background(), old, bad), config.ErrInvalid)
}

func TestIdentityNames(t *testing.T) {
	id := NewIdentity("jane doe/x")
	assert.Contains(t, id.IDTag, "_jane_doe_x")
	assert.Equal(t, "camera_"+id.IDTag, id.CamName)
	assert.Equal(t, "jane_doe_x", id.Username)
	assert.Len(t, id.Owned(), 4)
}

func TestSessionPublishesAvatarOnUserTopic(t *testing.T) {
	broker := network.NewMemoryPubSub()
	watch, cancel, err := broker.Subscribe(topics.Topic(lobby, topics.User, "+"))
	require.NoError(t, err)
	defer cancel()

	alice := startSession(t, broker.Client(), "1_alice", nil)
	bob := startSession(t, broker.Client(), "2_bob", nil)
	cam := alice.Identity().CamName

	require.NoError(t, alice.Publish(context.Background(), message.Create{ObjectID: cam, Type: "object", Data: map[string]any{"object_type": "camera"}}))
	select {
	case msg := <-watch:
		assert.Equal(t, topics.Topic(lobby, topics.User, cam), msg.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("avatar update not published on the user topic")
	}
	waitFor(t, func() bool { return bob.Store().Has(cam) }, "bob never saw alice's camera")
	time.Sleep(30 * time.Millisecond)
	assert.False(t, alice.Store().Has(cam), "own avatar echo is ignored")
}

func TestSessionPublishRawSkipsTimestamp(t *testing.T) {
	broker := network.NewMemoryPubSub()
	watch, cancel, err := broker.Subscribe(topics.Topic(lobby, topics.Chat, "+"))
	require.NoError(t, err)
	defer cancel()

	alice := startSession(t, broker.Client(), "1_alice", nil)
	require.NoError(t, alice.PublishRaw(context.Background(), topics.Chat, []byte(`{"text":"hi"}`), alice.Identity().IDTag))
	select {
	case msg := <-watch:
		assert.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("raw payload never published")
	}
}

// metricValue sums every series of a counter or gauge family.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}

func receivedCount(t *testing.T, reg *prometheus.Registry) float64 {
	return metricValue(t, reg, "arena_transport_received_total")
}

func TestSnapshotAppliedBeforeLiveUpdates(t *testing.T) {
	broker := network.NewMemoryPubSub()
	reg := prometheus.NewRegistry()
	id := IdentityFromTag("1_alice")
	fetcher := slowFetcher{
		records: []bootstrap.Record{{ObjectID: "table", Type: bootstrap.TypeObject, Attributes: map[string]any{"color": "red"}}},
		during: func() {
			publish(t, broker, topics.Objects, "table", `{"object_id":"table","action":"update","data":{"color":"blue"}}`)
			waitFor(t, func() bool { return receivedCount(t, reg) >= 1 }, "live update never queued during load")
		},
	}
	s, err := New(Options{Config: testConfig("alice"), Conn: broker.Client(), Fetcher: fetcher, Identity: &id, Registerer: reg})
	require.NoError(t, err)
	changes, cancel := s.Store().Watch()
	defer cancel()
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	waitFor(t, func() bool {
		obj, _ := s.Store().Get("table")
		return obj.Data["color"] == "blue"
	}, "live update never applied")

	first := <-changes
	assert.Equal(t, scene.Created, first.Kind)
	assert.Equal(t, "red", first.Object.Data["color"])
	second := <-changes
	assert.Equal(t, scene.Updated, second.Kind)
	assert.Equal(t, "blue", second.Object.Data["color"])
}

func TestTockAppliesSelfFlushedBatchesFirst(t *testing.T) {
	broker := network.NewMemoryPubSub()
	reg := prometheus.NewRegistry()
	id := IdentityFromTag("1_alice")
	s, err := New(Options{Config: testConfig("alice"), Conn: broker.Client(), Identity: &id, Registerer: reg})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.boundary.Run(ctx) }()
	require.NoError(t, s.open(ctx))

	addr, err := topics.Parse(topics.Topic(lobby, topics.Objects, "box"))
	require.NoError(t, err)
	s.onSelfFlush(transport.Batch{{
		Topic:      addr.String(),
		Address:    addr,
		Payload:    []byte(`{"object_id":"box","action":"create","data":{"color":"red"}}`),
		ReceivedAt: time.Now(),
	}})
	publish(t, broker, topics.Objects, "box", `{"object_id":"box","action":"update","data":{"color":"blue"}}`)
	waitFor(t, func() bool { return receivedCount(t, reg) >= 1 }, "newer message never queued")

	require.True(t, s.tockAll(ctx))
	obj, ok := s.Store().Get("box")
	require.True(t, ok)
	assert.Equal(t, "blue", obj.Data["color"])
}
