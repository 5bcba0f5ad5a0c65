package network

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func expectNone(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on %s: %s", msg.Topic, msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"realm/s/ns/lobby/+/+", "realm/s/ns/lobby/o/box", true},
		{"realm/s/ns/lobby/+/+", "realm/s/ns/lobby/o/box/extra", false},
		{"realm/s/ns/lobby/+/+/cam_1/#", "realm/s/ns/lobby/o/bob/cam_1/x", true},
		{"realm/s/ns/lobby/+/+/cam_1/#", "realm/s/ns/lobby/o/bob/cam_1", true},
		{"realm/s/ns/lobby/+/+/cam_1/#", "realm/s/ns/lobby/o/bob/cam_2", false},
		{"realm/#", "realm", true},
		{"#", "anything/at/all", true},
		{"realm/s/+", "realm/c/x", false},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.filter, tc.topic); got != tc.want {
			t.Fatalf("MatchTopic(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestValidFilter(t *testing.T) {
	if !ValidFilter("a/+/b/#") {
		t.Fatal("expected a/+/b/# to be valid")
	}
	for _, bad := range []string{"", "a/#/b", "a/b+", "a/#x"} {
		if ValidFilter(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}

func TestMemoryPubSubWildcardRouting(t *testing.T) {
	broker := NewMemoryPubSub()
	all, cancelAll, err := broker.Subscribe("realm/s/ns/lobby/+/+")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelAll()
	other, cancelOther, err := broker.Subscribe("realm/s/ns/other/+/+")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelOther()

	if err := broker.Publish("realm/s/ns/lobby/o/box", []byte(`{"a":1}`), PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := recv(t, all)
	if msg.Topic != "realm/s/ns/lobby/o/box" || string(msg.Payload) != `{"a":1}` {
		t.Fatalf("unexpected message %+v", msg)
	}
	expectNone(t, other)
}

func TestMemoryPubSubRetainedReplay(t *testing.T) {
	broker := NewMemoryPubSub()
	if err := broker.Publish("realm/s/ns/lobby/u/alice", []byte("state"), PublishOptions{Retained: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ch, cancel, err := broker.Subscribe("realm/s/ns/lobby/u/+")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	msg := recv(t, ch)
	if !msg.Retained || string(msg.Payload) != "state" {
		t.Fatalf("expected retained replay, got %+v", msg)
	}

	// An empty retained payload clears the topic.
	if err := broker.Publish("realm/s/ns/lobby/u/alice", nil, PublishOptions{Retained: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	recv(t, ch)
	late, cancelLate, err := broker.Subscribe("realm/s/ns/lobby/u/+")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelLate()
	expectNone(t, late)
}

func TestMemoryClientWillOnDrop(t *testing.T) {
	broker := NewMemoryPubSub()
	watcher := broker.Client()
	if err := watcher.Connect(context.Background(), ConnectOptions{ClientID: "watcher"}); err != nil {
		t.Fatalf("connect watcher: %v", err)
	}
	ch, cancel, err := watcher.Subscribe("realm/s/ns/lobby/o/+")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	lost := make(chan error, 1)
	reconnected := make(chan bool, 2)
	leaver := broker.Client()
	err = leaver.Connect(context.Background(), ConnectOptions{
		ClientID: "leaver",
		Will: &Will{
			Topic:   "realm/s/ns/lobby/o/camera_1_alice",
			Payload: []byte(`{"object_id":"camera_1_alice","action":"delete"}`),
		},
		OnConnect:        func(reconnect bool) { reconnected <- reconnect },
		OnConnectionLost: func(err error) { lost <- err },
	})
	if err != nil {
		t.Fatalf("connect leaver: %v", err)
	}
	if first := <-reconnected; first {
		t.Fatal("first connect reported as reconnect")
	}

	leaver.Drop()
	msg := recv(t, ch)
	if msg.Topic != "realm/s/ns/lobby/o/camera_1_alice" {
		t.Fatalf("unexpected will topic %s", msg.Topic)
	}
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost callback not fired")
	}
	if err := leaver.Publish("realm/s/ns/lobby/o/x", []byte("{}"), PublishOptions{}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected while dropped, got %v", err)
	}

	leaver.Restore()
	select {
	case again := <-reconnected:
		if !again {
			t.Fatal("restore should report a reconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect callback not fired")
	}
}

func TestMemoryClientGracefulCloseSkipsWill(t *testing.T) {
	broker := NewMemoryPubSub()
	ch, cancel, err := broker.Subscribe("#")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	c := broker.Client()
	if err := c.Connect(context.Background(), ConnectOptions{Will: &Will{Topic: "a/b", Payload: []byte("bye")}}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectNone(t, ch)
}

func TestMemoryClientNoDeliveryWhileDropped(t *testing.T) {
	broker := NewMemoryPubSub()
	c := broker.Client()
	if err := c.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch, cancel, err := c.Subscribe("a/+")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	c.Drop()
	_ = broker.Publish("a/b", []byte("missed"), PublishOptions{})
	expectNone(t, ch)
	c.Restore()
	_ = broker.Publish("a/b", []byte("seen"), PublishOptions{})
	if msg := recv(t, ch); string(msg.Payload) != "seen" {
		t.Fatalf("expected seen, got %s", msg.Payload)
	}
}
