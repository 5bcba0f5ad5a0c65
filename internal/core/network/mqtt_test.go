package network

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewMQTTConnDefaults(t *testing.T) {
	if _, err := NewMQTTConn(MQTTOptions{}); err == nil {
		t.Fatal("expected error for missing broker url")
	}
	c, err := NewMQTTConn(MQTTOptions{BrokerURL: "tcp://127.0.0.1:1883"})
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	if c.opts.ConnectTimeout != 10*time.Second || c.opts.MaxReconnectInterval != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", c.opts)
	}
	if c.IsConnected() {
		t.Fatal("conn reports connected before Connect")
	}
	if err := c.Publish("realm/s/ns/lobby/o/box", []byte("{}"), PublishOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish before connect: got %v, want ErrNotConnected", err)
	}
}

func TestMQTTConnRoutesBeforeConnect(t *testing.T) {
	c, err := NewMQTTConn(MQTTOptions{BrokerURL: "tcp://127.0.0.1:1883"})
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	if _, _, err := c.Subscribe("realm/#/x"); err == nil {
		t.Fatal("expected invalid filter error")
	}

	filter := "realm/s/ns/lobby/+/+"
	first, cancelFirst, err := c.Subscribe(filter)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, _, err := c.Subscribe(filter)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c.route(filter, Message{Topic: "realm/s/ns/lobby/o/box", Payload: []byte("1")})
	if msg := recv(t, first); string(msg.Payload) != "1" {
		t.Fatalf("first got %q", msg.Payload)
	}
	if msg := recv(t, second); string(msg.Payload) != "1" {
		t.Fatalf("second got %q", msg.Payload)
	}

	cancelFirst()
	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatal("cancelled channel still open")
	}
	if len(c.routes[filter]) != 1 {
		t.Fatalf("routes for filter = %d, want 1", len(c.routes[filter]))
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-second; ok {
		t.Fatal("channel still open after Close")
	}
	if _, _, err := c.Subscribe(filter); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: got %v, want ErrClosed", err)
	}
	if err := c.Connect(context.Background(), ConnectOptions{ClientID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("connect after close: got %v, want ErrClosed", err)
	}
}
