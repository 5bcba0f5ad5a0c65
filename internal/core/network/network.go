package network

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

// QoS is the delivery guarantee requested for a publish or will message.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// PublishOptions controls how a single payload is delivered.
type PublishOptions struct {
	QoS      QoS
	Retained bool
}

// Will is published by the broker on behalf of a client that disconnects
// without saying goodbye.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      QoS
	Retained bool
}

// ConnectOptions configures a connection attempt. The callbacks are invoked
// from transport goroutines and must not block.
type ConnectOptions struct {
	ClientID string
	Username string
	Password string
	Will     *Will

	OnConnect        func(reconnect bool)
	OnConnectionLost func(err error)
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte, opts PublishOptions) error
	Subscribe(filter string) (<-chan Message, func(), error)
}

// Conn is a PubSub that owns a live connection to its broker or mesh.
// Reconnecting after a lost connection is the implementation's job.
type Conn interface {
	PubSub
	Connect(ctx context.Context, opts ConnectOptions) error
	IsConnected() bool
	Close() error
}
