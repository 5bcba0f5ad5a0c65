package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	BrokerURL            string
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	Logger               *zap.Logger
}

// MQTTConn provides broker-based pubsub over MQTT (tcp, ssl, ws or wss
// broker URLs). Reconnects are automatic; subscriptions are restored on
// every reconnect.
type MQTTConn struct {
	opts   MQTTOptions
	logger *zap.Logger

	mu        sync.Mutex
	client    mqtt.Client
	everUp    bool
	nextID    int
	routes    map[string]map[int]chan Message
	closed    bool
	userHooks ConnectOptions
}

func NewMQTTConn(opts MQTTOptions) (*MQTTConn, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("mqtt broker url required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTConn{
		opts:   opts,
		logger: logger.Named("mqtt"),
		routes: make(map[string]map[int]chan Message),
	}, nil
}

func (c *MQTTConn) Connect(ctx context.Context, opts ConnectOptions) error {
	co := mqtt.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetMaxReconnectInterval(c.opts.MaxReconnectInterval).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if w := opts.Will; w != nil {
		co.SetBinaryWill(w.Topic, w.Payload, byte(w.QoS), w.Retained)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.userHooks = opts
	c.client = mqtt.NewClient(co)
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.opts.BrokerURL, err)
	}
	return nil
}

func (c *MQTTConn) onConnect(client mqtt.Client) {
	c.mu.Lock()
	reconnect := c.everUp
	c.everUp = true
	filters := make([]string, 0, len(c.routes))
	for filter := range c.routes {
		filters = append(filters, filter)
	}
	hook := c.userHooks.OnConnect
	c.mu.Unlock()

	// Clean sessions drop broker-side subscriptions, and filters added
	// before the first connect have never reached the broker.
	for _, filter := range filters {
		c.brokerSubscribe(client, filter)
	}
	if hook != nil {
		hook(reconnect)
	}
}

func (c *MQTTConn) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	hook := c.userHooks.OnConnectionLost
	c.mu.Unlock()
	c.logger.Warn("connection lost, reconnecting", zap.Error(err))
	if hook != nil {
		hook(err)
	}
}

func (c *MQTTConn) IsConnected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return client != nil && client.IsConnectionOpen()
}

func (c *MQTTConn) Publish(topic string, payload []byte, opts PublishOptions) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := client.Publish(topic, byte(opts.QoS), opts.Retained, payload)
	if opts.QoS == AtMostOnce {
		return nil
	}
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}

func (c *MQTTConn) Subscribe(filter string) (<-chan Message, func(), error) {
	if !ValidFilter(filter) {
		return nil, nil, fmt.Errorf("invalid subscribe filter %q", filter)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan Message, 64)
	first := false
	if _, ok := c.routes[filter]; !ok {
		c.routes[filter] = make(map[int]chan Message)
		first = true
	}
	c.routes[filter][id] = ch
	client := c.client
	c.mu.Unlock()

	if first && client != nil && client.IsConnectionOpen() {
		c.brokerSubscribe(client, filter)
	}

	cancel := func() {
		c.mu.Lock()
		subs, ok := c.routes[filter]
		if !ok {
			c.mu.Unlock()
			return
		}
		sub, exists := subs[id]
		if !exists {
			c.mu.Unlock()
			return
		}
		delete(subs, id)
		close(sub)
		last := len(subs) == 0
		if last {
			delete(c.routes, filter)
		}
		client := c.client
		c.mu.Unlock()
		if last && client != nil && client.IsConnectionOpen() {
			client.Unsubscribe(filter)
		}
	}
	return ch, cancel, nil
}

func (c *MQTTConn) brokerSubscribe(client mqtt.Client, filter string) {
	token := client.Subscribe(filter, byte(AtMostOnce), func(_ mqtt.Client, m mqtt.Message) {
		c.route(filter, Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...), Retained: m.Retained()})
	})
	go func() {
		if token.WaitTimeout(c.opts.ConnectTimeout) && token.Error() != nil {
			c.logger.Error("subscribe failed", zap.String("filter", filter), zap.Error(token.Error()))
		}
	}()
}

func (c *MQTTConn) route(filter string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.routes[filter] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (c *MQTTConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client := c.client
	for filter, subs := range c.routes {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(c.routes, filter)
	}
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}
