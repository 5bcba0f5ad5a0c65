package network

import (
	"context"
	"errors"
	"sync"
)

var errDropped = errors.New("connection dropped")

// MemoryPubSub is a process-local broker used for development and tests. It
// routes by MQTT-style filters and keeps retained messages.
type MemoryPubSub struct {
	mu       sync.RWMutex
	nextID   int
	subs     map[int]*memorySub
	retained map[string]Message
}

type memorySub struct {
	filter string
	ch     chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subs:     make(map[int]*memorySub),
		retained: make(map[string]Message),
	}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte, opts PublishOptions) error {
	if !ValidTopic(topic) {
		return errors.New("invalid publish topic " + topic)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.Retained {
		if len(payload) == 0 {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = Message{Topic: topic, Payload: append([]byte(nil), payload...), Retained: true}
		}
	}
	for _, sub := range m.subs {
		if !MatchTopic(sub.filter, topic) {
			continue
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(filter string) (<-chan Message, func(), error) {
	if !ValidFilter(filter) {
		return nil, nil, errors.New("invalid subscribe filter " + filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 64)
	m.subs[id] = &memorySub{filter: filter, ch: ch}
	for topic, msg := range m.retained {
		if !MatchTopic(filter, topic) {
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// Client returns a new connection handle on this broker.
func (m *MemoryPubSub) Client() *MemoryClient {
	return &MemoryClient{broker: m}
}

// MemoryClient is a Conn on a MemoryPubSub. It only forwards messages while
// connected, and Drop/Restore simulate an ungraceful disconnect followed by
// an automatic reconnect.
type MemoryClient struct {
	broker *MemoryPubSub

	mu          sync.Mutex
	opts        ConnectOptions
	connected   bool
	closed      bool
	failConnect error
	cancels     []func()
}

// FailNextConnect makes the next Connect call return err.
func (c *MemoryClient) FailNextConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failConnect = err
}

func (c *MemoryClient) Connect(ctx context.Context, opts ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.failConnect; err != nil {
		c.failConnect = nil
		c.mu.Unlock()
		return err
	}
	c.opts = opts
	c.connected = true
	c.mu.Unlock()
	if opts.OnConnect != nil {
		go opts.OnConnect(false)
	}
	return nil
}

func (c *MemoryClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MemoryClient) Publish(topic string, payload []byte, opts PublishOptions) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.broker.Publish(topic, payload, opts)
}

func (c *MemoryClient) Subscribe(filter string) (<-chan Message, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.mu.Unlock()

	in, brokerCancel, err := c.broker.Subscribe(filter)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range in {
			if !c.IsConnected() {
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(brokerCancel) }
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
	return out, cancel, nil
}

// Drop simulates an ungraceful disconnect: the broker publishes the will and
// the lost-connection callback fires.
func (c *MemoryClient) Drop() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	opts := c.opts
	c.mu.Unlock()

	if w := opts.Will; w != nil {
		_ = c.broker.Publish(w.Topic, w.Payload, PublishOptions{QoS: w.QoS, Retained: w.Retained})
	}
	if opts.OnConnectionLost != nil {
		go opts.OnConnectionLost(errDropped)
	}
}

// Restore simulates the automatic reconnect that follows a Drop.
func (c *MemoryClient) Restore() {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	opts := c.opts
	c.mu.Unlock()
	if opts.OnConnect != nil {
		go opts.OnConnect(true)
	}
}

// Close disconnects gracefully; the will is not published.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
