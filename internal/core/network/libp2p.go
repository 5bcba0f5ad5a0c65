package network

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	// PartitionDepth is the number of leading topic levels that select the
	// gossip topic carrying a message. Zero puts everything on one gossip
	// topic named after Rendezvous.
	PartitionDepth int
	Logger         *zap.Logger
}

// envelope is what travels over gossipsub. Gossip topics are coarse, so the
// full destination rides along and filtering happens locally.
type envelope struct {
	Topic    string `json:"topic"`
	Payload  []byte `json:"payload"`
	Retained bool   `json:"retained,omitempty"`
	Will     bool   `json:"will,omitempty"`
	QoS      QoS    `json:"qos,omitempty"`
}

// Libp2pPubSub provides gossip-based pubsub over libp2p. There is no broker,
// so retained messages come from a local cache of what this node has seen
// and a peer's will is delivered locally once that peer disconnects.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Libp2pOptions
	logger *zap.Logger

	host host.Host
	ps   *pubsub.PubSub

	mu       sync.Mutex
	topics   map[string]*pubsub.Topic
	readers  map[string]struct{}
	nextID   int
	subs     map[int]*memorySub
	retained map[string]Message
	wills    map[peer.ID]Message
	hooks    ConnectOptions
	ownWill  *envelope
	online   bool
	everUp   bool
	closed   bool
}

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	ctx, cancel := context.WithCancel(parent)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("libp2p")
	if opts.Rendezvous == "" {
		opts.Rendezvous = "arena"
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	return &Libp2pPubSub{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		logger:   logger,
		host:     h,
		ps:       ps,
		topics:   make(map[string]*pubsub.Topic),
		readers:  make(map[string]struct{}),
		subs:     make(map[int]*memorySub),
		retained: make(map[string]Message),
		wills:    make(map[peer.ID]Message),
	}, nil
}

// Connect dials the bootstrap peers, starts mDNS discovery when enabled and
// announces the will to the mesh. Peers going from zero to some and back are
// reported through the connection callbacks.
func (p *Libp2pPubSub) Connect(ctx context.Context, opts ConnectOptions) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.hooks = opts
	if w := opts.Will; w != nil {
		p.ownWill = &envelope{Topic: w.Topic, Payload: w.Payload, Retained: w.Retained, QoS: w.QoS, Will: true}
	}
	p.mu.Unlock()

	p.host.Network().Notify(&lpnet.NotifyBundle{
		ConnectedF:    func(_ lpnet.Network, c lpnet.Conn) { p.peerConnected(c.RemotePeer()) },
		DisconnectedF: func(_ lpnet.Network, c lpnet.Conn) { p.peerDisconnected(c.RemotePeer()) },
	})

	if p.opts.EnableMDNS {
		service := mdns.NewMdnsService(p.host, p.opts.Rendezvous, &mdnsNotifee{host: p.host, logger: p.logger})
		if err := service.Start(); err != nil {
			p.logger.Warn("mdns start error", zap.Error(err))
		}
	}

	dialed := 0
	for _, raw := range p.opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			p.logger.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			p.logger.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := p.host.Connect(ctx, *info); err != nil {
			p.logger.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
			continue
		}
		dialed++
		p.logger.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
	}
	if len(p.opts.Bootstrap) > 0 && dialed == 0 && !p.opts.EnableMDNS {
		return fmt.Errorf("no bootstrap peer reachable (%d configured)", len(p.opts.Bootstrap))
	}

	p.mu.Lock()
	p.online = true
	p.everUp = true
	p.mu.Unlock()
	if opts.OnConnect != nil {
		go opts.OnConnect(false)
	}
	p.announceWill()
	return nil
}

func (p *Libp2pPubSub) peerConnected(id peer.ID) {
	p.mu.Lock()
	wasOffline := !p.online && p.everUp && !p.closed
	p.online = true
	hook := p.hooks.OnConnect
	p.mu.Unlock()
	if wasOffline && hook != nil {
		go hook(true)
	}
	// New peers never saw the earlier announcement.
	go func() {
		select {
		case <-time.After(time.Second):
			p.announceWill()
		case <-p.ctx.Done():
		}
	}()
	p.logger.Debug("peer connected", zap.Stringer("peer", id))
}

func (p *Libp2pPubSub) peerDisconnected(id peer.ID) {
	if p.host.Network().Connectedness(id) == lpnet.Connected {
		return
	}
	p.mu.Lock()
	will, hasWill := p.wills[id]
	delete(p.wills, id)
	lost := p.online && len(p.host.Network().Peers()) == 0 && !p.closed
	if lost {
		p.online = false
	}
	hook := p.hooks.OnConnectionLost
	p.mu.Unlock()

	if hasWill {
		p.deliver(will)
	}
	if lost && hook != nil {
		go hook(fmt.Errorf("last peer %s disconnected", id))
	}
}

func (p *Libp2pPubSub) announceWill() {
	p.mu.Lock()
	w := p.ownWill
	p.mu.Unlock()
	if w == nil {
		return
	}
	if err := p.publishEnvelope(*w); err != nil {
		p.logger.Debug("will announcement failed", zap.Error(err))
	}
}

func (p *Libp2pPubSub) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online && !p.closed
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte, opts PublishOptions) error {
	if !ValidTopic(topic) {
		return fmt.Errorf("invalid publish topic %q", topic)
	}
	return p.publishEnvelope(envelope{Topic: topic, Payload: payload, Retained: opts.Retained, QoS: opts.QoS})
}

func (p *Libp2pPubSub) publishEnvelope(env envelope) error {
	name, err := p.partition(env.Topic)
	if err != nil {
		return err
	}
	t, err := p.getOrJoinTopic(name)
	if err != nil {
		return err
	}
	if err := p.ensureReader(name, t); err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.Publish(p.ctx, b)
}

func (p *Libp2pPubSub) Subscribe(filter string) (<-chan Message, func(), error) {
	if !ValidFilter(filter) {
		return nil, nil, fmt.Errorf("invalid subscribe filter %q", filter)
	}
	name, err := p.partition(filter)
	if err != nil {
		return nil, nil, err
	}
	t, err := p.getOrJoinTopic(name)
	if err != nil {
		return nil, nil, err
	}
	if err := p.ensureReader(name, t); err != nil {
		return nil, nil, err
	}

	ch := make(chan Message, 64)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = &memorySub{filter: filter, ch: ch}
	for topic, msg := range p.retained {
		if !MatchTopic(filter, topic) {
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// ensureReader starts the single gossip reader for a partition.
func (p *Libp2pPubSub) ensureReader(name string, t *pubsub.Topic) error {
	p.mu.Lock()
	if _, ok := p.readers[name]; ok {
		p.mu.Unlock()
		return nil
	}
	p.readers[name] = struct{}{}
	p.mu.Unlock()

	sub, err := t.Subscribe()
	if err != nil {
		p.mu.Lock()
		delete(p.readers, name)
		p.mu.Unlock()
		return err
	}
	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(p.ctx)
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				p.logger.Debug("dropping non-envelope gossip message", zap.String("gossip_topic", name))
				continue
			}
			from := msg.GetFrom()
			if env.Will {
				if from != p.host.ID() {
					p.mu.Lock()
					p.wills[from] = Message{Topic: env.Topic, Payload: env.Payload, Retained: env.Retained}
					p.mu.Unlock()
				}
				continue
			}
			p.deliver(Message{Topic: env.Topic, Payload: env.Payload, Retained: env.Retained})
		}
	}()
	return nil
}

func (p *Libp2pPubSub) deliver(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.Retained {
		if len(msg.Payload) == 0 {
			delete(p.retained, msg.Topic)
		} else {
			p.retained[msg.Topic] = msg
		}
	}
	live := Message{Topic: msg.Topic, Payload: msg.Payload}
	for _, sub := range p.subs {
		if !MatchTopic(sub.filter, msg.Topic) {
			continue
		}
		select {
		case sub.ch <- live:
		default:
		}
	}
}

// partition maps a topic or filter onto its gossip topic name.
func (p *Libp2pPubSub) partition(topicOrFilter string) (string, error) {
	if p.opts.PartitionDepth <= 0 {
		return p.opts.Rendezvous, nil
	}
	parts := strings.Split(topicOrFilter, "/")
	if len(parts) < p.opts.PartitionDepth {
		return "", fmt.Errorf("topic %q shallower than partition depth %d", topicOrFilter, p.opts.PartitionDepth)
	}
	head := parts[:p.opts.PartitionDepth]
	for _, part := range head {
		if part == "+" || part == "#" {
			return "", fmt.Errorf("wildcard inside partition prefix of %q", topicOrFilter)
		}
	}
	return strings.Join(head, "/"), nil
}

func (p *Libp2pPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.online = false
	for id, sub := range p.subs {
		delete(p.subs, id)
		close(sub.ch)
	}
	topics := p.topics
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	p.cancel()
	for _, t := range topics {
		_ = t.Close()
	}
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

func (p *Libp2pPubSub) ListenAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, err
	}
	p.topics[name] = t
	return t, nil
}

type mdnsNotifee struct {
	host   host.Host
	logger *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.logger.Debug("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
