// Package dispatch turns validated scene messages into store mutations. Live
// messages and bootstrap creates go through the same Dispatcher.
package dispatch

import (
	"errors"

	"go.uber.org/zap"

	"arena-scenesync/internal/message"
	"arena-scenesync/internal/scene"
	"arena-scenesync/internal/topics"
)

// Reason explains why a message was not applied.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonSelfEcho   Reason = "self"
	ReasonMalformed  Reason = "malformed"
	ReasonTopicCheck Reason = "topic"
	ReasonIgnored    Reason = "ignored"
)

// Outcome is the result of one dispatch.
type Outcome struct {
	ObjectID string
	Action   message.Action
	Applied  bool
	Reason   Reason
	Err      error
	// Existed is set for create/update/delete.
	Existed  bool
	Advisory scene.Advisory
}

// ClientEventSink receives interaction events aimed at scene objects.
type ClientEventSink interface {
	HandleClientEvent(ev message.ClientEvent)
}

// Inbound is one message to dispatch. Addr is nil for messages that did not
// arrive over a topic (bootstrap, local edits) and skips the topic check.
type Inbound struct {
	Addr *topics.Address
	Wire message.Wire
}

// Dispatcher holds no state besides its collaborators and the ids owned by
// the local client.
type Dispatcher struct {
	store  scene.Reconciler
	events ClientEventSink
	self   map[string]struct{}
	logger *zap.Logger
}

type Option func(*Dispatcher)

// WithSelf sets the object ids owned by this client; messages about them are
// echoes and never applied.
func WithSelf(ids ...string) Option {
	return func(d *Dispatcher) {
		for _, id := range ids {
			if id != "" {
				d.self[id] = struct{}{}
			}
		}
	}
}

func WithClientEvents(sink ClientEventSink) Option {
	return func(d *Dispatcher) { d.events = sink }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func New(store scene.Reconciler, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: store, self: make(map[string]struct{}), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	return d
}

// IsSelf reports whether id is owned by the local client.
func (d *Dispatcher) IsSelf(id string) bool {
	_, ok := d.self[id]
	return ok
}

// DispatchPayload decodes a raw payload and dispatches it.
func (d *Dispatcher) DispatchPayload(addr *topics.Address, payload []byte) Outcome {
	w, err := message.Decode(payload)
	if err != nil {
		d.logger.Warn("malformed message", zap.Error(err), zap.ByteString("payload", payload))
		return Outcome{Reason: ReasonMalformed, Err: err}
	}
	return d.Dispatch(Inbound{Addr: addr, Wire: w})
}

// DispatchBatch dispatches in order; one bad message never stops the rest.
func (d *Dispatcher) DispatchBatch(batch []Inbound) []Outcome {
	out := make([]Outcome, 0, len(batch))
	for _, in := range batch {
		out = append(out, d.Dispatch(in))
	}
	return out
}

// Dispatch validates and routes one message.
func (d *Dispatcher) Dispatch(in Inbound) Outcome {
	w := in.Wire
	res := Outcome{ObjectID: w.ObjectID, Action: w.Action}
	if d.IsSelf(w.ObjectID) {
		res.Reason = ReasonSelfEcho
		return res
	}

	v, err := message.Validate(w)
	if err != nil {
		res.Err = err
		if errors.Is(err, message.ErrIgnoredAction) {
			res.Reason = ReasonIgnored
			return res
		}
		res.Reason = ReasonMalformed
		d.logger.Warn("malformed message", zap.Error(err), zap.String("object_id", w.ObjectID), zap.String("action", string(w.Action)))
		return res
	}

	if in.Addr != nil && !d.topicCheck(v, in.Addr) {
		res.Reason = ReasonTopicCheck
		d.logger.Warn("message does not pass topic check",
			zap.String("object_id", w.ObjectID), zap.String("topic", in.Addr.String()))
		return res
	}

	switch m := v.(type) {
	case message.Create:
		r := d.store.Upsert(scene.UpsertRequest{ID: m.ObjectID, Type: m.Type, Data: m.Data, Persist: m.Persist, TTL: m.TTL})
		res.Existed, res.Advisory = r.Existed, r.Advisory
	case message.Update:
		r := d.store.Upsert(scene.UpsertRequest{
			ID: m.ObjectID, Type: m.Type, Data: m.Data, Persist: m.Persist, TTL: m.TTL,
			IsUpdate: true, Overwrite: m.Overwrite,
		})
		res.Existed, res.Advisory = r.Existed, r.Advisory
	case message.Delete:
		res.Existed = d.store.Remove(m.ObjectID)
	case message.ClientEvent:
		if d.IsSelf(m.Source) {
			res.Reason = ReasonSelfEcho
			return res
		}
		if d.events == nil {
			res.Reason = ReasonIgnored
			return res
		}
		d.events.HandleClientEvent(m)
	}
	res.Applied = true

	switch res.Advisory {
	case scene.AdvisoryUpdateUnknown:
		d.logger.Warn(res.Advisory.String(), zap.String("object_id", res.ObjectID))
	case scene.AdvisoryCreateExisting:
		d.logger.Debug(res.Advisory.String(), zap.String("object_id", res.ObjectID))
	}
	return res
}

// topicCheck ties the payload identity to the topic it arrived on: object
// messages must be addressed to their object id, client events must come
// from the user segment of the topic.
func (d *Dispatcher) topicCheck(v message.Variant, addr *topics.Address) bool {
	if ev, ok := v.(message.ClientEvent); ok {
		return ev.Source != "" && ev.Source == addr.Sender()
	}
	return addr.Last() == v.Target()
}
