// Package message holds the scene message wire schema and the per-action
// variants it is validated into before routing.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action is the wire "action" field.
type Action string

const (
	ActionCreate        Action = "create"
	ActionUpdate        Action = "update"
	ActionDelete        Action = "delete"
	ActionClientEvent   Action = "clientEvent"
	ActionGetPersist    Action = "getPersist"
	ActionReturnPersist Action = "returnPersist"
)

var (
	ErrMalformedJSON   = errors.New("malformed json payload")
	ErrMissingObjectID = errors.New("no object_id")
	ErrMissingAction   = errors.New("no action field")
	ErrUnknownAction   = errors.New("invalid action field")
	ErrMissingData     = errors.New("no data field")
	ErrMalformedData   = errors.New("data field is not an object")
	// ErrIgnoredAction marks recognized actions this client does not handle.
	ErrIgnoredAction = errors.New("ignored action")
)

// KeepTTLSeconds on an update keeps the previously scheduled expiry.
const KeepTTLSeconds = -1

// Wire is the JSON message exchanged with other clients and the
// persistence service.
type Wire struct {
	ObjectID  string          `json:"object_id"`
	Action    Action          `json:"action"`
	Type      string          `json:"type,omitempty"`
	Persist   *bool           `json:"persist,omitempty"`
	TTL       *float64        `json:"ttl,omitempty"`
	Overwrite *bool           `json:"overwrite,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Decode parses a payload into its wire form without validating it.
func Decode(payload []byte) (Wire, error) {
	var w Wire
	if err := json.Unmarshal(payload, &w); err != nil {
		return Wire{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return w, nil
}

func (w Wire) hasData() bool {
	trimmed := bytes.TrimSpace(w.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func (w Wire) data() (map[string]any, error) {
	if !w.hasData() {
		return nil, ErrMissingData
	}
	var data map[string]any
	if err := json.Unmarshal(w.Data, &data); err != nil {
		return nil, ErrMalformedData
	}
	return data, nil
}

// TTL is an optional time-to-live in seconds.
type TTL struct {
	Set     bool
	Seconds float64
}

// Seconds returns a set TTL.
func Seconds(s float64) TTL { return TTL{Set: true, Seconds: s} }

// Keep reports whether the TTL leaves the current expiry untouched.
func (t TTL) Keep() bool {
	return !t.Set || t.Seconds == KeepTTLSeconds
}

func (t TTL) wire() *float64 {
	if !t.Set {
		return nil
	}
	s := t.Seconds
	return &s
}

// Variant is one validated scene message.
type Variant interface {
	Target() string
	Action() Action
	sealed()
}

// Create asks for an object to exist with the given attributes.
type Create struct {
	ObjectID  string
	Type      string
	Data      map[string]any
	Persist   bool
	TTL       TTL
	Timestamp string
}

// Update changes the attributes of an object. Overwrite replaces the whole
// attribute set; otherwise keys are merged shallowly.
type Update struct {
	ObjectID  string
	Type      string
	Data      map[string]any
	Persist   bool
	TTL       TTL
	Overwrite bool
	Timestamp string
}

// Delete removes an object.
type Delete struct {
	ObjectID  string
	Type      string
	Timestamp string
}

// ClientEvent is an interaction event (click, collision, sound...) aimed at
// an object. Source is the user the event claims to come from.
type ClientEvent struct {
	ObjectID  string
	EventType string
	Data      map[string]any
	Source    string
	Timestamp string
}

func (m Create) Target() string      { return m.ObjectID }
func (m Update) Target() string      { return m.ObjectID }
func (m Delete) Target() string      { return m.ObjectID }
func (m ClientEvent) Target() string { return m.ObjectID }

func (Create) Action() Action      { return ActionCreate }
func (Update) Action() Action      { return ActionUpdate }
func (Delete) Action() Action      { return ActionDelete }
func (ClientEvent) Action() Action { return ActionClientEvent }

func (Create) sealed()      {}
func (Update) sealed()      {}
func (Delete) sealed()      {}
func (ClientEvent) sealed() {}

// Validate checks the structural rules for the message action and returns
// the matching variant.
func Validate(w Wire) (Variant, error) {
	if w.ObjectID == "" {
		return nil, ErrMissingObjectID
	}
	if w.Action == "" {
		return nil, ErrMissingAction
	}
	persist := w.Persist != nil && *w.Persist
	ttl := TTL{}
	if w.TTL != nil {
		ttl = Seconds(*w.TTL)
	}

	switch w.Action {
	case ActionCreate:
		data, err := w.data()
		if err != nil {
			return nil, err
		}
		return Create{ObjectID: w.ObjectID, Type: w.Type, Data: data, Persist: persist, TTL: ttl, Timestamp: w.Timestamp}, nil
	case ActionUpdate:
		data, err := w.data()
		if err != nil {
			return nil, err
		}
		overwrite := w.Overwrite == nil || *w.Overwrite
		return Update{ObjectID: w.ObjectID, Type: w.Type, Data: data, Persist: persist, TTL: ttl, Overwrite: overwrite, Timestamp: w.Timestamp}, nil
	case ActionDelete:
		return Delete{ObjectID: w.ObjectID, Type: w.Type, Timestamp: w.Timestamp}, nil
	case ActionClientEvent:
		data, err := w.data()
		if err != nil {
			return nil, err
		}
		source, _ := data["source"].(string)
		return ClientEvent{ObjectID: w.ObjectID, EventType: w.Type, Data: data, Source: source, Timestamp: w.Timestamp}, nil
	case ActionGetPersist, ActionReturnPersist:
		return nil, ErrIgnoredAction
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, w.Action)
	}
}

// ToWire converts a variant back to its wire form.
func ToWire(v Variant) (Wire, error) {
	w := Wire{ObjectID: v.Target(), Action: v.Action()}
	var data map[string]any
	switch m := v.(type) {
	case Create:
		w.Type, w.Timestamp, data = m.Type, m.Timestamp, m.Data
		w.TTL = m.TTL.wire()
		if m.Persist {
			w.Persist = &m.Persist
		}
		if data == nil {
			data = map[string]any{}
		}
	case Update:
		w.Type, w.Timestamp, data = m.Type, m.Timestamp, m.Data
		w.TTL = m.TTL.wire()
		if m.Persist {
			w.Persist = &m.Persist
		}
		if !m.Overwrite {
			off := false
			w.Overwrite = &off
		}
		if data == nil {
			data = map[string]any{}
		}
	case Delete:
		w.Type, w.Timestamp = m.Type, m.Timestamp
	case ClientEvent:
		w.Type, w.Timestamp, data = m.EventType, m.Timestamp, m.Data
		if m.Source != "" {
			if data == nil {
				data = map[string]any{}
			}
			if _, ok := data["source"]; !ok {
				cp := make(map[string]any, len(data)+1)
				for k, v := range data {
					cp[k] = v
				}
				cp["source"] = m.Source
				data = cp
			}
		}
	default:
		return Wire{}, fmt.Errorf("unsupported variant %T", v)
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Wire{}, fmt.Errorf("marshal data: %w", err)
		}
		w.Data = raw
	}
	return w, nil
}

// Encode marshals a variant into its JSON payload.
func Encode(v Variant) ([]byte, error) {
	w, err := ToWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}
