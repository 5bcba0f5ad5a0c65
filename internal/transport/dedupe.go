package transport

import (
	"encoding/json"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"arena-scenesync/internal/core/network"
)

// dedupe suppresses redelivered messages (retained replays after a
// resubscribe, QoS 1 redelivery) with a pair of bloom filters rotated every
// window, so a key is remembered for between one and two windows. Only
// messages that identify themselves are keyed; see dedupeKey.
type dedupe struct {
	window   time.Duration
	capacity uint
	fpRate   float64

	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	rotated  time.Time
}

func newDedupe(window time.Duration, capacity uint, fpRate float64, now time.Time) *dedupe {
	return &dedupe{
		window:   window,
		capacity: capacity,
		fpRate:   fpRate,
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
		rotated:  now,
	}
}

// seen records key and reports whether it was already recorded.
func (d *dedupe) seen(key []byte, now time.Time) bool {
	if now.Sub(d.rotated) >= d.window {
		d.previous = d.current
		d.current = bloom.NewWithEstimates(d.capacity, d.fpRate)
		d.rotated = now
	}
	if d.current.Test(key) || d.previous.Test(key) {
		return true
	}
	d.current.Add(key)
	return false
}

// dedupeKey keys a message on its topic and payload when the payload can
// only repeat through redelivery: a retained replay, or a payload stamped
// with its publish time. Unstamped live payloads legitimately repeat (a
// toggle back to an earlier state) and get no key.
func dedupeKey(msg network.Message) ([]byte, bool) {
	if !msg.Retained {
		var stamp struct {
			Timestamp string `json:"timestamp"`
		}
		if json.Unmarshal(msg.Payload, &stamp) != nil || stamp.Timestamp == "" {
			return nil, false
		}
	}
	key := make([]byte, 0, len(msg.Topic)+1+len(msg.Payload))
	key = append(key, msg.Topic...)
	key = append(key, 0)
	return append(key, msg.Payload...), true
}
