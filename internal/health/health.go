// Package health tracks active error conditions reported by the sync core,
// such as a lost broker connection.
package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known error codes.
const (
	MQTTConnection = "mqttScene.connection"
	SceneLoad      = "scene.load"
)

// Reporter is what components use to raise and clear errors.
type Reporter interface {
	AddError(code string)
	RemoveError(code string)
}

// Error is one active condition.
type Error struct {
	Code  string    `json:"code"`
	Since time.Time `json:"since"`
}

// Registry is a concurrency-safe Reporter with a readable snapshot.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]time.Time
	logger   *zap.Logger
	now      func() time.Time
	onChange func(active []Error)
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		active: make(map[string]time.Time),
		logger: logger.Named("health"),
		now:    time.Now,
	}
}

// OnChange registers a callback invoked after every add/remove that changed
// the active set.
func (r *Registry) OnChange(fn func(active []Error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) AddError(code string) {
	r.mu.Lock()
	if _, ok := r.active[code]; ok {
		r.mu.Unlock()
		return
	}
	r.active[code] = r.now().UTC()
	fn := r.onChange
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.logger.Warn("health error raised", zap.String("code", code))
	if fn != nil {
		fn(snapshot)
	}
}

func (r *Registry) RemoveError(code string) {
	r.mu.Lock()
	if _, ok := r.active[code]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, code)
	fn := r.onChange
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.logger.Info("health error cleared", zap.String("code", code))
	if fn != nil {
		fn(snapshot)
	}
}

// Active returns the current errors ordered by code.
func (r *Registry) Active() []Error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Has reports whether code is active.
func (r *Registry) Has(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[code]
	return ok
}

// Healthy reports whether no error is active.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active) == 0
}

func (r *Registry) snapshotLocked() []Error {
	out := make([]Error, 0, len(r.active))
	for code, since := range r.active {
		out = append(out, Error{Code: code, Since: since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
