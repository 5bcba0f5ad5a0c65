// Package scene owns the live object graph of a scene and the rules for
// mutating it: create/update/delete, overwrite semantics and TTL expiry.
package scene

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"arena-scenesync/internal/message"
)

// Object is one live scene object.
type Object struct {
	ID        string         `json:"object_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	ParentID  string         `json:"parent,omitempty"`
	Persist   bool           `json:"persist"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	expiryGen int
}

func (o *Object) clone() Object {
	cp := *o
	cp.Data = cloneData(o.Data)
	if o.ExpiresAt != nil {
		at := *o.ExpiresAt
		cp.ExpiresAt = &at
	}
	return cp
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Advisory flags an upsert whose action did not match the store state. They
// are informational only; the mutation is applied regardless.
type Advisory int

const (
	AdvisoryNone Advisory = iota
	// AdvisoryUpdateUnknown: an update targeted an id that did not exist and
	// created it.
	AdvisoryUpdateUnknown
	// AdvisoryCreateExisting: a create targeted an id that already existed
	// and replaced its attributes.
	AdvisoryCreateExisting
)

func (a Advisory) String() string {
	switch a {
	case AdvisoryUpdateUnknown:
		return "update to unknown id"
	case AdvisoryCreateExisting:
		return "create over existing id"
	default:
		return "none"
	}
}

// UpsertRequest carries a create or update.
type UpsertRequest struct {
	ID        string
	Type      string
	Data      map[string]any
	Persist   bool
	TTL       message.TTL
	IsUpdate  bool
	Overwrite bool
}

// UpsertResult reports what the upsert did.
type UpsertResult struct {
	Existed  bool
	Advisory Advisory
}

// Reconciler is the only way other components mutate the object graph.
type Reconciler interface {
	Upsert(req UpsertRequest) UpsertResult
	Remove(id string) bool
	Has(id string) bool
}

// ChangeKind is the kind of a store change.
type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Removed ChangeKind = "removed"
	Expired ChangeKind = "expired"
)

// Change is published to watchers after every mutation.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Object Object     `json:"object"`
}

// Store is the live object map. Mutations are expected from a single
// goroutine; reads and watchers may come from anywhere.
type Store struct {
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	objects   map[string]*Object
	expiries  expiryHeap
	expiryGen int

	watchMu  sync.Mutex
	nextID   int
	watchers map[int]chan Change
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:    clock.New(),
		logger:   zap.NewNop(),
		objects:  make(map[string]*Object),
		watchers: make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scene")
	return s
}

// Upsert creates or updates an object.
//
// An existing object hit by an update with Overwrite gets its attribute set
// replaced; without Overwrite new keys are merged over the old ones. A create
// for an existing id replaces too. An update for a missing id inserts it.
func (s *Store) Upsert(req UpsertRequest) UpsertResult {
	now := s.clock.Now()

	s.mu.Lock()
	obj, existed := s.objects[req.ID]
	res := UpsertResult{Existed: existed}
	kind := Updated
	switch {
	case !existed:
		obj = &Object{ID: req.ID, CreatedAt: now}
		s.objects[req.ID] = obj
		kind = Created
		obj.Data = cloneData(req.Data)
		obj.Persist = req.Persist
		if req.IsUpdate {
			res.Advisory = AdvisoryUpdateUnknown
		}
	case req.IsUpdate && !req.Overwrite:
		for k, v := range req.Data {
			obj.Data[k] = v
		}
		obj.Persist = obj.Persist || req.Persist
	default:
		obj.Data = cloneData(req.Data)
		obj.Persist = req.Persist
		obj.ParentID = ""
		if !req.IsUpdate {
			res.Advisory = AdvisoryCreateExisting
		}
	}
	if req.Type != "" {
		obj.Type = req.Type
	}
	if parent, ok := req.Data["parent"]; ok {
		p, _ := parent.(string)
		obj.ParentID = p
	}
	if !req.TTL.Keep() {
		if req.TTL.Seconds >= 0 {
			s.scheduleLocked(obj, now.Add(time.Duration(req.TTL.Seconds*float64(time.Second))))
		} else {
			s.logger.Debug("ignoring negative ttl", zap.String("object_id", req.ID), zap.Float64("ttl", req.TTL.Seconds))
		}
	}
	obj.UpdatedAt = now
	change := Change{Kind: kind, Object: obj.clone()}
	s.mu.Unlock()

	s.notify(change)
	return res
}

// scheduleLocked stamps the object with a store-wide generation, so heap
// entries left by an earlier object with the same id never match.
func (s *Store) scheduleLocked(obj *Object, at time.Time) {
	s.expiryGen++
	obj.expiryGen = s.expiryGen
	obj.ExpiresAt = &at
	heap.Push(&s.expiries, expiry{id: obj.ID, at: at, gen: obj.expiryGen})
}

// Remove deletes an object and, transitively, every object whose "dep"
// attribute names a removed one. It reports whether id existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	changes := s.removeLocked(id, Removed)
	s.mu.Unlock()
	for _, c := range changes {
		s.notify(c)
	}
	return len(changes) > 0
}

func (s *Store) removeLocked(id string, kind ChangeKind) []Change {
	obj, ok := s.objects[id]
	if !ok {
		return nil
	}
	delete(s.objects, id)
	changes := []Change{{Kind: kind, Object: obj.clone()}}
	pending := []string{id}
	for len(pending) > 0 {
		gone := pending[0]
		pending = pending[1:]
		for depID, dep := range s.objects {
			if d, _ := dep.Data["dep"].(string); d == gone {
				delete(s.objects, depID)
				changes = append(changes, Change{Kind: Removed, Object: dep.clone()})
				pending = append(pending, depID)
			}
		}
	}
	return changes
}

// Sweep removes every object whose expiry has passed and returns their ids.
func (s *Store) Sweep() []string {
	now := s.clock.Now()
	var changes []Change
	var expired []string

	s.mu.Lock()
	for s.expiries.Len() > 0 {
		next := s.expiries[0]
		if next.at.After(now) {
			break
		}
		heap.Pop(&s.expiries)
		obj, ok := s.objects[next.id]
		if !ok || obj.expiryGen != next.gen {
			continue
		}
		expired = append(expired, next.id)
		changes = append(changes, s.removeLocked(next.id, Expired)...)
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.notify(c)
	}
	return expired
}

// Clear drops every object, as at session teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.objects = make(map[string]*Object)
	s.expiries = nil
	s.mu.Unlock()
}

func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok
}

// Get returns a copy of the object.
func (s *Store) Get(id string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return Object{}, false
	}
	return obj.clone(), true
}

// List returns copies of every object ordered by id.
func (s *Store) List() []Object {
	s.mu.RLock()
	out := make([]Object, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Watch streams changes until cancel is called. Slow watchers miss changes
// rather than stall the store.
func (s *Store) Watch() (<-chan Change, func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Change, 64)
	s.watchers[id] = ch
	cancel := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
	}
	return ch, cancel
}

func (s *Store) notify(c Change) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

type expiry struct {
	id  string
	at  time.Time
	gen int
}

type expiryHeap []expiry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
