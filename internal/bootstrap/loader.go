// Package bootstrap turns a persisted scene snapshot into parent-first
// create dispatches.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"arena-scenesync/internal/dispatch"
	"arena-scenesync/internal/message"
)

// Record types with special handling.
const (
	TypeObject       = "object"
	TypeProgram      = "program"
	TypeSceneOptions = "scene-options"
)

var (
	ErrSelfParent      = errors.New("object is its own parent")
	ErrCycle           = errors.New("circular parent reference")
	ErrOrphan          = errors.New("parent not found")
	ErrMissingObjectID = errors.New("record has no object_id")
	ErrNotApplied      = errors.New("create was not applied")
	// ErrLoopBound means resolution needed more passes than there are
	// records. It indicates a bug in the loader, not bad input.
	ErrLoopBound = errors.New("bootstrap exceeded loop bound")
)

// Record is one persisted object as served by the persistence service.
type Record struct {
	ObjectID   string         `json:"object_id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

func (r Record) parent() (string, bool) {
	v, ok := r.Attributes["parent"]
	if !ok {
		return "", false
	}
	p, _ := v.(string)
	return p, true
}

// Diagnostic records a dropped record.
type Diagnostic struct {
	ObjectID string `json:"object_id"`
	Err      error  `json:"-"`
	Reason   string `json:"reason"`
}

// Result summarizes one load.
type Result struct {
	// Created lists dispatched ids in dispatch order.
	Created []string
	Dropped []Diagnostic
	// Programs are deferred to the program runtime, not created as objects.
	Programs []Record
	// Skipped lists records that are neither objects nor programs, and our
	// own reserved object.
	Skipped           []string
	Container         string
	StartingPositions int
}

// Dispatcher is where synthesized creates are sent.
type Dispatcher interface {
	Dispatch(in dispatch.Inbound) dispatch.Outcome
}

// Realized reports objects that already exist in the scene.
type Realized interface {
	Has(id string) bool
}

// Options for one load.
type Options struct {
	// Parent and Prefix load the snapshot under an existing object: a
	// "{Prefix}_container" child of Parent is created first and top-level
	// records are reparented to it.
	Parent string
	Prefix string
}

// Loader is safe to reuse across loads but not concurrently.
type Loader struct {
	dispatcher Dispatcher
	realized   Realized
	selfID     string
	logger     *zap.Logger
}

// NewLoader builds a loader. selfID is never recreated from a snapshot.
func NewLoader(d Dispatcher, realized Realized, selfID string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{dispatcher: d, realized: realized, selfID: selfID, logger: logger.Named("bootstrap")}
}

// Load dispatches a create for every record whose parent chain resolves,
// parents strictly before children. Bad records are dropped with a
// diagnostic; the only error is ErrLoopBound.
func (l *Loader) Load(ctx context.Context, records []Record, opts Options) (Result, error) {
	_, span := otel.Tracer("arena-scenesync/bootstrap").Start(ctx, "bootstrap.load")
	defer span.End()

	run := &loadRun{
		loader:  l,
		pending: make(map[string]Record, len(records)),
		dropped: make(map[string]error),
	}
	if len(records) == 0 {
		l.logger.Warn("no scene objects found in persistence")
		return run.res, nil
	}

	if opts.Parent != "" && opts.Prefix != "" && l.realized.Has(opts.Parent) {
		run.container = opts.Prefix + "_container"
		run.res.Container = run.container
		run.dispatchCreate(Record{ObjectID: run.container, Type: TypeObject, Attributes: map[string]any{"parent": opts.Parent}}, false)
	}

	for _, rec := range records {
		if rec.ObjectID == "" {
			run.drop(rec.ObjectID, ErrMissingObjectID)
			continue
		}
		if _, seen := run.pending[rec.ObjectID]; !seen {
			run.order = append(run.order, rec.ObjectID)
		}
		run.pending[rec.ObjectID] = rec
	}

	var err error
	passes := 0
	for len(run.pending) > 0 {
		passes++
		if passes > len(records) {
			err = fmt.Errorf("%w: %d records unresolved", ErrLoopBound, len(run.pending))
			l.logger.Error("looped more than number of persisted objects, aborting", zap.Int("unresolved", len(run.pending)))
			span.RecordError(err)
			span.SetStatus(codes.Error, "loop bound")
			break
		}
		run.visit(run.next(), nil)
	}

	span.SetAttributes(
		attribute.Int("records", len(records)),
		attribute.Int("created", len(run.res.Created)),
		attribute.Int("dropped", len(run.res.Dropped)),
		attribute.Int("programs", len(run.res.Programs)),
	)
	return run.res, err
}

type loadRun struct {
	loader    *Loader
	pending   map[string]Record
	order     []string
	cursor    int
	container string
	dropped   map[string]error
	res       Result
}

// next returns the earliest pending record in snapshot order.
func (r *loadRun) next() Record {
	for r.cursor < len(r.order) {
		id := r.order[r.cursor]
		if rec, ok := r.pending[id]; ok {
			return rec
		}
		r.cursor++
	}
	// unreachable while pending is non-empty
	for _, rec := range r.pending {
		return rec
	}
	return Record{}
}

func (r *loadRun) visit(rec Record, chain []string) {
	id := rec.ObjectID
	switch rec.Type {
	case TypeProgram:
		delete(r.pending, id)
		r.res.Programs = append(r.res.Programs, rec)
		return
	case TypeObject:
	default:
		delete(r.pending, id)
		r.res.Skipped = append(r.res.Skipped, id)
		return
	}
	if id == r.loader.selfID {
		delete(r.pending, id)
		r.res.Skipped = append(r.res.Skipped, id)
		return
	}

	rec.Attributes = cloneAttributes(rec.Attributes)
	if id == "screenshare" {
		if _, ok := rec.Attributes["landmark"]; !ok {
			rec.Attributes["landmark"] = map[string]any{
				"label":           "Screen: screenshare (nearby)",
				"randomRadiusMin": 2,
				"randomRadiusMax": 3,
			}
		}
	}
	if _, has := rec.parent(); !has && r.container != "" {
		rec.Attributes["parent"] = r.container
	}

	if parent, _ := rec.parent(); parent != "" && !r.loader.realized.Has(parent) {
		if parent == id {
			r.drop(id, ErrSelfParent)
			return
		}
		for _, ancestor := range chain {
			if ancestor == parent {
				r.drop(id, ErrCycle)
				return
			}
		}
		parentRec, ok := r.pending[parent]
		if !ok {
			if cause, dropped := r.dropped[parent]; dropped {
				r.drop(id, cause)
			} else {
				r.drop(id, ErrOrphan)
			}
			return
		}
		r.visit(parentRec, append(chain[:len(chain):len(chain)], id))
		if !r.loader.realized.Has(parent) {
			cause, dropped := r.dropped[parent]
			if !dropped {
				cause = ErrOrphan
			}
			r.drop(id, cause)
			return
		}
	}

	r.dispatchCreate(rec, true)
}

func (r *loadRun) dispatchCreate(rec Record, persist bool) {
	delete(r.pending, rec.ObjectID)
	data := rec.Attributes
	if data == nil {
		data = map[string]any{}
	}
	w, err := message.ToWire(message.Create{ObjectID: rec.ObjectID, Type: rec.Type, Data: data, Persist: persist})
	if err != nil {
		r.drop(rec.ObjectID, err)
		return
	}
	out := r.loader.dispatcher.Dispatch(dispatch.Inbound{Wire: w})
	if !out.Applied {
		err := ErrNotApplied
		if out.Err != nil {
			err = fmt.Errorf("%w: %v", ErrNotApplied, out.Err)
		}
		r.drop(rec.ObjectID, err)
		return
	}
	r.res.Created = append(r.res.Created, rec.ObjectID)
	if isStartingPosition(data) {
		r.res.StartingPositions++
	}
}

func (r *loadRun) drop(id string, err error) {
	delete(r.pending, id)
	if id != "" {
		r.dropped[id] = err
	}
	r.res.Dropped = append(r.res.Dropped, Diagnostic{ObjectID: id, Err: err, Reason: err.Error()})
	r.loader.logger.Warn("skipping persisted object", zap.String("object_id", id), zap.Error(err))
}

func isStartingPosition(data map[string]any) bool {
	landmark, ok := data["landmark"].(map[string]any)
	if !ok {
		return false
	}
	start, _ := landmark["startingPosition"].(bool)
	return start
}

func cloneAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
