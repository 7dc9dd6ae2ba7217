// Package store owns the in-memory tables of open and closed traces and
// spans. It is not a durable store: delivery to a tracking backend is the
// lifecycle controller's job, not the store's.
//
// Concurrency contract: operations against the same trace are serialized by
// a per-trace mutex, which preserves the no-duplicate-span, parent-exists,
// and single-terminal-transition invariants. Operations against different
// traces do not contend beyond a short read-lock on the trace table.
package store

import (
	"fmt"
	"sync"

	"github.com/kiseki-ai/kiseki/internal/model"
)

// Registry is the in-memory trace/span table.
type Registry struct {
	mu     sync.RWMutex
	traces map[model.TraceID]*entry
}

// entry holds one trace and its spans. All fields are guarded by mu.
type entry struct {
	mu       sync.Mutex
	trace    model.Trace
	spans    map[model.SpanID]*model.Span
	order    []model.SpanID // insertion order, for deterministic export
	children map[model.SpanID][]model.SpanID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{traces: make(map[model.TraceID]*entry)}
}

// InsertTrace registers a new trace. The trace's root span must be inserted
// separately via InsertSpan.
func (r *Registry) InsertTrace(t model.Trace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.traces[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrace, t.ID)
	}
	r.traces[t.ID] = &entry{
		trace:    t.Clone(),
		spans:    make(map[model.SpanID]*model.Span),
		children: make(map[model.SpanID][]model.SpanID),
	}
	return nil
}

// InsertSpan adds a span to its trace. The parent, when set, must already
// exist within the same trace; on any failure the store is left unmodified.
func (r *Registry) InsertSpan(s model.Span) error {
	e, err := r.entry(s.TraceID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTrace, s.TraceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.spans[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSpan, s.ID)
	}
	if s.ParentID != nil {
		if _, ok := e.spans[*s.ParentID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParent, *s.ParentID)
		}
	}

	cp := s.Clone()
	e.spans[cp.ID] = &cp
	e.order = append(e.order, cp.ID)
	if cp.ParentID != nil {
		e.children[*cp.ParentID] = append(e.children[*cp.ParentID], cp.ID)
	}
	return nil
}

// GetTrace returns a copy of the trace record.
func (r *Registry) GetTrace(traceID model.TraceID) (model.Trace, error) {
	e, err := r.entry(traceID)
	if err != nil {
		return model.Trace{}, fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trace.Clone(), nil
}

// GetSpan returns a copy of one span record.
func (r *Registry) GetSpan(traceID model.TraceID, spanID model.SpanID) (model.Span, error) {
	e, err := r.entry(traceID)
	if err != nil {
		return model.Span{}, fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.spans[spanID]
	if !ok {
		return model.Span{}, fmt.Errorf("%w: span %s", ErrNotFound, spanID)
	}
	return s.Clone(), nil
}

// Spans returns copies of all spans of the trace in insertion order.
func (r *Registry) Spans(traceID model.TraceID) ([]model.Span, error) {
	e, err := r.entry(traceID)
	if err != nil {
		return nil, fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spansLocked(), nil
}

// ChildrenOf returns the IDs of the direct children of a span.
func (r *Registry) ChildrenOf(traceID model.TraceID, spanID model.SpanID) ([]model.SpanID, error) {
	e, err := r.entry(traceID)
	if err != nil {
		return nil, fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.spans[spanID]; !ok {
		return nil, fmt.Errorf("%w: span %s", ErrNotFound, spanID)
	}
	return append([]model.SpanID(nil), e.children[spanID]...), nil
}

// UpdateSpan applies a partial update to a running span. Mutating a span
// that already reached a terminal status fails with ErrAlreadyClosed and
// leaves the record untouched.
func (r *Registry) UpdateSpan(traceID model.TraceID, spanID model.SpanID, mut func(*model.Span) error) error {
	e, err := r.entry(traceID)
	if err != nil {
		return fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.spans[spanID]
	if !ok {
		return fmt.Errorf("%w: span %s", ErrNotFound, spanID)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: span %s", ErrAlreadyClosed, spanID)
	}
	return mut(s)
}

// UpdateTrace applies a partial update to a running trace. An ended trace is
// frozen; mutating it fails with ErrAlreadyClosed.
func (r *Registry) UpdateTrace(traceID model.TraceID, mut func(*model.Trace) error) error {
	e, err := r.entry(traceID)
	if err != nil {
		return fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trace.Status.Terminal() {
		return fmt.Errorf("%w: trace %s", ErrAlreadyClosed, traceID)
	}
	return mut(&e.trace)
}

/// Finalize runs the closing mutation atomically under the trace's lock: the
// callback sees the live trace record and every live span record, and no
// start/end operation on this trace can interleave with it. Fails with
// ErrAlreadyClosed if the trace is no longer running. On success the frozen
// trace and span copies are returned as a CompletedTrace.
func (r *Registry) Finalize(traceID model.TraceID, mut func(t *model.Trace, spans []*model.Span) error) (model.CompletedTrace, error) {
	e, err := r.entry(traceID)
	if err != nil {
		return model.CompletedTrace{}, fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trace.Status.Terminal() {
		return model.CompletedTrace{}, fmt.Errorf("%w: trace %s", ErrAlreadyClosed, traceID)
	}

	live := make([]*model.Span, 0, len(e.order))
	for _, id := range e.order {
		live = append(live, e.spans[id])
	}
	if err := mut(&e.trace, live); err != nil {
		return model.CompletedTrace{}, err
	}

	return model.CompletedTrace{
		Trace: e.trace.Clone(),
		Spans: e.spansLocked(),
	}, nil
}

// Delete removes a trace and all its spans from the registry. The controller
// never calls this; eviction of finalized traces is the caller's decision.
func (r *Registry) Delete(traceID model.TraceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.traces[traceID]; !ok {
		return fmt.Errorf("%w: trace %s", ErrNotFound, traceID)
	}
	delete(r.traces, traceID)
	return nil
}

// Len returns the number of traces currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.traces)
}

func (r *Registry) entry(traceID model.TraceID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.traces[traceID]
	if !ok {
		return nil, ErrUnknownTrace
	}
	return e, nil
}

// spansLocked copies all spans in insertion order. Caller holds e.mu.
func (e *entry) spansLocked() []model.Span {
	out := make([]model.Span, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.spans[id].Clone())
	}
	return out
}
