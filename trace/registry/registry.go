// Package registry owns the shared run collection: a keyed set of per-run
// trace snapshots mutated exclusively through event application and the
// small accessor contract consumers are allowed to use.
//
// The registry is an explicitly owned object with an injectable lifecycle:
// construct one at application start (or per test) and dispose of it with
// the rest of the engine. There is no package-level state, so tests never
// leak runs into one another.
//
// Concurrency: multiple runs may stream events concurrently. The registry
// serializes mutations under one lock; updates to different runs interleave
// without corrupting each other, and accessors hand out deep clones that
// consumers may read without further synchronization.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/tracefold/runtrace/trace"
	"github.com/tracefold/runtrace/trace/event"
	"github.com/tracefold/runtrace/trace/reduce"
)

// meterName scopes the registry's OTEL instruments.
const meterName = "github.com/tracefold/runtrace/trace/registry"

// Registry holds every tracked run, keyed by run ID, plus the active-run
// selection. Runs are created on first reference (first event or explicit
// Ensure) and destroyed only by Clear; there is no garbage collection by
// age or count.
type Registry struct {
	mu     sync.RWMutex
	runs   map[string]*trace.Run
	active string

	meter metric.Meter
}

// New constructs an empty registry. Metrics use the global OTEL meter
// provider; configure it before constructing the engine when instrument
// export matters.
func New() *Registry {
	return &Registry{
		runs:  make(map[string]*trace.Run),
		meter: otel.Meter(meterName),
	}
}

// Apply routes one decoded envelope into the reducer for its run, creating
// the run on first reference. Control frames are ignored. Events the reducer
// cannot apply (undecodable payloads, unresolvable step references) are
// counted, logged at debug level, and dropped: one bad event must not take
// down an otherwise healthy run's live view, and it must never alter state.
func (g *Registry) Apply(ctx context.Context, env event.Envelope) {
	if env.RunID == "" || env.Kind.Control() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[env.RunID]
	if !ok {
		r = trace.NewRun(env.RunID)
		g.runs[env.RunID] = r
	}
	if err := reduce.Apply(r, env); err != nil {
		g.count(ctx, "runtrace.events.dropped", string(env.Kind))
		log.Debug(ctx, log.KV{K: "msg", V: "event dropped"},
			log.KV{K: "run_id", V: env.RunID},
			log.KV{K: "kind", V: string(env.Kind)},
			log.KV{K: "err", V: err.Error()})
		return
	}
	g.count(ctx, "runtrace.events.applied", string(env.Kind))
}

// Ensure creates the run with safe defaults if it does not exist yet. The
// subscription manager calls this when a subscription opens before any event
// has arrived for the run.
func (g *Registry) Ensure(id string) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runs[id]; !ok {
		g.runs[id] = trace.NewRun(id)
	}
}

// Seed installs a run snapshot fetched over the control API. It only takes
// effect while the registry knows nothing about the run (absent, or present
// with no applied events): once the stream is flowing, events are the sole
// source of truth.
func (g *Registry) Seed(r *trace.Run) {
	if r == nil || r.ID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.runs[r.ID]
	if ok && len(existing.Events) > 0 {
		return
	}
	g.runs[r.ID] = r.Clone()
}

// Run returns a snapshot of the run, or nil when it is not tracked. Run
// never creates as a side effect.
func (g *Registry) Run(id string) *trace.Run {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runs[id].Clone()
}

// Runs returns snapshots of every tracked run, ordered by run ID.
func (g *Registry) Runs() []*trace.Run {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*trace.Run, 0, len(g.runs))
	for _, r := range g.runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveRun returns a snapshot of the currently selected run, or nil.
func (g *Registry) ActiveRun() *trace.Run {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.active == "" {
		return nil
	}
	return g.runs[g.active].Clone()
}

// SetActiveRun changes the selection. Empty id clears it. Selection is pure
// UI state: it has no event-log effect and does not create runs.
func (g *Registry) SetActiveRun(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = id
}

// ToggleStepExpanded flips the UI-only expansion flag on one step. No other
// field is touched. Unknown runs or step indexes are ignored.
func (g *Registry) ToggleStepExpanded(id string, stepIndex int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[id]
	if !ok {
		return
	}
	if step := r.Step(stepIndex); step != nil {
		step.Expanded = !step.Expanded
	}
}

// Clear removes the run from the registry. If the cleared run was the
// active selection, the selection becomes empty. Callers that hold a
// subscription for the run must tear it down first (the subscription
// manager's Clear does both).
func (g *Registry) Clear(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, id)
	if g.active == id {
		g.active = ""
	}
}

// Reset removes every run and clears the selection.
func (g *Registry) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs = make(map[string]*trace.Run)
	g.active = ""
}

func (g *Registry) count(ctx context.Context, name, kind string) {
	counter, err := g.meter.Int64Counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
