package pipeline

import (
	"log/slog"

	"github.com/polisai/polis-relay/pkg/event"
)

// Filter is one processing step in a layout. Process receives every event
// reaching the step and forwards, transforms or absorbs it by calling
// Stage.Output zero or more times.
type Filter interface {
	Process(s *Stage, evt event.Event) error
}

// Releaser is implemented by filters that hold resources beyond the instance
// lifetime: sub-pipeline references, pooled handles, connections.
type Releaser interface {
	Release(s *Stage)
}

// Holder is implemented by filters that can still produce output after
// their input has ended, because work they started completes later on the
// strand: replies from a shared pipeline, upstream reads, timers.
type Holder interface {
	Holding() bool
}

// FilterFunc adapts a stateless function to Filter.
type FilterFunc func(s *Stage, evt event.Event) error

// Process calls f.
func (f FilterFunc) Process(s *Stage, evt event.Event) error { return f(s, evt) }

// Spec describes one filter of a layout. New is called once per instance.
type Spec struct {
	Kind   string
	Input  event.Discipline
	Output event.Discipline
	// Subs names the sub-pipeline layouts the filter may spawn, either
	// "layout" within the same module or "module/layout".
	Subs []string
	New  func() Filter
}

// Stage binds a filter to its position in a live instance.
type Stage struct {
	inst   *Instance
	index  int
	spec   Spec
	filter Filter
}

// Output passes evt to the next filter, or out of the instance after the
// last one.
func (s *Stage) Output(evt event.Event) error {
	return s.inst.feed(s.index+1, evt)
}

// Context returns the instance's session context.
func (s *Stage) Context() *Context { return s.inst.ctx }

// Instance returns the owning instance.
func (s *Stage) Instance() *Instance { return s.inst }

// Layout returns the layout the stage belongs to.
func (s *Stage) Layout() *Layout { return s.inst.layout }

// Module returns the module the layout is defined in.
func (s *Stage) Module() *Module { return s.inst.layout.module }

// Kind returns the filter kind.
func (s *Stage) Kind() string { return s.spec.Kind }

// Index returns the stage position within the layout.
func (s *Stage) Index() int { return s.index }

// Sub returns the i-th sub-pipeline layout declared by the spec, or nil.
func (s *Stage) Sub(i int) *Layout {
	subs := s.inst.layout.subs[s.index]
	if i < 0 || i >= len(subs) {
		return nil
	}
	return subs[i]
}

// Subs returns every resolved sub-pipeline layout of the spec.
func (s *Stage) Subs() []*Layout {
	return s.inst.layout.subs[s.index]
}

// Logger returns a logger annotated with the layout and filter.
func (s *Stage) Logger() *slog.Logger {
	return s.inst.ctx.logger.With("layout", s.inst.layout.QualifiedName(), "filter", s.spec.Kind)
}

// Get reads a variable visible in the stage's module.
func (s *Stage) Get(name string) (any, error) {
	return s.inst.ctx.Lookup(s.Module(), name)
}

// Set writes a variable visible in the stage's module.
func (s *Stage) Set(name string, value any) error {
	return s.inst.ctx.Assign(s.Module(), name, value)
}

// Spawn creates a child instance owned by this stage's instance. Passing the
// stage's own context shares it; passing a clone gives the child its own
// scope, which ends with the child.
func (s *Stage) Spawn(layout *Layout, ctx *Context, sink Sink) (*Instance, error) {
	return s.inst.spawn(layout, ctx, sink)
}
