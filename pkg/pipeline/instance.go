package pipeline

import (
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
)

const tracerName = "github.com/polisai/polis-relay/pkg/pipeline"

// Sink receives the events an instance emits from its last filter.
type Sink func(evt event.Event) error

// Instance is a live activation of a layout bound to a context. It owns one
// filter per spec and every child instance spawned by those filters.
//
// An instance that has received StreamEnd accepts no further input. Once it
// emits StreamEnd, or is released explicitly, it releases its filters and
// children. Instances are confined to their context's strand.
type Instance struct {
	layout   *Layout
	ctx      *Context
	ownsCtx  bool
	stages   []*Stage
	sink     Sink
	parent   *Instance
	children []*Instance
	span     trace.Span

	depth          int
	inputEnded     bool
	outputEnded    bool
	releasePending bool
	released       bool
}

// NewInstance creates a top-level instance. The instance owns ctx and ends
// it when released.
func NewInstance(layout *Layout, ctx *Context, sink Sink) (*Instance, error) {
	return newInstance(layout, ctx, sink, nil, true)
}

func newInstance(layout *Layout, ctx *Context, sink Sink, parent *Instance, ownsCtx bool) (*Instance, error) {
	if layout == nil {
		return nil, &domain.LoadError{Err: domain.ErrUnknownLayout, Detail: "nil layout"}
	}
	p := layout.module.program
	if !p.Resolved() || layout.subs == nil && len(layout.specs) > 0 {
		return nil, &domain.LoadError{Err: domain.ErrNotResolved, Module: layout.module.name, Layout: layout.name}
	}
	if ctx.program != p {
		return nil, &domain.LoadError{Err: domain.ErrUnknownModule, Module: layout.module.name, Layout: layout.name, Detail: "context belongs to another program"}
	}

	inst := &Instance{
		layout:  layout,
		ctx:     ctx,
		ownsCtx: ownsCtx,
		sink:    sink,
		parent:  parent,
	}
	_, inst.span = otel.Tracer(tracerName).Start(ctx.base, "pipeline "+layout.QualifiedName(),
		trace.WithAttributes(
			attribute.String("pipeline.layout", layout.QualifiedName()),
			attribute.Bool("pipeline.child", parent != nil),
		))
	inst.stages = make([]*Stage, len(layout.specs))
	for i, spec := range layout.specs {
		inst.stages[i] = &Stage{inst: inst, index: i, spec: spec, filter: spec.New()}
	}
	return inst, nil
}

func (i *Instance) spawn(layout *Layout, ctx *Context, sink Sink) (*Instance, error) {
	if i.released {
		return nil, domain.ErrClosedInstance
	}
	child, err := newInstance(layout, ctx, sink, i, ctx != i.ctx)
	if err != nil {
		return nil, err
	}
	i.children = append(i.children, child)
	return child, nil
}

// Layout returns the layout the instance runs.
func (i *Instance) Layout() *Layout { return i.layout }

// Context returns the instance's context.
func (i *Instance) Context() *Context { return i.ctx }

// Children returns the live child instances.
func (i *Instance) Children() []*Instance { return slices.Clone(i.children) }

// Closed reports whether the instance stopped accepting input.
func (i *Instance) Closed() bool { return i.inputEnded || i.released || i.releasePending }

// Holding reports whether a filter of the instance, or of one of its
// children, still has output pending. A closed instance that is not holding
// will not emit anything more.
func (i *Instance) Holding() bool {
	if i.released {
		return false
	}
	for _, st := range i.stages {
		if h, ok := st.filter.(Holder); ok && h.Holding() {
			return true
		}
	}
	for _, c := range i.children {
		if c.Holding() {
			return true
		}
	}
	return false
}

// Released reports whether the instance has been torn down.
func (i *Instance) Released() bool { return i.released }

// Process feeds one event into the first filter. Context writes made by a
// filter are visible to later filters and children before Process returns.
func (i *Instance) Process(evt event.Event) error {
	if i.Closed() {
		return domain.ErrClosedInstance
	}
	if event.IsEnd(evt) {
		i.inputEnded = true
	}
	return i.feed(0, evt)
}

// ProcessAll feeds events in order and stops at the first error.
func (i *Instance) ProcessAll(events ...event.Event) error {
	for _, evt := range events {
		if err := i.Process(evt); err != nil {
			return err
		}
	}
	return nil
}

// Release tears the instance down: filters are released in reverse order,
// then remaining children, then the owned context ends. Releasing from
// inside one of the instance's own filters is deferred until that call
// unwinds. Release is idempotent.
func (i *Instance) Release() {
	if i.released {
		return
	}
	if i.depth > 0 {
		i.releasePending = true
		return
	}
	i.released = true

	for idx := len(i.stages) - 1; idx >= 0; idx-- {
		st := i.stages[idx]
		if r, ok := st.filter.(Releaser); ok {
			r.Release(st)
		}
	}
	for len(i.children) > 0 {
		child := i.children[len(i.children)-1]
		child.Release()
		if n := len(i.children); n > 0 && i.children[n-1] == child {
			i.children = i.children[:n-1]
		}
	}
	if i.parent != nil {
		i.parent.removeChild(i)
	}
	if i.ownsCtx {
		i.ctx.End()
	}
	i.span.End()
}

func (i *Instance) removeChild(child *Instance) {
	if idx := slices.Index(i.children, child); idx >= 0 {
		i.children = slices.Delete(i.children, idx, idx+1)
	}
}

func (i *Instance) feed(idx int, evt event.Event) error {
	if i.released || i.outputEnded {
		return nil
	}
	i.depth++
	defer func() {
		i.depth--
		if i.depth == 0 && i.releasePending {
			i.releasePending = false
			i.Release()
		}
	}()

	if idx < len(i.stages) {
		st := i.stages[idx]
		if i.ctx.observe != nil {
			i.ctx.observe(Observation{Layout: i.layout.QualifiedName(), Index: idx, Kind: st.spec.Kind, Event: evt})
		}
		return st.filter.Process(st, evt)
	}
	if event.IsEnd(evt) {
		i.outputEnded = true
		i.releasePending = true
	}
	if i.sink == nil {
		return nil
	}
	return i.sink(evt)
}
