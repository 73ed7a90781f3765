package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
)

// ContextOptions configures a new Context.
type ContextOptions struct {
	// ID identifies the session in logs. Optional.
	ID string
	// Logger receives filter logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Strand serializes work for the session. A fresh strand is created when nil.
	Strand *Strand
	// Base carries cancellation and trace state for I/O done on behalf of
	// the session. Defaults to context.Background().
	Base context.Context
	// Observer, when set, sees every event before a filter processes it.
	// Contexts cloned from this one inherit it.
	Observer func(Observation)
}

// Observation is one event about to enter a filter.
type Observation struct {
	Layout string
	Index  int
	Kind   string
	Event  event.Event
}

// Context holds a session's variable cells, seeded from the declared
// defaults of every module in the program. A context is confined to its
// strand: it must only be read or written by tasks running there.
type Context struct {
	program *Program
	id      string
	slots   [][]any
	strand  *Strand
	logger  *slog.Logger
	base    context.Context
	observe func(Observation)
	onEnd   []func()
	ended   bool
}

// NewContext creates a context for a resolved program.
func NewContext(p *Program, opts ContextOptions) (*Context, error) {
	if !p.Resolved() {
		return nil, domain.ErrNotResolved
	}
	modules := p.Modules()
	slots := make([][]any, len(modules))
	for i, m := range modules {
		slots[i] = m.defaults()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Strand == nil {
		opts.Strand = NewStrand()
	}
	if opts.Base == nil {
		opts.Base = context.Background()
	}
	logger := opts.Logger
	if opts.ID != "" {
		logger = logger.With("session_id", opts.ID)
	}
	return &Context{
		program: p,
		id:      opts.ID,
		slots:   slots,
		strand:  opts.Strand,
		logger:  logger,
		base:    opts.Base,
		observe: opts.Observer,
	}, nil
}

// ID returns the session identifier, if any.
func (c *Context) ID() string { return c.id }

// Program returns the program the context was created for.
func (c *Context) Program() *Program { return c.program }

// Strand returns the strand the context is confined to.
func (c *Context) Strand() *Strand { return c.strand }

// Base returns the Go context for I/O and tracing.
func (c *Context) Base() context.Context { return c.base }

// WithBase replaces the Go context, typically to attach a span.
func (c *Context) WithBase(base context.Context) { c.base = base }

// Logger returns the session logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Get reads a cell.
func (c *Context) Get(ref VarRef) any {
	return c.slots[ref.Module][ref.Slot]
}

// Set writes a cell. The write is visible to every instance sharing the
// context as soon as Set returns.
func (c *Context) Set(ref VarRef, value any) {
	c.slots[ref.Module][ref.Slot] = value
}

// Lookup reads a variable by the name visible in module m.
func (c *Context) Lookup(m *Module, name string) (any, error) {
	ref, ok := m.Ref(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s in module %s", domain.ErrUnknownVariable, name, m.Name())
	}
	return c.Get(ref), nil
}

// Assign writes a variable by the name visible in module m.
func (c *Context) Assign(m *Module, name string, value any) error {
	ref, ok := m.Ref(name)
	if !ok {
		return fmt.Errorf("%w: %s in module %s", domain.ErrUnknownVariable, name, m.Name())
	}
	c.Set(ref, value)
	return nil
}

// Env returns the variables visible in module m keyed by local name.
func (c *Context) Env(m *Module) map[string]any {
	names := m.Names()
	env := make(map[string]any, len(names))
	for _, name := range names {
		ref, _ := m.Ref(name)
		env[name] = c.Get(ref)
	}
	return env
}

// Clone copies the current values into an independent context on the same
// strand. Values are copied shallowly. End listeners are not inherited.
func (c *Context) Clone() *Context {
	return c.CloneOn(c.strand)
}

// CloneOn is Clone onto another strand, for instances that outlive the
// session that created them.
func (c *Context) CloneOn(s *Strand) *Context {
	slots := make([][]any, len(c.slots))
	for i, mod := range c.slots {
		slots[i] = append([]any(nil), mod...)
	}
	return &Context{
		program: c.program,
		id:      c.id,
		slots:   slots,
		strand:  s,
		logger:  c.logger,
		base:    c.base,
		observe: c.observe,
	}
}

// OnEnd registers fn to run when the context ends. Listeners run once, in
// registration order. Registering on an ended context runs fn immediately.
func (c *Context) OnEnd(fn func()) {
	if c.ended {
		fn()
		return
	}
	c.onEnd = append(c.onEnd, fn)
}

// End runs the end listeners. Subsequent calls do nothing.
func (c *Context) End() {
	if c.ended {
		return
	}
	c.ended = true
	listeners := c.onEnd
	c.onEnd = nil
	for _, fn := range listeners {
		fn()
	}
}

// Ended reports whether End has run.
func (c *Context) Ended() bool { return c.ended }
