package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/polisai/polis-relay/pkg/domain"
)

// VarRef addresses one variable cell in a Context: the owning module and the
// slot within it. References are computed once by Program.Resolve.
type VarRef struct {
	Module int
	Slot   int
}

// Program is a set of modules that are resolved together. After Resolve the
// program and everything in it is immutable and may be shared by any number
// of concurrent sessions.
type Program struct {
	mu       sync.Mutex
	modules  []*Module
	byName   map[string]*Module
	exports  map[string]VarRef
	resolved bool
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{
		byName:  make(map[string]*Module),
		exports: make(map[string]VarRef),
	}
}

// Module returns the module called name, creating it on first use.
func (p *Program) Module(name string) *Module {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byName[name]; ok {
		return m
	}
	m := &Module{
		program:  p,
		index:    len(p.modules),
		name:     name,
		varIndex: make(map[string]int),
		imports:  make(map[string]string),
		layouts:  make(map[string]*Layout),
	}
	p.modules = append(p.modules, m)
	p.byName[name] = m
	return m
}

// Lookup returns an existing module.
func (p *Program) Lookup(name string) (*Module, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byName[name]
	return m, ok
}

// Modules returns the modules in declaration order.
func (p *Program) Modules() []*Module {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.modules)
}

// Layout finds a layout by qualified name "module/layout".
func (p *Program) Layout(qualified string) (*Layout, error) {
	mod, name, ok := strings.Cut(qualified, "/")
	if !ok {
		return nil, &domain.LoadError{Err: domain.ErrUnknownLayout, Detail: qualified}
	}
	m, found := p.Lookup(mod)
	if !found {
		return nil, &domain.LoadError{Err: domain.ErrUnknownModule, Module: mod}
	}
	l, found := m.Layout(name)
	if !found {
		return nil, &domain.LoadError{Err: domain.ErrUnknownLayout, Module: mod, Layout: name}
	}
	return l, nil
}

// Resolved reports whether Resolve completed successfully.
func (p *Program) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// Resolve binds every import to an exported cell and every sub-pipeline
// reference to a layout. All problems are reported together as a joined
// error of *domain.LoadError values.
func (p *Program) Resolve() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return nil
	}

	var errs []error
	exports := make(map[string]VarRef)
	for _, m := range p.modules {
		errs = append(errs, m.errs...)
		for _, ex := range m.exports {
			if _, dup := exports[ex.qualified]; dup {
				errs = append(errs, &domain.LoadError{Err: domain.ErrDuplicateName, Module: m.name, Detail: "export " + ex.qualified})
				continue
			}
			exports[ex.qualified] = VarRef{Module: m.index, Slot: ex.slot}
		}
	}

	tables := make([]map[string]VarRef, len(p.modules))
	for i, m := range p.modules {
		table := make(map[string]VarRef, len(m.vars)+len(m.imports))
		for _, v := range m.vars {
			table[v.name] = VarRef{Module: m.index, Slot: v.slot}
		}
		for _, local := range slices.Sorted(maps.Keys(m.imports)) {
			qualified := m.imports[local]
			ref, ok := exports[qualified]
			if !ok {
				errs = append(errs, &domain.LoadError{Err: domain.ErrUnresolvedImport, Module: m.name, Detail: qualified})
				continue
			}
			if _, clash := table[local]; clash {
				errs = append(errs, &domain.LoadError{Err: domain.ErrDuplicateName, Module: m.name, Detail: "import " + local})
				continue
			}
			table[local] = ref
		}
		tables[i] = table
	}

	subs := make(map[*Layout][][]*Layout)
	for _, m := range p.modules {
		for _, name := range slices.Sorted(maps.Keys(m.layouts)) {
			l := m.layouts[name]
			resolved, err := p.resolveSubsLocked(l)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			subs[l] = resolved
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	for i, m := range p.modules {
		m.table = tables[i]
	}
	for l, s := range subs {
		l.subs = s
	}
	p.exports = exports
	p.resolved = true
	return nil
}

func (p *Program) resolveSubsLocked(l *Layout) ([][]*Layout, error) {
	var errs []error
	out := make([][]*Layout, len(l.specs))
	for i, spec := range l.specs {
		if spec.Kind == "" || spec.New == nil {
			errs = append(errs, &domain.LoadError{Err: domain.ErrMalformedLayout, Module: l.module.name, Layout: l.name, Detail: fmt.Sprintf("filter %d has no kind or constructor", i)})
			continue
		}
		for _, ref := range spec.Subs {
			target, err := p.findLayoutLocked(l.module, ref)
			if err != nil {
				errs = append(errs, &domain.LoadError{Err: domain.ErrUnknownLayout, Module: l.module.name, Layout: l.name, Detail: fmt.Sprintf("%s references %q", spec.Kind, ref)})
				continue
			}
			out[i] = append(out[i], target)
		}
	}
	return out, errors.Join(errs...)
}

// findLayoutLocked resolves "name" within from, or "module/name" globally.
func (p *Program) findLayoutLocked(from *Module, ref string) (*Layout, error) {
	m := from
	name := ref
	if mod, rest, ok := strings.Cut(ref, "/"); ok {
		var found bool
		if m, found = p.byName[mod]; !found {
			return nil, domain.ErrUnknownModule
		}
		name = rest
	}
	l, ok := m.layouts[name]
	if !ok {
		return nil, domain.ErrUnknownLayout
	}
	return l, nil
}

// Module is a unit of variable declarations and named layouts. Variables are
// declared locally, optionally exported under a namespace, and other modules
// bind to them through imports.
type Module struct {
	program  *Program
	index    int
	name     string
	vars     []variable
	varIndex map[string]int
	exports  []export
	imports  map[string]string
	layouts  map[string]*Layout
	table    map[string]VarRef
	errs     []error
}

type variable struct {
	name string
	slot int
	def  any
}

type export struct {
	qualified string
	slot      int
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Program returns the program the module belongs to.
func (m *Module) Program() *Program { return m.program }

// Declare adds a module-local variable with a default value.
func (m *Module) Declare(name string, def any) VarRef {
	m.program.mu.Lock()
	defer m.program.mu.Unlock()
	return m.declareLocked(name, def)
}

func (m *Module) declareLocked(name string, def any) VarRef {
	if m.program.resolved {
		m.errs = append(m.errs, &domain.LoadError{Err: domain.ErrMalformedLayout, Module: m.name, Detail: "declare after resolve: " + name})
		return VarRef{Module: m.index, Slot: -1}
	}
	if slot, dup := m.varIndex[name]; dup {
		m.errs = append(m.errs, &domain.LoadError{Err: domain.ErrDuplicateName, Module: m.name, Detail: "variable " + name})
		return VarRef{Module: m.index, Slot: slot}
	}
	slot := len(m.vars)
	m.vars = append(m.vars, variable{name: name, slot: slot, def: def})
	m.varIndex[name] = slot
	return VarRef{Module: m.index, Slot: slot}
}

// Export declares the variables in defaults and publishes them as
// "namespace.name" for other modules to import.
func (m *Module) Export(namespace string, defaults map[string]any) {
	m.program.mu.Lock()
	defer m.program.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(defaults)) {
		ref := m.declareLocked(name, defaults[name])
		if ref.Slot < 0 {
			continue
		}
		m.exports = append(m.exports, export{qualified: namespace + "." + name, slot: ref.Slot})
	}
}

// Import binds local names to exported variables given as "namespace.name".
// Bindings are checked by Program.Resolve.
func (m *Module) Import(bindings map[string]string) {
	m.program.mu.Lock()
	defer m.program.mu.Unlock()
	for local, qualified := range bindings {
		m.imports[local] = qualified
	}
}

// Ref returns the resolved cell for a local or imported name.
func (m *Module) Ref(name string) (VarRef, bool) {
	ref, ok := m.table[name]
	return ref, ok
}

// Names returns every name visible in the module after resolution.
func (m *Module) Names() []string {
	return slices.Sorted(maps.Keys(m.table))
}

// Define adds a named layout to the module. Problems with the layout are
// reported by Program.Resolve.
func (m *Module) Define(name string, specs ...Spec) *Layout {
	m.program.mu.Lock()
	defer m.program.mu.Unlock()
	l := &Layout{module: m, name: name, specs: slices.Clone(specs)}
	switch {
	case m.program.resolved:
		m.errs = append(m.errs, &domain.LoadError{Err: domain.ErrMalformedLayout, Module: m.name, Layout: name, Detail: "define after resolve"})
		return l
	case name == "":
		m.errs = append(m.errs, &domain.LoadError{Err: domain.ErrMalformedLayout, Module: m.name, Detail: "layout without a name"})
		return l
	}
	if _, dup := m.layouts[name]; dup {
		m.errs = append(m.errs, &domain.LoadError{Err: domain.ErrDuplicateName, Module: m.name, Layout: name})
		return l
	}
	m.layouts[name] = l
	return l
}

// Layout returns a layout defined in the module.
func (m *Module) Layout(name string) (*Layout, bool) {
	m.program.mu.Lock()
	defer m.program.mu.Unlock()
	l, ok := m.layouts[name]
	return l, ok
}

func (m *Module) defaults() []any {
	vals := make([]any, len(m.vars))
	for _, v := range m.vars {
		vals[v.slot] = v.def
	}
	return vals
}

// Layout is an immutable, named filter chain. One layout backs any number of
// concurrent instances.
type Layout struct {
	module *Module
	name   string
	specs  []Spec
	subs   [][]*Layout
}

// Name returns the layout name.
func (l *Layout) Name() string { return l.name }

// Module returns the module the layout is defined in.
func (l *Layout) Module() *Module { return l.module }

// QualifiedName returns "module/layout".
func (l *Layout) QualifiedName() string { return l.module.name + "/" + l.name }

// Specs returns a copy of the layout's filter specs.
func (l *Layout) Specs() []Spec { return slices.Clone(l.specs) }

// Len returns the number of filters in the layout.
func (l *Layout) Len() int { return len(l.specs) }
