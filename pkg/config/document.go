package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-relay/pkg/algo"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/filters"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// Balancing policies accepted by ServiceSpec.Policy.
const (
	PolicyRoundRobin = "round-robin"
	PolicyLeastLoad  = "least-load"
	PolicyWeighted   = "weighted"
)

// Document is a layout document: the upstream services and the modules of
// one program.
type Document struct {
	Services map[string]ServiceSpec `yaml:"services,omitempty"`
	Modules  []ModuleSpec           `yaml:"modules"`
}

// ServiceSpec lists the targets a balance filter chooses from.
type ServiceSpec struct {
	Policy  string   `yaml:"policy,omitempty"`
	Targets []string `yaml:"targets"`
	Weights []int    `yaml:"weights,omitempty"`
}

// ModuleSpec declares a module's variables and layouts. Exports map a
// namespace to the variables published under it. Imports map a local name to
// "namespace.name".
type ModuleSpec struct {
	Name      string                    `yaml:"name"`
	Variables map[string]any            `yaml:"variables,omitempty"`
	Exports   map[string]map[string]any `yaml:"exports,omitempty"`
	Imports   map[string]string         `yaml:"imports,omitempty"`
	Pipelines map[string][]FilterSpec   `yaml:"pipelines"`
}

// FilterSpec is one filter entry of a layout.
type FilterSpec struct {
	Kind    string         `yaml:"kind"`
	Options map[string]any `yaml:"options,omitempty"`
}

// ParseDocument decodes a layout document. Unknown fields are rejected.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadDocument reads and parses the layout document at path.
func LoadDocument(path string) (*Document, error) {
	//nolint:gosec // Document path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}
	return doc, nil
}

// Validate checks the structure of the document. Filter options are checked
// when the document is compiled.
func (d *Document) Validate() error {
	var errs []error
	if len(d.Modules) == 0 {
		errs = append(errs, fmt.Errorf("%w: document declares no modules", domain.ErrConfigInvalid))
	}
	for _, name := range slices.Sorted(maps.Keys(d.Services)) {
		svc := d.Services[name]
		if len(svc.Targets) == 0 {
			errs = append(errs, fmt.Errorf("%w: service %q has no targets", domain.ErrConfigInvalid, name))
		}
		switch svc.Policy {
		case "", PolicyRoundRobin, PolicyLeastLoad:
		case PolicyWeighted:
			if len(svc.Weights) != len(svc.Targets) {
				errs = append(errs, fmt.Errorf("%w: service %q needs one weight per target", domain.ErrConfigInvalid, name))
			} else if len(svc.Targets) > 0 && !slices.ContainsFunc(svc.Weights, func(w int) bool { return w > 0 }) {
				errs = append(errs, fmt.Errorf("%w: service %q has no target with a positive weight", domain.ErrConfigInvalid, name))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: service %q has unknown policy %q", domain.ErrConfigInvalid, name, svc.Policy))
		}
	}

	seen := make(map[string]bool, len(d.Modules))
	for i, m := range d.Modules {
		switch {
		case strings.TrimSpace(m.Name) == "":
			errs = append(errs, &domain.LoadError{Err: domain.ErrMalformedLayout, Detail: fmt.Sprintf("module %d has no name", i)})
		case strings.Contains(m.Name, "/"):
			errs = append(errs, &domain.LoadError{Err: domain.ErrMalformedLayout, Module: m.Name, Detail: "module names cannot contain '/'"})
		case seen[m.Name]:
			errs = append(errs, &domain.LoadError{Err: domain.ErrDuplicateName, Module: m.Name})
		}
		seen[m.Name] = true
		for layout, specs := range m.Pipelines {
			for j, f := range specs {
				if f.Kind == "" {
					errs = append(errs, &domain.LoadError{Err: domain.ErrMalformedLayout, Module: m.Name, Layout: layout, Detail: fmt.Sprintf("filter %d has no kind", j)})
				}
			}
		}
	}
	return errors.Join(errs...)
}

// HasLayout reports whether module defines layout.
func (d *Document) HasLayout(module, layout string) bool {
	for _, m := range d.Modules {
		if m.Name == module {
			_, ok := m.Pipelines[layout]
			return ok
		}
	}
	return false
}

// Upstreams builds the balancers of every service.
func (d *Document) Upstreams() *filters.Upstreams {
	services := make(map[string]algo.Balancer[string], len(d.Services))
	for name, svc := range d.Services {
		targets := slices.Clone(svc.Targets)
		switch svc.Policy {
		case PolicyLeastLoad:
			services[name] = algo.NewLeastLoad(targets...)
		case PolicyWeighted:
			services[name] = algo.NewWeightedRoundRobin(targets, slices.Clone(svc.Weights))
		default:
			services[name] = algo.NewRoundRobin(targets...)
		}
	}
	return filters.NewUpstreams(services)
}

// CompileOptions configures Compile.
type CompileOptions struct {
	// Registry maps filter kinds to builders. Defaults to
	// filters.DefaultRegistry().
	Registry *filters.Registry
	// Runtime carries the shared services. A nil Upstreams is built from
	// the document's services.
	Runtime filters.Runtime
}

// Compile builds and resolves the program a document describes. Every
// problem is reported together as a joined error.
func Compile(doc *Document, opts CompileOptions) (*pipeline.Program, error) {
	if opts.Registry == nil {
		opts.Registry = filters.DefaultRegistry()
	}
	rt := opts.Runtime
	if rt.Upstreams == nil {
		rt.Upstreams = doc.Upstreams()
	}

	p := pipeline.NewProgram()
	var errs []error
	for _, spec := range doc.Modules {
		m := p.Module(spec.Name)
		for _, name := range slices.Sorted(maps.Keys(spec.Variables)) {
			m.Declare(name, spec.Variables[name])
		}
		for _, ns := range slices.Sorted(maps.Keys(spec.Exports)) {
			m.Export(ns, spec.Exports[ns])
		}
		if len(spec.Imports) > 0 {
			m.Import(spec.Imports)
		}
	}

	for _, spec := range doc.Modules {
		m, _ := p.Lookup(spec.Name)
		for _, name := range slices.Sorted(maps.Keys(spec.Pipelines)) {
			entries := spec.Pipelines[name]
			specs := make([]pipeline.Spec, 0, len(entries))
			for i, f := range entries {
				built, err := opts.Registry.Build(&filters.Build{
					Kind:      f.Kind,
					Options:   f.Options,
					Module:    m,
					Runtime:   &rt,
					HasLayout: doc.HasLayout,
				})
				if err != nil {
					errs = append(errs, compileError(spec.Name, name, i, err))
					continue
				}
				specs = append(specs, built)
			}
			m.Define(name, specs...)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := p.Resolve(); err != nil {
		return nil, err
	}
	return p, nil
}

func compileError(module, layout string, index int, err error) error {
	cause := domain.ErrConfigInvalid
	if errors.Is(err, domain.ErrUnknownFilter) {
		cause = domain.ErrUnknownFilter
	}
	return &domain.LoadError{
		Err:    cause,
		Module: module,
		Layout: layout,
		Detail: fmt.Sprintf("filter %d: %v", index, err),
	}
}
