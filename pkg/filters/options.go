package filters

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/engine/expr"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/mux"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// Runtime holds the services shared by filters built from documents.
type Runtime struct {
	Hub       *mux.Hub
	Upstreams *Upstreams
	Transport Transport
	Breakers  *governance.BreakerSet
}

// Build carries one filter entry of a document to its Builder.
type Build struct {
	Kind    string
	Options map[string]any
	Module  *pipeline.Module
	Runtime *Runtime
	// HasLayout reports whether module defines layout. Used by use to skip
	// modules that do not take part in a chain.
	HasLayout func(module, layout string) bool
}

// Decode decodes the options into out, a pointer to a struct tagged with
// mapstructure names. Durations accept "10s" style strings or numbers of
// seconds.
func (b *Build) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       durationHook,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(b.Options); err != nil {
		return fmt.Errorf("%s options: %w", b.Kind, err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return time.ParseDuration(data.(string))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	}
	return data, nil
}

func convert[T any](v any) (T, error) {
	var out T
	if t, ok := v.(T); ok {
		return t, nil
	}
	if v == nil {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       durationHook,
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(v); err != nil {
		return out, fmt.Errorf("convert %T to %T: %w", v, out, err)
	}
	return out, nil
}

// expression extracts the source of an {expr: "..."} option.
func expression(raw any) (string, bool) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	src, ok := m["expr"].(string)
	return src, ok
}

// OptionOf turns a raw option value into a pipeline option. {expr: "..."}
// becomes a computed option evaluated against the session variables
// visible in the build's module; any other value is converted to T once.
// A nil value yields an unset option.
func OptionOf[T any](b *Build, raw any) (pipeline.Option[T], error) {
	if raw == nil {
		return pipeline.Option[T]{}, nil
	}
	if src, ok := expression(raw); ok {
		prog, err := expr.Compile(src)
		if err != nil {
			return pipeline.Option[T]{}, err
		}
		m := b.Module
		return pipeline.Computed(func(c *pipeline.Context) (T, error) {
			v, err := prog.Run(c.Env(m))
			if err != nil {
				var zero T
				return zero, err
			}
			return convert[T](v)
		}), nil
	}
	v, err := convert[T](raw)
	if err != nil {
		return pipeline.Option[T]{}, err
	}
	return pipeline.Const(v), nil
}

// ConditionOf turns a raw condition into a boolean option. Strings are
// expressions, booleans are constants.
func ConditionOf(b *Build, raw any) (pipeline.Option[bool], error) {
	var src string
	switch v := raw.(type) {
	case nil:
		return pipeline.Option[bool]{}, nil
	case bool:
		return pipeline.Const(v), nil
	case string:
		src = v
	default:
		s, ok := expression(raw)
		if !ok {
			return pipeline.Option[bool]{}, fmt.Errorf("condition must be a string or boolean, got %T", raw)
		}
		src = s
	}
	prog, err := expr.CompileCondition(src)
	if err != nil {
		return pipeline.Option[bool]{}, err
	}
	m := b.Module
	return pipeline.Computed(func(c *pipeline.Context) (bool, error) {
		return prog.Test(c.Env(m))
	}), nil
}

// eventEnv extends the session variables with the fields of evt.
func eventEnv(s *pipeline.Stage, evt any) map[string]any {
	env := s.Context().Env(s.Module())
	switch e := evt.(type) {
	case *event.MessageStart:
		env["head"] = e.Head
	case *event.MessageEnd:
		env["tail"] = e.Tail
	case *event.Message:
		env["head"] = e.Head
		env["body"] = string(e.Body)
		env["tail"] = e.Tail
	case *event.Data:
		env["data"] = string(e.Bytes)
		env["size"] = e.Size()
	case *event.StreamEnd:
		env["reason"] = string(e.Reason)
		env["error"] = nil
		if e.Err != nil {
			env["error"] = e.Err.Error()
		}
	}
	return env
}

type assignment struct {
	name string
	prog *expr.Program
}

// action is the compiled form of a handler's options: variables to set
// from expressions, and an optional log line.
type action struct {
	assign []assignment
	log    string
}

type actionOptions struct {
	Set map[string]string `mapstructure:"set"`
	Log string            `mapstructure:"log"`
}

func compileAction(b *Build) (*action, error) {
	var opts actionOptions
	if err := b.Decode(&opts); err != nil {
		return nil, err
	}
	a := &action{log: opts.Log}
	names := make([]string, 0, len(opts.Set))
	for name := range opts.Set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prog, err := expr.Compile(opts.Set[name])
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
		a.assign = append(a.assign, assignment{name: name, prog: prog})
	}
	return a, nil
}

func (a *action) run(s *pipeline.Stage, evt any) error {
	if len(a.assign) == 0 && a.log == "" {
		return nil
	}
	env := eventEnv(s, evt)
	for _, as := range a.assign {
		v, err := as.prog.Run(env)
		if err != nil {
			return err
		}
		if err := s.Set(as.name, v); err != nil {
			return err
		}
		env[as.name] = v
	}
	if a.log != "" {
		s.Logger().Info(a.log)
	}
	return nil
}

// template builds messages from option values whose fields may be
// expressions evaluated with the triggering event in scope.
type template struct {
	head map[string]any
	body any
	tail map[string]any
}

func compileValue(raw any) (any, error) {
	if src, ok := expression(raw); ok {
		return expr.Compile(src)
	}
	return raw, nil
}

func compileFields(raw map[string]any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		c, err := compileValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = c
	}
	return out, nil
}

func newTemplate(head map[string]any, body any, tail map[string]any) (*template, error) {
	h, err := compileFields(head)
	if err != nil {
		return nil, err
	}
	t, err := compileFields(tail)
	if err != nil {
		return nil, err
	}
	bd, err := compileValue(body)
	if err != nil {
		return nil, err
	}
	return &template{head: h, body: bd, tail: t}, nil
}

func evalValue(v any, env map[string]any) (any, error) {
	if prog, ok := v.(*expr.Program); ok {
		return prog.Run(env)
	}
	return v, nil
}

func evalFields(fields map[string]any, env map[string]any) (map[string]any, error) {
	if fields == nil {
		return nil, nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		r, err := evalValue(v, env)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func (t *template) message(env map[string]any) (*event.Message, error) {
	head, err := evalFields(t.head, env)
	if err != nil {
		return nil, err
	}
	tail, err := evalFields(t.tail, env)
	if err != nil {
		return nil, err
	}
	body, err := evalValue(t.body, env)
	if err != nil {
		return nil, err
	}
	msg := &event.Message{Head: head, Tail: tail}
	if body != nil {
		msg.Body = []byte(fmt.Sprint(body))
	}
	return msg, nil
}
