package filters

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// Builder constructs the spec for one filter entry of a document.
type Builder func(b *Build) (pipeline.Spec, error)

// Registry maps filter kinds to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// DefaultRegistry returns a registry with every built-in filter kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("link", buildLink)
	r.Register("fork", buildFork)
	r.Register("demux", buildDemux)
	r.Register("mux", buildMux(false))
	r.Register("merge", buildMux(true))
	r.Register("use", buildUse)
	r.Register("handleSessionStart", buildHandleSessionStart)
	r.Register("handleSessionEnd", buildHandleSessionEnd)
	r.Register("handleStreamStart", buildHandleStreamStart)
	r.Register("handleMessageStart", buildHandleMessageStart)
	r.Register("handleMessageEnd", buildHandleMessageEnd)
	r.Register("handleMessage", buildHandleMessage)
	r.Register("handleData", buildHandleData)
	r.Register("handleStreamEnd", buildHandleStreamEnd)
	r.Register("replaceMessage", buildReplaceMessage)
	r.Register("replaceMessageStart", buildReplaceMessageStart)
	r.Register("replaceMessageEnd", buildReplaceMessageEnd)
	r.Register("replaceData", buildReplaceData)
	r.Register("replaceStreamEnd", buildReplaceStreamEnd)
	r.Register("dummy", func(*Build) (pipeline.Spec, error) { return Dummy(), nil })
	r.Register("dump", buildDump)
	r.Register("wait", buildWait)
	r.Register("pack", buildPack)
	r.Register("throttleMessageRate", buildThrottle(ThrottleMessageRate))
	r.Register("throttleDataRate", buildThrottle(ThrottleDataRate))
	r.Register("connect", buildConnect)
	r.Register("balance", buildBalance)
	return r
}

// Register adds or replaces the builder of kind.
func (r *Registry) Register(kind string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = b
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the spec for b. Unknown kinds fail with
// domain.ErrUnknownFilter.
func (r *Registry) Build(b *Build) (pipeline.Spec, error) {
	r.mu.RLock()
	builder, ok := r.builders[b.Kind]
	r.mu.RUnlock()
	if !ok {
		return pipeline.Spec{}, fmt.Errorf("%w: %s", domain.ErrUnknownFilter, b.Kind)
	}
	if b.Runtime == nil {
		b.Runtime = &Runtime{}
	}
	spec, err := builder(b)
	if err != nil {
		return pipeline.Spec{}, fmt.Errorf("%s: %w", b.Kind, err)
	}
	return spec, nil
}

var errMissingRuntime = errors.New("runtime service not configured")

func buildLink(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Routes []struct {
			Layout string `mapstructure:"layout"`
			When   any    `mapstructure:"when"`
		} `mapstructure:"routes"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	routes := make([]Route, 0, len(opts.Routes))
	for _, r := range opts.Routes {
		if r.Layout == "" {
			return pipeline.Spec{}, errors.New("route without layout")
		}
		when, err := ConditionOf(b, r.When)
		if err != nil {
			return pipeline.Spec{}, err
		}
		routes = append(routes, Route{Layout: r.Layout, When: when})
	}
	return Link(routes...), nil
}

func buildFork(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Layout string `mapstructure:"layout"`
		Vars   any    `mapstructure:"vars"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	vars, err := OptionOf[[]map[string]any](b, opts.Vars)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return Fork(opts.Layout, vars), nil
}

func buildDemux(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Layout string `mapstructure:"layout"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	return Demux(opts.Layout), nil
}

func buildMux(merge bool) Builder {
	return func(b *Build) (pipeline.Spec, error) {
		var opts struct {
			Layout  string `mapstructure:"layout"`
			Key     any    `mapstructure:"key"`
			MaxIdle any    `mapstructure:"maxIdle"`
			Timeout any    `mapstructure:"timeout"`
			Limit   int    `mapstructure:"limit"`
		}
		if err := b.Decode(&opts); err != nil {
			return pipeline.Spec{}, err
		}
		if b.Runtime.Hub == nil {
			return pipeline.Spec{}, fmt.Errorf("mux hub: %w", errMissingRuntime)
		}
		key, err := OptionOf[any](b, opts.Key)
		if err != nil {
			return pipeline.Spec{}, err
		}
		maxIdle, err := OptionOf[time.Duration](b, opts.MaxIdle)
		if err != nil {
			return pipeline.Spec{}, err
		}
		timeout, err := OptionOf[time.Duration](b, opts.Timeout)
		if err != nil {
			return pipeline.Spec{}, err
		}
		mo := MuxOptions{Key: key, MaxIdle: maxIdle, Timeout: timeout, Limit: opts.Limit}
		if merge {
			return Merge(b.Runtime.Hub, opts.Layout, mo), nil
		}
		return Mux(b.Runtime.Hub, opts.Layout, mo), nil
	}
}

func buildUse(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Modules    []string `mapstructure:"modules"`
		Layout     string   `mapstructure:"layout"`
		LayoutDown string   `mapstructure:"layoutDown"`
		TurnDown   any      `mapstructure:"turnDown"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	has := b.HasLayout
	if has == nil {
		has = func(string, string) bool { return true }
	}
	var chain, down []string
	for _, m := range opts.Modules {
		if !has(m, opts.Layout) {
			continue
		}
		chain = append(chain, m+"/"+opts.Layout)
		d := ""
		if opts.LayoutDown != "" && has(m, opts.LayoutDown) {
			d = m + "/" + opts.LayoutDown
		}
		down = append(down, d)
	}
	turnDown, err := ConditionOf(b, opts.TurnDown)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return Use(chain, UseOptions{Down: down, TurnDown: turnDown}), nil
}

func buildHandleSessionStart(b *Build) (pipeline.Spec, error) {
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleSessionStart(func(s *pipeline.Stage) error { return a.run(s, nil) }), nil
}

func buildHandleSessionEnd(b *Build) (pipeline.Spec, error) {
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleSessionEnd(func(s *pipeline.Stage) error { return a.run(s, nil) }), nil
}

func buildHandleStreamStart(b *Build) (pipeline.Spec, error) {
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleStreamStart(func(s *pipeline.Stage, evt event.Event) error { return a.run(s, evt) }), nil
}

func buildHandleMessageStart(b *Build) (pipeline.Spec, error) {
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleMessageStart(func(s *pipeline.Stage, ms *event.MessageStart) error { return a.run(s, ms) }), nil
}

func buildHandleMessageEnd(b *Build) (pipeline.Spec, error) {
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleMessageEnd(func(s *pipeline.Stage, me *event.MessageEnd) error { return a.run(s, me) }), nil
}

func buildHandleMessage(b *Build) (pipeline.Spec, error) {
	limit := 0
	if v, ok := b.Options["limit"]; ok {
		l, err := convert[int](v)
		if err != nil {
			return pipeline.Spec{}, err
		}
		limit = l
		delete(b.Options, "limit")
	}
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleMessage(limit, func(s *pipeline.Stage, msg *event.Message) error { return a.run(s, msg) }), nil
}

func buildHandleData(b *Build) (pipeline.Spec, error) {
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleData(func(s *pipeline.Stage, d *event.Data) error { return a.run(s, d) }), nil
}

func buildHandleStreamEnd(b *Build) (pipeline.Spec, error) {
	a, err := compileAction(b)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return HandleStreamEnd(func(s *pipeline.Stage, end *event.StreamEnd) error { return a.run(s, end) }), nil
}

type templateOptions struct {
	Head  map[string]any `mapstructure:"head"`
	Body  any            `mapstructure:"body"`
	Tail  map[string]any `mapstructure:"tail"`
	Limit int            `mapstructure:"limit"`
}

func buildReplaceMessage(b *Build) (pipeline.Spec, error) {
	var opts templateOptions
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	t, err := newTemplate(opts.Head, opts.Body, opts.Tail)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return ReplaceMessage(opts.Limit, func(s *pipeline.Stage, msg *event.Message) ([]event.Event, error) {
		out, err := t.message(eventEnv(s, msg))
		if err != nil {
			return nil, err
		}
		return out.Events(), nil
	}), nil
}

func buildReplaceMessageStart(b *Build) (pipeline.Spec, error) {
	var opts templateOptions
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	t, err := newTemplate(opts.Head, nil, nil)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return ReplaceMessageStart(func(s *pipeline.Stage, ms *event.MessageStart) ([]event.Event, error) {
		head, err := evalFields(t.head, eventEnv(s, ms))
		if err != nil {
			return nil, err
		}
		return []event.Event{&event.MessageStart{Head: head}}, nil
	}), nil
}

func buildReplaceMessageEnd(b *Build) (pipeline.Spec, error) {
	var opts templateOptions
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	t, err := newTemplate(nil, nil, opts.Tail)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return ReplaceMessageEnd(func(s *pipeline.Stage, me *event.MessageEnd) ([]event.Event, error) {
		tail, err := evalFields(t.tail, eventEnv(s, me))
		if err != nil {
			return nil, err
		}
		return []event.Event{&event.MessageEnd{Tail: tail}}, nil
	}), nil
}

func buildReplaceData(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Data any `mapstructure:"data"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	v, err := compileValue(opts.Data)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return ReplaceData(func(s *pipeline.Stage, d *event.Data) ([]event.Event, error) {
		out, err := evalValue(v, eventEnv(s, d))
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return []event.Event{event.NewData(fmt.Sprint(out))}, nil
	}), nil
}

func buildReplaceStreamEnd(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Reason  string           `mapstructure:"reason"`
		Message *templateOptions `mapstructure:"message"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	var t *template
	if opts.Message != nil {
		var err error
		if t, err = newTemplate(opts.Message.Head, opts.Message.Body, opts.Message.Tail); err != nil {
			return pipeline.Spec{}, err
		}
	}
	reason := event.Reason(opts.Reason)
	return ReplaceStreamEnd(func(s *pipeline.Stage, end *event.StreamEnd) ([]event.Event, error) {
		var out []event.Event
		if t != nil {
			msg, err := t.message(eventEnv(s, end))
			if err != nil {
				return nil, err
			}
			out = msg.Events()
		}
		return append(out, event.End(reason)), nil
	}), nil
}

func buildDump(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Prefix string            `mapstructure:"prefix"`
		Redact map[string]string `mapstructure:"redact"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	return Dump(opts.Prefix, opts.Redact), nil
}

func buildWait(b *Build) (pipeline.Spec, error) {
	var opts struct {
		When     any           `mapstructure:"when"`
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	if opts.When == nil {
		return pipeline.Spec{}, errors.New("wait requires a condition")
	}
	when, err := ConditionOf(b, opts.When)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return Wait(when, WaitOptions{Interval: opts.Interval, Timeout: opts.Timeout}), nil
}

func buildPack(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Batch   int           `mapstructure:"batch"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	return Pack(opts.Batch, PackOptions{Timeout: opts.Timeout}), nil
}

func buildThrottle(newSpec func(*governance.Quotas, pipeline.Option[string]) pipeline.Spec) Builder {
	return func(b *Build) (pipeline.Spec, error) {
		var opts struct {
			Quota   float64 `mapstructure:"quota"`
			Burst   int     `mapstructure:"burst"`
			Account any     `mapstructure:"account"`
		}
		if err := b.Decode(&opts); err != nil {
			return pipeline.Spec{}, err
		}
		if opts.Quota <= 0 {
			return pipeline.Spec{}, errors.New("quota must be positive")
		}
		account, err := OptionOf[string](b, opts.Account)
		if err != nil {
			return pipeline.Spec{}, err
		}
		quotas := governance.NewQuotas(governance.QuotaConfig{PerSecond: opts.Quota, Burst: opts.Burst})
		return newSpec(quotas, account), nil
	}
}

func buildConnect(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Target         any           `mapstructure:"target"`
		RetryCount     int           `mapstructure:"retryCount"`
		RetryDelay     time.Duration `mapstructure:"retryDelay"`
		ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
		BufferLimit    int           `mapstructure:"bufferLimit"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	if opts.Target == nil {
		return pipeline.Spec{}, errors.New("connect requires a target")
	}
	target, err := OptionOf[string](b, opts.Target)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return Connect(target, ConnectOptions{
		Transport:      b.Runtime.Transport,
		Breakers:       b.Runtime.Breakers,
		Retry:          governance.RetryConfig{Count: opts.RetryCount, Delay: opts.RetryDelay},
		ConnectTimeout: opts.ConnectTimeout,
		BufferLimit:    opts.BufferLimit,
	}), nil
}

func buildBalance(b *Build) (pipeline.Spec, error) {
	var opts struct {
		Service any    `mapstructure:"service"`
		Target  string `mapstructure:"target"`
		Handle  string `mapstructure:"handle"`
	}
	if err := b.Decode(&opts); err != nil {
		return pipeline.Spec{}, err
	}
	if b.Runtime.Upstreams == nil {
		return pipeline.Spec{}, fmt.Errorf("upstreams: %w", errMissingRuntime)
	}
	if opts.Target == "" {
		return pipeline.Spec{}, errors.New("balance requires a target variable")
	}
	service, err := OptionOf[string](b, opts.Service)
	if err != nil {
		return pipeline.Spec{}, err
	}
	return Balance(b.Runtime.Upstreams, BalanceOptions{Service: service, Target: opts.Target, Handle: opts.Handle}), nil
}
