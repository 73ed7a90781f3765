package filters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/engine/expr"
	"github.com/polisai/polis-relay/pkg/mux"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

func TestDefaultRegistryKinds(t *testing.T) {
	kinds := DefaultRegistry().Kinds()
	for _, k := range []string{
		"link", "fork", "demux", "mux", "merge", "use",
		"handleSessionStart", "handleSessionEnd", "handleStreamStart", "handleMessageStart",
		"handleMessageEnd", "handleMessage", "handleData", "handleStreamEnd",
		"replaceMessage", "replaceMessageStart", "replaceMessageEnd", "replaceData", "replaceStreamEnd",
		"dummy", "dump", "wait", "pack", "throttleMessageRate", "throttleDataRate", "connect", "balance",
	} {
		assert.Contains(t, kinds, k)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	_, err := DefaultRegistry().Build(&Build{Kind: "teleport"})
	assert.ErrorIs(t, err, domain.ErrUnknownFilter)
}

func TestDecodeRejectsUnknownOptions(t *testing.T) {
	_, err := DefaultRegistry().Build(&Build{Kind: "demux", Options: map[string]any{"layout": "x", "layuot": "y"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layuot")
}

func TestDecodeDurations(t *testing.T) {
	var opts struct {
		A time.Duration `mapstructure:"a"`
		B time.Duration `mapstructure:"b"`
		C time.Duration `mapstructure:"c"`
	}
	b := &Build{Kind: "test", Options: map[string]any{"a": "250ms", "b": 2, "c": 0.5}}
	require.NoError(t, b.Decode(&opts))
	assert.Equal(t, 250*time.Millisecond, opts.A)
	assert.Equal(t, 2*time.Second, opts.B)
	assert.Equal(t, 500*time.Millisecond, opts.C)
}

func TestMuxRequiresHub(t *testing.T) {
	_, err := DefaultRegistry().Build(&Build{Kind: "mux", Options: map[string]any{"layout": "x"}})
	assert.ErrorIs(t, err, errMissingRuntime)
}

func TestOptionOf(t *testing.T) {
	p := pipeline.NewProgram()
	m := p.Module("main")
	m.Declare("port", 8081)
	require.NoError(t, p.Resolve())
	ctx, err := pipeline.NewContext(p, pipeline.ContextOptions{})
	require.NoError(t, err)
	b := &Build{Kind: "test", Module: m}

	dyn, err := OptionOf[string](b, map[string]any{"expr": `"127.0.0.1:" + string(port)`})
	require.NoError(t, err)
	assert.True(t, dyn.IsDynamic())
	v, err := dyn.Eval(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8081", v)

	require.NoError(t, ctx.Assign(m, "port", 8082))
	v, err = dyn.Eval(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8082", v)

	n, err := OptionOf[int](b, "42")
	require.NoError(t, err)
	assert.False(t, n.IsDynamic())
	got, _ := n.Eval(ctx)
	assert.Equal(t, 42, got)

	unset, err := OptionOf[int](b, nil)
	require.NoError(t, err)
	assert.False(t, unset.IsSet())

	_, err = OptionOf[string](b, map[string]any{"expr": "port +"})
	assert.ErrorIs(t, err, expr.ErrSyntax)
}

func TestConditionOf(t *testing.T) {
	p := pipeline.NewProgram()
	m := p.Module("main")
	m.Declare("ready", false)
	require.NoError(t, p.Resolve())
	ctx, err := pipeline.NewContext(p, pipeline.ContextOptions{})
	require.NoError(t, err)
	b := &Build{Kind: "test", Module: m}

	cond, err := ConditionOf(b, "ready && true")
	require.NoError(t, err)
	ok, err := cond.Eval(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	constant, err := ConditionOf(b, true)
	require.NoError(t, err)
	ok, _ = constant.Eval(ctx)
	assert.True(t, ok)

	_, err = ConditionOf(b, 3)
	assert.Error(t, err)
}

// buildLayout compiles document style entries the way the config loader
// does.
func buildLayout(t *testing.T, r *Registry, rt *Runtime, m *pipeline.Module, name string, entries ...map[string]any) {
	t.Helper()
	var specs []pipeline.Spec
	for _, e := range entries {
		opts, _ := e["options"].(map[string]any)
		spec, err := r.Build(&Build{Kind: e["kind"].(string), Options: opts, Module: m, Runtime: rt})
		require.NoError(t, err)
		specs = append(specs, spec)
	}
	m.Define(name, specs...)
}

func TestBuiltDocumentPipeline(t *testing.T) {
	r := DefaultRegistry()
	rt := &Runtime{Hub: mux.NewHub(mux.Options{})}
	p := pipeline.NewProgram()
	m := p.Module("main")
	m.Declare("route", "")
	m.Declare("hits", 0)

	buildLayout(t, r, rt, m, "greet", map[string]any{
		"kind": "replaceMessage",
		"options": map[string]any{
			"head": map[string]any{"status": 200, "route": map[string]any{"expr": "route"}},
			"body": map[string]any{"expr": `"hello " + body + " #" + string(hits)`},
		},
	})
	buildLayout(t, r, rt, m, "reject", map[string]any{
		"kind":    "replaceMessage",
		"options": map[string]any{"head": map[string]any{"status": 404}, "body": "nope"},
	})
	buildLayout(t, r, rt, m, "request",
		map[string]any{"kind": "handleMessageStart", "options": map[string]any{
			"set": map[string]any{"route": "head.path", "hits": "hits + 1"},
		}},
		map[string]any{"kind": "link", "options": map[string]any{
			"routes": []any{
				map[string]any{"layout": "greet", "when": `route startsWith "/hello"`},
				map[string]any{"layout": "reject"},
			},
		}},
	)
	buildLayout(t, r, rt, m, "entry", map[string]any{"kind": "demux", "options": map[string]any{"layout": "request"}})
	require.NoError(t, p.Resolve())

	entry, ok := m.Layout("entry")
	require.True(t, ok)
	s := startSession(t, entry)
	require.NoError(t, s.send(request("/hello", "bob")...))
	require.NoError(t, s.send(request("/admin", "eve")...))

	msgs := s.out.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello bob #1", string(msgs[0].Body))
	assert.Equal(t, "/hello", msgs[0].Head["route"])
	assert.Equal(t, 404, msgs[1].Head["status"])
	assert.Equal(t, "nope", string(msgs[1].Body))
}
