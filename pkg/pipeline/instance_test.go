package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
)

type recorder struct {
	events []event.Event
}

func (r *recorder) sink(evt event.Event) error {
	r.events = append(r.events, evt)
	return nil
}

type releaseSpy struct {
	name string
	log  *[]string
}

func (f *releaseSpy) Process(s *Stage, evt event.Event) error { return s.Output(evt) }

func (f *releaseSpy) Release(*Stage) { *f.log = append(*f.log, f.name) }

func spySpec(name string, log *[]string) Spec {
	return Spec{Kind: name, New: func() Filter { return &releaseSpy{name: name, log: log} }}
}

func newTestContext(t *testing.T, p *Program) *Context {
	t.Helper()
	ctx, err := NewContext(p, ContextOptions{ID: "test"})
	require.NoError(t, err)
	return ctx
}

func TestContextWritesVisibleToLaterFilters(t *testing.T) {
	p := NewProgram()
	m := p.Module("main")
	m.Declare("seen", "")
	var observed []any
	l := m.Define("entry",
		Spec{Kind: "write", New: func() Filter {
			return FilterFunc(func(s *Stage, evt event.Event) error {
				if ms, ok := evt.(*event.MessageStart); ok {
					if err := s.Set("seen", ms.Head["path"]); err != nil {
						return err
					}
				}
				return s.Output(evt)
			})
		}},
		Spec{Kind: "read", New: func() Filter {
			return FilterFunc(func(s *Stage, evt event.Event) error {
				v, err := s.Get("seen")
				if err != nil {
					return err
				}
				observed = append(observed, v)
				return s.Output(evt)
			})
		}},
	)
	require.NoError(t, p.Resolve())

	rec := &recorder{}
	inst, err := NewInstance(l, newTestContext(t, p), rec.sink)
	require.NoError(t, err)

	msg := event.NewMessage(map[string]any{"path": "/api"}, "hi")
	require.NoError(t, inst.ProcessAll(msg.Events()...))
	assert.Equal(t, []any{"/api", "/api", "/api"}, observed)
	assert.Len(t, rec.events, 3)
}

func TestInstanceTerminalAfterStreamEnd(t *testing.T) {
	var released []string
	p := NewProgram()
	l := p.Module("main").Define("entry", spySpec("a", &released), spySpec("b", &released))
	require.NoError(t, p.Resolve())

	ctx := newTestContext(t, p)
	ended := false
	ctx.OnEnd(func() { ended = true })

	rec := &recorder{}
	inst, err := NewInstance(l, ctx, rec.sink)
	require.NoError(t, err)

	require.NoError(t, inst.Process(event.NewData("x")))
	require.NoError(t, inst.Process(event.End(event.NoError)))

	assert.True(t, inst.Released())
	assert.True(t, ended)
	assert.Equal(t, []string{"b", "a"}, released, "filters released in reverse order")
	assert.ErrorIs(t, inst.Process(event.NewData("y")), domain.ErrClosedInstance)
	assert.Len(t, rec.events, 2)
}

func TestInstanceClosedOnInputEndWithoutOutput(t *testing.T) {
	p := NewProgram()
	l := p.Module("main").Define("entry", Spec{Kind: "absorb", New: func() Filter {
		return FilterFunc(func(*Stage, event.Event) error { return nil })
	}})
	require.NoError(t, p.Resolve())

	inst, err := NewInstance(l, newTestContext(t, p), nil)
	require.NoError(t, err)
	require.NoError(t, inst.Process(event.End(event.NoError)))

	assert.False(t, inst.Released(), "an absorbed end leaves teardown to the owner")
	assert.ErrorIs(t, inst.Process(event.End(event.NoError)), domain.ErrClosedInstance)
	inst.Release()
	assert.True(t, inst.Released())
}

func TestSpawnSharesOrClonesContext(t *testing.T) {
	p := NewProgram()
	m := p.Module("main")
	m.Declare("v", 0)
	m.Define("child", Spec{Kind: "bump", New: func() Filter {
		return FilterFunc(func(s *Stage, evt event.Event) error {
			v, _ := s.Get("v")
			if err := s.Set("v", v.(int)+1); err != nil {
				return err
			}
			return s.Output(evt)
		})
	}})
	var shared, cloned *Instance
	parent := m.Define("parent", Spec{Kind: "spawn", Subs: []string{"child"}, New: func() Filter {
		return FilterFunc(func(s *Stage, evt event.Event) error {
			var err error
			if shared == nil {
				if shared, err = s.Spawn(s.Sub(0), s.Context(), nil); err != nil {
					return err
				}
				if cloned, err = s.Spawn(s.Sub(0), s.Context().Clone(), nil); err != nil {
					return err
				}
			}
			if err := shared.Process(evt); err != nil {
				return err
			}
			if err := cloned.Process(evt); err != nil {
				return err
			}
			return s.Output(evt)
		})
	}})
	require.NoError(t, p.Resolve())

	ctx := newTestContext(t, p)
	inst, err := NewInstance(parent, ctx, nil)
	require.NoError(t, err)
	require.NoError(t, inst.Process(event.NewData("a")))
	require.NoError(t, inst.Process(event.NewData("b")))

	v, _ := ctx.Lookup(m, "v")
	assert.Equal(t, 2, v, "shared child writes into the parent context")
	cv, _ := cloned.Context().Lookup(m, "v")
	assert.Equal(t, 2, cv, "clone counts on its own copy")

	require.Len(t, inst.Children(), 2)
	ctx.Set(VarRef{}, 100)
	cv, _ = cloned.Context().Lookup(m, "v")
	assert.Equal(t, 2, cv)

	cloneEnded := false
	cloned.Context().OnEnd(func() { cloneEnded = true })
	inst.Release()
	assert.True(t, shared.Released())
	assert.True(t, cloned.Released())
	assert.True(t, cloneEnded)
	assert.Empty(t, inst.Children())
}

func TestChildEndDoesNotCancelSiblings(t *testing.T) {
	p := NewProgram()
	m := p.Module("main")
	m.Define("child", passSpec("dummy"))
	var kids []*Instance
	parent := m.Define("parent", Spec{Kind: "spawn", Subs: []string{"child"}, New: func() Filter {
		return FilterFunc(func(s *Stage, evt event.Event) error {
			for i := 0; i < 2; i++ {
				k, err := s.Spawn(s.Sub(0), s.Context(), nil)
				if err != nil {
					return err
				}
				kids = append(kids, k)
			}
			return nil
		})
	}})
	require.NoError(t, p.Resolve())

	inst, err := NewInstance(parent, newTestContext(t, p), nil)
	require.NoError(t, err)
	require.NoError(t, inst.Process(event.NewData("")))

	require.NoError(t, kids[0].Process(event.End(event.NoError)))
	assert.True(t, kids[0].Released())
	assert.False(t, kids[1].Released())
	assert.Len(t, inst.Children(), 1)
}

func TestReleaseFromInsideFilterIsDeferred(t *testing.T) {
	var released []string
	p := NewProgram()
	var self *Instance
	l := p.Module("main").Define("entry",
		Spec{Kind: "closer", New: func() Filter {
			return FilterFunc(func(s *Stage, evt event.Event) error {
				self.Release()
				assert.False(t, self.Released())
				return s.Output(evt)
			})
		}},
		spySpec("tail", &released),
	)
	require.NoError(t, p.Resolve())

	rec := &recorder{}
	inst, err := NewInstance(l, newTestContext(t, p), rec.sink)
	require.NoError(t, err)
	self = inst

	require.NoError(t, inst.Process(event.NewData("x")))
	assert.True(t, inst.Released())
	assert.Equal(t, []string{"tail"}, released)
	assert.Len(t, rec.events, 1)
}

func TestOptionEvaluation(t *testing.T) {
	p := NewProgram()
	m := p.Module("main")
	m.Declare("n", 1)
	require.NoError(t, p.Resolve())
	ctx := newTestContext(t, p)

	calls := 0
	opt := Computed(func(c *Context) (int, error) {
		calls++
		v, err := c.Lookup(m, "n")
		if err != nil {
			return 0, err
		}
		return v.(int) * 10, nil
	})

	v, err := opt.Eval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	require.NoError(t, ctx.Assign(m, "n", 2))
	v, _ = opt.Eval(ctx)
	assert.Equal(t, 20, v)
	assert.Equal(t, 2, calls)
	assert.True(t, opt.IsDynamic())

	c := Const("x")
	assert.True(t, c.IsSet())
	assert.False(t, c.IsDynamic())
	s, _ := c.Eval(ctx)
	assert.Equal(t, "x", s)

	var unset Option[int]
	d, _ := unset.EvalOr(ctx, 5)
	assert.Equal(t, 5, d)

	g := Getter(func(*Context) bool { return true })
	b, _ := g.Eval(ctx)
	assert.True(t, b)
}

func TestObserverSeesEveryFilterInput(t *testing.T) {
	p := NewProgram()
	m := p.Module("main")
	var log []string
	l := m.Define("entry", spySpec("a", &log), spySpec("b", &log))
	require.NoError(t, p.Resolve())

	var seen []Observation
	ctx, err := NewContext(p, ContextOptions{Observer: func(o Observation) { seen = append(seen, o) }})
	require.NoError(t, err)
	inst, err := NewInstance(l, ctx, nil)
	require.NoError(t, err)
	require.NoError(t, inst.Process(event.NewData("x")))

	require.Len(t, seen, 2)
	assert.Equal(t, "main/entry", seen[0].Layout)
	assert.Equal(t, "a", seen[0].Kind)
	assert.Equal(t, 1, seen[1].Index)
	assert.Equal(t, "b", seen[1].Kind)

	clone := ctx.Clone()
	inst2, err := NewInstance(l, clone, nil)
	require.NoError(t, err)
	require.NoError(t, inst2.Process(event.NewData("y")))
	assert.Len(t, seen, 4, "clones inherit the observer")
}
