package filters

import (
	"slices"

	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// Route is one candidate of a link filter. A route without a condition is
// taken unconditionally and is normally listed last as the default.
type Route struct {
	Layout string
	When   pipeline.Option[bool]
}

// Link routes the whole stream into the first route whose condition holds
// when the first event arrives. The chosen sub-pipeline shares the session
// context and its output becomes the link's output. When no route matches
// the stream ends as unroutable and further input is dropped.
func Link(routes ...Route) pipeline.Spec {
	subs := make([]string, len(routes))
	for i, r := range routes {
		subs[i] = r.Layout
	}
	return pipeline.Spec{
		Kind:   "link",
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		Subs:   subs,
		New:    func() pipeline.Filter { return &link{routes: routes} },
	}
}

type link struct {
	routes  []Route
	child   *pipeline.Instance
	decided bool
}

func (f *link) Process(s *pipeline.Stage, evt event.Event) error {
	if !f.decided {
		f.decided = true
		idx, err := f.choose(s)
		if err != nil {
			return err
		}
		if idx < 0 {
			s.Logger().Debug("no route matched")
			return s.Output(event.End(event.Unroutable))
		}
		child, err := s.Spawn(s.Sub(idx), s.Context(), s.Output)
		if err != nil {
			return err
		}
		f.child = child
	}
	if f.child == nil || f.child.Closed() {
		return nil
	}
	return f.child.Process(evt)
}

func (f *link) choose(s *pipeline.Stage) (int, error) {
	for i, r := range f.routes {
		if !r.When.IsSet() {
			return i, nil
		}
		ok, err := r.When.Eval(s.Context())
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// Fork copies the stream into one sub-pipeline per entry of vars and passes
// the original through unchanged. Each copy runs in a clone of the session
// context with the entry's variables assigned, so writes made by a fork
// never reach the session or its siblings. An unset vars option forks once.
// Fork outputs are discarded.
func Fork(layout string, vars pipeline.Option[[]map[string]any]) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "fork",
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		Subs:   []string{layout},
		New:    func() pipeline.Filter { return &fork{vars: vars} },
	}
}

type fork struct {
	vars     pipeline.Option[[]map[string]any]
	children []*pipeline.Instance
	started  bool
}

func (f *fork) Process(s *pipeline.Stage, evt event.Event) error {
	if !f.started {
		f.started = true
		if err := f.start(s); err != nil {
			return err
		}
	}
	for _, c := range f.children {
		if c.Closed() {
			continue
		}
		if err := c.Process(event.Clone(evt)); err != nil {
			s.Logger().Warn("fork branch failed", "error", err)
		}
	}
	return s.Output(evt)
}

func (f *fork) start(s *pipeline.Stage) error {
	entries, err := f.vars.EvalOr(s.Context(), []map[string]any{nil})
	if err != nil {
		return err
	}
	for _, vars := range entries {
		ctx := s.Context().Clone()
		for name, v := range vars {
			if err := ctx.Assign(s.Module(), name, v); err != nil {
				return err
			}
		}
		child, err := s.Spawn(s.Sub(0), ctx, nil)
		if err != nil {
			return err
		}
		f.children = append(f.children, child)
	}
	return nil
}

// Demux runs every input message through its own instance of layout, all
// sharing the session context. Each instance answers with one message, or
// with nothing when it ends first. Answers leave in the order the requests
// arrived even when later ones complete earlier. Input StreamEnd reaches
// every instance still working on an answer and is passed on once every
// answer has been emitted. An instance that absorbs the StreamEnd with
// nothing pending answers with nothing.
func Demux(layout string) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "demux",
		Input:  event.DisciplineMessage,
		Output: event.DisciplineMessage,
		Subs:   []string{layout},
		New:    func() pipeline.Filter { return &demux{} },
	}
}

type demux struct {
	stage   *pipeline.Stage
	current *demuxChild
	queue   []*demuxChild
	end     *event.StreamEnd
	ended   bool
}

type demuxChild struct {
	inst *pipeline.Instance
	buf  []event.Event
	done bool
}

func (f *demux) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	switch e := evt.(type) {
	case *event.MessageStart:
		if f.current != nil {
			f.finishCurrent()
		}
		c := &demuxChild{}
		inst, err := s.Spawn(s.Sub(0), s.Context(), func(out event.Event) error {
			return f.collect(c, out)
		})
		if err != nil {
			return err
		}
		c.inst = inst
		f.queue = append(f.queue, c)
		f.current = c
		return inst.Process(evt)
	case *event.Data:
		if f.current != nil && !f.current.inst.Closed() {
			return f.current.inst.Process(evt)
		}
		return nil
	case *event.MessageEnd:
		if f.current == nil {
			return nil
		}
		c := f.current
		f.current = nil
		if c.inst.Closed() {
			return nil
		}
		if err := c.inst.Process(evt); err != nil {
			return err
		}
		return nil
	case *event.StreamEnd:
		if f.current != nil {
			f.finishCurrent()
		}
		f.end = e
		f.endChildren()
		return f.flush()
	}
	return nil
}

func (f *demux) endChildren() {
	for _, c := range slices.Clone(f.queue) {
		if c.done {
			continue
		}
		if !c.inst.Closed() {
			_ = c.inst.Process(event.End(event.NoError))
		}
		if !c.done && !c.inst.Holding() {
			c.done = true
			c.inst.Release()
		}
	}
}

func (f *demux) finishCurrent() {
	c := f.current
	f.current = nil
	if !c.inst.Closed() {
		_ = c.inst.Process(event.End(event.NoError))
	}
}

func (f *demux) collect(c *demuxChild, evt event.Event) error {
	if c.done {
		return nil
	}
	switch evt.(type) {
	case *event.StreamEnd:
		c.done = true
	case *event.MessageEnd:
		c.buf = append(c.buf, evt)
		c.done = true
		c.inst.Release()
	default:
		c.buf = append(c.buf, evt)
	}
	return f.flush()
}

// flush emits buffered answers from the head of the queue. The head's
// partial answer streams out as it arrives; later answers wait their turn.
func (f *demux) flush() error {
	for len(f.queue) > 0 {
		head := f.queue[0]
		buf := head.buf
		head.buf = nil
		for _, evt := range buf {
			if err := f.stage.Output(evt); err != nil {
				return err
			}
		}
		if !head.done {
			return nil
		}
		f.queue = f.queue[1:]
	}
	if f.end != nil && !f.ended {
		f.ended = true
		return f.stage.Output(f.end)
	}
	return nil
}

// UseOptions configures Use.
type UseOptions struct {
	// Down lists, per chain position, the layout the output passes through
	// on its way back. Empty entries are skipped.
	Down []string
	// TurnDown is checked when a chain stage first produces output. When it
	// holds, the output turns back through the down layouts instead of
	// entering the next stage.
	TurnDown pipeline.Option[bool]
}

// Use chains layouts, typically the same named pipeline of several modules.
// Input enters the first layout and each layout's output feeds the next;
// the last layout's output, or that of the layout where the chain turned
// down, then passes back through the down layouts in reverse order. Every
// stage shares the session context.
func Use(chain []string, opts UseOptions) pipeline.Spec {
	subs := append([]string(nil), chain...)
	down := make([]int, len(chain))
	for i := range down {
		down[i] = -1
		if i < len(opts.Down) && opts.Down[i] != "" {
			down[i] = len(subs)
			subs = append(subs, opts.Down[i])
		}
	}
	return pipeline.Spec{
		Kind:   "use",
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		Subs:   subs,
		New: func() pipeline.Filter {
			return &use{
				n:        len(chain),
				downSub:  down,
				turnDown: opts.TurnDown,
				up:       make([]*pipeline.Instance, len(chain)),
				down:     make([]*pipeline.Instance, len(chain)),
				turn:     make([]int8, len(chain)),
			}
		},
	}
}

type use struct {
	n        int
	downSub  []int
	turnDown pipeline.Option[bool]

	stage *pipeline.Stage
	up    []*pipeline.Instance
	down  []*pipeline.Instance
	turn  []int8
}

func (f *use) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	if f.n == 0 {
		return s.Output(evt)
	}
	return f.toUp(0, evt)
}

func (f *use) toUp(k int, evt event.Event) error {
	if f.up[k] == nil {
		inst, err := f.stage.Spawn(f.stage.Sub(k), f.stage.Context(), func(out event.Event) error {
			return f.fromUp(k, out)
		})
		if err != nil {
			return err
		}
		f.up[k] = inst
	}
	if f.up[k].Closed() {
		return nil
	}
	return f.up[k].Process(evt)
}

func (f *use) fromUp(k int, evt event.Event) error {
	if f.turn[k] == 0 {
		f.turn[k] = 1
		if k == f.n-1 {
			f.turn[k] = 2
		} else if f.turnDown.IsSet() {
			ok, err := f.turnDown.Eval(f.stage.Context())
			if err != nil {
				return err
			}
			if ok {
				f.turn[k] = 2
			}
		}
	}
	if f.turn[k] == 2 {
		return f.toDown(k, evt)
	}
	return f.toUp(k+1, evt)
}

func (f *use) toDown(k int, evt event.Event) error {
	for ; k >= 0; k-- {
		if f.downSub[k] >= 0 {
			break
		}
	}
	if k < 0 {
		return f.stage.Output(evt)
	}
	if f.down[k] == nil {
		j := k
		inst, err := f.stage.Spawn(f.stage.Sub(f.downSub[k]), f.stage.Context(), func(out event.Event) error {
			return f.toDown(j-1, out)
		})
		if err != nil {
			return err
		}
		f.down[k] = inst
	}
	if f.down[k].Closed() {
		return nil
	}
	return f.down[k].Process(evt)
}
