package filters

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// collector records instance output. Outputs may arrive from timer or
// transport goroutines, so access is locked.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) sink(evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) messages() []*event.Message {
	var msgs []*event.Message
	asm := event.NewAssembler(0, func(m *event.Message) { msgs = append(msgs, m) }, nil)
	for _, evt := range c.snapshot() {
		asm.Feed(evt)
	}
	return msgs
}

func (c *collector) bodies() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, string(m.Body))
	}
	return out
}

func (c *collector) data() string {
	var b strings.Builder
	for _, evt := range c.snapshot() {
		if d, ok := evt.(*event.Data); ok {
			b.Write(d.Bytes)
		}
	}
	return b.String()
}

// end returns the trailing StreamEnd, if any.
func (c *collector) end() *event.StreamEnd {
	evts := c.snapshot()
	if len(evts) == 0 {
		return nil
	}
	end, _ := evts[len(evts)-1].(*event.StreamEnd)
	return end
}

type session struct {
	ctx  *pipeline.Context
	inst *pipeline.Instance
	out  *collector
}

func startSession(t *testing.T, layout *pipeline.Layout) *session {
	t.Helper()
	ctx, err := pipeline.NewContext(layout.Module().Program(), pipeline.ContextOptions{ID: t.Name()})
	require.NoError(t, err)
	out := &collector{}
	inst, err := pipeline.NewInstance(layout, ctx, out.sink)
	require.NoError(t, err)
	return &session{ctx: ctx, inst: inst, out: out}
}

// do runs fn on the session strand and waits for the strand to go idle.
func (s *session) do(fn func()) {
	s.ctx.Strand().Post(fn)
	s.ctx.Strand().Wait()
}

func (s *session) send(evts ...event.Event) error {
	var err error
	s.do(func() { err = s.inst.ProcessAll(evts...) })
	return err
}

// released reads the instance state on its strand, for instances that
// outputs from other goroutines may have torn down.
func (s *session) released() bool {
	var r bool
	s.do(func() { r = s.inst.Released() })
	return r
}

func (s *session) close() {
	s.do(s.inst.Release)
}

func request(path, body string) []event.Event {
	return event.NewMessage(map[string]any{"path": path}, body).Events()
}

// rewrite answers every message with fn applied to its body.
func rewrite(fn func(body string) string) pipeline.Spec {
	return ReplaceMessage(0, func(_ *pipeline.Stage, m *event.Message) ([]event.Event, error) {
		return event.NewMessage(m.Head, fn(string(m.Body))).Events(), nil
	})
}

func suffix(tag string) pipeline.Spec {
	return rewrite(func(body string) string { return body + tag })
}
