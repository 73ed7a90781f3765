package filters

import (
	"fmt"
	"time"

	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/mux"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// DefaultMaxIdle is how long a shared sub-pipeline outlives its last
// referent when no maxIdle option is given.
const DefaultMaxIdle = 10 * time.Second

// DefaultReplyTimeout bounds how long a mux holds the end of its input for
// outstanding replies when no timeout option is given.
const DefaultReplyTimeout = 30 * time.Second

// MuxOptions configures mux and merge.
type MuxOptions struct {
	// Key selects the shared group. Sessions evaluating to equal keys share
	// one sub-pipeline instance. Defaults to one group per session.
	Key pipeline.Option[any]
	// MaxIdle is how long the group survives without referents.
	MaxIdle pipeline.Option[time.Duration]
	// Limit caps the buffered body size of each request. Zero means no cap.
	Limit int
	// Timeout bounds how long the end of the input is held for outstanding
	// replies. When it passes the output ends with ConnectionTimeout. Zero
	// or negative waits forever.
	Timeout pipeline.Option[time.Duration]
}

// Mux sends every input message to a sub-pipeline shared between all
// sessions with the same key and outputs the replies in request order. An
// input StreamEnd is held back until every outstanding reply has arrived or
// the reply timeout passes. A reply failure ends the output stream with the
// error.
func Mux(hub *mux.Hub, layout string, opts MuxOptions) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "mux",
		Input:  event.DisciplineMessage,
		Output: event.DisciplineMessage,
		Subs:   []string{layout},
		New:    func() pipeline.Filter { return &muxFilter{hub: hub, opts: opts} },
	}
}

// Merge is Mux without replies: a copy of every input message goes to the
// shared sub-pipeline, whose output is discarded, and the input passes
// through unchanged.
func Merge(hub *mux.Hub, layout string, opts MuxOptions) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "merge",
		Input:  event.DisciplineMessage,
		Output: event.DisciplineMessage,
		Subs:   []string{layout},
		New:    func() pipeline.Filter { return &muxFilter{hub: hub, opts: opts, merge: true} },
	}
}

type muxFilter struct {
	hub   *mux.Hub
	opts  MuxOptions
	merge bool

	stage   *pipeline.Stage
	ref     *mux.Ref
	asm     *event.Assembler
	pending int
	end     *event.StreamEnd
	timer   *time.Timer
	failed  bool
	err     error
}

func (f *muxFilter) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	if f.ref == nil && !f.failed {
		if err := f.join(s); err != nil {
			f.failed = true
			if f.merge {
				s.Logger().Warn("merge target unavailable", "error", err)
			} else {
				return s.Output(event.EndWithError(event.RuntimeError, err))
			}
		}
	}
	if f.asm != nil {
		f.asm.Feed(evt)
	}
	if f.err != nil {
		err := f.err
		f.err = nil
		return err
	}
	if f.merge {
		return s.Output(evt)
	}
	return nil
}

func (f *muxFilter) join(s *pipeline.Stage) error {
	ctx := s.Context()
	key, err := f.opts.Key.EvalOr(ctx, ctx.Strand())
	if err != nil {
		return err
	}
	maxIdle, err := f.opts.MaxIdle.EvalOr(ctx, DefaultMaxIdle)
	if err != nil {
		return err
	}
	ref, err := f.hub.Join(s.Sub(0), key, ctx, maxIdle)
	if err != nil {
		return err
	}
	f.ref = ref
	f.asm = event.NewAssembler(f.opts.Limit, f.send, f.pass)
	return nil
}

func (f *muxFilter) send(msg *event.Message) {
	if f.merge {
		f.ref.Send(msg, nil)
		return
	}
	f.pending++
	f.ref.Send(msg, f.reply)
}

func (f *muxFilter) pass(evt event.Event) {
	end, ok := evt.(*event.StreamEnd)
	if !ok || f.merge {
		return
	}
	if f.pending == 0 {
		f.err = f.stage.Output(end)
		return
	}
	f.hold(end)
}

func (f *muxFilter) hold(end *event.StreamEnd) {
	f.end = end
	ctx := f.stage.Context()
	timeout, err := f.opts.Timeout.EvalOr(ctx, DefaultReplyTimeout)
	if err != nil {
		f.stage.Logger().Warn("reply timeout option failed", "error", err)
		timeout = DefaultReplyTimeout
	}
	if timeout <= 0 {
		return
	}
	strand := ctx.Strand()
	f.timer = time.AfterFunc(timeout, func() {
		strand.Post(func() { f.expire(timeout) })
	})
}

func (f *muxFilter) expire(timeout time.Duration) {
	f.timer = nil
	if f.end == nil || f.stage.Instance().Released() {
		return
	}
	f.end = nil
	f.stage.Logger().Warn("shared pipeline replies timed out", "outstanding", f.pending, "timeout", timeout)
	err := fmt.Errorf("%d replies outstanding after %s", f.pending, timeout)
	_ = f.stage.Output(event.EndWithError(event.ConnectionTimeout, err))
}

func (f *muxFilter) stopTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// Holding implements pipeline.Holder.
func (f *muxFilter) Holding() bool { return f.end != nil }

func (f *muxFilter) reply(msg *event.Message, err error) {
	f.pending--
	if err != nil {
		f.stage.Logger().Warn("shared pipeline failed", "error", err)
		f.end = nil
		f.stopTimer()
		_ = f.stage.Output(event.EndWithError(event.RuntimeError, err))
		return
	}
	for _, evt := range msg.Events() {
		if err := f.stage.Output(evt); err != nil {
			f.stage.Logger().Warn("reply dropped", "error", err)
			return
		}
	}
	if f.pending == 0 && f.end != nil {
		end := f.end
		f.end = nil
		f.stopTimer()
		_ = f.stage.Output(end)
	}
}

func (f *muxFilter) Release(*pipeline.Stage) {
	f.stopTimer()
	f.end = nil
	if f.ref != nil {
		f.ref.Release()
	}
}
