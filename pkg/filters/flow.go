package filters

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// Dummy absorbs its input and outputs nothing.
func Dummy() pipeline.Spec {
	return pipeline.Spec{
		Kind:   "dummy",
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		New: func() pipeline.Filter {
			return pipeline.FilterFunc(func(*pipeline.Stage, event.Event) error { return nil })
		},
	}
}

// Dump logs every event at debug level and passes it through. Message heads
// are logged after applying the redaction rules.
func Dump(prefix string, rules map[string]string) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "dump",
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		New: func() pipeline.Filter {
			return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
				logger := s.Logger()
				if logger.Enabled(s.Context().Base(), slog.LevelDebug) {
					logger.Debug("event", dumpAttrs(prefix, rules, evt)...)
				}
				return s.Output(evt)
			})
		},
	}
}

func dumpAttrs(prefix string, rules map[string]string, evt event.Event) []any {
	attrs := []any{"prefix", prefix, "kind", evt.Kind().String()}
	switch e := evt.(type) {
	case *event.Data:
		attrs = append(attrs, "size", e.Size())
	case *event.MessageStart:
		for _, kv := range telemetry.HeadAttributes(e.Head, rules) {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}
	case *event.StreamEnd:
		attrs = append(attrs, "reason", string(e.Reason))
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err)
		}
	}
	return attrs
}

// WaitOptions configures Wait.
type WaitOptions struct {
	// Interval is how often the condition is re-checked while events are
	// held. Defaults to 100ms.
	Interval time.Duration
	// Timeout ends the stream with ConnectionTimeout when the condition is
	// still false after this long. Zero waits forever.
	Timeout time.Duration
}

// Wait holds every event until cond becomes true, then releases them in
// order and passes later events straight through. The condition is checked
// on each input event and periodically while events are held.
func Wait(cond pipeline.Option[bool], opts WaitOptions) pipeline.Spec {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	return pipeline.Spec{
		Kind:   "wait",
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		New:    func() pipeline.Filter { return &wait{cond: cond, opts: opts} },
	}
}

type wait struct {
	cond     pipeline.Option[bool]
	opts     WaitOptions
	stage    *pipeline.Stage
	held     []event.Event
	open     bool
	timedOut bool
	deadline time.Time
	timer    *time.Timer
}

func (f *wait) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	if f.timedOut {
		return nil
	}
	if f.open {
		return s.Output(evt)
	}
	f.held = append(f.held, evt)
	if f.opts.Timeout > 0 && f.deadline.IsZero() {
		f.deadline = time.Now().Add(f.opts.Timeout)
	}
	return f.check()
}

func (f *wait) check() error {
	ok, err := f.cond.Eval(f.stage.Context())
	if err != nil {
		return err
	}
	if ok {
		f.open = true
		f.stopTimer()
		held := f.held
		f.held = nil
		return outputAll(f.stage, held)
	}
	if !f.deadline.IsZero() && !time.Now().Before(f.deadline) {
		f.timedOut = true
		f.held = nil
		f.stopTimer()
		return f.stage.Output(event.End(event.ConnectionTimeout))
	}
	if f.timer == nil {
		strand := f.stage.Context().Strand()
		f.timer = time.AfterFunc(f.opts.Interval, func() {
			strand.Post(f.tick)
		})
	}
	return nil
}

func (f *wait) tick() {
	f.timer = nil
	if f.open || f.timedOut || f.stage.Instance().Released() {
		return
	}
	if err := f.check(); err != nil {
		f.stage.Logger().Warn("wait condition failed", "error", err)
	}
}

func (f *wait) stopTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// Holding implements pipeline.Holder.
func (f *wait) Holding() bool { return len(f.held) > 0 }

func (f *wait) Release(*pipeline.Stage) {
	f.stopTimer()
	f.held = nil
}

// PackOptions configures Pack.
type PackOptions struct {
	// Timeout flushes a partial batch this long after its first message.
	// Zero keeps partial batches until StreamEnd.
	Timeout time.Duration
}

// Pack combines every batch consecutive messages into one whose head and
// tail are the first message's and whose body is the concatenation of all
// bodies. A partial batch is flushed on StreamEnd or timeout.
func Pack(batch int, opts PackOptions) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "pack",
		Input:  event.DisciplineMessage,
		Output: event.DisciplineMessage,
		New:    func() pipeline.Filter { return &pack{batch: max(batch, 1), opts: opts} },
	}
}

type pack struct {
	batch int
	opts  PackOptions
	stage *pipeline.Stage
	asm   *event.Assembler
	msgs  []*event.Message
	timer *time.Timer
	err   error
}

func (f *pack) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	if f.asm == nil {
		f.asm = event.NewAssembler(0, f.add, f.pass)
	}
	f.asm.Feed(evt)
	err := f.err
	f.err = nil
	return err
}

func (f *pack) add(msg *event.Message) {
	f.msgs = append(f.msgs, msg)
	if len(f.msgs) >= f.batch {
		f.err = f.flush()
		return
	}
	if len(f.msgs) == 1 && f.opts.Timeout > 0 {
		strand := f.stage.Context().Strand()
		f.timer = time.AfterFunc(f.opts.Timeout, func() {
			strand.Post(func() {
				if f.stage.Instance().Released() {
					return
				}
				if err := f.flush(); err != nil {
					f.stage.Logger().Warn("pack flush failed", "error", err)
				}
			})
		})
	}
}

func (f *pack) pass(evt event.Event) {
	if event.IsEnd(evt) {
		if err := f.flush(); err != nil {
			f.err = err
			return
		}
	}
	f.err = f.stage.Output(evt)
}

func (f *pack) flush() error {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if len(f.msgs) == 0 {
		return nil
	}
	msgs := f.msgs
	f.msgs = nil
	var body bytes.Buffer
	for _, m := range msgs {
		body.Write(m.Body)
	}
	out := &event.Message{Head: msgs[0].Head, Body: body.Bytes(), Tail: msgs[0].Tail}
	return outputAll(f.stage, out.Events())
}

func (f *pack) Release(*pipeline.Stage) {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// ThrottleMessageRate delays messages so that each account stays within its
// quota. Every MessageStart costs one token.
func ThrottleMessageRate(quotas *governance.Quotas, account pipeline.Option[string]) pipeline.Spec {
	return throttleSpec("throttleMessageRate", quotas, account, func(evt event.Event) int {
		if evt.Kind() == event.KindMessageStart {
			return 1
		}
		return 0
	})
}

// ThrottleDataRate delays data so that each account stays within its quota
// of bytes per second.
func ThrottleDataRate(quotas *governance.Quotas, account pipeline.Option[string]) pipeline.Spec {
	return throttleSpec("throttleDataRate", quotas, account, func(evt event.Event) int {
		if d, ok := evt.(*event.Data); ok {
			return d.Size()
		}
		return 0
	})
}

func throttleSpec(kind string, quotas *governance.Quotas, account pipeline.Option[string], cost func(event.Event) int) pipeline.Spec {
	return pipeline.Spec{
		Kind:   kind,
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		New: func() pipeline.Filter {
			return &throttle{quotas: quotas, account: account, cost: cost}
		},
	}
}

type throttled struct {
	evt event.Event
	at  time.Time
}

type throttle struct {
	quotas  *governance.Quotas
	account pipeline.Option[string]
	cost    func(event.Event) int

	stage   *pipeline.Stage
	name    string
	resolve bool
	queue   []throttled
	timer   *time.Timer
}

func (f *throttle) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	if !f.resolve {
		f.resolve = true
		name, err := f.account.EvalOr(s.Context(), "")
		if err != nil {
			return err
		}
		f.name = name
	}

	now := time.Now()
	at := now
	if n := f.cost(evt); n > 0 {
		if d := f.quotas.Reserve(f.name, n); d > 0 {
			at = now.Add(d)
			telemetry.RecordThrottled(s.Context().Base(), s.Kind(), f.name)
		}
	}
	if len(f.queue) > 0 && at.Before(f.queue[len(f.queue)-1].at) {
		at = f.queue[len(f.queue)-1].at
	}
	if len(f.queue) == 0 && !at.After(now) {
		return s.Output(evt)
	}
	f.queue = append(f.queue, throttled{evt: evt, at: at})
	if f.timer == nil {
		f.schedule(now)
	}
	return nil
}

func (f *throttle) schedule(now time.Time) {
	strand := f.stage.Context().Strand()
	f.timer = time.AfterFunc(f.queue[0].at.Sub(now), func() {
		strand.Post(f.drain)
	})
}

func (f *throttle) drain() {
	f.timer = nil
	if f.stage.Instance().Released() {
		return
	}
	now := time.Now()
	for len(f.queue) > 0 && !f.queue[0].at.After(now) {
		evt := f.queue[0].evt
		f.queue = f.queue[1:]
		if err := f.stage.Output(evt); err != nil {
			f.stage.Logger().Warn("throttled output failed", "error", err)
		}
	}
	if len(f.queue) > 0 {
		f.schedule(now)
	}
}

// Holding implements pipeline.Holder.
func (f *throttle) Holding() bool { return len(f.queue) > 0 }

func (f *throttle) Release(*pipeline.Stage) {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.queue = nil
}
