package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const tracerName = "github.com/polisai/polis-relay/pkg/engine"

// SessionOptions configures NewSession.
type SessionOptions struct {
	// ID identifies the session. A random UUID is used when empty.
	ID string
	// Source describes where the session came from, e.g. a remote address.
	Source string
	// Output receives the events the entry layout emits. It runs on the
	// session strand and must not call Feed or Close. Nil discards output.
	Output func(evt event.Event)
	// Base is the parent Go context for the session span.
	Base context.Context
}

// SessionInfo describes a session for admin listings and listeners.
type SessionInfo struct {
	ID         string        `json:"id"`
	Entry      string        `json:"entry"`
	Source     string        `json:"source,omitempty"`
	Generation int64         `json:"generation"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration,omitempty"`
	EndReason  string        `json:"end_reason,omitempty"`
	Failed     bool          `json:"failed,omitempty"`
}

// Session is one top-level pipeline instance with its own context and
// strand. Input is fed with Feed; the session ends when the entry layout
// emits StreamEnd or Close is called.
type Session struct {
	engine  *Engine
	id      string
	entry   string
	source  string
	rev     *Revision
	started time.Time
	ctx     *pipeline.Context
	inst    *pipeline.Instance
	span    trace.Span
	output  func(event.Event)
	done    chan struct{}

	mu       sync.Mutex
	end      *event.StreamEnd
	finished time.Time
}

// NewSession starts a session running the entry layout, given as
// "module/layout", of the current revision. The session keeps that revision
// until it ends even if a newer one is loaded meanwhile.
func (e *Engine) NewSession(entry string, opts SessionOptions) (*Session, error) {
	rev, layout, err := e.revisionFor(entry)
	if err != nil {
		return nil, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Base == nil {
		opts.Base = context.Background()
	}

	s := &Session{
		engine:  e,
		id:      opts.ID,
		entry:   entry,
		source:  opts.Source,
		rev:     rev,
		started: time.Now(),
		output:  opts.Output,
		done:    make(chan struct{}),
	}
	if _, dup := e.sessions.LoadOrStore(s.id, s); dup {
		return nil, fmt.Errorf("%w: session %s", domain.ErrDuplicateName, s.id)
	}

	spanCtx, span := otel.Tracer(tracerName).Start(opts.Base, "session "+entry,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("session.source", s.source),
			attribute.String("pipeline.entry", entry),
			attribute.Int64("pipeline.generation", rev.Generation),
		))
	s.span = span

	s.ctx, err = pipeline.NewContext(rev.Program, pipeline.ContextOptions{ID: s.id, Logger: e.logger, Base: spanCtx})
	if err == nil {
		s.inst, err = pipeline.NewInstance(layout, s.ctx, s.sink)
	}
	if err != nil {
		e.sessions.Delete(s.id)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	s.ctx.OnEnd(s.finish)

	e.active.Add(1)
	telemetry.RecordSession(spanCtx, telemetry.SessionMetrics{Entry: entry, Source: s.source, Phase: telemetry.SessionStarted})
	info := s.Info()
	for _, l := range e.listeners {
		l.SessionStarted(info)
	}
	e.logger.Debug("Session started", "session_id", s.id, "entry", entry, "source", s.source)
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Revision returns the program revision the session runs.
func (s *Session) Revision() *Revision { return s.rev }

// Context returns the session context. It must only be used on the
// session strand.
func (s *Session) Context() *pipeline.Context { return s.ctx }

// Done is closed once the session has ended and released everything it
// owned.
func (s *Session) Done() <-chan struct{} { return s.done }

// End returns the StreamEnd the entry layout emitted, or nil.
func (s *Session) End() *event.StreamEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Feed processes evts in order on the session strand and waits until the
// strand is idle. It fails with domain.ErrClosedInstance once the session
// stopped accepting input.
func (s *Session) Feed(evts ...event.Event) error {
	select {
	case <-s.done:
		return domain.ErrClosedInstance
	default:
	}
	var err error
	strand := s.ctx.Strand()
	strand.Post(func() { err = s.inst.ProcessAll(evts...) })
	strand.Wait()
	if err != nil && !errors.Is(err, domain.ErrClosedInstance) {
		s.engine.logger.Warn("Session input rejected", "session_id", s.id, "entry", s.entry, "error", err)
	}
	return err
}

// Close releases the session's instance tree. Closing an ended session
// does nothing.
func (s *Session) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	strand := s.ctx.Strand()
	strand.Post(s.inst.Release)
	strand.Wait()
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:         s.id,
		Entry:      s.entry,
		Source:     s.source,
		Generation: s.rev.Generation,
		Started:    s.started,
	}
	if !s.finished.IsZero() {
		info.Duration = s.finished.Sub(s.started)
		info.EndReason = "closed"
		if s.end != nil {
			info.EndReason = string(s.end.Reason)
			if s.end.Reason == event.NoError {
				info.EndReason = "ok"
			}
			info.Failed = !s.end.OK()
		}
	}
	return info
}

func (s *Session) sink(evt event.Event) error {
	if end, ok := evt.(*event.StreamEnd); ok {
		s.mu.Lock()
		s.end = end
		s.mu.Unlock()
	}
	if s.output != nil {
		s.output(evt)
	}
	return nil
}

// finish runs on the session strand when the context ends.
func (s *Session) finish() {
	s.mu.Lock()
	s.finished = time.Now()
	end := s.end
	s.mu.Unlock()

	e := s.engine
	info := s.Info()
	if end != nil {
		var err error
		if !end.OK() {
			err = end
		}
		telemetry.RecordStreamEnd(s.span, string(end.Reason), err)
		if err != nil {
			s.span.SetStatus(codes.Error, err.Error())
		}
	}
	s.span.End()

	e.sessions.Delete(s.id)
	e.active.Add(-1)
	telemetry.RecordSession(context.Background(), telemetry.SessionMetrics{
		Entry:    s.entry,
		Source:   s.source,
		Phase:    telemetry.SessionEnded,
		Duration: info.Duration,
		Failed:   info.Failed,
	})
	for _, l := range e.listeners {
		l.SessionEnded(info)
	}
	e.logger.Debug("Session ended", "session_id", s.id, "entry", s.entry, "reason", info.EndReason, "duration", info.Duration)
	close(s.done)
}
