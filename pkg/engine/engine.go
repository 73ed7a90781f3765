package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/filters"
	"github.com/polisai/polis-relay/pkg/mux"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// ErrNoProgram is returned when a session is requested before any document
// was loaded.
var ErrNoProgram = errors.New("no pipeline program loaded")

// ErrEngineClosed is returned when a session is requested after Close.
var ErrEngineClosed = errors.New("engine is closed")

// Revision is one compiled version of the layout document.
type Revision struct {
	Generation int64
	Document   *config.Document
	Program    *pipeline.Program
	Upstreams  *filters.Upstreams
	LoadedAt   time.Time
}

// SessionListener observes session lifecycles.
type SessionListener interface {
	SessionStarted(info SessionInfo)
	SessionEnded(info SessionInfo)
}

// Options configures an Engine.
type Options struct {
	Logger    *slog.Logger
	Registry  *filters.Registry
	Transport filters.Transport
	Breaker   governance.CircuitBreakerConfig
	Listeners []SessionListener
}

// Engine owns the current program revision and the services shared by
// every session: the mux hub, upstream balancers, transport and circuit
// breakers.
type Engine struct {
	logger    *slog.Logger
	registry  *filters.Registry
	transport filters.Transport
	breakers  *governance.BreakerSet
	hub       *mux.Hub
	listeners []SessionListener

	mu         sync.RWMutex
	current    *Revision
	generation int64
	closed     bool

	sessions sync.Map // id -> *Session
	active   atomic.Int64
}

// New creates an engine with no program loaded.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = filters.DefaultRegistry()
	}
	if opts.Transport == nil {
		opts.Transport = &filters.TCPTransport{}
	}
	if opts.Breaker == (governance.CircuitBreakerConfig{}) {
		opts.Breaker = governance.DefaultCircuitBreakerConfig()
	}
	return &Engine{
		logger:    opts.Logger,
		registry:  opts.Registry,
		transport: opts.Transport,
		breakers:  governance.NewBreakerSet(opts.Breaker),
		hub:       mux.NewHub(mux.Options{Logger: opts.Logger}),
		listeners: opts.Listeners,
	}
}

// Load compiles doc and makes it the current revision. On failure the
// current revision is kept.
func (e *Engine) Load(doc *config.Document) (*Revision, error) {
	upstreams := doc.Upstreams()
	program, err := config.Compile(doc, config.CompileOptions{
		Registry: e.registry,
		Runtime: filters.Runtime{
			Hub:       e.hub,
			Upstreams: upstreams,
			Transport: e.transport,
			Breakers:  e.breakers,
		},
	})
	if err != nil {
		e.notifyReload(false)
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.generation++
	rev := &Revision{
		Generation: e.generation,
		Document:   doc,
		Program:    program,
		Upstreams:  upstreams,
		LoadedAt:   time.Now(),
	}
	e.current = rev
	e.mu.Unlock()

	e.notifyReload(true)
	e.logger.Info("Pipeline program loaded",
		"generation", rev.Generation,
		"modules", len(program.Modules()),
	)
	return rev, nil
}

func (e *Engine) notifyReload(ok bool) {
	for _, l := range e.listeners {
		if r, isReload := l.(interface{ ReloadCompleted(ok bool) }); isReload {
			r.ReloadCompleted(ok)
		}
	}
}

// Watch loads every revision received from updates until ctx is done or
// updates is closed. Compile failures are logged and the previous program
// stays current.
func (e *Engine) Watch(ctx context.Context, updates <-chan config.Revision) {
	for {
		select {
		case <-ctx.Done():
			return
		case rev, ok := <-updates:
			if !ok {
				return
			}
			if _, err := e.Load(rev.Document); err != nil {
				e.logger.Error("Pipeline reload rejected", "revision", rev.Generation, "error", err)
			}
		}
	}
}

// Current returns the current revision, or nil before the first Load.
func (e *Engine) Current() *Revision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Hub returns the shared mux hub.
func (e *Engine) Hub() *mux.Hub { return e.hub }

// Breakers returns the per-target circuit breakers.
func (e *Engine) Breakers() *governance.BreakerSet { return e.breakers }

// ActiveSessions returns the number of sessions that have not ended.
func (e *Engine) ActiveSessions() int64 { return e.active.Load() }

// Sessions returns a snapshot of the live sessions ordered by start time.
func (e *Engine) Sessions() []SessionInfo {
	var out []SessionInfo
	e.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Session returns a live session by ID.
func (e *Engine) Session(id string) (*Session, bool) {
	v, ok := e.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Close ends every live session and tears down the shared mux groups.
// Later NewSession calls fail.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	var live []*Session
	e.sessions.Range(func(_, v any) bool {
		live = append(live, v.(*Session))
		return true
	})
	for _, s := range live {
		s.Close()
	}
	e.hub.Close()
	e.logger.Info("Engine closed", "sessions_closed", len(live))
}

func (e *Engine) revisionFor(entry string) (*Revision, *pipeline.Layout, error) {
	e.mu.RLock()
	rev, closed := e.current, e.closed
	e.mu.RUnlock()
	if closed {
		return nil, nil, ErrEngineClosed
	}
	if rev == nil {
		return nil, nil, ErrNoProgram
	}
	layout, err := rev.Program.Layout(entry)
	if err != nil {
		return nil, nil, fmt.Errorf("entry pipeline %s: %w", entry, err)
	}
	return rev, layout, nil
}
