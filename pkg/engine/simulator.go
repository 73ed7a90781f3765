package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/filters"
	"github.com/polisai/polis-relay/pkg/mux"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// DefaultSimulationTimeout is how long a simulation waits for the entry
// layout to end after the last scripted event.
const DefaultSimulationTimeout = time.Second

// SimulationRequest scripts one simulated session.
type SimulationRequest struct {
	Pipeline string `json:"pipeline" yaml:"pipeline"`
	// Variables are assigned, by the names visible in the entry module,
	// before the first event.
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Events    []SimEvent     `json:"events" yaml:"events"`
}

// SimEvent is the JSON form of an event. Type is one of data,
// messageStart, messageEnd, streamEnd or message; a message expands to its
// start, body and end.
type SimEvent struct {
	Type   string         `json:"type" yaml:"type"`
	Head   map[string]any `json:"head,omitempty" yaml:"head,omitempty"`
	Body   string         `json:"body,omitempty" yaml:"body,omitempty"`
	Tail   map[string]any `json:"tail,omitempty" yaml:"tail,omitempty"`
	Reason string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error  string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// SimulationResponse is the outcome of a simulation.
type SimulationResponse struct {
	Output       []SimEvent     `json:"output"`
	Messages     []SimEvent     `json:"messages,omitempty"`
	Ended        bool           `json:"ended"`
	FinalContext map[string]any `json:"finalContext"`
	Trace        []TraceEntry   `json:"trace"`
}

// TraceEntry is one event entering one filter.
type TraceEntry struct {
	Step    int    `json:"step"`
	Layout  string `json:"layout"`
	Filter  int    `json:"filter"`
	Kind    string `json:"kind"`
	Event   string `json:"event"`
	Elapsed string `json:"elapsed"`
}

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	Logger *slog.Logger
	// Transport serves connect filters. Defaults to an empty
	// filters.MemoryTransport, so every connect is refused.
	Transport filters.Transport
	Timeout   time.Duration
}

// Simulator runs scripted sessions against its own compilation of a
// document. Its hub, upstreams and transport are private, so simulations
// never reach the network or share state with live sessions.
type Simulator struct {
	program *pipeline.Program
	hub     *mux.Hub
	logger  *slog.Logger
	timeout time.Duration
}

// NewSimulator compiles doc for simulation.
func NewSimulator(doc *config.Document, opts SimulatorOptions) (*Simulator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = filters.NewMemoryTransport()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSimulationTimeout
	}
	hub := mux.NewHub(mux.Options{Logger: opts.Logger})
	program, err := config.Compile(doc, config.CompileOptions{Runtime: filters.Runtime{
		Hub:       hub,
		Transport: opts.Transport,
		Breakers:  governance.NewBreakerSet(governance.DefaultCircuitBreakerConfig()),
	}})
	if err != nil {
		return nil, err
	}
	return &Simulator{program: program, hub: hub, logger: opts.Logger, timeout: opts.Timeout}, nil
}

// Close tears down shared groups created by simulations.
func (s *Simulator) Close() { s.hub.Close() }

// Simulate runs req and returns the output and trace. On error the partial
// response is returned with it.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResponse, error) {
	s.logger.Info("starting pipeline simulation", slog.String("pipeline", req.Pipeline), slog.Int("events", len(req.Events)))

	layout, err := s.program.Layout(req.Pipeline)
	if err != nil {
		return nil, err
	}
	input, err := decodeEvents(req.Events)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		resp  = &SimulationResponse{Output: []SimEvent{}, Trace: []TraceEntry{}}
		ended = make(chan struct{})
		start = time.Now()
	)
	observe := func(o pipeline.Observation) {
		mu.Lock()
		defer mu.Unlock()
		resp.Trace = append(resp.Trace, TraceEntry{
			Step:    len(resp.Trace) + 1,
			Layout:  o.Layout,
			Filter:  o.Index,
			Kind:    o.Kind,
			Event:   describe(o.Event),
			Elapsed: time.Since(start).String(),
		})
	}
	asm := event.NewAssembler(0, func(m *event.Message) {
		resp.Messages = append(resp.Messages, SimEvent{Type: "message", Head: m.Head, Body: string(m.Body), Tail: m.Tail})
	}, nil)
	sink := func(evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		resp.Output = append(resp.Output, encodeEvent(evt))
		asm.Feed(evt)
		if event.IsEnd(evt) && !resp.Ended {
			resp.Ended = true
			close(ended)
		}
		return nil
	}

	pctx, err := pipeline.NewContext(s.program, pipeline.ContextOptions{ID: "simulation", Logger: s.logger, Base: ctx, Observer: observe})
	if err != nil {
		return nil, err
	}
	inst, err := pipeline.NewInstance(layout, pctx, sink)
	if err != nil {
		return nil, err
	}

	strand := pctx.Strand()
	var runErr error
	strand.Post(func() {
		for _, name := range slices.Sorted(maps.Keys(req.Variables)) {
			if runErr = pctx.Assign(layout.Module(), name, req.Variables[name]); runErr != nil {
				return
			}
		}
		runErr = inst.ProcessAll(input...)
	})
	strand.Wait()

	if runErr == nil {
		timer := time.NewTimer(s.timeout)
		select {
		case <-ended:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	strand.Post(func() {
		resp.FinalContext = pctx.Env(layout.Module())
		inst.Release()
	})
	strand.Wait()

	mu.Lock()
	defer mu.Unlock()
	s.logger.Info("pipeline simulation complete",
		slog.String("pipeline", req.Pipeline),
		slog.Int("trace_length", len(resp.Trace)),
		slog.Bool("ended", resp.Ended))
	return resp, runErr
}

func decodeEvents(in []SimEvent) ([]event.Event, error) {
	var out []event.Event
	for i, e := range in {
		switch e.Type {
		case "data":
			out = append(out, event.NewData(e.Body))
		case "messageStart":
			out = append(out, &event.MessageStart{Head: e.Head})
		case "messageEnd":
			out = append(out, &event.MessageEnd{Tail: e.Tail})
		case "message":
			m := event.NewMessage(e.Head, e.Body)
			m.Tail = e.Tail
			out = append(out, m.Events()...)
		case "streamEnd":
			end := event.End(event.Reason(e.Reason))
			if e.Error != "" {
				end.Err = fmt.Errorf("%s", e.Error)
			}
			out = append(out, end)
		default:
			return nil, fmt.Errorf("event %d: unknown type %q", i, e.Type)
		}
	}
	return out, nil
}

func encodeEvent(evt event.Event) SimEvent {
	switch e := evt.(type) {
	case *event.Data:
		return SimEvent{Type: "data", Body: string(e.Bytes)}
	case *event.MessageStart:
		return SimEvent{Type: "messageStart", Head: e.Head}
	case *event.MessageEnd:
		return SimEvent{Type: "messageEnd", Tail: e.Tail}
	case *event.StreamEnd:
		out := SimEvent{Type: "streamEnd", Reason: string(e.Reason)}
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
		return out
	default:
		return SimEvent{Type: evt.Kind().String()}
	}
}

func describe(evt event.Event) string {
	switch e := evt.(type) {
	case *event.Data:
		return fmt.Sprintf("data(%d)", e.Size())
	case *event.StreamEnd:
		if e.OK() {
			return "streamEnd"
		}
		return "streamEnd(" + e.Error() + ")"
	default:
		return evt.Kind().String()
	}
}
