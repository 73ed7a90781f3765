package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// State is the lifecycle position of a group.
type State int

const (
	// Absent groups are not tracked by the hub.
	Absent State = iota
	// Pending groups have referents but no constructed shared instance.
	Pending
	// Active groups have a shared instance and at least one referent.
	Active
	// Draining groups have no referents and an idle timer running.
	Draining
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reply receives the response to one request on the requester's strand.
// Exactly one of msg and err is set.
type Reply func(msg *event.Message, err error)

// Factory builds the shared instance of a group. sink receives everything
// the instance emits. The default factory instantiates the group layout.
type Factory func(layout *pipeline.Layout, ctx *pipeline.Context, sink pipeline.Sink) (*pipeline.Instance, error)

// Options configures a Hub.
type Options struct {
	Logger  *slog.Logger
	Factory Factory
}

// Hub owns the shared sub-pipeline groups of a program. Each group is keyed
// by layout and a caller supplied comparable key and runs on its own strand.
type Hub struct {
	mu      sync.Mutex
	groups  map[groupKey]*Group
	closed  bool
	logger  *slog.Logger
	factory Factory
	stats   Stats
}

type groupKey struct {
	layout *pipeline.Layout
	key    any
}

// Stats counts hub activity since creation.
type Stats struct {
	Created     int64
	Constructed int64
	Failed      int64
	Reused      int64
	TornDown    int64
	Live        int
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = pipeline.NewInstance
	}
	return &Hub{
		groups:  make(map[groupKey]*Group),
		logger:  opts.Logger,
		factory: opts.Factory,
	}
}

// Group is one shared sub-pipeline. The hub mutex guards refs, state and the
// idle timer; the shared instance and the reply queue are confined to the
// group strand.
type Group struct {
	hub     *Hub
	key     groupKey
	strand  *pipeline.Strand
	maxIdle time.Duration

	state State
	refs  int
	gen   uint64
	timer *time.Timer
	torn  bool

	inst    *pipeline.Instance
	seed    *pipeline.Context
	waiters []*request
	reply   *event.Assembler
}

type request struct {
	ref   *Ref
	seed  *pipeline.Context
	reply Reply
}

// Ref is one participant's hold on a group.
type Ref struct {
	group    *Group
	ctx      *pipeline.Context
	released atomic.Bool
}

// Join takes a reference on the group for (layout, key), creating it when
// absent and cancelling its idle timer when draining. ctx is the joining
// session's context; the request that constructs the shared instance seeds
// it with a clone of its sender's context. maxIdle applies when the group is
// created.
func (h *Hub) Join(layout *pipeline.Layout, key any, ctx *pipeline.Context, maxIdle time.Duration) (*Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.ErrHubClosed
	}

	gk := groupKey{layout: layout, key: key}
	g, ok := h.groups[gk]
	if !ok {
		g = &Group{
			hub:     h,
			key:     gk,
			strand:  pipeline.NewStrand(),
			maxIdle: maxIdle,
			state:   Pending,
		}
		h.groups[gk] = g
		h.stats.Created++
		telemetry.RecordMuxGroup(context.Background(), layout.QualifiedName(), telemetry.MuxGroupCreated)
	}

	if g.state == Draining {
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
		g.gen++
		g.state = Active
		h.stats.Reused++
		telemetry.RecordMuxGroup(context.Background(), layout.QualifiedName(), telemetry.MuxGroupReused)
	}
	g.refs++
	return &Ref{group: g, ctx: ctx}, nil
}

// Group returns the group the reference holds.
func (r *Ref) Group() *Group { return r.group }

// Send queues msg for the shared instance. The response, or the error that
// prevented one, is delivered to reply on the sender's strand. A nil reply
// discards the response. Requests of one group are served in Send order.
func (r *Ref) Send(msg *event.Message, reply Reply) {
	g := r.group
	req := &request{ref: r, reply: reply}
	if g.State() != Active {
		req.seed = r.ctx.Clone()
	}
	g.strand.Post(func() { g.serve(req, msg) })
}

// Release drops the reference. When the last reference goes the group
// starts draining and is torn down after its idle period unless joined
// again first. Releasing twice does nothing.
func (r *Ref) Release() {
	if r.released.Swap(true) {
		return
	}
	r.group.release()
}

// Layout returns the group's layout.
func (g *Group) Layout() *pipeline.Layout { return g.key.layout }

// Key returns the group key.
func (g *Group) Key() any { return g.key.key }

// State returns the current lifecycle state.
func (g *Group) State() State {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	if g.torn {
		return Absent
	}
	return g.state
}

// Refs returns the number of live references.
func (g *Group) Refs() int {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	return g.refs
}

// Strand returns the strand the shared instance runs on.
func (g *Group) Strand() *pipeline.Strand { return g.strand }

func (g *Group) serve(req *request, msg *event.Message) {
	if g.isTorn() {
		g.fail(req, domain.ErrHubClosed)
		return
	}
	if g.inst == nil {
		seed := req.seed
		if seed == nil {
			seed = g.seed
		}
		if err := g.construct(seed); err != nil {
			g.fail(req, err)
			return
		}
	}
	if req.reply != nil {
		g.waiters = append(g.waiters, req)
	}
	inst := g.inst
	for _, evt := range msg.Events() {
		if err := inst.Process(evt); err != nil {
			g.hub.logger.Warn("Shared pipeline rejected request",
				"layout", g.key.layout.QualifiedName(), "error", err)
			g.dropInstance(err)
			return
		}
	}
}

func (g *Group) construct(seed *pipeline.Context) error {
	layout := g.key.layout
	g.seed = seed
	ctx := seed.CloneOn(g.strand)
	ctx.WithBase(context.Background())
	g.reply = event.NewAssembler(0, g.deliver, nil)

	inst, err := g.hub.factory(layout, ctx, g.emit)
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	if err != nil {
		g.hub.stats.Failed++
		telemetry.RecordMuxGroup(context.Background(), layout.QualifiedName(), telemetry.MuxGroupConstructFailed)
		return &domain.ConstructionError{Component: "mux group", Key: g.key.key, Err: err}
	}
	g.inst = inst
	if g.state == Pending {
		g.state = Active
	}
	g.hub.stats.Constructed++
	telemetry.RecordMuxGroup(context.Background(), layout.QualifiedName(), telemetry.MuxGroupConstructed)
	return nil
}

// emit is the shared instance's sink. It runs on the group strand.
func (g *Group) emit(evt event.Event) error {
	if end, ok := evt.(*event.StreamEnd); ok {
		g.dropInstance(end)
		return nil
	}
	g.reply.Feed(evt)
	return nil
}

func (g *Group) deliver(msg *event.Message) {
	if len(g.waiters) == 0 {
		return
	}
	req := g.waiters[0]
	g.waiters[0] = nil
	g.waiters = g.waiters[1:]
	if req.ref.released.Load() {
		return
	}
	reply := req.reply
	req.ref.ctx.Strand().Post(func() { reply(msg, nil) })
}

func (g *Group) fail(req *request, err error) {
	if req.reply == nil || req.ref.released.Load() {
		return
	}
	reply := req.reply
	req.ref.ctx.Strand().Post(func() { reply(nil, err) })
}

// dropInstance forgets the shared instance after it ended so the next
// request constructs a new one. Outstanding requests fail with cause.
func (g *Group) dropInstance(cause error) {
	inst := g.inst
	g.inst = nil
	waiters := g.waiters
	g.waiters = nil
	if inst != nil {
		inst.Release()
	}
	for _, req := range waiters {
		g.fail(req, fmt.Errorf("shared pipeline %s ended: %w", g.key.layout.QualifiedName(), cause))
	}
	g.hub.mu.Lock()
	if g.state == Active {
		g.state = Pending
	}
	g.hub.mu.Unlock()
}

func (g *Group) isTorn() bool {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	return g.torn
}

func (g *Group) release() {
	h := g.hub
	h.mu.Lock()
	g.refs--
	if g.refs > 0 || g.torn {
		h.mu.Unlock()
		return
	}
	g.state = Draining
	g.gen++
	gen := g.gen
	if g.maxIdle > 0 {
		g.timer = time.AfterFunc(g.maxIdle, func() { h.expire(g, gen) })
		h.mu.Unlock()
		return
	}
	expired := h.expireLocked(g, gen)
	h.mu.Unlock()
	if expired {
		g.strand.Post(g.teardown)
	}
}

func (h *Hub) expire(g *Group, gen uint64) {
	h.mu.Lock()
	expired := h.expireLocked(g, gen)
	h.mu.Unlock()
	if expired {
		g.strand.Post(g.teardown)
	}
}

// expireLocked marks g torn down unless it was joined again after
// generation gen started draining. The caller posts the teardown.
func (h *Hub) expireLocked(g *Group, gen uint64) bool {
	if g.torn || g.gen != gen || g.refs > 0 {
		return false
	}
	g.torn = true
	g.timer = nil
	if h.groups[g.key] == g {
		delete(h.groups, g.key)
	}
	h.stats.TornDown++
	telemetry.RecordMuxGroup(context.Background(), g.key.layout.QualifiedName(), telemetry.MuxGroupTornDown)
	h.logger.Debug("Shared pipeline torn down", "layout", g.key.layout.QualifiedName(), "key", g.key.key)
	return true
}

func (g *Group) teardown() {
	inst := g.inst
	g.inst = nil
	g.seed = nil
	g.waiters = nil
	if inst != nil {
		inst.Release()
	}
}

// Stats returns a snapshot of the counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Live = len(h.groups)
	return s
}

// Lookup returns the live group for (layout, key).
func (h *Hub) Lookup(layout *pipeline.Layout, key any) (*Group, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[groupKey{layout: layout, key: key}]
	return g, ok
}

// Close tears down every group immediately and rejects further joins.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	groups := make([]*Group, 0, len(h.groups))
	for _, g := range h.groups {
		groups = append(groups, g)
	}
	var expired []*Group
	for _, g := range groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		g.refs = 0
		g.gen++
		if h.expireLocked(g, g.gen) {
			expired = append(expired, g)
		}
	}
	h.mu.Unlock()
	for _, g := range expired {
		g.strand.Post(g.teardown)
	}
}
