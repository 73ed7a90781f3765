package filters

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-relay/pkg/algo"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// Upstreams holds the balancers of every named service together with a
// pool of connection handles shared by all sessions. Handles are numbered
// from 1 in allocation order.
type Upstreams struct {
	services map[string]algo.Balancer[string]
	pool     *algo.ResourcePool[string, uint64]
	nextID   atomic.Uint64
	sessions sync.Map
}

// NewUpstreams creates the upstream state for services.
func NewUpstreams(services map[string]algo.Balancer[string]) *Upstreams {
	u := &Upstreams{services: services}
	u.pool = algo.NewResourcePool(func(string) (uint64, error) {
		return u.nextID.Add(1), nil
	}, nil)
	return u
}

// Service returns the balancer of name.
func (u *Upstreams) Service(name string) (algo.Balancer[string], bool) {
	b, ok := u.services[name]
	return b, ok
}

// Pool returns the shared connection handle pool.
func (u *Upstreams) Pool() *algo.ResourcePool[string, uint64] { return u.pool }

// upstreamSession pins one session to its selections. Both caches are
// cleared when the session context ends, which deselects the targets and
// frees the handles.
type upstreamSession struct {
	selected *algo.Cache[algo.Balancer[string], string]
	handles  *algo.Cache[string, uint64]
}

func (u *Upstreams) session(ctx *pipeline.Context) *upstreamSession {
	if v, ok := u.sessions.Load(ctx); ok {
		return v.(*upstreamSession)
	}
	us := &upstreamSession{
		selected: algo.NewSelectionCache[string](),
		handles:  algo.NewCache(u.pool.Allocate, u.pool.Free),
	}
	u.sessions.Store(ctx, us)
	ctx.OnEnd(func() {
		u.sessions.Delete(ctx)
		err := errors.Join(us.handles.Clear(), us.selected.Clear())
		if err != nil {
			ctx.Logger().Warn("releasing upstream selections failed", "error", err)
		}
	})
	return us
}

// Sessions returns the number of sessions holding selections.
func (u *Upstreams) Sessions() int {
	n := 0
	u.sessions.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// BalanceOptions configures Balance.
type BalanceOptions struct {
	// Service names the balancer to pick from. An empty or unknown service
	// bypasses balancing and leaves the variables untouched.
	Service pipeline.Option[string]
	// Target is the variable receiving the selected target.
	Target string
	// Handle is the variable receiving the pooled connection handle.
	// Optional.
	Handle string
}

// Balance selects an upstream target for the session on the first event of
// each stream and stores it, and optionally a pooled connection handle for
// it, in session variables. A session keeps the same target for a service
// until it ends. A service without targets selects nothing: the variables
// stay unset so that a later route can answer for the missing target.
// Events pass through unchanged.
func Balance(u *Upstreams, opts BalanceOptions) pipeline.Spec {
	return pipeline.Spec{
		Kind:   "balance",
		Input:  event.DisciplineAny,
		Output: event.DisciplineAny,
		New: func() pipeline.Filter {
			done := false
			return pipeline.FilterFunc(func(s *pipeline.Stage, evt event.Event) error {
				if !done {
					done = true
					if err := u.pick(s, opts); err != nil {
						return err
					}
				}
				return s.Output(evt)
			})
		},
	}
}

func (u *Upstreams) pick(s *pipeline.Stage, opts BalanceOptions) error {
	name, err := opts.Service.Eval(s.Context())
	if err != nil {
		return err
	}
	b, ok := u.Service(name)
	if name == "" || !ok {
		return nil
	}
	us := u.session(s.Context())
	target, err := us.selected.Get(b)
	if errors.Is(err, domain.ErrNoTarget) {
		s.Logger().Debug("service has no target", "service", name)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.Set(opts.Target, target); err != nil {
		return err
	}
	if opts.Handle == "" {
		return nil
	}
	h, err := us.handles.Get(target)
	if err != nil {
		return err
	}
	return s.Set(opts.Handle, h)
}
