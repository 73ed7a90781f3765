package filters

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const readBufferSize = 16 * 1024

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Transport dials the target. Defaults to TCP.
	Transport Transport
	// Breakers guards targets with a circuit breaker each. Optional.
	Breakers *governance.BreakerSet
	// Retry repeats failed dials. The zero value dials once.
	Retry governance.RetryConfig
	// ConnectTimeout bounds each dial attempt. Zero means no bound.
	ConnectTimeout time.Duration
	// BufferLimit caps the bytes held while the connection is being
	// established or waiting for the upstream to accept them. Zero means no
	// cap.
	BufferLimit int
}

// Connect relays its Data input to an upstream target and outputs what the
// upstream sends back. Input arriving before the connection is established,
// or faster than the upstream accepts it, is queued; the session strand
// never waits on upstream writes. Input StreamEnd half-closes the connection; the output ends
// when the upstream closes its side. A failed connection ends the output
// with ConnectionRefused, ConnectionTimeout or, when the target's breaker is
// open, Unroutable.
func Connect(target pipeline.Option[string], opts ConnectOptions) pipeline.Spec {
	if opts.Transport == nil {
		opts.Transport = &TCPTransport{}
	}
	return pipeline.Spec{
		Kind:   "connect",
		Input:  event.DisciplineData,
		Output: event.DisciplineData,
		New:    func() pipeline.Filter { return &connect{target: target, opts: opts} },
	}
}

type connect struct {
	target pipeline.Option[string]
	opts   ConnectOptions

	stage    *pipeline.Stage
	addr     string
	started  bool
	closed   bool
	inputEnd bool
	pending  [][]byte
	buffered int
	cancel   context.CancelFunc
	conn     Conn
	writes   *outbox
}

func (f *connect) Process(s *pipeline.Stage, evt event.Event) error {
	f.stage = s
	if f.closed {
		return nil
	}
	if !f.started {
		f.started = true
		addr, err := f.target.Eval(s.Context())
		if err != nil {
			return err
		}
		f.addr = addr
		f.dial()
	}

	switch e := evt.(type) {
	case *event.Data:
		if len(e.Bytes) == 0 {
			return nil
		}
		queued := 0
		if f.writes != nil {
			queued = f.writes.push(e.Bytes)
		} else {
			f.buffered += len(e.Bytes)
			f.pending = append(f.pending, e.Bytes)
			queued = f.buffered
		}
		if f.opts.BufferLimit > 0 && queued > f.opts.BufferLimit {
			s.Logger().Warn("connect buffer overflow", "target", f.addr, "limit", f.opts.BufferLimit)
			f.shutdown()
			return s.Output(event.End(event.BufferOverflow))
		}
	case *event.StreamEnd:
		f.inputEnd = true
		if f.writes != nil {
			f.writes.close()
			f.writes = nil
			f.inputEnd = false
		}
	}
	return nil
}

// Holding implements pipeline.Holder. The output stays open until the
// upstream closes its side or the connection fails.
func (f *connect) Holding() bool { return f.started && !f.closed }

func (f *connect) dial() {
	base := f.stage.Context().Base()
	ctx, cancel := context.WithCancel(base)
	f.cancel = cancel

	addr := f.addr
	opts := f.opts
	strand := f.stage.Context().Strand()
	go func() {
		policy := governance.NewRetryPolicy(opts.Retry)
		var conn Conn
		retries, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
			attempt := func(ctx context.Context) error {
				c, err := dialOnce(ctx, opts, addr)
				if err != nil {
					return err
				}
				conn = c
				return nil
			}
			if opts.Breakers == nil {
				return attempt(ctx)
			}
			return opts.Breakers.Get(addr).ExecuteContext(ctx, attempt)
		})
		telemetry.RecordConnect(base, addr, connectOutcome(err), retries)
		strand.Post(func() { f.connected(conn, err) })
	}()
}

func dialOnce(ctx context.Context, opts ConnectOptions, addr string) (Conn, error) {
	if opts.ConnectTimeout <= 0 {
		return opts.Transport.Dial(ctx, addr)
	}
	dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	c, err := opts.Transport.Dial(dctx, addr)
	if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &governance.TimeoutError{Op: "dial " + addr, After: opts.ConnectTimeout}
	}
	return c, err
}

func connectOutcome(err error) telemetry.ConnectOutcome {
	var te *governance.TimeoutError
	switch {
	case err == nil:
		return telemetry.ConnectSucceeded
	case errors.Is(err, governance.ErrCircuitOpen):
		return telemetry.ConnectCircuitOpen
	case errors.As(err, &te):
		return telemetry.ConnectTimedOut
	default:
		return telemetry.ConnectFailed
	}
}

func (f *connect) connected(conn Conn, err error) {
	if f.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s := f.stage
	if err != nil {
		s.Logger().Warn("connect failed", "target", f.addr, "error", err)
		reason := event.ConnectionRefused
		switch connectOutcome(err) {
		case telemetry.ConnectTimedOut:
			reason = event.ConnectionTimeout
		case telemetry.ConnectCircuitOpen:
			reason = event.Unroutable
		}
		f.shutdown()
		_ = s.Output(event.EndWithError(reason, err))
		return
	}

	s.Logger().Debug("connected", "target", f.addr)
	f.conn = conn
	writes := newOutbox()
	for _, b := range f.pending {
		writes.push(b)
	}
	f.pending = nil
	f.buffered = 0
	go f.writeLoop(conn, writes)
	go f.readLoop(conn, s.Context().Strand())

	if f.inputEnd {
		writes.close()
	} else {
		f.writes = writes
	}
}

func (f *connect) writeLoop(conn Conn, writes *outbox) {
	for {
		b, ok := writes.next()
		if !ok {
			break
		}
		if _, err := conn.Write(b); err != nil {
			writes.fail()
			return
		}
	}
	_ = conn.CloseWrite()
}

// outbox queues chunks for the write loop without bounding the queue, so
// that pushing from the session strand never blocks.
type outbox struct {
	mu     sync.Mutex
	ready  *sync.Cond
	chunks [][]byte
	size   int
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{}
	o.ready = sync.NewCond(&o.mu)
	return o
}

// push queues b and returns the number of bytes not yet written.
func (o *outbox) push(b []byte) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0
	}
	o.chunks = append(o.chunks, b)
	o.size += len(b)
	o.ready.Signal()
	return o.size
}

// close lets the write loop finish once the queue is drained.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.ready.Broadcast()
	o.mu.Unlock()
}

// fail drops everything still queued.
func (o *outbox) fail() {
	o.mu.Lock()
	o.closed = true
	o.chunks = nil
	o.size = 0
	o.mu.Unlock()
}

// next blocks until a chunk is queued or the outbox is closed and drained.
func (o *outbox) next() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.chunks) == 0 && !o.closed {
		o.ready.Wait()
	}
	if len(o.chunks) == 0 {
		return nil, false
	}
	b := o.chunks[0]
	o.chunks[0] = nil
	o.chunks = o.chunks[1:]
	o.size -= len(b)
	return b, true
}

func (f *connect) readLoop(conn Conn, strand *pipeline.Strand) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := &event.Data{Bytes: append([]byte(nil), buf[:n]...)}
			strand.Post(func() { f.emit(chunk) })
		}
		if err != nil {
			end := event.End(event.NoError)
			if !errors.Is(err, io.EOF) {
				end = event.EndWithError(event.ReadError, err)
			}
			strand.Post(func() { f.emit(end) })
			return
		}
	}
}

func (f *connect) emit(evt event.Event) {
	if f.closed {
		return
	}
	if event.IsEnd(evt) {
		f.shutdown()
	}
	if err := f.stage.Output(evt); err != nil {
		f.stage.Logger().Warn("upstream output failed", "target", f.addr, "error", err)
	}
}

func (f *connect) shutdown() {
	if f.closed {
		return
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
	if f.writes != nil {
		f.writes.close()
		f.writes = nil
	}
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.pending = nil
}

func (f *connect) Release(*pipeline.Stage) {
	f.shutdown()
}
