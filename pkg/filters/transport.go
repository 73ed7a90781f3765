package filters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Conn is a bidirectional byte stream to an upstream that supports closing
// the sending half while still reading.
type Conn interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Transport dials upstream targets for the connect filter.
type Transport interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// TCPTransport dials targets as TCP host:port addresses.
type TCPTransport struct {
	Dialer net.Dialer
}

// Dial implements Transport.
func (t *TCPTransport) Dial(ctx context.Context, target string) (Conn, error) {
	c, err := t.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("dial %s: unexpected connection type %T", target, c)
	}
	return tcp, nil
}

// ErrNoListener is returned when dialing an in-memory target nobody serves.
var ErrNoListener = errors.New("no listener for target")

// MemoryTransport connects to handlers registered in process. Each Dial runs
// the target's handler on its own goroutine with the server end of a
// half-closable pipe.
type MemoryTransport struct {
	mu       sync.Mutex
	handlers map[string]func(Conn)
	dials    map[string]int
}

// NewMemoryTransport creates a transport with no targets.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{handlers: make(map[string]func(Conn)), dials: make(map[string]int)}
}

// Handle registers handler for target, replacing any previous one.
func (t *MemoryTransport) Handle(target string, handler func(Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[target] = handler
}

// Dials returns how many times target was dialed successfully.
func (t *MemoryTransport) Dials(target string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[target]
}

// Dial implements Transport.
func (t *MemoryTransport) Dial(ctx context.Context, target string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	handler, ok := t.handlers[target]
	if ok {
		t.dials[target]++
	}
	t.mu.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "memory", Err: fmt.Errorf("%s: %w", target, ErrNoListener)}
	}
	client, server := memoryPipe()
	go handler(server)
	return client, nil
}

type memConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func memoryPipe() (*memConn, *memConn) {
	upR, upW := io.Pipe()
	downR, downW := io.Pipe()
	return &memConn{r: downR, w: upW}, &memConn{r: upR, w: downW}
}

func (c *memConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *memConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *memConn) CloseWrite() error           { return c.w.Close() }

func (c *memConn) Close() error {
	_ = c.w.Close()
	return c.r.Close()
}
