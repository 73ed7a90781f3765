package filters

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Dial(ctx context.Context, target string) (Conn, error) {
	args := m.Called(ctx, target)
	c, _ := args.Get(0).(Conn)
	return c, args.Error(1)
}

// upper reads the whole request and answers it upper-cased.
func upper(c Conn) {
	defer c.Close()
	data, err := io.ReadAll(c)
	if err != nil {
		return
	}
	_, _ = c.Write(bytes.ToUpper(data))
}

func connectLayout(t *testing.T, target string, opts ConnectOptions) *pipeline.Layout {
	t.Helper()
	entry, _ := single(t, Connect(pipeline.Const(target), opts))
	return entry
}

func waitEnd(t *testing.T, s *session) *event.StreamEnd {
	t.Helper()
	require.Eventually(t, func() bool { return s.out.end() != nil }, 2*time.Second, 5*time.Millisecond)
	return s.out.end()
}

func TestConnectRelaysOverMemoryTransport(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Handle("svc:80", upper)
	entry := connectLayout(t, "svc:80", ConnectOptions{Transport: tr})

	s := startSession(t, entry)
	require.NoError(t, s.send(event.NewData("hello "), event.NewData("world"), event.End(event.NoError)))

	end := waitEnd(t, s)
	assert.True(t, end.OK())
	assert.Equal(t, "HELLO WORLD", s.out.data())
	assert.Equal(t, 1, tr.Dials("svc:80"))
	assert.True(t, s.released())
}

func TestConnectRetriesThenRefuses(t *testing.T) {
	tr := &mockTransport{}
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	tr.On("Dial", mock.Anything, "10.0.0.1:80").Return(nil, refused).Times(3)

	entry := connectLayout(t, "10.0.0.1:80", ConnectOptions{
		Transport: tr,
		Retry:     governance.RetryConfig{Count: 2, Delay: time.Millisecond},
	})
	s := startSession(t, entry)
	require.NoError(t, s.send(event.NewData("x")))

	end := waitEnd(t, s)
	assert.Equal(t, event.ConnectionRefused, end.Reason)
	assert.ErrorIs(t, end.Err, governance.ErrRetriesExhausted)
	tr.AssertExpectations(t)
}

func TestConnectTimeout(t *testing.T) {
	tr := &mockTransport{}
	tr.On("Dial", mock.Anything, "slow:80").Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded)

	entry := connectLayout(t, "slow:80", ConnectOptions{Transport: tr, ConnectTimeout: 10 * time.Millisecond})
	s := startSession(t, entry)
	require.NoError(t, s.send(event.NewData("x")))

	end := waitEnd(t, s)
	assert.Equal(t, event.ConnectionTimeout, end.Reason)
}

func TestConnectCircuitOpens(t *testing.T) {
	tr := NewMemoryTransport()
	breakers := governance.NewBreakerSet(governance.CircuitBreakerConfig{MaxFailures: 1, OpenTimeout: time.Minute})
	entry := connectLayout(t, "down:80", ConnectOptions{Transport: tr, Breakers: breakers})

	s1 := startSession(t, entry)
	require.NoError(t, s1.send(event.NewData("x")))
	assert.Equal(t, event.ConnectionRefused, waitEnd(t, s1).Reason)

	s2 := startSession(t, entry)
	require.NoError(t, s2.send(event.NewData("x")))
	end := waitEnd(t, s2)
	assert.Equal(t, event.Unroutable, end.Reason)
	assert.ErrorIs(t, end.Err, governance.ErrCircuitOpen)
	assert.Equal(t, governance.StateOpen, breakers.States()["down:80"])
}

func TestConnectBufferOverflow(t *testing.T) {
	tr := &mockTransport{}
	tr.On("Dial", mock.Anything, "stall:80").Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled)

	entry := connectLayout(t, "stall:80", ConnectOptions{Transport: tr, BufferLimit: 4})
	s := startSession(t, entry)
	require.NoError(t, s.send(event.NewData("hello")))

	end := s.out.end()
	require.NotNil(t, end)
	assert.Equal(t, event.BufferOverflow, end.Reason)
}

// gatedConn blocks its first write until release is closed.
type gatedConn struct {
	*memConn
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (c *gatedConn) Write(p []byte) (int, error) {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return c.memConn.Write(p)
}

func TestConnectQueuesWritesWhileUpstreamStalls(t *testing.T) {
	client, server := memoryPipe()
	go upper(server)
	conn := &gatedConn{memConn: client, started: make(chan struct{}), release: make(chan struct{})}
	tr := &mockTransport{}
	tr.On("Dial", mock.Anything, "slow:80").Return(conn, nil)

	entry := connectLayout(t, "slow:80", ConnectOptions{Transport: tr})
	s := startSession(t, entry)
	require.NoError(t, s.send(event.NewData("x")))
	select {
	case <-conn.started:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream write never started")
	}

	sent := make(chan error, 1)
	go func() {
		for range 200 {
			if err := s.send(event.NewData("y")); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("input blocked behind a stalled upstream write")
	}

	close(conn.release)
	require.NoError(t, s.send(event.End(event.NoError)))
	end := waitEnd(t, s)
	assert.True(t, end.OK())
	assert.Equal(t, "X"+strings.Repeat("Y", 200), s.out.data())
}

func TestConnectOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		upper(c.(*net.TCPConn))
	}()

	entry := connectLayout(t, ln.Addr().String(), ConnectOptions{ConnectTimeout: time.Second})
	s := startSession(t, entry)
	require.NoError(t, s.send(event.NewData("ping"), event.End(event.NoError)))

	end := waitEnd(t, s)
	assert.True(t, end.OK(), end.Error())
	assert.Equal(t, "PING", strings.TrimSpace(s.out.data()))
}
