package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/event"
)

const readBufferSize = 16 * 1024

// Listener accepts TCP connections and runs one session of its pipeline per
// connection. Bytes read become Data events; the session's Data output is
// written back and its StreamEnd closes the write side.
type Listener struct {
	engine *Engine
	cfg    config.ListenerConfig
	logger *slog.Logger
	slots  chan struct{}

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewListener creates a listener for cfg. Nothing is bound until Listen or
// Serve.
func (e *Engine) NewListener(cfg config.ListenerConfig) *Listener {
	l := &Listener{
		engine: e,
		cfg:    cfg,
		logger: e.logger.With("listener", cfg.Address, "pipeline", cfg.Pipeline),
		conns:  make(map[net.Conn]struct{}),
	}
	if cfg.MaxConnections > 0 {
		l.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return l
}

// Listen binds the configured address.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Address, err)
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done, then closes the listener and
// every open connection and waits for their sessions to end. With a
// connection limit, accepting pauses while the limit is reached.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		l.mu.Lock()
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
	})
	defer stop()

	l.logger.Info("Listener started", "address", ln.Addr().String(), "max_connections", l.cfg.MaxConnections)
	for {
		if l.slots != nil {
			select {
			case l.slots <- struct{}{}:
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			l.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			l.logger.Warn("Accept failed", "error", err)
			continue
		}
		l.track(conn, true)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.release()
			defer l.track(conn, false)
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) release() {
	if l.slots != nil {
		<-l.slots
	}
}

func (l *Listener) track(c net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[c] = struct{}{}
	} else {
		delete(l.conns, c)
	}
}

// Connections returns the number of open connections.
func (l *Listener) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	s, err := l.engine.NewSession(l.cfg.Pipeline, SessionOptions{
		Source: remote,
		Base:   ctx,
		Output: func(evt event.Event) {
			switch e := evt.(type) {
			case *event.Data:
				if _, err := conn.Write(e.Bytes); err != nil {
					l.logger.Debug("Write failed", "remote", remote, "error", err)
				}
			case *event.StreamEnd:
				closeWrite(conn)
			}
		},
	})
	if err != nil {
		l.logger.Error("Session rejected", "remote", remote, "error", err)
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if s.Feed(&event.Data{Bytes: chunk}) != nil {
				break
			}
		}
		if err != nil {
			end := event.End(event.NoError)
			if !errors.Is(err, io.EOF) {
				end = event.EndWithError(event.ReadError, err)
			}
			_ = s.Feed(end)
			break
		}
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
	}
	s.Close()
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
