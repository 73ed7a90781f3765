package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/event"
)

// echoDocument upper-cases data on main/upper, prefixes it on main/tagged
// and swallows everything on main/sink.
const echoDocument = `
modules:
  - name: main
    variables:
      seen: 0
    pipelines:
      upper:
        - kind: handleData
          options:
            set:
              seen: seen + size
        - kind: replaceData
          options:
            data: {expr: 'upper(data)'}
      sink:
        - kind: dummy
`

const taggedDocument = `
modules:
  - name: main
    pipelines:
      upper:
        - kind: replaceData
          options:
            data: {expr: '"v2:" + data'}
`

func parseDocument(t *testing.T, src string) *config.Document {
	t.Helper()
	doc, err := config.ParseDocument([]byte(src))
	require.NoError(t, err)
	return doc
}

func newEngine(t *testing.T, src string, listeners ...SessionListener) *Engine {
	t.Helper()
	e := New(Options{Listeners: listeners})
	_, err := e.Load(parseDocument(t, src))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// collector records a session's output. Output runs on the session strand
// while tests read from their own goroutine.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) output(evt event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) data() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out string
	for _, evt := range c.events {
		if d, ok := evt.(*event.Data); ok {
			out += string(d.Bytes)
		}
	}
	return out
}

type recordingListener struct {
	mu      sync.Mutex
	started []SessionInfo
	ended   []SessionInfo
	reloads []bool
}

func (l *recordingListener) SessionStarted(info SessionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, info)
}

func (l *recordingListener) SessionEnded(info SessionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, info)
}

func (l *recordingListener) ReloadCompleted(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reloads = append(l.reloads, ok)
}

func (l *recordingListener) snapshot() (started, ended []SessionInfo, reloads []bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SessionInfo(nil), l.started...), append([]SessionInfo(nil), l.ended...), append([]bool(nil), l.reloads...)
}
