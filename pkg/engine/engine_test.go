package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
)

func TestNewSessionBeforeLoad(t *testing.T) {
	e := New(Options{})
	defer e.Close()

	assert.Nil(t, e.Current())
	_, err := e.NewSession("main/upper", SessionOptions{})
	assert.ErrorIs(t, err, ErrNoProgram)
}

func TestLoadAdvancesGeneration(t *testing.T) {
	rec := &recordingListener{}
	e := newEngine(t, echoDocument, rec)

	first := e.Current()
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.Generation)
	assert.NotNil(t, first.Document)
	assert.NotNil(t, first.Upstreams)

	second, err := e.Load(parseDocument(t, taggedDocument))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Generation)
	assert.Same(t, second, e.Current())

	_, _, reloads := rec.snapshot()
	assert.Equal(t, []bool{true, true}, reloads)
}

func TestLoadFailureKeepsCurrentRevision(t *testing.T) {
	rec := &recordingListener{}
	e := newEngine(t, echoDocument, rec)
	before := e.Current()

	_, err := e.Load(parseDocument(t, `
modules:
  - name: main
    pipelines:
      upper:
        - kind: noSuchFilter
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownFilter)
	assert.Same(t, before, e.Current())

	_, _, reloads := rec.snapshot()
	assert.Equal(t, []bool{true, false}, reloads)
}

func TestNewSessionUnknownEntry(t *testing.T) {
	e := newEngine(t, echoDocument)

	_, err := e.NewSession("main/missing", SessionOptions{})
	assert.ErrorIs(t, err, domain.ErrUnknownLayout)
}

func TestNewSessionDuplicateID(t *testing.T) {
	e := newEngine(t, echoDocument)

	s, err := e.NewSession("main/sink", SessionOptions{ID: "fixed"})
	require.NoError(t, err)
	defer s.Close()

	_, err = e.NewSession("main/sink", SessionOptions{ID: "fixed"})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)
	assert.Equal(t, int64(1), e.ActiveSessions())
}

func TestSessionKeepsItsRevisionAcrossReload(t *testing.T) {
	e := newEngine(t, echoDocument)

	var old collector
	s1, err := e.NewSession("main/upper", SessionOptions{Output: old.output})
	require.NoError(t, err)

	_, err = e.Load(parseDocument(t, taggedDocument))
	require.NoError(t, err)

	var fresh collector
	s2, err := e.NewSession("main/upper", SessionOptions{Output: fresh.output})
	require.NoError(t, err)

	require.NoError(t, s1.Feed(event.NewData("a"), event.End(event.NoError)))
	require.NoError(t, s2.Feed(event.NewData("a"), event.End(event.NoError)))

	assert.Equal(t, "A", old.data())
	assert.Equal(t, "v2:a", fresh.data())
	assert.Equal(t, int64(1), s1.Revision().Generation)
	assert.Equal(t, int64(2), s2.Revision().Generation)
}

func TestWatchLoadsRevisions(t *testing.T) {
	e := newEngine(t, echoDocument)
	updates := make(chan config.Revision, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.Watch(ctx, updates)
		close(done)
	}()

	updates <- config.Revision{Generation: 2, Document: parseDocument(t, taggedDocument)}
	require.Eventually(t, func() bool { return e.Current().Generation == 2 }, time.Second, 5*time.Millisecond)

	close(updates)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after the updates channel closed")
	}
}

func TestSessionListing(t *testing.T) {
	e := newEngine(t, echoDocument)

	a, err := e.NewSession("main/sink", SessionOptions{Source: "a"})
	require.NoError(t, err)
	b, err := e.NewSession("main/sink", SessionOptions{Source: "b"})
	require.NoError(t, err)

	infos := e.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Source)
	assert.Equal(t, "b", infos[1].Source)

	got, ok := e.Session(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)

	a.Close()
	b.Close()
	assert.Empty(t, e.Sessions())
	_, ok = e.Session(b.ID())
	assert.False(t, ok)
}

func TestCloseEndsLiveSessions(t *testing.T) {
	rec := &recordingListener{}
	e := New(Options{Listeners: []SessionListener{rec}})
	_, err := e.Load(parseDocument(t, echoDocument))
	require.NoError(t, err)

	s, err := e.NewSession("main/sink", SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Feed(event.NewData("ignored")))

	e.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("session still running after engine close")
	}
	assert.Zero(t, e.ActiveSessions())

	_, err = e.NewSession("main/sink", SessionOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Load(parseDocument(t, echoDocument))
	assert.ErrorIs(t, err, ErrEngineClosed)

	started, ended, _ := rec.snapshot()
	require.Len(t, started, 1)
	require.Len(t, ended, 1)
	assert.Equal(t, "closed", ended[0].EndReason)
	e.Close()
}
