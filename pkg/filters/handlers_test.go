package filters

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

func TestHandleMessageRunsBeforeEventsPass(t *testing.T) {
	p := pipeline.NewProgram()
	m := p.Module("main")
	m.Declare("size", 0)
	var observed []any
	entry := m.Define("entry",
		HandleMessage(0, func(s *pipeline.Stage, msg *event.Message) error {
			return s.Set("size", len(msg.Body))
		}),
		HandleMessageStart(func(s *pipeline.Stage, _ *event.MessageStart) error {
			v, _ := s.Get("size")
			observed = append(observed, v)
			return nil
		}),
	)
	require.NoError(t, p.Resolve())

	s := startSession(t, entry)
	require.NoError(t, s.send(request("/", "hello")...))
	require.NoError(t, s.send(request("/", "hi")...))

	assert.Equal(t, []any{5, 2}, observed)
	assert.Equal(t, []string{"hello", "hi"}, s.out.bodies())
}

func TestHandleMessageFlushesOnStreamEnd(t *testing.T) {
	p := pipeline.NewProgram()
	called := false
	entry := p.Module("main").Define("entry", HandleMessage(0, func(*pipeline.Stage, *event.Message) error {
		called = true
		return nil
	}))
	require.NoError(t, p.Resolve())

	s := startSession(t, entry)
	require.NoError(t, s.send(&event.MessageStart{}, event.NewData("partial"), event.End(event.NoError)))
	assert.False(t, called)
	assert.Equal(t, "partial", s.out.data())
	assert.NotNil(t, s.out.end())
}

func TestHandleSessionLifecycle(t *testing.T) {
	p := pipeline.NewProgram()
	var log []string
	entry := p.Module("main").Define("entry",
		HandleSessionStart(func(*pipeline.Stage) error {
			log = append(log, "start")
			return nil
		}),
		HandleSessionEnd(func(*pipeline.Stage) error {
			log = append(log, "end")
			return nil
		}),
		HandleStreamStart(func(_ *pipeline.Stage, evt event.Event) error {
			log = append(log, "stream:"+evt.Kind().String())
			return nil
		}),
		HandleStreamEnd(func(_ *pipeline.Stage, end *event.StreamEnd) error {
			log = append(log, "eos:"+string(end.Reason))
			return nil
		}),
	)
	require.NoError(t, p.Resolve())

	s := startSession(t, entry)
	require.NoError(t, s.send(request("/", "a")...))
	require.NoError(t, s.send(request("/", "b")...))
	assert.Equal(t, []string{"start", "stream:MessageStart"}, log)

	require.NoError(t, s.send(event.End(event.ReadError)))
	assert.Equal(t, []string{"start", "stream:MessageStart", "eos:read_error", "end"}, log)
	assert.True(t, s.inst.Released())
}

func TestHandlerErrorAbortsEvent(t *testing.T) {
	p := pipeline.NewProgram()
	boom := errors.New("rejected")
	entry := p.Module("main").Define("entry", HandleData(func(*pipeline.Stage, *event.Data) error {
		return boom
	}))
	require.NoError(t, p.Resolve())

	s := startSession(t, entry)
	assert.ErrorIs(t, s.send(event.NewData("x")), boom)
	assert.Zero(t, s.out.len())
}

func TestReplaceMessageWithFixedResponse(t *testing.T) {
	p := pipeline.NewProgram()
	notFound := event.NewMessage(map[string]any{"status": 404}, "No target")
	entry := p.Module("main").Define("entry", ReplaceMessage(0, ReplaceWith(notFound)))
	require.NoError(t, p.Resolve())

	s := startSession(t, entry)
	require.NoError(t, s.send(request("/missing", "ignored")...))
	require.NoError(t, s.send(request("/again", "ignored")...))

	msgs := s.out.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 404, msgs[0].Head["status"])
	assert.Equal(t, "No target", string(msgs[1].Body))

	// Each reply is an independent copy.
	msgs[0].Head["status"] = 500
	assert.Equal(t, 404, msgs[1].Head["status"])
}

func TestReplaceEventKinds(t *testing.T) {
	p := pipeline.NewProgram()
	entry := p.Module("main").Define("entry",
		ReplaceData(func(_ *pipeline.Stage, d *event.Data) ([]event.Event, error) {
			return []event.Event{event.NewData(strings.ToUpper(string(d.Bytes)))}, nil
		}),
		ReplaceMessageStart(func(_ *pipeline.Stage, ms *event.MessageStart) ([]event.Event, error) {
			return []event.Event{&event.MessageStart{Head: map[string]any{"rewritten": ms.Head["path"]}}}, nil
		}),
		ReplaceMessageEnd(func(*pipeline.Stage, *event.MessageEnd) ([]event.Event, error) {
			return []event.Event{&event.MessageEnd{Tail: map[string]any{"trailer": true}}}, nil
		}),
		ReplaceStreamEnd(func(*pipeline.Stage, *event.StreamEnd) ([]event.Event, error) {
			return []event.Event{event.End(event.NoError)}, nil
		}),
	)
	require.NoError(t, p.Resolve())

	s := startSession(t, entry)
	in := append(request("/x", "abc"), event.End(event.ReadError))
	require.NoError(t, s.send(in...))

	msgs := s.out.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "/x", msgs[0].Head["rewritten"])
	assert.Equal(t, "ABC", string(msgs[0].Body))
	assert.Equal(t, true, msgs[0].Tail["trailer"])
	assert.True(t, s.out.end().OK())
}
