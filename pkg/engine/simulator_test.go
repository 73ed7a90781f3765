package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/domain"
)

const simulationDocument = `
modules:
  - name: main
    variables:
      greeting: hello
      count: 0
    pipelines:
      entry:
        - kind: handleMessageStart
          options:
            set:
              count: count + 1
        - kind: replaceMessage
          options:
            head: {status: 200}
            body: {expr: 'greeting + " " + body'}
`

func newSimulator(t *testing.T, src string) *Simulator {
	t.Helper()
	sim, err := NewSimulator(parseDocument(t, src), SimulatorOptions{})
	require.NoError(t, err)
	t.Cleanup(sim.Close)
	return sim
}

func TestSimulateTracesEveryFilter(t *testing.T) {
	sim := newSimulator(t, simulationDocument)

	resp, err := sim.Simulate(context.Background(), SimulationRequest{
		Pipeline:  "main/entry",
		Variables: map[string]any{"greeting": "hi"},
		Events: []SimEvent{
			{Type: "message", Head: map[string]any{"path": "/"}, Body: "there"},
			{Type: "streamEnd"},
		},
	})
	require.NoError(t, err)

	assert.True(t, resp.Ended)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi there", resp.Messages[0].Body)
	assert.Equal(t, 200, resp.Messages[0].Head["status"])
	assert.Equal(t, "streamEnd", resp.Output[len(resp.Output)-1].Type)

	assert.Equal(t, "hi", resp.FinalContext["greeting"])
	assert.EqualValues(t, 1, resp.FinalContext["count"])

	// four events enter each of the two filters
	require.Len(t, resp.Trace, 8)
	first := resp.Trace[0]
	assert.Equal(t, 1, first.Step)
	assert.Equal(t, "main/entry", first.Layout)
	assert.Equal(t, 0, first.Filter)
	assert.Equal(t, "handleMessageStart", first.Kind)
	assert.Equal(t, "MessageStart", first.Event)
	assert.Equal(t, "replaceMessage", resp.Trace[1].Kind)
	assert.Equal(t, "data(5)", resp.Trace[2].Event)
}

func TestSimulateWithoutStreamEndTimesOut(t *testing.T) {
	sim, err := NewSimulator(parseDocument(t, simulationDocument), SimulatorOptions{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer sim.Close()

	resp, err := sim.Simulate(context.Background(), SimulationRequest{
		Pipeline: "main/entry",
		Events:   []SimEvent{{Type: "message", Body: "x"}},
	})
	require.NoError(t, err)
	assert.False(t, resp.Ended)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello x", resp.Messages[0].Body)
}

func TestSimulateRejectsBadRequests(t *testing.T) {
	sim := newSimulator(t, simulationDocument)

	_, err := sim.Simulate(context.Background(), SimulationRequest{Pipeline: "main/missing"})
	assert.ErrorIs(t, err, domain.ErrUnknownLayout)

	_, err = sim.Simulate(context.Background(), SimulationRequest{
		Pipeline: "main/entry",
		Events:   []SimEvent{{Type: "bogus"}},
	})
	assert.Error(t, err)

	resp, err := sim.Simulate(context.Background(), SimulationRequest{
		Pipeline:  "main/entry",
		Variables: map[string]any{"undeclared": 1},
		Events:    []SimEvent{{Type: "streamEnd"}},
	})
	assert.ErrorIs(t, err, domain.ErrUnknownVariable)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Trace)
}
