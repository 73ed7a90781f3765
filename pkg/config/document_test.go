package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
	"github.com/polisai/polis-relay/pkg/filters"
	"github.com/polisai/polis-relay/pkg/pipeline"
)

// tutorialDocument routes /api/v2 requests to service-2 and pins each
// session to one target with a pooled handle. Requests for services that
// are not configured bypass balancing untouched.
const tutorialDocument = `
services:
  service-2:
    policy: round-robin
    targets: ["127.0.0.1:8081", "127.0.0.1:8082"]

modules:
  - name: main
    variables:
      configured: ["service-2"]
    imports:
      service: balancer.serviceID
    pipelines:
      entry:
        - kind: demux
          options: {layout: request}
      request:
        - kind: handleMessageStart
          options:
            set:
              service: 'head.path startsWith "/api/v2" ? "service-2" : ""'
        - kind: link
          options:
            routes:
              - {layout: balancer/pick, when: "service in configured"}
              - {layout: bypass}
      bypass: []

  - name: balancer
    variables:
      target: null
      connID: null
    exports:
      balancer:
        serviceID: ""
    pipelines:
      pick:
        - kind: balance
          options:
            service: {expr: serviceID}
            target: target
            handle: connID
        - kind: link
          options:
            routes:
              - {layout: forward, when: "target != nil"}
              - {layout: no-target}
      forward:
        - kind: replaceMessage
          options:
            head: {status: 200}
            body: {expr: 'string(target) + " #" + string(connID)'}
      no-target:
        - kind: replaceMessage
          options:
            head: {status: 404}
            body: No target
`

type run struct {
	ctx  *pipeline.Context
	inst *pipeline.Instance
	msgs []*event.Message
}

func startRun(t *testing.T, p *pipeline.Program, entry string) *run {
	t.Helper()
	layout, err := p.Layout(entry)
	require.NoError(t, err)
	ctx, err := pipeline.NewContext(p, pipeline.ContextOptions{ID: t.Name()})
	require.NoError(t, err)
	r := &run{ctx: ctx}
	asm := event.NewAssembler(0, func(m *event.Message) { r.msgs = append(r.msgs, m) }, nil)
	r.inst, err = pipeline.NewInstance(layout, ctx, func(evt event.Event) error {
		asm.Feed(evt)
		return nil
	})
	require.NoError(t, err)
	return r
}

func (r *run) request(t *testing.T, path string) {
	t.Helper()
	r.send(t, path, "")
}

func (r *run) send(t *testing.T, path, body string) {
	t.Helper()
	var err error
	r.ctx.Strand().Post(func() { err = r.inst.ProcessAll(event.NewMessage(map[string]any{"path": path}, body).Events()...) })
	r.ctx.Strand().Wait()
	require.NoError(t, err)
}

func (r *run) bodies() []string {
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Body)
	}
	return out
}

func (r *run) close() {
	r.ctx.Strand().Post(r.inst.Release)
	r.ctx.Strand().Wait()
}

func TestCompileTutorialDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(tutorialDocument))
	require.NoError(t, err)

	upstreams := doc.Upstreams()
	p, err := Compile(doc, CompileOptions{Runtime: filters.Runtime{Upstreams: upstreams}})
	require.NoError(t, err)

	s1 := startRun(t, p, "main/entry")
	s1.request(t, "/api/v2/users")
	s1.request(t, "/api/v2/orders")
	assert.Equal(t, []string{"127.0.0.1:8081 #1", "127.0.0.1:8081 #1"}, s1.bodies())

	s2 := startRun(t, p, "main/entry")
	s2.request(t, "/api/v2/users")
	assert.Equal(t, []string{"127.0.0.1:8082 #2"}, s2.bodies())

	s1.close()
	s2.close()
	assert.Zero(t, upstreams.Pool().Stats().Live)

	s3 := startRun(t, p, "main/entry")
	s3.request(t, "/api/v2/users")
	assert.Equal(t, []string{"127.0.0.1:8081 #3"}, s3.bodies())

	s4 := startRun(t, p, "main/entry")
	s4.send(t, "/static/logo.png", "image bytes")
	require.Len(t, s4.msgs, 1)
	assert.Equal(t, map[string]any{"path": "/static/logo.png"}, s4.msgs[0].Head)
	assert.Equal(t, "image bytes", string(s4.msgs[0].Body))
	assert.EqualValues(t, 3, upstreams.Pool().Stats().Allocations)

	s5 := startRun(t, p, "main/entry")
	s5.request(t, "/api/v2/users")
	assert.Equal(t, []string{"127.0.0.1:8082 #4"}, s5.bodies(), "the bypass did not advance the rotation")
}

func TestCompileUnresolvedImport(t *testing.T) {
	doc, err := ParseDocument([]byte(`
modules:
  - name: main
    imports:
      service: balancer.missing
    pipelines:
      entry:
        - kind: dummy
`))
	require.NoError(t, err)

	_, err = Compile(doc, CompileOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnresolvedImport)
	var le *domain.LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "main", le.Module)
}

func TestCompileReportsEveryFilterError(t *testing.T) {
	doc, err := ParseDocument([]byte(`
modules:
  - name: main
    pipelines:
      entry:
        - kind: teleport
        - kind: dump
          options: {colour: red}
        - kind: link
          options:
            routes: [{layout: nowhere}]
`))
	require.NoError(t, err)

	_, err = Compile(doc, CompileOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownFilter)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "filter 0")
	assert.Contains(t, err.Error(), "filter 1")
}

func TestCompileUnknownLayoutReference(t *testing.T) {
	doc, err := ParseDocument([]byte(`
modules:
  - name: main
    pipelines:
      entry:
        - kind: link
          options:
            routes: [{layout: nowhere}]
`))
	require.NoError(t, err)

	_, err = Compile(doc, CompileOptions{})
	assert.ErrorIs(t, err, domain.ErrUnknownLayout)
}

func TestParseDocumentRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"empty", "", domain.ErrConfigInvalid},
		{"unknown field", "modules: [{name: a}]\nlayouts: {}\n", domain.ErrConfigInvalid},
		{"service without targets", "services: {svc: {policy: round-robin}}\nmodules: [{name: a}]\n", domain.ErrConfigInvalid},
		{"unknown policy", "services: {svc: {policy: random, targets: [a]}}\nmodules: [{name: a}]\n", domain.ErrConfigInvalid},
		{"weights mismatch", "services: {svc: {policy: weighted, targets: [a, b], weights: [1]}}\nmodules: [{name: a}]\n", domain.ErrConfigInvalid},
		{"no positive weight", "services: {svc: {policy: weighted, targets: [a, b], weights: [0, -1]}}\nmodules: [{name: a}]\n", domain.ErrConfigInvalid},
		{"unnamed module", "modules: [{pipelines: {}}]\n", domain.ErrMalformedLayout},
		{"duplicate module", "modules: [{name: a}, {name: a}]\n", domain.ErrDuplicateName},
		{"filter without kind", "modules: [{name: a, pipelines: {entry: [{options: {}}]}}]\n", domain.ErrMalformedLayout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDocumentUpstreamPolicies(t *testing.T) {
	doc, err := ParseDocument([]byte(`
services:
  rr: {targets: [a, b]}
  ll: {policy: least-load, targets: [a, b]}
  w: {policy: weighted, targets: [a, b], weights: [2, 1]}
modules: [{name: main}]
`))
	require.NoError(t, err)
	u := doc.Upstreams()

	for _, name := range []string{"rr", "ll", "w"} {
		b, ok := u.Service(name)
		require.True(t, ok, name)
		target, err := b.Select()
		require.NoError(t, err)
		assert.Equal(t, "a", target, name)
	}
	_, ok := u.Service("missing")
	assert.False(t, ok)
}

func TestHasLayout(t *testing.T) {
	doc, err := ParseDocument([]byte(tutorialDocument))
	require.NoError(t, err)
	assert.True(t, doc.HasLayout("balancer", "pick"))
	assert.False(t, doc.HasLayout("balancer", "entry"))
	assert.False(t, doc.HasLayout("nope", "entry"))
}
