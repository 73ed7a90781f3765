package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/engine"
)

const pipelines = `
modules:
  - name: main
    pipelines:
      greet:
        - kind: replaceMessage
          options:
            body: {expr: '"hello " + body'}
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, logs bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeTemp(t, "pipelines.yaml", pipelines)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 modules, 1 layouts, 0 services)")

	broken := writeTemp(t, "broken.yaml", `
modules:
  - name: main
    pipelines:
      greet:
        - kind: nope
`)
	_, err = execute(t, "validate", broken)
	assert.Error(t, err)
}

func TestSimulateCommand(t *testing.T) {
	path := writeTemp(t, "pipelines.yaml", pipelines)
	request := writeTemp(t, "request.yaml", `
pipeline: main/greet
events:
  - type: message
    body: world
  - type: streamEnd
`)

	out, err := execute(t, "simulate", "--pipelines", path, "--request", request, "--log-level", "error")
	require.NoError(t, err)

	var resp engine.SimulationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello world", resp.Messages[0].Body)
	assert.True(t, resp.Ended)
}

func TestSimulateRequiresRequest(t *testing.T) {
	path := writeTemp(t, "pipelines.yaml", pipelines)
	_, err := execute(t, "simulate", "--pipelines", path)
	assert.Error(t, err)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := writeTemp(t, "pipelines.yaml", pipelines)
	cmd := newRunCmd()
	cmd.Flags().AddFlagSet(newRootCmd().PersistentFlags())
	require.NoError(t, cmd.ParseFlags([]string{
		"--pipelines", path,
		"--watch",
		"--admin-listen", "127.0.0.1:0",
		"--listen", "127.0.0.1:7001=main/greet@5",
		"--log-level", "debug",
	}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Pipeline.File)
	assert.True(t, cfg.Pipeline.Watch)
	assert.Equal(t, "127.0.0.1:0", cfg.Server.AdminAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []config.ListenerConfig{{Address: "127.0.0.1:7001", Pipeline: "main/greet", MaxConnections: 5}}, cfg.Server.Listeners)
}

func TestBreakerConfigDefaults(t *testing.T) {
	got := breakerConfig(config.CircuitBreakerConfig{MaxFailures: 2})
	want := governance.DefaultCircuitBreakerConfig()
	want.MaxFailures = 2
	assert.Equal(t, want, got)

	got = breakerConfig(config.CircuitBreakerConfig{OpenTimeout: time.Minute})
	assert.Equal(t, time.Minute, got.OpenTimeout)
	assert.Equal(t, want.HalfOpenProbes, got.HalfOpenProbes)
}
