package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/event"
)

// DefaultTaskTimeout bounds one task run.
const DefaultTaskTimeout = time.Minute

// Tasks runs pipelines on cron schedules. Each run is a session fed one
// empty message followed by StreamEnd. A run that is still going when the
// next one is due is skipped.
type Tasks struct {
	engine  *Engine
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	tasks   map[string]config.TaskConfig

	mu    sync.Mutex
	stats map[string]TaskStats
}

// TaskStats counts the runs of one task.
type TaskStats struct {
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	LastRun  time.Time `json:"last_run"`
	LastEnd  string    `json:"last_end,omitempty"`
}

// NewTasks schedules cfgs. Schedules are parsed with config.CronParser.
func (e *Engine) NewTasks(cfgs []config.TaskConfig, timeout time.Duration) (*Tasks, error) {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	logger := e.logger.With("component", "tasks")
	t := &Tasks{
		engine:  e,
		logger:  logger,
		timeout: timeout,
		tasks:   make(map[string]config.TaskConfig, len(cfgs)),
		stats:   make(map[string]TaskStats, len(cfgs)),
	}
	cl := cronLogger{logger}
	t.cron = cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, cfg := range cfgs {
		task := cfg
		if _, dup := t.tasks[task.Name]; dup {
			return nil, fmt.Errorf("duplicate task %q", task.Name)
		}
		if _, err := t.cron.AddFunc(task.Schedule, func() { _ = t.Run(context.Background(), task.Name) }); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, err)
		}
		t.tasks[task.Name] = task
	}
	return t, nil
}

// Start starts the scheduler.
func (t *Tasks) Start() {
	t.cron.Start()
	t.logger.Info("Task scheduler started", "tasks", len(t.tasks))
}

// Stop stops scheduling and waits for running tasks up to ctx.
func (t *Tasks) Stop(ctx context.Context) {
	done := t.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Run runs the named task now and waits for its session to end or the
// task timeout to pass.
func (t *Tasks) Run(ctx context.Context, name string) error {
	task, ok := t.tasks[name]
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	s, err := t.engine.NewSession(task.Pipeline, SessionOptions{Source: "task:" + name, Base: ctx})
	if err != nil {
		t.record(name, "", err)
		t.logger.Error("Task failed to start", "task", name, "error", err)
		return err
	}

	feedErr := s.Feed(append(event.NewMessage(map[string]any{"task": name}, "").Events(), event.End(event.NoError))...)
	if errors.Is(feedErr, domain.ErrClosedInstance) {
		// The pipeline ended before consuming all of its input.
		feedErr = nil
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case <-s.Done():
	case <-timer.C:
		t.logger.Warn("Task timed out", "task", name, "timeout", t.timeout)
	case <-ctx.Done():
	}
	s.Close()

	info := s.Info()
	if feedErr == nil && info.Failed {
		feedErr = s.End()
	}
	t.record(name, info.EndReason, feedErr)
	return feedErr
}

func (t *Tasks) record(name, end string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stats[name]
	st.Runs++
	st.LastRun = time.Now()
	st.LastEnd = end
	if err != nil {
		st.Failures++
	}
	t.stats[name] = st
}

// Has reports whether name is a configured task.
func (t *Tasks) Has(name string) bool {
	_, ok := t.tasks[name]
	return ok
}

// Stats returns the run counters of every task.
func (t *Tasks) Stats() map[string]TaskStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]TaskStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = v
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
