// Package admin serves the relay's HTTP admin API: health, Prometheus
// metrics, live sessions, scheduled tasks, circuit breakers, reloads and
// pipeline simulation.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/engine"
)

// maxSimulationBody bounds POST /simulate request bodies.
const maxSimulationBody = 1 << 20

var errNotFound = errors.New("not found")

// Reloader re-reads the pipeline document.
type Reloader interface {
	Reload() error
}

// Options configures the admin handler. Engine is required; routes for
// the other components are only mounted when they are set.
type Options struct {
	Engine   *engine.Engine
	Metrics  *engine.Metrics
	Tasks    *engine.Tasks
	Reloader Reloader
	Logger   *slog.Logger
}

type server struct {
	opts   Options
	logger *slog.Logger
}

// NewHandler builds the admin API handler, traced with otelhttp.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{opts: opts, logger: opts.Logger.With("component", "admin")}

	router := httprouter.New()
	s.handle(router, http.MethodGet, "/healthz", s.health)
	s.handle(router, http.MethodGet, "/readyz", s.ready)
	s.handle(router, http.MethodGet, "/program", s.program)
	s.handle(router, http.MethodGet, "/sessions", s.sessions)
	s.handle(router, http.MethodDelete, "/sessions/:id", s.closeSession)
	s.handle(router, http.MethodGet, "/breakers", s.breakers)
	s.handle(router, http.MethodPost, "/simulate", s.simulate)
	if opts.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Tasks != nil {
		s.handle(router, http.MethodGet, "/tasks", s.tasks)
		s.handle(router, http.MethodPost, "/tasks/:name/run", s.runTask)
	}
	if opts.Reloader != nil {
		s.handle(router, http.MethodPost, "/reload", s.reload)
	}
	return otelhttp.NewHandler(router, "relay.admin")
}

func (s *server) handle(router *httprouter.Router, method, path string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.opts.Metrics != nil {
		h = s.opts.Metrics.Middleware(path, h)
	}
	router.Handler(method, path, h)
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine.Current() == nil {
		writeError(w, r, http.StatusServiceUnavailable, engine.ErrNoProgram)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type programInfo struct {
	Generation int64               `json:"generation"`
	LoadedAt   time.Time           `json:"loaded_at"`
	Modules    map[string][]string `json:"modules"`
	Services   []string            `json:"services,omitempty"`
	Sessions   int64               `json:"active_sessions"`
}

func (s *server) program(w http.ResponseWriter, r *http.Request) {
	rev := s.opts.Engine.Current()
	if rev == nil {
		writeError(w, r, http.StatusServiceUnavailable, engine.ErrNoProgram)
		return
	}
	info := programInfo{
		Generation: rev.Generation,
		LoadedAt:   rev.LoadedAt,
		Modules:    make(map[string][]string, len(rev.Document.Modules)),
		Sessions:   s.opts.Engine.ActiveSessions(),
	}
	for _, m := range rev.Document.Modules {
		layouts := make([]string, 0, len(m.Pipelines))
		for name := range m.Pipelines {
			layouts = append(layouts, name)
		}
		sort.Strings(layouts)
		info.Modules[m.Name] = layouts
	}
	for name := range rev.Document.Services {
		info.Services = append(info.Services, name)
	}
	sort.Strings(info.Services)
	writeJSON(w, http.StatusOK, info)
}

func (s *server) sessions(w http.ResponseWriter, _ *http.Request) {
	list := s.opts.Engine.Sessions()
	if list == nil {
		list = []engine.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	sess, ok := s.opts.Engine.Session(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, &domain.DomainError{
			Err:     errNotFound,
			Code:    "session_not_found",
			Message: "session " + id + " not found",
		})
		return
	}
	sess.Close()
	s.logger.Info("Session closed by admin request", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) breakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Engine.Breakers().States())
}

func (s *server) tasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Tasks.Stats())
}

func (s *server) runTask(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("name")
	if !s.opts.Tasks.Has(name) {
		writeError(w, r, http.StatusNotFound, &domain.DomainError{
			Err:     errNotFound,
			Code:    "task_not_found",
			Message: "task " + name + " not found",
		})
		return
	}
	err := s.opts.Tasks.Run(r.Context(), name)
	stats := s.opts.Tasks.Stats()[name]
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "stats": stats})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) reload(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Reloader.Reload(); err != nil {
		s.logger.Warn("Reload request rejected", "error", err)
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) simulate(w http.ResponseWriter, r *http.Request) {
	rev := s.opts.Engine.Current()
	if rev == nil {
		writeError(w, r, http.StatusServiceUnavailable, engine.ErrNoProgram)
		return
	}
	var req engine.SimulationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSimulationBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	sim, err := engine.NewSimulator(rev.Document, engine.SimulatorOptions{Logger: s.logger})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	defer sim.Close()

	resp, err := sim.Simulate(r.Context(), req)
	if err != nil {
		if resp == nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "result": resp})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := domain.ErrorResponse{Code: errorCode(err, status), Message: err.Error()}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	writeJSON(w, status, resp)
}

func errorCode(err error, status int) string {
	var de *domain.DomainError
	switch {
	case errors.As(err, &de) && de.Code != "":
		return de.Code
	case errors.Is(err, engine.ErrNoProgram):
		return "no_program"
	case errors.Is(err, domain.ErrUnknownLayout), errors.Is(err, domain.ErrUnknownModule):
		return "unknown_layout"
	case errors.Is(err, domain.ErrUnknownVariable):
		return "unknown_variable"
	case errors.Is(err, domain.ErrConfigInvalid), errors.Is(err, domain.ErrUnknownFilter):
		return "invalid_document"
	case status >= http.StatusInternalServerError:
		return "internal"
	default:
		return "bad_request"
	}
}
