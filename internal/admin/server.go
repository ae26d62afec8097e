// Package admin serves the local operator API: health, metrics, connection
// status, manual proactive sends and restarts.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"

	"chanbridge/internal/bridge"
	"chanbridge/internal/bus"
	"chanbridge/internal/scheduler"
)

// Pool is the subset of bridge.Pool the API drives.
type Pool interface {
	Snapshot() []bridge.ConnectionSnapshot
	Restart(ctx context.Context, key string) error
	Proactive(ctx context.Context, key string, targets []string, text string) (bridge.ProactiveResult, error)
}

// Schedules exposes scheduler status and manual runs.
type Schedules interface {
	Status() []scheduler.JobStatus
	RunNow(ctx context.Context, id string) error
}

// EventLog is the retained event history.
type EventLog interface {
	Recent(pattern string, since time.Time) []bus.Event
}

// Config configures the admin server.
type Config struct {
	Listen    string
	Token     string // bearer token; empty disables auth
	Pool      Pool
	Schedules Schedules    // optional
	Metrics   http.Handler // optional
	Events    EventLog     // optional
	Timeout   time.Duration
	Logger    *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	router *mux.Router
}

func New(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9470"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger.With("component", "admin")}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	open := alice.New(s.recoverer, s.logRequests)
	authed := open.Append(s.authenticate)

	r.Handle("/healthz", open.Then(s.Health())).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", authed.Then(s.cfg.Metrics)).Methods(http.MethodGet)
	}
	r.Handle("/connections", authed.Then(s.Connections())).Methods(http.MethodGet)
	r.Handle("/connections/{key}/restart", authed.Then(s.Restart())).Methods(http.MethodPost)
	r.Handle("/proactive", authed.Then(s.Proactive())).Methods(http.MethodPost)
	if s.cfg.Events != nil {
		r.Handle("/events", authed.Then(s.RecentEvents())).Methods(http.MethodGet)
	}
	if s.cfg.Schedules != nil {
		r.Handle("/schedules", authed.Then(s.ScheduleStatus())).Methods(http.MethodGet)
		r.Handle("/schedules/{id}/run", authed.Then(s.RunSchedule())).Methods(http.MethodPost)
	}
	s.router = r
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("admin API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// --- middleware ---

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("admin handler panic", "path", r.URL.Path, "panic", rec)
				s.Respond(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("admin request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				s.Respond(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

// Respond writes a JSON body. Strings and errors become {"error": ...} for
// error statuses and {"message": ...} otherwise.
func (s *Server) Respond(w http.ResponseWriter, status int, body any) {
	switch v := body.(type) {
	case error:
		body = map[string]string{"error": v.Error()}
	case string:
		if status >= 400 {
			body = map[string]string{"error": v}
		} else {
			body = map[string]string{"message": v}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("admin response encode failed", "err", err)
	}
}

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := s.cfg.Pool.Snapshot()
		connected := 0
		for _, c := range snaps {
			if c.Status == bridge.StatusConnected {
				connected++
			}
		}
		status := "ok"
		if connected < len(snaps) {
			status = "degraded"
		}
		s.Respond(w, http.StatusOK, map[string]any{
			"status":      status,
			"connections": len(snaps),
			"connected":   connected,
		})
	}
}

func (s *Server) Connections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, http.StatusOK, s.cfg.Pool.Snapshot())
	}
}

func (s *Server) Restart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
		defer cancel()
		if err := s.cfg.Pool.Restart(ctx, key); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, bridge.ErrUnknownConnection) {
				status = http.StatusNotFound
			}
			s.Respond(w, status, err)
			return
		}
		s.logger.Info("connection restarted via admin API", "key", key)
		s.Respond(w, http.StatusOK, "restarted "+key)
	}
}

type proactiveRequest struct {
	Connection string   `json:"connection"`
	Targets    []string `json:"targets,omitempty"`
	Text       string   `json:"text"`
}

func (s *Server) Proactive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proactiveRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			s.Respond(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Connection == "" || strings.TrimSpace(req.Text) == "" {
			s.Respond(w, http.StatusBadRequest, "connection and text are required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
		defer cancel()
		res, err := s.cfg.Pool.Proactive(ctx, req.Connection, req.Targets, req.Text)
		switch {
		case errors.Is(err, bridge.ErrUnknownConnection):
			s.Respond(w, http.StatusNotFound, err)
		case errors.Is(err, bridge.ErrNoTargets):
			s.Respond(w, http.StatusUnprocessableEntity, err)
		case err != nil && len(res.Sent) == 0 && len(res.Skipped)+len(res.Failed) == 0:
			s.Respond(w, http.StatusBadGateway, err)
		case err != nil:
			s.Respond(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		default:
			s.Respond(w, http.StatusOK, res)
		}
	}
}

// RecentEvents lists retained events. Query: type (pattern, default "*") and
// since (RFC 3339 or a duration such as "15m").
func (s *Server) RecentEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pattern := q.Get("type")
		if pattern == "" {
			pattern = "*"
		}
		var since time.Time
		if v := q.Get("since"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				since = time.Now().Add(-d)
			} else if t, err := time.Parse(time.RFC3339, v); err == nil {
				since = t
			} else {
				s.Respond(w, http.StatusBadRequest, "since must be RFC 3339 or a duration")
				return
			}
		}
		events := s.cfg.Events.Recent(pattern, since)
		if events == nil {
			events = []bus.Event{}
		}
		s.Respond(w, http.StatusOK, events)
	}
}

func (s *Server) ScheduleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, http.StatusOK, s.cfg.Schedules.Status())
	}
}

func (s *Server) RunSchedule() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.cfg.Schedules.RunNow(r.Context(), id); err != nil {
			s.Respond(w, http.StatusBadGateway, err)
			return
		}
		s.Respond(w, http.StatusOK, "ran "+id)
	}
}
