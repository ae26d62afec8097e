package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chanbridge/internal/bridge"
	"chanbridge/internal/bus"
	"chanbridge/internal/scheduler"
)

type mockPool struct {
	mock.Mock
}

func (m *mockPool) Snapshot() []bridge.ConnectionSnapshot {
	return m.Called().Get(0).([]bridge.ConnectionSnapshot)
}

func (m *mockPool) Restart(ctx context.Context, key string) error {
	return m.Called(key).Error(0)
}

func (m *mockPool) Proactive(ctx context.Context, key string, targets []string, text string) (bridge.ProactiveResult, error) {
	args := m.Called(key, targets, text)
	return args.Get(0).(bridge.ProactiveResult), args.Error(1)
}

type stubSchedules struct{ ran []string }

func (s *stubSchedules) Status() []scheduler.JobStatus {
	return []scheduler.JobStatus{{ID: "morning", Connection: "bot:slack", Cron: "0 9 * * *"}}
}

func (s *stubSchedules) RunNow(ctx context.Context, id string) error {
	if id != "morning" {
		return fmt.Errorf("schedule %q not found", id)
	}
	s.ran = append(s.ran, id)
	return nil
}

func newTestServer(pool Pool) (*Server, *stubSchedules) {
	sched := &stubSchedules{}
	eb := bus.NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	eb.Emit(bus.Event{Type: bus.EventProactiveSent, Source: "a:slack"})
	eb.Emit(bus.Event{Type: bus.EventMessageFailed, Source: "a:slack"})
	return New(Config{
		Token:     "secret",
		Pool:      pool,
		Schedules: sched,
		Events:    eb,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "chanbridge_up 1\n") }),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})),
	}), sched
}

func do(t *testing.T, s *Server, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.Header.Set("Authorization", "Bearer secret")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	pool := &mockPool{}
	pool.On("Snapshot").Return([]bridge.ConnectionSnapshot{
		{Key: "a:slack", Status: bridge.StatusConnected},
		{Key: "b:telegram", Status: bridge.StatusError},
	})
	s, _ := newTestServer(pool)

	rec := do(t, s, http.MethodGet, "/healthz", "", false)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.EqualValues(t, 1, body["connected"])
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(&mockPool{})
	for _, path := range []string{"/connections", "/metrics", "/schedules"} {
		rec := do(t, s, http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestConnectionsAndMetrics(t *testing.T) {
	pool := &mockPool{}
	pool.On("Snapshot").Return([]bridge.ConnectionSnapshot{{Key: "a:slack", Status: bridge.StatusConnecting, Attempts: 2}})
	s, _ := newTestServer(pool)

	rec := do(t, s, http.MethodGet, "/connections", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []bridge.ConnectionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].Attempts)

	rec = do(t, s, http.MethodGet, "/metrics", "", true)
	assert.Equal(t, "chanbridge_up 1\n", rec.Body.String())
}

func TestRestart(t *testing.T) {
	pool := &mockPool{}
	pool.On("Restart", "a:slack").Return(nil)
	pool.On("Restart", "nope:x").Return(fmt.Errorf("%w: nope:x", bridge.ErrUnknownConnection))
	s, _ := newTestServer(pool)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/connections/a:slack/restart", "", true).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/connections/nope:x/restart", "", true).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/connections/a:slack/restart", "", true).Code)
	pool.AssertExpectations(t)
}

func TestProactive(t *testing.T) {
	pool := &mockPool{}
	pool.On("Proactive", "a:slack", []string{"group:C1"}, "hello").
		Return(bridge.ProactiveResult{Sent: []string{"group:C1"}}, nil)
	pool.On("Proactive", "a:slack", []string(nil), "nobody").
		Return(bridge.ProactiveResult{}, bridge.ErrNoTargets)
	pool.On("Proactive", "a:slack", []string{"direct:U9"}, "blocked").
		Return(bridge.ProactiveResult{Skipped: []string{"direct:U9"}}, errors.New("no target accepted the message"))
	s, _ := newTestServer(pool)

	rec := do(t, s, http.MethodPost, "/proactive", `{"connection":"a:slack","targets":["group:C1"],"text":"hello"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"group:C1"}, decode(t, rec)["sent"])

	rec = do(t, s, http.MethodPost, "/proactive", `{"connection":"a:slack","text":"nobody"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, s, http.MethodPost, "/proactive", `{"connection":"a:slack","targets":["direct:U9"],"text":"blocked"}`, true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotNil(t, decode(t, rec)["result"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/proactive", `{"connection":"a:slack"}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/proactive", `not json`, true).Code)
}

func TestSchedules(t *testing.T) {
	s, sched := newTestServer(&mockPool{})

	rec := do(t, s, http.MethodGet, "/schedules", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"morning"`)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/schedules/morning/run", "", true).Code)
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodPost, "/schedules/other/run", "", true).Code)
	assert.Equal(t, []string{"morning"}, sched.ran)
}

func TestRecentEvents(t *testing.T) {
	s, _ := newTestServer(&mockPool{})

	rec := do(t, s, http.MethodGet, "/events?type=proactive.*&since=1h", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []bus.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventProactiveSent, events[0].Type)

	rec = do(t, s, http.MethodGet, "/events?since=2999-01-01T00:00:00Z", "", true)
	assert.JSONEq(t, "[]", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/events?since=yesterday", "", true).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/events", "", false).Code)
}
