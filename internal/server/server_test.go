package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/conduit-monitor/internal/ledger"
	"github.com/psantana5/conduit-monitor/internal/report"
	"github.com/psantana5/conduit-monitor/internal/supervisor"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	snap     supervisor.Snapshot
	restarts []string
}

func (f *fakeSupervisor) Status() supervisor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSupervisor) RequestRestart(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, reason)
}

func newTestRouter(sup Supervisor, metrics *report.Metrics) *mux.Router {
	r := mux.NewRouter()
	NewHandler(sup, metrics.Handler()).RegisterRoutes(r)
	return r
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		state  supervisor.State
		code   int
		health string
	}{
		{"running", supervisor.StateRunning, http.StatusOK, "healthy"},
		{"restarting", supervisor.StateRestarting, http.StatusOK, "healthy"},
		{"stopped", supervisor.StateStopped, http.StatusServiceUnavailable, "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := &fakeSupervisor{snap: supervisor.Snapshot{State: tt.state, Mode: "normal"}}
			router := newTestRouter(sup, report.New())

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.health, body["status"])
			assert.Equal(t, string(tt.state), body["state"])
		})
	}
}

func TestStatus(t *testing.T) {
	sup := &fakeSupervisor{snap: supervisor.Snapshot{
		State:  supervisor.StateRunning,
		Mode:   "throttled",
		Ledger: ledger.Ledger{BytesUsed: 1234, IsThrottled: true},
		PID:    4242,
	}}
	router := newTestRouter(sup, report.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap supervisor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1234), snap.Ledger.BytesUsed)
	assert.True(t, snap.Ledger.IsThrottled)
	assert.Equal(t, 4242, snap.PID)
	assert.Equal(t, "throttled", snap.Mode)
}

func TestRestart(t *testing.T) {
	sup := &fakeSupervisor{}
	router := newTestRouter(sup, report.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/restart", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{supervisor.ReasonManual}, sup.restarts)

	// Too soon after the last one
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/restart", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, sup.restarts, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/restart", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := report.New()
	metrics.ObserveLedger(ledger.Ledger{BytesUsed: 99})
	router := newTestRouter(&fakeSupervisor{}, metrics)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conduit_monitor_bytes_used 99")
}

func TestServerLifecycle(t *testing.T) {
	sup := &fakeSupervisor{snap: supervisor.Snapshot{State: supervisor.StateRunning}}
	srv := New("127.0.0.1:0", sup, report.New().Handler(), nil)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "healthy"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/health")
	assert.Error(t, err)
}

func TestServerStartBindError(t *testing.T) {
	first := New("127.0.0.1:0", &fakeSupervisor{}, report.New().Handler(), nil)
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())

	second := New(first.Addr(), &fakeSupervisor{}, report.New().Handler(), nil)
	assert.Error(t, second.Start())
}
