package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/geobc/ems-aquifer-sync/internal/adapter/http"
	"github.com/geobc/ems-aquifer-sync/internal/observability"
)

type stubRun struct {
	state string
	err   error
}

func (r *stubRun) CurrentState() string                   { return r.state }
func (r *stubRun) CheckReadiness(_ context.Context) error { return r.err }

type statusBody struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Error  string `json:"error"`
}

func newTestServer(run *stubRun) (*httpadapter.Server, *observability.Metrics) {
	metrics := observability.NewMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httpadapter.NewServer(":0", run, metrics.Registry, logger), metrics
}

func get(t *testing.T, srv http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) statusBody {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz_ReportsStateEvenAfterFailure(t *testing.T) {
	srv, _ := newTestServer(&stubRun{state: "failed", err: errors.New("last sync run failed")})
	rec := get(t, srv, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "alive", body.Status)
	assert.Equal(t, "failed", body.State)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		run      stubRun
		wantCode int
		want     statusBody
	}{
		{
			name:     "before first run",
			run:      stubRun{state: "idle"},
			wantCode: http.StatusOK,
			want:     statusBody{Status: "ready", State: "idle"},
		},
		{
			name:     "publishing",
			run:      stubRun{state: "publishing"},
			wantCode: http.StatusOK,
			want:     statusBody{Status: "ready", State: "publishing"},
		},
		{
			name:     "run failed",
			run:      stubRun{state: "failed", err: errors.New("last sync run failed")},
			wantCode: http.StatusServiceUnavailable,
			want:     statusBody{Status: "failed", State: "failed", Error: "last sync run failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(&tt.run)
			rec := get(t, srv, "/readyz")

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.want, decode(t, rec))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, metrics := newTestServer(&stubRun{state: "fetching"})
	metrics.PipelineRunning.Set(1)
	metrics.SamplesFetched.Add(42)

	rec := get(t, srv, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "ems_sync_pipeline_running 1")
	assert.Contains(t, body, "ems_sync_samples_fetched_total 42")
}

func TestUnknownMethodRejected(t *testing.T) {
	srv, _ := newTestServer(&stubRun{state: "idle"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
