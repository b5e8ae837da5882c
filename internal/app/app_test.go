package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"stockpulse/internal/config"
	"stockpulse/internal/shared/testutil"
	handlers "stockpulse/internal/transport/http"
	"stockpulse/pkg/contracts/domain"
	"stockpulse/pkg/contracts/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Server.RateLimit.Enabled = false
	cfg.Logging.Level = "error"
	cfg.Store.DSN = filepath.Join(dir, "data", "jobs.db")
	cfg.Cache.Backend = "sqlite"
	cfg.Cache.Path = filepath.Join(dir, "data", "aux.db")
	cfg.Pipeline.SimulatedDelay = time.Millisecond
	cfg.Pipeline.PublishInterval = 10 * time.Millisecond
	cfg.Pipeline.ShutdownTimeout = 5 * time.Second
	cfg.WebSocket.PollInterval = 10 * time.Millisecond
	cfg.Telemetry.EnableMetrics = false
	return cfg
}

// newTestApp builds an application whose resources are released when the
// test ends
func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		a.Watcher.Shutdown()
		_ = a.Supervisor.Shutdown(ctx)
		a.closeResources(ctx)
	})
	return a
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func startJob(t *testing.T, base, body string) handlers.StartResponse {
	t.Helper()
	resp, err := http.Post(base+"/api/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started handlers.StartResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "/api/jobs/"+started.JobID, resp.Header.Get("Location"))
	return started
}

func waitTerminal(t *testing.T, base, jobID string) domain.ProgressSnapshot {
	t.Helper()
	var snap domain.ProgressSnapshot
	require.Eventually(t, func() bool {
		snap = domain.ProgressSnapshot{}
		return getJSON(t, base+"/api/jobs/"+jobID, &snap) == http.StatusOK && snap.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return snap
}

func TestNew(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	assert.NotNil(t, a.Router)
	assert.NotNil(t, a.Server)
	assert.NotNil(t, a.Supervisor)
	assert.NotNil(t, a.Watcher)
	assert.Equal(t, "sqlite", a.Cache.Backend())
	assert.Equal(t, []string{"validate", "analyze", "debate", "risk"}, a.Supervisor.Table().Names())
	assert.Equal(t, "127.0.0.1:0", a.Server.Addr)
	assert.Nil(t, a.OTelProviders.PrometheusHTTP)
}

func TestNewRejectsBadStageTable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Stages = []string{"validate:0.5", "analyze:-1"}

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage table")
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "durable store")
}

func TestJobLifecycle(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	started := startJob(t, srv.URL, `{"subject_id":"AAPL","category":"US","indicators":{"breadth":0.8}}`)
	assert.Equal(t, domain.JobStatusPending, started.Status)

	snap := waitTerminal(t, srv.URL, started.JobID)
	require.Equal(t, domain.JobStatusCompleted, snap.Status, snap.Error)
	assert.Equal(t, 1.0, snap.Overall)
	require.NotNil(t, snap.Signal)
	assert.NotContains(t, snap.Signal.Defaulted, "breadth")

	var result domain.ProgressSnapshot
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/jobs/"+started.JobID+"/result", &result))
	assert.Len(t, result.Result, 4)

	resp, err := http.Get(srv.URL + "/api/jobs/" + started.JobID + "/report.xlsx")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"Summary", "Stages"}, f.GetSheetList())

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+started.JobID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/jobs/"+started.JobID, nil))
}

func TestCachedAnalystReportsAcrossJobs(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	first := startJob(t, srv.URL, `{"subject_id":"0700","category":"HK"}`)
	waitTerminal(t, srv.URL, first.JobID)
	second := startJob(t, srv.URL, `{"subject_id":"0700","category":"HK"}`)
	snap := waitTerminal(t, srv.URL, second.JobID)

	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	n, err := a.Cache.Invalidate(context.Background(), "*:*-0700:*")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestRequestedStagesSubset(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	started := startJob(t, srv.URL, `{"subject_id":"MSFT","category":"US","requested_stages":["validate","analyze"]}`)
	snap := waitTerminal(t, srv.URL, started.JobID)

	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.StageCount)
}

func TestStartJobValidation(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing subject", `{"category":"US"}`, http.StatusBadRequest},
		{"unknown category", `{"subject_id":"AAPL","category":"EU"}`, http.StatusBadRequest},
		{"malformed json", `{"subject_id":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/jobs", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var problem map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
			assert.Equal(t, float64(tt.status), problem["status"])
		})
	}

	resp, err := http.Post(srv.URL+"/api/jobs", "application/x-www-form-urlencoded", strings.NewReader("subject_id=AAPL"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.SimulatedDelay = time.Second
	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	started := startJob(t, srv.URL, `{"subject_id":"TSLA","category":"US"}`)

	resp, err := http.Post(srv.URL+"/api/jobs/"+started.JobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	snap := waitTerminal(t, srv.URL, started.JobID)
	assert.Equal(t, domain.JobStatusCancelled, snap.Status)

	resp, err = http.Post(srv.URL+"/api/jobs/"+started.JobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWatchJob(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	started := startJob(t, srv.URL, `{"subject_id":"NVDA","category":"US"}`)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + started.JobID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last events.WatchMessage
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		require.NoError(t, json.Unmarshal(data, &last))
	}

	require.NotNil(t, last.Snapshot)
	assert.Equal(t, domain.JobStatusCompleted, last.Snapshot.Status)
}

func TestSignalEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signal.Defaults = map[string]map[string]float64{
		"HK": {"volume": 0.4, "breadth": 0.2},
	}
	cfg.Signal.Subjects = map[string]map[string]map[string]float64{
		"HK": {"0700": {"breadth": 0.3}},
	}
	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	var resp handlers.SignalResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/signal?category=HK&subject_id=0700", &resp))
	assert.Equal(t, 0.4, resp.Values["volume"])
	assert.Equal(t, 0.3, resp.Values["breadth"])

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/signal?volume=lots", nil))
}

func TestHealthAndErrors(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	var health handlers.HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.ActiveJobs)
	assert.Equal(t, "ok", health.Store)

	resp, err := http.Get(srv.URL + "/nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/jobs/j-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 0.01, Burst: 1}
	a := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, srv.URL+"/healthz", nil))
}

func TestStartRecoversOrphansAndStops(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Store.Publish(ctx, testutil.Snapshot("orphan-1")))
	require.NoError(t, a.Start(ctx, cancel))

	base := "http://" + a.Addr()
	var snap domain.ProgressSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/jobs/orphan-1", &snap))
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.NotEmpty(t, snap.Error)

	require.NoError(t, a.Stop(context.Background()))

	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}

func TestStopClosesWatchers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.SimulatedDelay = time.Second
	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx, cancel))

	base := "http://" + a.Addr()
	started := startJob(t, base, `{"subject_id":"AMZN","category":"US"}`)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/api/jobs/"+started.JobID+"/watch", nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop(context.Background()) }()

	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestPipelineConfig(t *testing.T) {
	p := config.Default().Pipeline
	p.StageTimeouts = map[string]time.Duration{"debate": time.Minute}

	c := PipelineConfig(p)
	assert.Equal(t, time.Minute, c.GetStageTimeout("debate"))
	assert.Equal(t, p.DefaultStageTimeout, c.GetStageTimeout("risk"))
}

func TestNewIndicatorSource(t *testing.T) {
	src := NewIndicatorSource(config.SignalConfig{
		Defaults: map[string]map[string]float64{"US": {"volume": 1.2, "sentiment": 0.1}},
		Subjects: map[string]map[string]map[string]float64{"US": {"AAPL": {"sentiment": 0.9}}},
	})

	got, err := src.Indicators(context.Background(), "AAPL", "US")
	require.NoError(t, err)
	assert.Equal(t, 1.2, *got["volume"])
	assert.Equal(t, 0.9, *got["sentiment"])

	got, err = src.Indicators(context.Background(), "MSFT", "US")
	require.NoError(t, err)
	assert.Equal(t, 0.1, *got["sentiment"])
}

func TestEnsureParentDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ensureParentDir("file:"+filepath.Join(dir, "a", "b.db")+"?cache=shared"))
	assert.DirExists(t, filepath.Join(dir, "a"))
	assert.NoError(t, ensureParentDir(":memory:"))
}
