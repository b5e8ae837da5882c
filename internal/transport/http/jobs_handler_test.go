package http

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	apierrors "stockpulse/internal/errors"
	"stockpulse/internal/middleware"
	"stockpulse/internal/operations"
	"stockpulse/internal/shared/testutil"
	"stockpulse/internal/websocket"
	"stockpulse/pkg/contracts/domain"
	"stockpulse/pkg/contracts/events"
)

// MockJobService is a mock implementation of JobService
type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) Start(ctx context.Context, input domain.JobInput) (*operations.StartResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*operations.StartResult), args.Error(1)
}

func (m *MockJobService) Cancel(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *MockJobService) GetSnapshot(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProgressSnapshot), args.Error(1)
}

func (m *MockJobService) FetchResult(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProgressSnapshot), args.Error(1)
}

func (m *MockJobService) Delete(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func setupJobsRouter(t *testing.T) (chi.Router, *MockJobService) {
	t.Helper()
	svc := &MockJobService{}
	errs := apierrors.NewErrorHandler(nil, false)
	watcher := websocket.NewWatcher(svc, websocket.Config{
		PollInterval: 5 * time.Millisecond,
		PingPeriod:   time.Hour,
		PongWait:     2 * time.Hour,
		WriteWait:    time.Second,
	}, nil, nil)
	t.Cleanup(watcher.Shutdown)

	h := NewJobsHandler(svc, watcher, websocket.NewUpgrader(1024, 1024, nil),
		middleware.NewValidationMiddleware(slog.Default(), errs), errs, nil)

	r := chi.NewRouter()
	r.Mount("/api/jobs", h.Routes())
	return r, svc
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func problemType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	typ, _ := body["type"].(string)
	return typ
}

func TestJobsHandler_StartJob(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("Start", mock.Anything, domain.JobInput{SubjectID: "AAPL", Category: "US"}).
		Return(&operations.StartResult{JobID: "j-1", Status: domain.JobStatusPending}, nil).Once()

	rec := do(r, http.MethodPost, "/api/jobs", `{"subject_id":"AAPL","category":"US"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/api/jobs/j-1", rec.Header().Get("Location"))
	var resp StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "j-1", resp.JobID)
	assert.Equal(t, domain.JobStatusPending, resp.Status)
	assert.Equal(t, "/api/jobs/j-1/watch", resp.Links["watch"])
	svc.AssertExpectations(t)
}

func TestJobsHandler_StartJobRejected(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		svcErr   error
		wantCode int
	}{
		{"malformed json", `{"subject_id":`, nil, http.StatusBadRequest},
		{"bad category", `{"subject_id":"AAPL","category":"EU"}`, nil, http.StatusBadRequest},
		{"missing subject", `{"category":"US"}`, nil, http.StatusBadRequest},
		{"unknown stage", `{"subject_id":"AAPL","category":"US","requested_stages":["rebalance"]}`,
			operations.NewValidationError("rebalance", `unknown stage "rebalance"`), http.StatusBadRequest},
		{"shutting down", `{"subject_id":"AAPL","category":"US"}`, operations.ErrShuttingDown, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, svc := setupJobsRouter(t)
			if tt.svcErr != nil {
				svc.On("Start", mock.Anything, mock.Anything).Return(nil, tt.svcErr).Once()
			}

			rec := do(r, http.MethodPost, "/api/jobs", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.svcErr == nil {
				svc.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestJobsHandler_GetJob(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("GetSnapshot", mock.Anything, "j-1").Return(testutil.Snapshot("j-1"), nil)
	svc.On("GetSnapshot", mock.Anything, "ghost").Return(nil, operations.ErrJobNotFound)

	rec := do(r, http.MethodGet, "/api/jobs/j-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var snap domain.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, domain.JobStatusRunning, snap.Status)
	assert.Equal(t, 0.25, snap.Overall)
	require.NotNil(t, snap.Aux)
	assert.Equal(t, "news", snap.Aux.Producer)

	rec = do(r, http.MethodGet, "/api/jobs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierrors.TypeJobNotFound, problemType(t, rec))
}

func TestJobsHandler_CancelJob(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("Cancel", mock.Anything, "j-1").Return(nil)
	svc.On("Cancel", mock.Anything, "j-2").Return(operations.ErrJobFinished)
	svc.On("Cancel", mock.Anything, "ghost").Return(operations.ErrJobNotFound)

	rec := do(r, http.MethodPost, "/api/jobs/j-1/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "cancellation requested")

	rec = do(r, http.MethodPost, "/api/jobs/j-2/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apierrors.TypeJobFinished, problemType(t, rec))

	rec = do(r, http.MethodPost, "/api/jobs/ghost/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsHandler_GetResult(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("FetchResult", mock.Anything, "done").Return(testutil.CompletedSnapshot("done"), nil)
	svc.On("FetchResult", mock.Anything, "busy").Return(nil, operations.ErrNotComplete)

	rec := do(r, http.MethodGet, "/api/jobs/done/result", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var snap domain.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1.0, snap.Overall)
	assert.Len(t, snap.Result, 4)

	rec = do(r, http.MethodGet, "/api/jobs/busy/result", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apierrors.TypeJobNotComplete, problemType(t, rec))
}

func TestJobsHandler_GetReport(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("FetchResult", mock.Anything, "done").Return(testutil.CompletedSnapshot("done"), nil)
	svc.On("FetchResult", mock.Anything, "busy").Return(nil, operations.ErrNotComplete)

	rec := do(r, http.MethodGet, "/api/jobs/done/report.xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="done.xlsx"`)

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Stages")
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	rec = do(r, http.MethodGet, "/api/jobs/busy/report.xlsx", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobsHandler_GetReportCSV(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("FetchResult", mock.Anything, "done").Return(testutil.CompletedSnapshot("done"), nil)

	rec := do(r, http.MethodGet, "/api/jobs/done/report.csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, csvContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="done.csv"`)

	body := rec.Body.Bytes()
	require.True(t, bytes.HasPrefix(body, []byte{0xEF, 0xBB, 0xBF}))
	records, err := csv.NewReader(bytes.NewReader(body[3:])).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestJobsHandler_DeleteJob(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("Delete", mock.Anything, "done").Return(nil)
	svc.On("Delete", mock.Anything, "busy").Return(operations.ErrNotComplete)

	rec := do(r, http.MethodDelete, "/api/jobs/done", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, rec.Body.Len())

	rec = do(r, http.MethodDelete, "/api/jobs/busy", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobsHandler_WatchUnknownJob(t *testing.T) {
	r, svc := setupJobsRouter(t)
	svc.On("GetSnapshot", mock.Anything, "ghost").Return(nil, operations.ErrJobNotFound)

	rec := do(r, http.MethodGet, "/api/jobs/ghost/watch", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsHandler_WatchJob(t *testing.T) {
	r, svc := setupJobsRouter(t)
	// one read for the pre-upgrade check, then the stream's polls
	svc.On("GetSnapshot", mock.Anything, "j-9").Return(testutil.Snapshot("j-9"), nil).Twice()
	svc.On("GetSnapshot", mock.Anything, "j-9").Return(testutil.CompletedSnapshot("j-9"), nil).Once()

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/j-9/watch"
	client, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var got []events.WatchMessage
	for {
		_, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		var msg events.WatchMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		got = append(got, msg)
	}

	require.Len(t, got, 3)
	assert.Equal(t, events.MessageTypeConnect, got[0].Type)
	assert.Equal(t, domain.JobStatusRunning, got[1].Snapshot.Status)
	assert.True(t, got[2].Terminal())
	svc.AssertExpectations(t)
}

func TestJobsHandler_WatchDisabled(t *testing.T) {
	svc := &MockJobService{}
	errs := apierrors.NewErrorHandler(nil, false)
	h := NewJobsHandler(svc, nil, nil, nil, errs, nil)
	r := chi.NewRouter()
	r.Mount("/api/jobs", h.Routes())

	rec := do(r, http.MethodGet, "/api/jobs/j-1/watch", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
