package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"c3d/jobs"
	"c3d/logger"
	"c3d/models"
	"c3d/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBlobs struct{ err error }

func (s *stubBlobs) PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://uploads.example/" + key, nil
}

func (s *stubBlobs) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://conversions.example/" + key, nil
}

func (s *stubBlobs) Download(ctx context.Context, key, localPath string) error            { return nil }
func (s *stubBlobs) Upload(ctx context.Context, localPath, key, contentType string) error { return nil }

type stubQueue struct{ triggers []models.Trigger }

func (q *stubQueue) Enqueue(ctx context.Context, t models.Trigger) error {
	q.triggers = append(q.triggers, t)
	return nil
}

type testServer struct {
	router *gin.Engine
	store  *store.MemoryStore
	blobs  *stubBlobs
	queue  *stubQueue
}

func setupTestRouter(t *testing.T, mutate func(*Dependencies)) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	blobs := &stubBlobs{}
	queue := &stubQueue{}
	log := logger.Discard()

	deps := &Dependencies{
		Submit:         jobs.NewSubmitService(st, blobs, time.Hour, 24*time.Hour, log),
		Status:         jobs.NewStatusService(st, 5*time.Minute),
		Download:       jobs.NewDownloadService(st, blobs, time.Hour),
		Convert:        jobs.NewConvertService(st, queue, log),
		HealthChecks:   map[string]HealthCheck{},
		Logger:         log,
		MaxRequestBody: 1024,
	}
	if mutate != nil {
		mutate(deps)
	}
	return &testServer{router: NewRouter(deps), store: st, blobs: blobs, queue: queue}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return s.doFrom(t, "", method, path, body)
}

// doFrom sends the request from remoteAddr, or httptest's default when empty.
func (s *testServer) doFrom(t *testing.T, remoteAddr, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), w.Body.String())
	}
	return w, decoded
}

func (s *testServer) seed(t *testing.T, id string, status models.Status) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.store.Create(ctx, &models.Job{
		ID:             id,
		Status:         models.StatusPending,
		SourceFileName: "part.step",
		SourceLocation: models.SourceKey(id, "part.step"),
		TargetFormat:   "stl",
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}))
	if status == models.StatusPending {
		return
	}
	claim, err := s.store.MarkProcessing(ctx, id)
	require.NoError(t, err)
	switch status {
	case models.StatusCompleted:
		_, err = s.store.Complete(ctx, id, claim.Lease, models.OutputKey(id, "stl"))
	case models.StatusFailed:
		_, err = s.store.Fail(ctx, id, claim.Lease, models.CodeConversionFailed, "No shape found")
	}
	require.NoError(t, err)
}

func TestUploadURL(t *testing.T) {
	s := setupTestRouter(t, nil)

	w, body := s.do(t, http.MethodPost, "/upload-url", `{"fileName":"part.step","targetFormat":"stl"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "https://uploads.example/"+jobID+"/part.step", body["uploadUrl"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	_, status := s.do(t, http.MethodGet, "/status/"+jobID, "")
	assert.Equal(t, "pending", status["status"])
}

func TestUploadURLValidation(t *testing.T) {
	s := setupTestRouter(t, nil)

	w, body := s.do(t, http.MethodPost, "/upload-url", `{"targetFormat":"stl"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "fileName required", body["message"])

	w, body = s.do(t, http.MethodPost, "/upload-url", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "fileName required", body["message"])

	w, body = s.do(t, http.MethodPost, "/upload-url", `{"fileName":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", body["message"])

	w, _ = s.do(t, http.MethodPost, "/upload-url", `{"fileName":"`+strings.Repeat("a", 2048)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUploadURLStorageFailureIsSanitized(t *testing.T) {
	s := setupTestRouter(t, nil)
	s.blobs.err = errors.New("AccessDenied: arn:aws:iam::123456789012:role/secret")

	w, body := s.do(t, http.MethodPost, "/upload-url", `{"fileName":"part.step"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", body["message"])
	assert.NotContains(t, w.Body.String(), "arn:aws")
}

func TestStatus(t *testing.T) {
	s := setupTestRouter(t, nil)
	s.seed(t, "job-failed", models.StatusFailed)

	w, body := s.do(t, http.MethodGet, "/status/job-failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "job-failed", body["jobId"])
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "part.step", body["fileName"])
	assert.Equal(t, "No shape found", body["error"])

	w, body = s.do(t, http.MethodGet, "/status/never-submitted-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", body["message"])
}

func TestDownloadURL(t *testing.T) {
	s := setupTestRouter(t, nil)
	s.seed(t, "job-done", models.StatusCompleted)
	s.seed(t, "job-busy", models.StatusProcessing)

	w, body := s.do(t, http.MethodGet, "/download-url/job-done", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://conversions.example/job-done.stl", body["downloadUrl"])

	w, body = s.do(t, http.MethodGet, "/download-url/job-busy", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "File not ready", body["message"])

	w, _ = s.do(t, http.MethodGet, "/download-url/never-submitted-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConvert(t *testing.T) {
	s := setupTestRouter(t, nil)
	s.seed(t, "job-failed", models.StatusFailed)
	s.seed(t, "job-busy", models.StatusProcessing)

	w, body := s.do(t, http.MethodPost, "/convert", `{"jobId":"job-failed","targetFormat":"obj"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "queued", body["status"])
	require.Len(t, s.queue.triggers, 1)

	w, _ = s.do(t, http.MethodPost, "/convert", `{"jobId":"job-busy"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPost, "/convert", `{"jobId":"never-submitted-id"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = s.do(t, http.MethodPost, "/convert", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "jobId required", body["message"])
}

func TestCORSPreflightAndNotFound(t *testing.T) {
	s := setupTestRouter(t, nil)

	w, body := s.do(t, http.MethodOptions, "/upload-url", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body)
	assert.Equal(t, "GET,POST,OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Amz-Security-Token")

	w, body = s.do(t, http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not Found", body["message"])
}

func TestRateLimit(t *testing.T) {
	s := setupTestRouter(t, func(d *Dependencies) {
		d.RateLimit = 1
		d.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w, _ := s.do(t, http.MethodPost, "/upload-url", `{"fileName":"part.step"}`)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	w, _ := s.do(t, http.MethodGet, "/status/never-submitted-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "reads are not rate limited")
}

func TestRateLimitIsPerClient(t *testing.T) {
	s := setupTestRouter(t, func(d *Dependencies) {
		d.RateLimit = 1
		d.RateBurst = 1
	})
	const body = `{"fileName":"part.step"}`

	w, _ := s.doFrom(t, "10.0.0.1:4000", http.MethodPost, "/upload-url", body)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.doFrom(t, "10.0.0.1:4001", http.MethodPost, "/upload-url", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w, _ = s.doFrom(t, "10.0.0.2:4000", http.MethodPost, "/upload-url", body)
	assert.Equal(t, http.StatusOK, w.Code, "another client has its own bucket")
}

func TestHealth(t *testing.T) {
	s := setupTestRouter(t, nil)
	w, body := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	s = setupTestRouter(t, func(d *Dependencies) {
		d.HealthChecks["redis"] = func(context.Context) error { return errors.New("dial tcp: refused") }
	})
	w, body = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestRecoveryReturnsJSON(t *testing.T) {
	s := setupTestRouter(t, nil)
	s.router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w, body := s.do(t, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", body["message"])
}
