package api_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/yolotrain/pkg/api"
	"github.com/psantana5/yolotrain/pkg/auth"
	"github.com/psantana5/yolotrain/pkg/fanout"
	"github.com/psantana5/yolotrain/pkg/models"
	"github.com/psantana5/yolotrain/pkg/ratelimit"
	"github.com/psantana5/yolotrain/pkg/relay"
	"github.com/psantana5/yolotrain/pkg/store"
	"github.com/psantana5/yolotrain/pkg/trainer"
	"github.com/psantana5/yolotrain/pkg/training"
	"github.com/psantana5/yolotrain/pkg/workerpool"
)

type env struct {
	manager *training.Manager
	server  *httptest.Server
}

func newEnv(t *testing.T, tr trainer.Trainer, opts api.RouterOptions, hopts ...api.Option) *env {
	t.Helper()
	st := store.NewMemoryStore()
	m, err := training.NewManager(training.Config{WorkDir: t.TempDir(), MaxUploadBytes: 10 << 20}, training.Deps{
		Store:   st,
		Relay:   relay.New(5 * time.Millisecond),
		Hub:     fanout.NewHub(st, nil),
		Pool:    workerpool.New(2),
		Trainer: tr,
	})
	require.NoError(t, err)

	hopts = append([]api.Option{api.WithVersion("1.2.3")}, hopts...)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(m, hopts...), opts))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return &env{manager: m, server: srv}
}

func datasetArchive(t *testing.T, names ...string) string {
	t.Helper()
	if len(names) == 0 {
		names = []string{"classes.txt", "images/train/a.jpg", "images/val/b.jpg", "labels/train/a.txt", "labels/val/b.txt"}
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		body := "x"
		if name == "classes.txt" {
			body = "helmet\nvest\n"
		}
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func startBody(t *testing.T, epochs int, archive string) string {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"config":      map[string]interface{}{"name": "helmets", "dataset_id": "ds-1", "epochs": epochs},
		"dataset_zip": archive,
	})
	require.NoError(t, err)
	return string(body)
}

func (e *env) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeError(t *testing.T, raw []byte) api.ErrorResponse {
	t.Helper()
	var e api.ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &e), string(raw))
	return e
}

func (e *env) start(t *testing.T, epochs int) string {
	t.Helper()
	resp, raw := e.do(t, "POST", "/api/training/start", startBody(t, epochs, datasetArchive(t)))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var out models.StartTrainingResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, fmt.Sprintf("Training job %s started successfully", out.JobID), out.Message)
	return out.JobID
}

func (e *env) waitStatus(t *testing.T, id string, want models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := e.manager.Get(id)
		return err == nil && j.Status == want
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRootAndHealth(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{})

	resp, raw := e.do(t, "GET", "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"YOLO Training API","version":"1.2.3","status":"running"}`, string(raw))
	assert.NotEmpty(t, resp.Header.Get(api.RequestIDHeader))

	resp, raw = e.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy","version":"1.2.3","active_jobs":0}`, string(raw))
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{})
	resp, _ := e.do(t, "GET", "/health", "", api.RequestIDHeader, "req-42")
	assert.Equal(t, "req-42", resp.Header.Get(api.RequestIDHeader))
}

func TestTrainingLifecycle(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{Artifacts: true}, api.RouterOptions{})
	id := e.start(t, 3)
	e.waitStatus(t, id, models.JobStatusCompleted)

	resp, raw := e.do(t, "GET", "/api/training/status/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job models.Job
	require.NoError(t, json.Unmarshal(raw, &job))
	assert.Equal(t, 100.0, job.Progress)
	assert.Len(t, job.Metrics, 3)

	resp, raw = e.do(t, "GET", "/api/training/list", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.JobList
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, id, list.Jobs[0].ID)
	assert.Equal(t, models.JobStatusCompleted, list.Jobs[0].Status)

	resp, raw = e.do(t, "GET", "/api/training/"+id+"/results", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res models.Results
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 3, res.BestEpoch)
	assert.True(t, res.Files.BestModel)
	assert.True(t, res.Files.ResultsCSV)
	assert.False(t, res.Files.ConfusionMatrix)

	resp, raw = e.do(t, "DELETE", "/api/training/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, fmt.Sprintf(`{"message":"Training job %s deleted"}`, id), string(raw))

	resp, raw = e.do(t, "GET", "/api/training/status/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, api.ErrNameNotFound, decodeError(t, raw).Error)
}

func TestStartRejections(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{})

	tests := []struct {
		name    string
		body    string
		status  int
		errName string
		message string
	}{
		{
			name:    "malformed json",
			body:    `{"config":`,
			status:  http.StatusUnprocessableEntity,
			errName: api.ErrNameValidation,
			message: "Request validation failed",
		},
		{
			name:    "missing archive",
			body:    `{"config":{"name":"a","dataset_id":"b"}}`,
			status:  http.StatusUnprocessableEntity,
			errName: api.ErrNameValidation,
			message: "dataset_zip is required",
		},
		{
			name:    "invalid config",
			body:    `{"config":{"dataset_id":"b"},"dataset_zip":"` + datasetArchive(t) + `"}`,
			status:  http.StatusBadRequest,
			errName: api.ErrNameTrainingConfig,
			message: "Invalid training configuration",
		},
		{
			name:    "traversal",
			body:    startBody(t, 3, datasetArchive(t, "classes.txt", "../evil.txt")),
			status:  http.StatusBadRequest,
			errName: api.ErrNameDatasetValidation,
			message: "Dataset validation failed",
		},
		{
			name:    "not base64",
			body:    startBody(t, 3, "!!!not-base64!!!"),
			status:  http.StatusBadRequest,
			errName: api.ErrNameDatasetExtraction,
			message: "Failed to extract dataset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := e.do(t, "POST", "/api/training/start", tt.body)
			require.Equal(t, tt.status, resp.StatusCode, string(raw))
			er := decodeError(t, raw)
			assert.Equal(t, tt.errName, er.Error)
			assert.Contains(t, er.Message, tt.message)
			assert.Equal(t, tt.status, er.StatusCode)
			assert.Equal(t, "/api/training/start", er.Path)
		})
	}

	jobs, err := e.manager.List()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStartBodyLimit(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{}, api.WithMaxBodyBytes(256))
	body := startBody(t, 3, strings.Repeat("QUFB", 200))
	resp, raw := e.do(t, "POST", "/api/training/start", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.ErrNameDatasetValidation, decodeError(t, raw).Error)
}

func TestStopAndUnknownJobs(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{})
	const id = "3f1c1b7e-8d4a-4c1e-9a57-0f0d9a3b2c11"

	resp, raw := e.do(t, "POST", "/api/training/stop/"+id, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	er := decodeError(t, raw)
	assert.Equal(t, api.ErrNameStop, er.Error)
	assert.Equal(t, fmt.Sprintf("Cannot stop training job '%s': Job not found or already stopped", id), er.Message)

	resp, raw = e.do(t, "GET", "/api/training/status/"+id, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	er = decodeError(t, raw)
	assert.Equal(t, fmt.Sprintf("Training job '%s' not found", id), er.Message)
	assert.Equal(t, "/api/training/status/"+id, er.Path)

	resp, _ = e.do(t, "GET", "/api/training/"+id+"/results", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// deleting an unknown job is idempotent
	resp, _ = e.do(t, "DELETE", "/api/training/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStopRunningJob(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{EpochDelay: 20 * time.Millisecond}, api.RouterOptions{})
	id := e.start(t, 20)
	e.waitStatus(t, id, models.JobStatusRunning)

	resp, raw := e.do(t, "POST", "/api/training/stop/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.JSONEq(t, fmt.Sprintf(`{"message":"Training job %s stopped"}`, id), string(raw))

	resp, _ = e.do(t, "POST", "/api/training/stop/"+id, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	job, err := e.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStopped, job.Status)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{})

	resp, raw := e.do(t, "GET", "/nope", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", decodeError(t, raw).Message)

	resp, raw = e.do(t, "GET", "/api/training/start", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, api.ErrNameHTTP, decodeError(t, raw).Error)
}

func TestAuthentication(t *testing.T) {
	v, err := auth.NewKeyVerifier([]string{"secret-key"}, nil)
	require.NoError(t, err)
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{Verifier: v})

	resp, _ := e.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := e.do(t, "GET", "/api/training/list", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Missing API key", decodeError(t, raw).Message)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp, raw = e.do(t, "GET", "/api/training/list", "", "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid API key", decodeError(t, raw).Message)

	resp, _ = e.do(t, "GET", "/api/training/list", "", "Authorization", "Bearer secret-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/api/training/list?api_key=secret-key", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{Limiter: ratelimit.NewLimiter(0.001, 1)})

	resp, _ := e.do(t, "GET", "/api/training/list", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := e.do(t, "GET", "/api/training/list", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, api.ErrNameResourceLimit, decodeError(t, raw).Error)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp, _ = e.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, &trainer.Simulated{}, api.RouterOptions{CORSOrigins: []string{"http://ui.example"}})

	resp, _ := e.do(t, "OPTIONS", "/api/training/list", "",
		"Origin", "http://ui.example",
		"Access-Control-Request-Method", "GET")
	assert.Equal(t, "http://ui.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = e.do(t, "GET", "/health", "", "Origin", "http://other.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
