package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/auth"
	"job-orchestrator/internal/engine"
	"job-orchestrator/internal/intake"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/retry"
	"job-orchestrator/internal/worker"
)

const webhookSecret = "hook-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*Options)) (*httptest.Server, *engine.Engine) {
	t.Helper()
	reg := worker.NewRegistry()
	reg.MustRegister(models.TaskDemo, func(_ context.Context, run *worker.Run) (any, error) {
		run.Report(100, "done")
		return map[string]any{"ok": true}, nil
	})
	reg.MustRegister(models.TaskFormIngestion, func(ctx context.Context, run *worker.Run) (any, error) {
		run.Report(10, "waiting")
		select {
		case <-run.Done():
			return nil, models.ErrCancelled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	logger := discardLogger()
	e, err := engine.New(engine.Options{
		Registry:       reg,
		Logger:         logger,
		Policy:         retry.Policy{MaxRetries: 0, Base: time.Millisecond, Max: time.Millisecond},
		Workers:        2,
		DefaultTimeout: 5 * time.Second,
		CancelGrace:    time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	opts := Options{
		Jobs:           e,
		Push:           intake.NewPush(e, intake.NewMemoryLedger(time.Hour), logger),
		WebhookSources: map[string]string{"forms": string(models.TaskDemo)},
		WebhookSecret:  webhookSecret,
		Logger:         logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := httptest.NewServer(New(opts).Router())
	t.Cleanup(srv.Close)
	return srv, e
}

func do(t *testing.T, method, url, tenant string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(auth.TenantHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func waitJobStatus(t *testing.T, srv *httptest.Server, tenant, id string, want models.Status) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, srv.URL+"/jobs/"+id, tenant, nil)
		last = body
		return body["status"] == string(want)
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(2), stats["workers"])
}

func TestSubmitRunsJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{
		"task_type":       "demo",
		"payload":         map[string]any{"name": "x"},
		"idempotency_key": "k-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["created"])
	id := body["job_id"].(string)

	snap := waitJobStatus(t, srv, "tenant-1", id, models.StatusCompleted)
	assert.Equal(t, float64(100), snap["progress"])
	assert.Equal(t, map[string]any{"ok": true}, snap["result"])
	assert.Equal(t, "tenant-1", snap["owner"])
}

func TestSubmitDeduplicatesLiveJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	post := func() (*http.Response, map[string]any) {
		r, err := http.NewRequest(http.MethodPost, srv.URL+"/jobs", bytes.NewReader([]byte(`{"task_type":"form_ingestion"}`)))
		require.NoError(t, err)
		r.Header.Set("Idempotency-Key", "wf-1")
		r.Header.Set(auth.TenantHeader, "tenant-1")
		resp, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	first, a := post()
	second, b := post()
	assert.Equal(t, http.StatusAccepted, first.StatusCode)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, a["job_id"], b["job_id"])
	assert.Equal(t, false, b["created"])

	resp, _ := do(t, http.MethodPost, srv.URL+"/jobs/"+a["job_id"].(string)+"/cancel", "tenant-1", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{"task_type": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown task type")

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestJobsAreScopedToOwner(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, body := do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{"task_type": "demo"})
	id := body["job_id"].(string)
	waitJobStatus(t, srv, "tenant-1", id, models.StatusCompleted)

	resp, _ := do(t, http.MethodGet, srv.URL+"/jobs/"+id, "tenant-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/"+id+"/cancel", "tenant-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, list := do(t, http.MethodGet, srv.URL+"/jobs", "tenant-2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list["jobs"])

	resp, list = do(t, http.MethodGet, srv.URL+"/jobs?status=completed", "tenant-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["jobs"], 1)
	assert.Equal(t, map[string]any{"COMPLETED": float64(1)}, list["counts_by_status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs?status=sleeping", "tenant-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRunningThenTerminal(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, body := do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{"task_type": "form_ingestion"})
	id := body["job_id"].(string)
	waitJobStatus(t, srv, "tenant-1", id, models.StatusProcessing)

	resp, res := do(t, http.MethodPost, srv.URL+"/jobs/"+id+"/cancel", "tenant-1", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, res["accepted"])

	snap := waitJobStatus(t, srv, "tenant-1", id, models.StatusCancelled)
	assert.Equal(t, "cancelled", snap["error"].(map[string]any)["kind"])

	resp, res = do(t, http.MethodPost, srv.URL+"/jobs/"+id+"/cancel", "tenant-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, res["accepted"])
	assert.Equal(t, "CANCELLED", res["status"])
	assert.Contains(t, res["error"], "invalid state transition")
}

func TestUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, _ := do(t, http.MethodGet, srv.URL+"/jobs/missing", "tenant-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/missing/cancel", "tenant-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJWTRequiredWhenConfigured(t *testing.T) {
	j := auth.NewJWT("jwt-secret")
	srv, _ := newTestServer(t, func(o *Options) { o.JWT = j })

	resp, _ := do(t, http.MethodGet, srv.URL+"/jobs", "tenant-1", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := j.Sign("tenant-1", time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	health, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestSubmitRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, func(o *Options) { o.Limiter = ratelimit.NewLocal(1, 0.001) })

	resp, _ := do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{"task_type": "demo"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{"task_type": "demo"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs", "tenant-2", map[string]any{"task_type": "demo"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "other owners have their own budget")

	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs", "tenant-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

func postWebhook(t *testing.T, url string, body []byte, signature string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(notify.SignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestWebhookIntake(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	body := []byte(`{"id":"form-42","payload":{"answers":3},"owner":"tenant-1"}`)
	sig := "sha256=" + notify.Sign([]byte(webhookSecret), body)

	resp, res := postWebhook(t, srv.URL+"/webhooks/forms", body, sig)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(intake.OutcomeSubmitted), res["outcome"])
	id := res["job_id"].(string)
	waitJobStatus(t, srv, "tenant-1", id, models.StatusCompleted)

	// Redelivery after completion maps to the same job.
	resp, res = postWebhook(t, srv.URL+"/webhooks/forms", body, sig)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(intake.OutcomeSeen), res["outcome"])
	assert.Equal(t, id, res["job_id"])
}

func TestWebhookRejections(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	body := []byte(`{"id":"form-1"}`)

	resp, _ := postWebhook(t, srv.URL+"/webhooks/forms", body, "sha256=00")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postWebhook(t, srv.URL+"/webhooks/unknown", body, "sha256="+notify.Sign([]byte(webhookSecret), body))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	noID := []byte(`{"payload":{}}`)
	resp, _ = postWebhook(t, srv.URL+"/webhooks/forms", noID, "sha256="+notify.Sign([]byte(webhookSecret), noID))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", models.ErrValidation), http.StatusBadRequest},
		{models.Errorf(models.KindPermission, "nope"), http.StatusForbidden},
		{fmt.Errorf("job x: %w", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("enqueue job: %w", queue.ErrQueueFull), http.StatusServiceUnavailable},
		{queue.ErrQueueClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("cancel: %w", models.ErrInvalidTransition), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

type fakeAudit struct {
	entries map[string][]models.AuditLog
	err     error
}

func (f fakeAudit) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	return f.entries[jobID], f.err
}

func TestAuditTrail(t *testing.T) {
	audit := fakeAudit{entries: map[string][]models.AuditLog{}}
	srv, _ := newTestServer(t, func(o *Options) { o.Audit = audit })

	_, body := do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{"task_type": "demo"})
	id := body["job_id"].(string)
	waitJobStatus(t, srv, "tenant-1", id, models.StatusCompleted)
	audit.entries[id] = []models.AuditLog{
		{JobID: id, Event: "PENDING", Detail: "submitted"},
		{JobID: id, Event: "COMPLETED"},
	}

	resp, res := do(t, http.MethodGet, srv.URL+"/jobs/"+id+"/audit", "tenant-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, res["job_id"])
	entries := res["entries"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "submitted", entries[0].(map[string]any)["detail"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs/"+id+"/audit", "tenant-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditTrailNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, body := do(t, http.MethodPost, srv.URL+"/jobs", "tenant-1", map[string]any{"task_type": "demo"})
	resp, _ := do(t, http.MethodGet, srv.URL+"/jobs/"+body["job_id"].(string)+"/audit", "tenant-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

var _ Jobs = (*engine.Engine)(nil)
