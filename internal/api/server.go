package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"job-orchestrator/internal/auth"
	"job-orchestrator/internal/engine"
	"job-orchestrator/internal/intake"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/tracker"
)

const maxBodyBytes = 1 << 20

// Jobs is the job engine as seen by the HTTP layer.
type Jobs interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error)
	Status(ctx context.Context, jobID string) (models.Snapshot, error)
	List(ctx context.Context, f tracker.Filter) (tracker.ListResult, error)
	Cancel(ctx context.Context, jobID string) (models.CancelResult, error)
	Stats() engine.Stats
}

// AuditTrail reads the recorded status transitions of a job.
type AuditTrail interface {
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// Options wires a Server. Push, Audit, Limiter and JWT are optional.
type Options struct {
	Jobs               Jobs
	Push               *intake.Push
	Audit              AuditTrail
	Limiter            ratelimit.Limiter
	JWT                *auth.JWT
	CORSAllowedOrigins []string
	// WebhookSources maps a webhook source name to the task type its items
	// run as. Unknown sources are rejected.
	WebhookSources map[string]string
	WebhookSecret  string
	Logger         *slog.Logger
}

// Server wires HTTP handlers for the job API.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// New constructs the API server.
func New(opts Options) *Server {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}
	return &Server{opts: opts, logger: opts.Logger.With("component", "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(s.opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", auth.TenantHeader},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Use(auth.Authenticate(s.opts.JWT))
		r.With(s.rateLimit).Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/audit", s.handleAudit)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	r.Post("/webhooks/{source}", s.handleWebhook)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  s.opts.Jobs.Stats(),
	})
}

type submitRequest struct {
	TaskType       models.TaskType `json:"task_type"`
	Payload        map[string]any  `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       int             `json:"priority"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	res, err := s.opts.Jobs.Submit(r.Context(), models.SubmitRequest{
		TaskType:       req.TaskType,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Owner:          auth.OwnerFromContext(r.Context()),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	code := http.StatusAccepted
	if !res.Created {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := tracker.Filter{Owner: auth.OwnerFromContext(r.Context())}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = models.Status(strings.ToUpper(v))
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
	}
	res, err := s.opts.Jobs.List(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	res, err := s.opts.Jobs.Cancel(r.Context(), snap.JobID)
	if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		s.writeEngineError(w, err)
		return
	}
	if !res.Accepted {
		body := map[string]any{
			"job_id":   snap.JobID,
			"accepted": false,
			"status":   snap.Status,
		}
		if err != nil {
			body["error"] = err.Error()
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		writeError(w, http.StatusNotFound, "audit trail not recorded")
		return
	}
	snap, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	entries, err := s.opts.Audit.AuditTrail(r.Context(), snap.JobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  snap.JobID,
		"entries": entries,
	})
}

// ownedJob loads the job named in the path. Jobs of other owners are
// reported as missing.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Snapshot, bool) {
	id := chi.URLParam(r, "id")
	snap, err := s.opts.Jobs.Status(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return models.Snapshot{}, false
	}
	if snap.Owner != "" && snap.Owner != auth.OwnerFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "job not found")
		return models.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	taskType, known := s.opts.WebhookSources[source]
	if s.opts.Push == nil || !known {
		writeError(w, http.StatusNotFound, "unknown webhook source")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if s.opts.WebhookSecret != "" &&
		!notify.Verify([]byte(s.opts.WebhookSecret), body, r.Header.Get(notify.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}

	var item intake.Item
	if err := json.Unmarshal(body, &item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	item.Source = source
	if item.TaskType == "" {
		item.TaskType = models.TaskType(taskType)
	}

	res, err := s.opts.Push.Deliver(r.Context(), item)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	code := http.StatusAccepted
	if res.Outcome != intake.OutcomeSubmitted {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

// rateLimit throttles submissions per owner.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := auth.OwnerFromContext(r.Context())
		allowed, err := s.opts.Limiter.Allow(r.Context(), "rl:"+owner)
		if err != nil {
			s.logger.Error("rate limiter failed", "owner", owner, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
