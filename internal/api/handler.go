package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/firetime"
)

const (
	msgScheduled     = "Email Scheduled Successfully!"
	msgScheduleError = "Error scheduling email. Please try later!"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

type Scheduler interface {
	Schedule(ctx context.Context, job domain.Job, trigger domain.Trigger) error
	Pending() int
}

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID, group string) (domain.Job, error)
	GetTrigger(ctx context.Context, jobID uuid.UUID) (domain.Trigger, error)
	PendingTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
	ListDeliveryAttempts(ctx context.Context, jobID uuid.UUID) ([]domain.DeliveryAttempt, error)
}

// Resolver turns a local date-time in a named zone into a future UTC instant.
type Resolver interface {
	Resolve(dateTime, timeZone string) (time.Time, error)
}

// HealthChecker provides store health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// MetricsSink defines the interface for recording API metrics.
type MetricsSink interface {
	ScheduleRequest(outcome string)
}

type Handler struct {
	router    chi.Router
	scheduler Scheduler
	store     Store
	resolver  Resolver
	health    HealthChecker // optional
	metrics   MetricsSink   // optional, nil = disabled
	log       zerolog.Logger
	clock     func() time.Time
}

func NewHandler(scheduler Scheduler, store Store, resolver Resolver) *Handler {
	h := &Handler{
		scheduler: scheduler,
		store:     store,
		resolver:  resolver,
		log:       zerolog.Nop(),
		clock:     time.Now,
	}
	h.router = h.routes()
	return h
}

// WithHealthChecker sets the store health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(hc HealthChecker) *Handler {
	h.health = hc
	return h
}

func (h *Handler) WithMetrics(sink MetricsSink) *Handler {
	h.metrics = sink
	return h
}

func (h *Handler) WithLogger(log zerolog.Logger) *Handler {
	h.log = log
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.requestLogger)
	r.Use(chimw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.healthCheck)

	r.Route("/schedule/email", func(r chi.Router) {
		r.Post("/", h.scheduleEmail)
		r.Get("/", h.listPending)
		r.Get("/{jobId}", h.jobStatus)
	})

	return r
}

// requestLogger logs one line per request at debug level.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.log.Debug().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}
	resp.Components["pending_triggers"] = strconv.Itoa(h.scheduler.Pending())

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) scheduleEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req ScheduleEmailRequest
	if err := dec.Decode(&req); err != nil {
		h.recordRequest(requestRejected)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeScheduleError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeScheduleError(w, http.StatusBadRequest, "invalid json")
		return
	}

	recipient, err := validateScheduleEmail(req)
	if err != nil {
		h.recordRequest(requestRejected)
		writeScheduleError(w, http.StatusBadRequest, err.Error())
		return
	}

	fireAt, err := h.resolver.Resolve(req.DateTime, req.TimeZone)
	if err != nil {
		h.recordRequest(requestRejected)
		var invalid *firetime.InvalidScheduleError
		var format *firetime.FormatError
		switch {
		case errors.As(err, &invalid), errors.As(err, &format):
			writeScheduleError(w, http.StatusBadRequest, err.Error())
		default:
			writeScheduleError(w, http.StatusBadRequest, "invalid dateTime or timeZone")
		}
		return
	}

	now := h.clock().UTC()
	job := domain.Job{
		ID:          uuid.New(),
		Group:       domain.JobGroup,
		Description: domain.JobDescription,
		Payload: domain.EmailPayload{
			Recipient: recipient,
			Subject:   req.Subject,
			Body:      req.Body,
		},
		Durable:   true,
		CreatedAt: now,
	}
	trigger := domain.Trigger{
		JobID:         job.ID,
		Group:         domain.TriggerGroup,
		Description:   domain.TriggerDescription,
		FireAt:        fireAt,
		Timezone:      req.TimeZone,
		MisfirePolicy: domain.MisfirePolicyFireNow,
		State:         domain.TriggerStateScheduled,
		CreatedAt:     now,
	}

	if err := h.scheduler.Schedule(r.Context(), job, trigger); err != nil {
		h.recordRequest(requestFailed)
		h.log.Error().Err(err).
			Str("job_id", job.ID.String()).
			Str("job_group", job.Group).
			Time("fire_at", fireAt).
			Msg("Error scheduling email")
		writeScheduleError(w, http.StatusInternalServerError, msgScheduleError)
		return
	}

	h.recordRequest(requestAccepted)
	writeJSON(w, http.StatusOK, ScheduleEmailResponse{
		Success:  true,
		JobID:    job.ID.String(),
		JobGroup: job.Group,
		Message:  msgScheduled,
	})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID, domain.JobGroup)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID.String()).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	trigger, err := h.store.GetTrigger(r.Context(), jobID)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID.String()).Msg("get trigger failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	attempts, err := h.store.ListDeliveryAttempts(r.Context(), jobID)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID.String()).Msg("list delivery attempts failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	resp := JobStatusResponse{
		JobID:       job.ID.String(),
		JobGroup:    job.Group,
		Description: job.Description,
		Email:       job.Payload.Recipient,
		Subject:     job.Payload.Subject,
		FireAt:      formatTime(trigger.FireAt),
		TimeZone:    trigger.Timezone,
		State:       string(trigger.State),
		CreatedAt:   formatTime(job.CreatedAt),
		Attempts:    make([]DeliveryAttemptResponse, len(attempts)),
	}
	if trigger.FiredAt != nil {
		firedAt := formatTime(*trigger.FiredAt)
		resp.FiredAt = &firedAt
	}
	for i, a := range attempts {
		resp.Attempts[i] = DeliveryAttemptResponse{
			ID:         a.ID.String(),
			Succeeded:  a.Succeeded(),
			Error:      a.Error,
			StartedAt:  formatTime(a.StartedAt),
			FinishedAt: formatTime(a.FinishedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	triggers, err := h.store.PendingTriggers(r.Context(), limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("list pending triggers failed")
		writeError(w, http.StatusInternalServerError, "failed to list scheduled emails")
		return
	}

	resp := ListPendingResponse{Triggers: make([]PendingTriggerResponse, len(triggers))}
	for i, tr := range triggers {
		resp.Triggers[i] = PendingTriggerResponse{
			JobID:    tr.JobID.String(),
			FireAt:   formatTime(tr.FireAt),
			TimeZone: tr.Timezone,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

const (
	requestAccepted = "accepted"
	requestRejected = "rejected"
	requestFailed   = "error"
)

func (h *Handler) recordRequest(outcome string) {
	if h.metrics != nil {
		h.metrics.ScheduleRequest(outcome)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeScheduleError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ScheduleEmailResponse{Success: false, Message: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
