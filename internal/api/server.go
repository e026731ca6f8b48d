package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"site-scheduler/internal/dispatch"
	"site-scheduler/internal/models"
	"site-scheduler/internal/queue"
	"site-scheduler/internal/ratelimit"
	"site-scheduler/internal/telemetry"
	"site-scheduler/internal/tenant"
)

// Server wires HTTP handlers for the admin API.
type Server struct {
	broker     *queue.Broker
	dispatcher *dispatch.Dispatcher
	connector  tenant.Connector
	limiter    *ratelimit.TokenBucket
	logger     *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(b *queue.Broker, d *dispatch.Dispatcher, connector tenant.Connector, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker:     b,
		dispatcher: d,
		connector:  connector,
		limiter:    limiter,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/tenants/{tenant}/jobs", s.handleEnqueue)
		r.Get("/tenants/{tenant}/pending", s.handlePending)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/stop", s.handleStop)
		r.Delete("/jobs", s.handlePurge)
		r.Get("/queues", s.handleQueues)
		r.Get("/failed", s.handleFailed)
	})
	return r
}

type enqueueRequest struct {
	Method         string        `json:"method"`
	Kwargs         models.Kwargs `json:"kwargs"`
	Queue          string        `json:"queue"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	JobID          string        `json:"job_id"`
	AtFront        bool          `json:"at_front"`
	Event          string        `json:"event"`
	User           string        `json:"user"`
	OnSuccess      string        `json:"on_success"`
	OnFailure      string        `json:"on_failure"`
	OnStopped      string        `json:"on_stopped"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantName := chi.URLParam(r, "tenant")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, tenantName)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	opts := []dispatch.Option{
		dispatch.WithJobID(req.JobID),
		dispatch.WithEvent(req.Event),
		dispatch.OnSuccess(req.OnSuccess),
		dispatch.OnFailure(req.OnFailure),
		dispatch.OnStopped(req.OnStopped),
	}
	if req.Queue != "" {
		opts = append(opts, dispatch.WithQueue(req.Queue))
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, dispatch.WithTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
	}
	if req.AtFront {
		opts = append(opts, dispatch.AtFront())
	}

	conn, err := s.connector.Connect(ctx, tenantName)
	if err != nil {
		s.logger.Error("connect tenant", slog.String("tenant", tenantName), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "tenant unavailable")
		return
	}
	defer conn.Close(ctx)

	user := req.User
	if user == "" {
		user = tenant.SystemUser
	}
	h, err := s.dispatcher.Enqueue(ctx, tenant.NewSession(conn, user), req.Method, req.Kwargs, opts...)
	switch {
	case errors.Is(err, dispatch.ErrUnknownQueue), errors.Is(err, dispatch.ErrUnknownMethod):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("enqueue failed", slog.String("tenant", tenantName), slog.String("method", req.Method), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	code := http.StatusAccepted
	if h.Status == dispatch.StatusDuplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, h)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.broker.Fetch(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.broker.RequestStop(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotStoppable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Info("stop requested", slog.String("job_id", id))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop_requested"})
	}
}

// handlePurge removes queued jobs, optionally narrowed by queue, tenant and event.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	queues := s.dispatcher.Queues()
	if name := q.Get("queue"); name != "" {
		queues = []string{name}
	}
	n, err := s.broker.Purge(r.Context(), queues, q.Get("tenant"), q.Get("event"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	counts, err := s.broker.Pending(r.Context(), s.dispatcher.Queues(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": counts, "total": total})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depth, err := s.broker.Depth(r.Context(), s.dispatcher.Queues())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fleet": s.broker.Fleet(), "queues": depth})
}

// handleFailed returns the failed registry, newest expiry first.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.broker.FailedJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read failed registry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
