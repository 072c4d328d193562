package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"biblio-integrator/internal/config"
	"biblio-integrator/internal/jobs"
	"biblio-integrator/internal/models"
	"biblio-integrator/internal/ratelimit"
	"biblio-integrator/internal/sourcestore"
	"biblio-integrator/internal/telemetry"
)

// RunFunc executes one integration and reports progress as it goes.
type RunFunc func(ctx context.Context, jobID, recordID string, progress func(jobID, note string)) (*models.IntegrationResult, error)

// Server wires the HTTP surface of the integrator.
type Server struct {
	cfg     config.Config
	catalog sourcestore.Store
	sup     *jobs.Supervisor
	limiter *ratelimit.TokenBucket
	run     RunFunc
	log     *zap.Logger
}

// New constructs the API server. The limiter may be nil when Redis is not
// configured.
func New(cfg config.Config, catalog sourcestore.Store, sup *jobs.Supervisor, limiter *ratelimit.TokenBucket, run RunFunc, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		catalog: catalog,
		sup:     sup,
		limiter: limiter,
		run:     run,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Integrator-Token", "X-Caller-ID"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/api/integrations/{recordID}", s.handleSubmit)
		r.Get("/api/integrations/jobs/{jobID}", s.handleGetJob)
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken != "" && r.Header.Get("X-Integrator-Token") != s.cfg.APIToken {
			http.Error(w, "invalid or missing token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	if !isNumeric(recordID) {
		http.Error(w, "record id must be numeric", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), callerFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	meta, err := s.catalog.GetStructuredMetadata(r.Context(), recordID)
	switch {
	case errors.Is(err, sourcestore.ErrRecordNotFound):
		http.Error(w, "record not found", http.StatusNotFound)
		return
	case errors.Is(err, sourcestore.ErrNoControlBlock):
		http.Error(w, "record has no integration control field", http.StatusBadRequest)
		return
	case err != nil:
		s.log.Warn("catalog lookup failed", zap.String("record_id", recordID), zap.Error(err))
		http.Error(w, "catalog unavailable", http.StatusBadGateway)
		return
	}
	if meta.Status == sourcestore.StatusProcessing || meta.Status == sourcestore.StatusImported {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "record is not eligible for integration",
			"status": meta.Status,
		})
		return
	}

	work := func(ctx context.Context, jobID, recordID string) (any, error) {
		return s.run(ctx, jobID, recordID, s.sup.SetProgress)
	}
	jobID, err := s.sup.Submit(work, recordID)
	switch {
	case errors.Is(err, jobs.ErrRecordBusy):
		http.Error(w, "record already has an active job", http.StatusConflict)
		return
	case errors.Is(err, jobs.ErrQueueFull):
		http.Error(w, "integration queue is full, retry later", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.log.Info("integration accepted",
		zap.String("record_id", recordID),
		zap.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, ok := s.sup.Status(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "default"
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
