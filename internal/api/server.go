package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"channel-strategy-backend/internal/config"
	"channel-strategy-backend/internal/decision"
	"channel-strategy-backend/internal/dispatch"
	"channel-strategy-backend/internal/guardrail"
	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/ratelimit"
	"channel-strategy-backend/internal/store"
	"channel-strategy-backend/internal/telemetry"
	"channel-strategy-backend/internal/worker"
)

// Server wires HTTP handlers for the ops API.
type Server struct {
	cfg        config.Config
	store      store.Store
	dispatcher *dispatch.Dispatcher
	processor  *worker.Processor
	guardrails *guardrail.Evaluator
	limiter    *ratelimit.TenantBucket
}

// New constructs the API server. The limiter may be nil, which disables
// per-tenant rate limiting.
func New(cfg config.Config, st store.Store, d *dispatch.Dispatcher, p *worker.Processor, g *guardrail.Evaluator, limiter *ratelimit.TenantBucket) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		processor:  p,
		guardrails: g,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/dispatch/{job_type}", s.handleDispatch)
	r.Post("/ticks", s.handleTick)

	r.Get("/tasks/dead", s.handleDeadTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/queue/stats", s.handleQueueStats)

	r.Route("/tenants/{tenant}/channels/{channel}", func(r chi.Router) {
		r.Use(s.tenantRateLimit)
		r.Get("/decision", s.handleGetDecision)
		r.Get("/alerts", s.handleListAlerts)
		r.Post("/guardrails", s.handleRunGuardrails)
	})

	return r
}

func (s *Server) tenantRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		tenant := chi.URLParam(r, "tenant")
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			// fail open when the limiter backend is unreachable
			log.Printf("rate limiter unavailable: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleDispatch enqueues one task per active channel for the job type.
// An optional date query pins the business date for backfills.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	jobType, err := models.ParseJobType(chi.URLParam(r, "job_type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		now, err = models.ParseDt(v)
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	res, err := s.dispatcher.Dispatch(r.Context(), jobType, now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.DispatchCounter.Add(float64(res.Enqueued))
	writeJSON(w, http.StatusAccepted, res)
}

// handleTick runs one claim-execute-finalize cycle inline.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.ClaimLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	tenant := r.URL.Query().Get("tenant")

	res, err := s.processor.Tick(r.Context(), time.Now().UTC(), limit, tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type decisionResponse struct {
	models.DecisionDaily
	Computed bool `json:"computed"`
}

// handleGetDecision serves the decision for a business date. Channels with
// no stored row get the fixed insufficient-data default.
func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	channel := chi.URLParam(r, "channel")
	asOf := models.Dt(time.Now().UTC())
	if v := r.URL.Query().Get("as_of"); v != "" {
		parsed, err := models.ParseDt(v)
		if err != nil {
			http.Error(w, "as_of must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		asOf = parsed
	}

	d, ok, err := s.store.GetDecision(r.Context(), tenant, channel, asOf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		stub := decision.Compute(nil, asOf, asOf, decision.DefaultParams())
		d = models.DecisionDaily{
			TenantID:   tenant,
			ChannelID:  channel,
			AsOfDt:     asOf,
			Direction:  stub.Direction,
			Confidence: stub.Confidence,
			Evidence:   stub.Evidence,
			Forbidden:  stub.Forbidden,
			Reevaluate: stub.Reevaluate,
		}
	}
	writeJSON(w, http.StatusOK, decisionResponse{DecisionDaily: d, Computed: ok})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	channel := chi.URLParam(r, "channel")
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("include_resolved"))

	alerts, err := s.store.ListAlerts(r.Context(), tenant, channel, includeResolved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": alerts})
}

func (s *Server) handleRunGuardrails(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	channel := chi.URLParam(r, "channel")

	res, err := s.guardrails.Run(r.Context(), tenant, channel, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.AlertsRaised.Add(float64(res.Raised))
	telemetry.AlertsResolved.Add(float64(res.Resolved))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "id must be an integer", http.StatusBadRequest)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeadTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}
	tasks, err := s.store.ListDeadTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.CountClaimable(r.Context(), time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.ClaimableDepthGauge.Set(float64(depth))
	writeJSON(w, http.StatusOK, map[string]any{"claimable": depth})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
