package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/internal/store"
)

// newRouter builds the ops API over env.
func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(env.Config.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: env.Config.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	h := &handlers{env: env}
	r.Get("/health", h.health)
	r.Get("/metrics", h.metrics)
	r.Get("/events/recent", h.recentEvents)
	r.Post("/sweep", h.sweep)

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.listAccounts)
		r.Post("/{accountID}/monitor", h.startMonitoring)
		r.Delete("/{accountID}/monitor", h.stopMonitoring)
		r.Post("/{accountID}/sync", h.sync)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Get("/{jobID}", h.getJob)
	})
	r.Get("/messages/{messageID}", h.getMessage)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type handlers struct {
	env *appEnv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.env.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.env.Collector.Collect(r.Context(), h.env.Config.Monitoring.LookbackWindowHours)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"snapshot":  snap,
		"workers":   h.env.Pool.Stats(),
		"monitored": h.env.Detector.Monitored(),
		"breaker":   aiBreakerState(h.env.AI),
	}
	if last := h.env.Checker.Last(); last != nil {
		resp["last_check"] = last
	}
	if h.env.Webhook != nil {
		resp["webhook"] = map[string]int64{"sent": h.env.Webhook.Sent(), "dropped": h.env.Webhook.Dropped()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) recentEvents(w http.ResponseWriter, r *http.Request) {
	var events []model.Event
	if id := r.URL.Query().Get("message_id"); id != "" {
		events = h.env.Recent.ForMessage(id)
	} else {
		events = h.env.Recent.Events()
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.env.Sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.env.Store.ListAccounts(r.Context(), r.URL.Query().Get("connected") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *handlers) startMonitoring(w http.ResponseWriter, r *http.Request) {
	account, err := h.env.Store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	res := h.env.Detector.StartMonitoring(r.Context(), account)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (h *handlers) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	res := h.env.Detector.StopMonitoring(chi.URLParam(r, "accountID"))
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	account, err := h.env.Store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := h.env.Queue.Enqueue(r.Context(), model.Task{Type: model.TaskSync, AccountID: account.ID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": job.ID})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:    model.JobStatus(q.Get("status")),
		MessageID: q.Get("message_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	jobs, err := h.env.Queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.QueueJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.env.Store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) getMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg, err := h.env.Store.GetMessage(ctx, chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"message": msg}
	data, err := h.env.Store.GetExtractedData(ctx, msg.ID)
	switch {
	case err == nil:
		resp["extracted"] = data
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type breakerReporter interface {
	BreakerState() resilience.CircuitState
}

// aiBreakerState reports the AI circuit breaker, or "disabled" for the
// heuristic-only classifier.
func aiBreakerState(a ai) string {
	if s, ok := a.(breakerReporter); ok {
		return s.BreakerState().String()
	}
	return "disabled"
}
