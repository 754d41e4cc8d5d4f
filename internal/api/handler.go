package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/altafin/dr-orchestrator/internal/cutover"
	"github.com/altafin/dr-orchestrator/internal/engine"
	"github.com/altafin/dr-orchestrator/internal/guard"
	"github.com/altafin/dr-orchestrator/internal/repository"
)

// Handler serves the operator API
type Handler struct {
	engine *engine.Engine
	guard  *guard.Guard
	state  repository.StateRepository
	logger *slog.Logger
}

// NewHandler creates an API handler
func NewHandler(eng *engine.Engine, g *guard.Guard, state repository.StateRepository, logger *slog.Logger) *Handler {
	return &Handler{
		engine: eng,
		guard:  g,
		state:  state,
		logger: logger,
	}
}

// Router builds the chi router. basePath allows mounting behind a reverse
// proxy prefix; an empty basePath mounts at the root.
func (h *Handler) Router(basePath string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)

	routes := func(r chi.Router) {
		r.Get("/healthz", h.handleHealthz)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", h.handleStatus)
			r.Get("/regions", h.handleRegions)
			r.Get("/lag", h.handleLag)
			r.Get("/plan", h.handleCurrentPlan)
			r.Post("/plan/cancel", h.handleCancelPlan)
			r.Get("/plans", h.handlePlans)
			r.Get("/plans/{id}", h.handlePlan)
			r.Post("/failback/confirm", h.handleConfirmFailBack)
			r.Get("/workflows/manual", h.handleManualQueue)
			r.Post("/workflows/{id}/resolve", h.handleResolveWorkflow)
		})
	}

	if basePath != "" {
		r.Route(basePath, routes)
	} else {
		routes(r)
	}

	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.engine.Status(r.Context()))
}

func (h *Handler) handleRegions(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Status(r.Context())
	h.respondJSON(w, http.StatusOK, status.Verdicts)
}

func (h *Handler) handleLag(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Status(r.Context())
	h.respondJSON(w, http.StatusOK, map[string]any{
		"stores":          status.Lag,
		"worst_lag":       status.WorstLag.String(),
		"worst_lag_stale": status.WorstLagStale,
	})
}

func (h *Handler) handleCurrentPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.state.ReadCurrentPlan(r.Context())
	if errors.Is(err, repository.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "no plan is currently executing")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	err := h.engine.CancelPlan()
	switch {
	case errors.Is(err, cutover.ErrNoActivePlan):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cutover.ErrPlanCommitted):
		h.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
	}
}

func (h *Handler) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.state.ListPlans(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, plans)
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	plan, err := h.state.ReadPlan(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "plan not found")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleConfirmFailBack(w http.ResponseWriter, r *http.Request) {
	err := h.engine.ConfirmFailBack(r.Context())
	switch {
	case errors.Is(err, engine.ErrNotFailBackReady):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrPlanInProgress), errors.Is(err, engine.ErrFrozen):
		h.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "fail-back started"})
	}
}

func (h *Handler) handleManualQueue(w http.ResponseWriter, r *http.Request) {
	records, err := h.guard.ManualQueue(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, records)
}

type resolveRequest struct {
	Action string `json:"action"` // "resume" or "abort"
}

func (h *Handler) handleResolveWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action != "resume" && req.Action != "abort" {
		h.respondError(w, http.StatusBadRequest, "action must be \"resume\" or \"abort\"")
		return
	}

	err := h.guard.ResolveManual(r.Context(), id, req.Action)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, guard.ErrNotManual):
		h.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "resolved", "action": req.Action})
	}
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// respondError writes a JSON error response
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// loggingMiddleware logs each request with its duration and status
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
