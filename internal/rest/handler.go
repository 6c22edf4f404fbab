// Package rest exposes the bot over HTTP/JSON.
//
// Endpoints:
//
//	POST /callback/kling                                 - Provider completion callback
//	POST /v1/conversations/{userID}/{chatID}/turns       - Feed one chat turn to the wizard
//	GET  /v1/users/{userID}/balance                      - Current token balance
//	GET  /v1/users/{userID}/generations                  - Recent generations of a user
//	GET  /v1/generations/{id}                            - One generation record
//	GET  /health                                         - Health check
//	GET  /ready                                          - Readiness check
//	GET  /metrics                                        - Prometheus metrics
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/ledger"
	"github.com/kelpejol/klingbot/internal/metrics"
	"github.com/kelpejol/klingbot/internal/reconciler"
	"github.com/kelpejol/klingbot/internal/service"
	"github.com/kelpejol/klingbot/internal/wizard"
)

// maxCallbackBody bounds provider callback bodies.
const maxCallbackBody = 1 << 20

// TurnHandler processes one chat turn.
type TurnHandler interface {
	Handle(ctx context.Context, turn service.Turn) (*service.Reply, error)
}

// CallbackHandler applies a provider callback.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb *reconciler.Callback) (reconciler.Effect, error)
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

// Deps are the collaborators of a Handler.
type Deps struct {
	Turns       TurnHandler
	Callbacks   CallbackHandler
	Ledger      ledger.Ledger
	Generations generation.Store
	Metrics     *metrics.Metrics
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
	Logger   zerolog.Logger
}

// Handler provides REST API endpoints.
type Handler struct {
	deps Deps
	log  zerolog.Logger
}

// NewHandler creates a new REST API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps: deps,
		log:  deps.Logger.With().Str("component", "rest_handler").Logger(),
	}
}

// Router builds the chi router with all routes and middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		LoggingMiddleware(h.log),
	)

	r.Post("/callback/kling", h.handleCallback)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/conversations/{userID}/{chatID}/turns", h.handleTurn)
		r.Get("/users/{userID}/balance", h.handleBalance)
		r.Get("/users/{userID}/generations", h.handleUserGenerations)
		r.Get("/generations/{id}", h.handleGeneration)
	})

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// handleCallback handles POST /callback/kling. Rejected callbacks get 400
// so the provider does not retry them; server faults get 500 so it does.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		h.countCallback("read_error")
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	cb, err := reconciler.ParseCallback(body, r.URL.Query())
	if err != nil {
		h.countCallback("rejected")
		h.log.Warn().Err(err).Msg("Rejected callback")
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	effect, err := h.deps.Callbacks.HandleCallback(r.Context(), cb)
	if err != nil {
		if reconciler.IsRejection(err) {
			h.countCallback("rejected")
			h.log.Warn().Err(err).Str("generation_id", cb.GenerationID).Msg("Rejected callback")
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.countCallback("error")
		h.log.Error().Err(err).Str("generation_id", cb.GenerationID).Msg("Callback failed")
		h.writeError(w, http.StatusInternalServerError, "callback processing failed")
		return
	}

	h.countCallback(string(effect.Kind))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"effect": effect.Kind,
	})
}

// handleTurn handles POST /v1/conversations/{userID}/{chatID}/turns
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.int64Param(w, r, "userID")
	if !ok {
		return
	}
	chatID, ok := h.int64Param(w, r, "chatID")
	if !ok {
		return
	}

	var turn service.Turn
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	turn.Key = wizard.Key{UserID: userID, ChatID: chatID}

	reply, err := h.deps.Turns.Handle(r.Context(), turn)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reply)
}

// handleBalance handles GET /v1/users/{userID}/balance
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.int64Param(w, r, "userID")
	if !ok {
		return
	}
	balance, err := h.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

// handleUserGenerations handles GET /v1/users/{userID}/generations
func (h *Handler) handleUserGenerations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.int64Param(w, r, "userID")
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	records, err := h.deps.Generations.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if records == nil {
		records = []*generation.Record{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"generations": records,
	})
}

// handleGeneration handles GET /v1/generations/{id}
func (h *Handler) handleGeneration(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Generations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready by running every dependency check.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.log.Warn().Interface("failed", failed).Msg("Readiness check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"failed": failed,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (h *Handler) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return v, true
}

// handleServiceError converts domain errors to HTTP errors.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrBadRequest):
		statusCode = http.StatusBadRequest
	case errors.Is(err, wizard.ErrNoSession), errors.Is(err, wizard.ErrUnexpectedInput):
		statusCode = http.StatusConflict
	case errors.Is(err, generation.ErrNotFound), errors.Is(err, ledger.ErrUserNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		statusCode = http.StatusPaymentRequired
	}

	if statusCode == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("REST API error")
		h.writeError(w, statusCode, "internal error")
		return
	}
	h.writeError(w, statusCode, err.Error())
}

func (h *Handler) countCallback(result string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.Callbacks.WithLabelValues(result).Inc()
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}
