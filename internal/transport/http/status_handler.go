package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "github.com/Radot1/POSPal-sub001/internal/errors"
	"github.com/Radot1/POSPal-sub001/internal/license"
	"github.com/Radot1/POSPal-sub001/internal/security"
)

// StatusHandler exposes the client-side license surface consumed by the POS
// UI: current state, diagnostics, manual refresh, and activation.
type StatusHandler struct {
	manager *license.Manager
	logger  *slog.Logger
}

// NewStatusHandler creates the local license status handler.
func NewStatusHandler(manager *license.Manager, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		manager: manager,
		logger:  logger.With(slog.String("handler", "license_status")),
	}
}

// Routes returns the chi router for the local license endpoints.
func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/debug", h.GetDebug)
	r.Post("/refresh", h.Refresh)
	r.Post("/activate", h.Activate)

	return r
}

// StatusResponse is the UI-facing license posture.
type StatusResponse struct {
	State         license.State  `json:"state"`
	Source        license.Source `json:"source"`
	DaysRemaining int            `json:"days_remaining"`
	Message       string         `json:"message,omitempty"`
	ResolvedAt    time.Time      `json:"resolved_at"`
	Blocking      bool           `json:"blocking"`
}

func statusResponse(res license.Resolution) StatusResponse {
	return StatusResponse{
		State:         res.State,
		Source:        res.Source,
		DaysRemaining: res.DaysRemaining,
		Message:       res.Message,
		ResolvedAt:    res.ResolvedAt,
		Blocking:      res.State.Blocking(),
	}
}

// GetStatus serves GET /api/license/status from the last resolution. No
// network side effects.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, statusResponse(h.manager.Current()))
}

// DebugResponse exposes validation internals for support diagnostics.
type DebugResponse struct {
	State        license.State        `json:"state"`
	BreakerState license.BreakerState `json:"breaker_state"`
	Fingerprint  string               `json:"fingerprint"`
	Confidence   int                  `json:"fingerprint_confidence"`
	Attempts     []license.Attempt    `json:"attempts"`
}

// GetDebug serves GET /api/license/debug.
func (h *StatusHandler) GetDebug(w http.ResponseWriter, r *http.Request) {
	fp := h.manager.Fingerprint()
	render.JSON(w, r, DebugResponse{
		State:        h.manager.CurrentState(),
		BreakerState: h.manager.BreakerState(),
		Fingerprint:  security.MaskDigest(fp.Digest),
		Confidence:   fp.Confidence,
		Attempts:     h.manager.Attempts(),
	})
}

// Refresh serves POST /api/license/refresh: a forced evaluation outside the
// background ticker.
func (h *StatusHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.logger.InfoContext(ctx, "manual license refresh requested",
		slog.String("request_id", middleware.GetReqID(ctx)))
	res := h.manager.Evaluate(ctx)
	render.JSON(w, r, statusResponse(res))
}

// ActivateRequest carries the operator-entered subscription token.
type ActivateRequest struct {
	CustomerToken string `json:"customer_token"`
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(r *http.Request) error {
	if a.CustomerToken == "" {
		return errors.New("customer_token is required")
	}
	if len(a.CustomerToken) < 4 {
		return errors.New("customer_token is too short")
	}
	return nil
}

// Activate serves POST /api/license/activate: forced remote validation with
// a new token.
func (h *StatusHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ActivateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	res, err := h.manager.Activate(ctx, req.CustomerToken)
	if err != nil {
		if license.IsNetworkError(err) {
			render.Render(w, r, apierrors.ErrServiceUnavailable)
			return
		}
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	h.logger.InfoContext(ctx, "license activated",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("state", res.State.String()))

	render.JSON(w, r, statusResponse(res))
}
