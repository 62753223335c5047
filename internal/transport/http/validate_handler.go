package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "github.com/Radot1/POSPal-sub001/internal/errors"
	"github.com/Radot1/POSPal-sub001/internal/subscription"
)

// ValidateHandler serves the remote validation endpoint. It is read-only
// against the subscription authority apart from first-time machine
// registration, and idempotent from the client's point of view.
type ValidateHandler struct {
	authority *subscription.Authority
	logger    *slog.Logger
	validate  *validator.Validate
}

// NewValidateHandler creates the validation endpoint handler.
func NewValidateHandler(authority *subscription.Authority, logger *slog.Logger) *ValidateHandler {
	return &ValidateHandler{
		authority: authority,
		logger:    logger.With(slog.String("handler", "validate")),
		validate:  validator.New(),
	}
}

// ValidateRequest is the client's validation query.
type ValidateRequest struct {
	HardwareFingerprint string `json:"hardware_fingerprint" validate:"required,len=64,hexadecimal"`
	CustomerToken       string `json:"customer_token" validate:"required,min=4,max=128"`
}

// Bind implements render.Binder.
func (v *ValidateRequest) Bind(r *http.Request) error {
	return nil
}

// ValidateResponse is the authoritative answer.
type ValidateResponse struct {
	Licensed           bool      `json:"licensed"`
	Active             bool      `json:"active"`
	SubscriptionStatus string    `json:"subscription_status"`
	ValidUntil         time.Time `json:"valid_until"`
	MachineMismatch    bool      `json:"machine_mismatch"`
	CustomerID         string    `json:"customer_id,omitempty"`
}

// Handle serves POST /api/v1/validate.
func (h *ValidateHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req ValidateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	sub, err := h.authority.Get(ctx, req.CustomerToken)
	if err != nil {
		h.logger.ErrorContext(ctx, "subscription lookup failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.InternalError(err))
		return
	}
	if sub == nil {
		h.logger.InfoContext(ctx, "validation for unknown customer",
			slog.String("request_id", reqID))
		render.Render(w, r, apierrors.ErrCustomerNotFound)
		return
	}

	// First validation from a machine registers it. Afterwards a different
	// fingerprint is reported as a mismatch — the client escalates that to
	// its Invalid state.
	mismatch := false
	if sub.MachineFingerprint == "" {
		if err := h.authority.RegisterFingerprint(ctx, sub.CustomerID, req.HardwareFingerprint); err != nil {
			h.logger.ErrorContext(ctx, "fingerprint registration failed",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()))
		}
	} else if sub.MachineFingerprint != req.HardwareFingerprint {
		mismatch = true
		h.logger.WarnContext(ctx, "validation from unregistered machine",
			slog.String("request_id", reqID),
			slog.String("customer_id", sub.CustomerID))
	}

	resp := ValidateResponse{
		Licensed:           sub.Licensed(),
		Active:             sub.Active(),
		SubscriptionStatus: sub.Status,
		ValidUntil:         sub.CurrentPeriodEnd,
		MachineMismatch:    mismatch,
		CustomerID:         sub.CustomerID,
	}

	h.logger.InfoContext(ctx, "validation served",
		slog.String("request_id", reqID),
		slog.String("customer_id", sub.CustomerID),
		slog.String("status", sub.Status),
		slog.Bool("machine_mismatch", mismatch))

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
