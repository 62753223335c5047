package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"github.com/Radot1/POSPal-sub001/internal/config"
	apierrors "github.com/Radot1/POSPal-sub001/internal/errors"
	"github.com/Radot1/POSPal-sub001/internal/ledger"
	"github.com/Radot1/POSPal-sub001/internal/security"
)

// maxWebhookBody bounds webhook payload size.
const maxWebhookBody = 256 * 1024

// SignatureHeader carries the provider's payload signature.
const SignatureHeader = "POSPal-Signature"

// WebhookHandler ingests payment provider events. The signature is verified
// before the ledger is touched; an unverifiable delivery never reaches it.
type WebhookHandler struct {
	ledger  *ledger.Ledger
	cfg     config.WebhookConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

// NewWebhookHandler creates the webhook ingestion handler.
func NewWebhookHandler(l *ledger.Ledger, cfg config.WebhookConfig, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ledger:  l,
		cfg:     cfg,
		logger:  logger.With(slog.String("handler", "webhook")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		now:     time.Now,
	}
}

// webhookPayload is the provider's event envelope.
type webhookPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			Customer           string `json:"customer"`
			Status             string `json:"status"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			NextBillingDate    int64  `json:"next_billing_date"`
		} `json:"object"`
	} `json:"data"`
}

// webhookResponse acknowledges a delivery.
type webhookResponse struct {
	OK         bool `json:"ok"`
	Idempotent bool `json:"idempotent"`
}

// Handle serves POST /api/v1/webhook.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if !h.limiter.Allow() {
		render.Render(w, r, apierrors.ErrRateLimitExceeded)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	if err := security.VerifyWebhookSignature(
		r.Header.Get(SignatureHeader), body, h.cfg.SigningSecret, h.cfg.Tolerance, h.now(),
	); err != nil {
		h.logger.WarnContext(ctx, "webhook signature rejected",
			slog.String("request_id", reqID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrBadSignature)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if payload.ID == "" || payload.Type == "" {
		render.Render(w, r, apierrors.ErrValidation("id", "event id and type are required"))
		return
	}

	evt := ledger.Event{
		ProviderEventID:    payload.ID,
		Type:               payload.Type,
		CustomerID:         payload.Data.Object.Customer,
		SubscriptionStatus: payload.Data.Object.Status,
		PeriodStart:        timeFromUnix(payload.Data.Object.CurrentPeriodStart),
		PeriodEnd:          timeFromUnix(payload.Data.Object.CurrentPeriodEnd),
		NextBillingDate:    timeFromUnix(payload.Data.Object.NextBillingDate),
	}

	result, err := h.ledger.Ingest(ctx, evt)
	if err != nil && !result.Idempotent {
		h.logger.ErrorContext(ctx, "webhook processing failed",
			slog.String("request_id", reqID),
			slog.String("provider_event_id", evt.ProviderEventID),
			slog.String("error", err.Error()))
		// The row is parked as failed for the reconciliation pass; the
		// provider gets a 500 and may redeliver, which will be a no-op.
		render.Render(w, r, apierrors.InternalError(errors.New("event processing failed")))
		return
	}

	h.logger.InfoContext(ctx, "webhook acknowledged",
		slog.String("request_id", reqID),
		slog.String("provider_event_id", evt.ProviderEventID),
		slog.String("event_type", evt.Type),
		slog.Bool("idempotent", result.Idempotent))

	render.Status(r, http.StatusOK)
	render.JSON(w, r, webhookResponse{OK: true, Idempotent: result.Idempotent})
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
