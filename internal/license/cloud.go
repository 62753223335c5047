package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ValidateRequest is the payload sent to the remote validation endpoint.
type ValidateRequest struct {
	HardwareFingerprint string `json:"hardware_fingerprint"`
	CustomerToken       string `json:"customer_token"`
}

// ValidateResponse is the authoritative answer from the subscription server.
// MachineMismatch is only true when the server knows this customer and the
// registered fingerprint differs — the signal that escalates to Invalid.
type ValidateResponse struct {
	Licensed           bool      `json:"licensed"`
	Active             bool      `json:"active"`
	SubscriptionStatus string    `json:"subscription_status"`
	ValidUntil         time.Time `json:"valid_until"`
	MachineMismatch    bool      `json:"machine_mismatch"`
	CustomerID         string    `json:"customer_id,omitempty"`
}

// CloudValidator performs remote license validation. Implementations must
// return an ErrNetwork-wrapped error for timeouts and transport failures so
// the breaker can tell outages apart from authoritative denials.
type CloudValidator interface {
	Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error)
}

// HTTPValidator talks to the subscription server over HTTPS with a short
// timeout, so a dead network bounds validation latency instead of hanging
// the caller.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPValidator creates a validator against the given base URL.
func NewHTTPValidator(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPValidator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("component", "cloud_validator")),
	}
}

// Validate calls POST /api/v1/validate. The call is idempotent and
// side-effect-free on the server's subscription state.
func (v *HTTPValidator) Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.baseURL+"/api/v1/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build validate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := v.client.Do(httpReq)
	if err != nil {
		// Timeout or transport error: a breaker failure, never "unlicensed".
		return nil, NetworkError("remote validation", err)
	}
	defer resp.Body.Close()

	v.logger.Debug("remote validation round trip",
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	switch {
	case resp.StatusCode >= 500:
		return nil, NetworkError("remote validation",
			fmt.Errorf("server returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		// Authoritative: the server does not know this customer.
		return &ValidateResponse{Licensed: false, SubscriptionStatus: "unknown_customer"}, nil
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("remote validation rejected: %d: %s", resp.StatusCode, string(data))
	}

	var out ValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NetworkError("remote validation", fmt.Errorf("malformed response: %w", err))
	}
	return &out, nil
}
