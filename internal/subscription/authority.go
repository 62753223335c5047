package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Radot1/POSPal-sub001/internal/ledger"
)

// Subscription statuses as reported by the payment provider.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// CustomerSubscription is the canonical billing record. Its only writer is a
// completed ledger processing step; the validation endpoint reads it.
type CustomerSubscription struct {
	CustomerID         string    `json:"customer_id"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	NextBillingDate    time.Time `json:"next_billing_date"`
	MachineFingerprint string    `json:"machine_fingerprint,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Licensed reports whether the subscription entitles the customer to operate.
func (s *CustomerSubscription) Licensed() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing || s.Status == StatusPastDue
}

// Active reports whether the subscription is in good standing.
func (s *CustomerSubscription) Active() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// Authority owns the customer_subscriptions table. Each mutation is a
// row-level upsert in a single transaction, so a concurrent read never
// observes a torn record.
type Authority struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthority creates the subscription state authority.
func NewAuthority(db *sql.DB, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		db:     db,
		logger: logger.With(slog.String("component", "subscription_authority")),
		now:    time.Now,
	}
}

// Apply maps a claimed webhook event onto the canonical record. Called by
// the ledger exactly once per provider event id.
func (a *Authority) Apply(ctx context.Context, evt ledger.Event) error {
	if evt.CustomerID == "" {
		return fmt.Errorf("event %s has no customer id", evt.ProviderEventID)
	}

	status, ok := statusForEvent(evt)
	if !ok {
		// Unknown event types are acknowledged without effect; the provider
		// sends many types this system does not care about.
		a.logger.Debug("ignoring event type",
			slog.String("event_type", evt.Type),
			slog.String("provider_event_id", evt.ProviderEventID))
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO customer_subscriptions
  (customer_id, status, current_period_start_ms, current_period_end_ms, next_billing_date_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(customer_id) DO UPDATE SET
  status = excluded.status,
  current_period_start_ms = CASE WHEN excluded.current_period_start_ms > 0 THEN excluded.current_period_start_ms ELSE customer_subscriptions.current_period_start_ms END,
  current_period_end_ms = CASE WHEN excluded.current_period_end_ms > 0 THEN excluded.current_period_end_ms ELSE customer_subscriptions.current_period_end_ms END,
  next_billing_date_ms = CASE WHEN excluded.next_billing_date_ms > 0 THEN excluded.next_billing_date_ms ELSE customer_subscriptions.next_billing_date_ms END,
  updated_at_ms = excluded.updated_at_ms;`,
		evt.CustomerID, status,
		msOrZero(evt.PeriodStart), msOrZero(evt.PeriodEnd), msOrZero(evt.NextBillingDate),
		a.now().UTC().UnixMilli())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert subscription for %s: %w", evt.CustomerID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit subscription update: %w", err)
	}

	a.logger.Info("subscription updated",
		slog.String("customer_id", evt.CustomerID),
		slog.String("status", status),
		slog.String("event_type", evt.Type))

	return nil
}

// Get reads the canonical record for a customer. Returns (nil, nil) when the
// customer is unknown.
func (a *Authority) Get(ctx context.Context, customerID string) (*CustomerSubscription, error) {
	var (
		sub                           CustomerSubscription
		startMs, endMs, billMs, updMs int64
	)
	err := a.db.QueryRowContext(ctx, `
SELECT customer_id, status, current_period_start_ms, current_period_end_ms,
       next_billing_date_ms, machine_fingerprint, updated_at_ms
FROM customer_subscriptions WHERE customer_id = ?;`, customerID).Scan(
		&sub.CustomerID, &sub.Status, &startMs, &endMs, &billMs,
		&sub.MachineFingerprint, &updMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", customerID, err)
	}

	sub.CurrentPeriodStart = timeFromMs(startMs)
	sub.CurrentPeriodEnd = timeFromMs(endMs)
	sub.NextBillingDate = timeFromMs(billMs)
	sub.UpdatedAt = timeFromMs(updMs)
	return &sub, nil
}

// RegisterFingerprint stores the first fingerprint seen for a customer. The
// stored value is what later validations compare against to answer
// "different authorized machine". Registration only happens once; a
// different fingerprint on a registered customer is not overwritten here.
func (a *Authority) RegisterFingerprint(ctx context.Context, customerID, fingerprint string) error {
	_, err := a.db.ExecContext(ctx, `
UPDATE customer_subscriptions
SET machine_fingerprint = ?, updated_at_ms = ?
WHERE customer_id = ? AND machine_fingerprint = '';`,
		fingerprint, a.now().UTC().UnixMilli(), customerID)
	if err != nil {
		return fmt.Errorf("register fingerprint for %s: %w", customerID, err)
	}
	return nil
}

// ReleaseFingerprint clears the machine binding, allowing the customer to
// re-register after a legitimate hardware change (support operation).
func (a *Authority) ReleaseFingerprint(ctx context.Context, customerID string) error {
	_, err := a.db.ExecContext(ctx, `
UPDATE customer_subscriptions SET machine_fingerprint = '', updated_at_ms = ?
WHERE customer_id = ?;`, a.now().UTC().UnixMilli(), customerID)
	if err != nil {
		return fmt.Errorf("release fingerprint for %s: %w", customerID, err)
	}
	return nil
}

func statusForEvent(evt ledger.Event) (string, bool) {
	switch evt.Type {
	case "checkout.session.completed", "invoice.payment_succeeded":
		return StatusActive, true
	case "invoice.payment_failed":
		return StatusPastDue, true
	case "customer.subscription.updated":
		if evt.SubscriptionStatus != "" {
			return evt.SubscriptionStatus, true
		}
		return StatusActive, true
	case "customer.subscription.deleted":
		return StatusCanceled, true
	default:
		return "", false
	}
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func timeFromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
