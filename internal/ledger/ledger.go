package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event is a payment-provider webhook event after signature verification and
// payload parsing. ProviderEventID is the provider's unique delivery id.
type Event struct {
	ProviderEventID    string
	Type               string
	CustomerID         string
	SubscriptionStatus string
	PeriodStart        time.Time
	PeriodEnd          time.Time
	NextBillingDate    time.Time
}

// Applier applies the business effect of a claimed event. The ledger calls
// it exactly once per provider event id.
type Applier interface {
	Apply(ctx context.Context, evt Event) error
}

// IngestResult reports what a delivery did. Idempotent means the event id was
// already known and nothing was touched.
type IngestResult struct {
	Processed  bool `json:"processed"`
	Idempotent bool `json:"idempotent"`
}

// Ledger provides idempotent ingestion of webhook events. The UNIQUE
// constraint on provider_event_id acts as a distributed mutual-exclusion
// primitive: concurrent duplicate deliveries race on the insert, exactly one
// wins and processes, all others return idempotent without touching business
// logic. Rows are never deleted; failed rows wait for the reconciliation
// sweep, never for a redelivery.
type Ledger struct {
	db      *sql.DB
	applier Applier
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a ledger over the given database.
func New(db *sql.DB, applier Applier, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:      db,
		applier: applier,
		logger:  logger.With(slog.String("component", "webhook_ledger")),
		now:     time.Now,
	}
}

// Ingest claims and processes one delivery. The duplicate path answers from
// the insert alone — an order of magnitude cheaper than real processing.
func (l *Ledger) Ingest(ctx context.Context, evt Event) (IngestResult, error) {
	if evt.ProviderEventID == "" {
		return IngestResult{}, fmt.Errorf("event has no provider event id")
	}

	// The claim row carries the full payload: a later re-apply from the
	// reconciliation pass must have the exact effect of this delivery.
	nowMs := l.now().UTC().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
INSERT INTO webhook_events
  (id, provider_event_id, event_type, status, customer_id,
   subscription_status, period_start_ms, period_end_ms, next_billing_date_ms,
   created_at_ms, updated_at_ms)
VALUES (?, ?, ?, 'processing', ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider_event_id) DO NOTHING;`,
		uuid.NewString(), evt.ProviderEventID, evt.Type, evt.CustomerID,
		evt.SubscriptionStatus, msFromTime(evt.PeriodStart), msFromTime(evt.PeriodEnd),
		msFromTime(evt.NextBillingDate), nowMs, nowMs)
	if err != nil {
		return IngestResult{}, fmt.Errorf("claim event %s: %w", evt.ProviderEventID, err)
	}

	claimed, err := res.RowsAffected()
	if err != nil {
		return IngestResult{}, fmt.Errorf("claim event %s: %w", evt.ProviderEventID, err)
	}
	if claimed == 0 {
		// Someone already owns this event id; whether they completed or
		// failed, this delivery is a no-op.
		l.logger.Debug("duplicate delivery ignored",
			slog.String("provider_event_id", evt.ProviderEventID))
		return IngestResult{Processed: false, Idempotent: true}, nil
	}

	// This delivery is the exclusive processor.
	if err := l.applier.Apply(ctx, evt); err != nil {
		l.markFailed(ctx, evt.ProviderEventID, err)
		return IngestResult{Processed: false, Idempotent: false},
			fmt.Errorf("apply event %s: %w", evt.ProviderEventID, err)
	}

	if err := l.markCompleted(ctx, evt.ProviderEventID); err != nil {
		return IngestResult{Processed: true, Idempotent: false}, err
	}

	l.logger.Info("webhook event processed",
		slog.String("provider_event_id", evt.ProviderEventID),
		slog.String("event_type", evt.Type),
		slog.String("customer_id", evt.CustomerID))

	return IngestResult{Processed: true, Idempotent: false}, nil
}

func (l *Ledger) markCompleted(ctx context.Context, providerEventID string) error {
	_, err := l.db.ExecContext(ctx, `
UPDATE webhook_events SET status = 'completed', updated_at_ms = ?
WHERE provider_event_id = ? AND status = 'processing';`,
		l.now().UTC().UnixMilli(), providerEventID)
	if err != nil {
		return fmt.Errorf("complete event %s: %w", providerEventID, err)
	}
	return nil
}

func (l *Ledger) markFailed(ctx context.Context, providerEventID string, cause error) {
	_, err := l.db.ExecContext(ctx, `
UPDATE webhook_events
SET status = 'failed', error_detail = ?, retry_count = retry_count + 1, updated_at_ms = ?
WHERE provider_event_id = ? AND status = 'processing';`,
		cause.Error(), l.now().UTC().UnixMilli(), providerEventID)
	if err != nil {
		l.logger.Error("failed to mark event failed",
			slog.String("provider_event_id", providerEventID),
			slog.String("error", err.Error()))
	}
}

// RequeueStale flips 'processing' rows older than the threshold to 'failed'
// so the retry pass can pick them up. A crash mid-processing strands rows in
// 'processing' forever otherwise — no other path touches them.
func (l *Ledger) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.now().Add(-olderThan).UTC().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
UPDATE webhook_events
SET status = 'failed', error_detail = 'stale processing', retry_count = retry_count + 1, updated_at_ms = ?
WHERE status = 'processing' AND updated_at_ms < ?;`,
		l.now().UTC().UnixMilli(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Warn("requeued stale processing events", slog.Int64("count", n))
	}
	return n, nil
}

// RetryFailed re-applies failed events below the retry budget. This is the
// out-of-band reconciliation path; duplicate deliveries never trigger it.
func (l *Ledger) RetryFailed(ctx context.Context, maxRetries int, limit int) (int64, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT provider_event_id, event_type, customer_id,
       subscription_status, period_start_ms, period_end_ms, next_billing_date_ms
FROM webhook_events
WHERE status = 'failed' AND retry_count <= ?
ORDER BY created_at_ms
LIMIT ?;`, maxRetries, limit)
	if err != nil {
		return 0, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var pending []Event
	for rows.Next() {
		var evt Event
		var startMs, endMs, billMs int64
		if err := rows.Scan(&evt.ProviderEventID, &evt.Type, &evt.CustomerID,
			&evt.SubscriptionStatus, &startMs, &endMs, &billMs); err != nil {
			return 0, fmt.Errorf("scan failed event: %w", err)
		}
		evt.PeriodStart = timeFromMs(startMs)
		evt.PeriodEnd = timeFromMs(endMs)
		evt.NextBillingDate = timeFromMs(billMs)
		pending = append(pending, evt)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var recovered int64
	for _, evt := range pending {
		if err := l.applier.Apply(ctx, evt); err != nil {
			l.logger.Warn("retry failed",
				slog.String("provider_event_id", evt.ProviderEventID),
				slog.String("error", err.Error()))
			_, uerr := l.db.ExecContext(ctx, `
UPDATE webhook_events SET retry_count = retry_count + 1, error_detail = ?, updated_at_ms = ?
WHERE provider_event_id = ?;`, err.Error(), l.now().UTC().UnixMilli(), evt.ProviderEventID)
			if uerr != nil {
				l.logger.Error("failed to bump retry count",
					slog.String("provider_event_id", evt.ProviderEventID),
					slog.String("error", uerr.Error()))
			}
			continue
		}
		if _, err := l.db.ExecContext(ctx, `
UPDATE webhook_events SET status = 'completed', error_detail = '', updated_at_ms = ?
WHERE provider_event_id = ?;`, l.now().UTC().UnixMilli(), evt.ProviderEventID); err != nil {
			return recovered, fmt.Errorf("complete retried event %s: %w", evt.ProviderEventID, err)
		}
		recovered++
	}

	return recovered, nil
}

func msFromTime(t time.Time) int64 {
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

// EventStatus returns the ledger status for a provider event id. Used for
// diagnostics and tests; returns "" when the id is unknown.
func (l *Ledger) EventStatus(ctx context.Context, providerEventID string) (string, error) {
	var status string
	err := l.db.QueryRowContext(ctx,
		"SELECT status FROM webhook_events WHERE provider_event_id = ?;", providerEventID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("event status %s: %w", providerEventID, err)
	}
	return status, nil
}

// CountEvents returns how many ledger rows exist for a provider event id.
// The answer is 0 or 1 by construction.
func (l *Ledger) CountEvents(ctx context.Context, providerEventID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM webhook_events WHERE provider_event_id = ?;", providerEventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events %s: %w", providerEventID, err)
	}
	return n, nil
}
