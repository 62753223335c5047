package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Radot1/POSPal-sub001/internal/db"
)

type fakeApplier struct {
	mu      sync.Mutex
	calls   int
	applied []Event
	err     error
}

func (f *fakeApplier) Apply(ctx context.Context, evt Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.applied = append(f.applied, evt)
	return f.err
}

func (f *fakeApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeApplier) lastApplied() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return Event{}
	}
	return f.applied[len(f.applied)-1]
}

func (f *fakeApplier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestLedger(t *testing.T) (*Ledger, *fakeApplier, *sql.DB) {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	applier := &fakeApplier{}
	return New(database, applier, nil), applier, database
}

func testEvent(id string) Event {
	return Event{
		ProviderEventID: id,
		Type:            "invoice.payment_succeeded",
		CustomerID:      "cus_123",
	}
}

func TestLedgerIngest(t *testing.T) {
	ledger, applier, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.False(t, res.Idempotent)
	assert.Equal(t, 1, applier.callCount())

	status, err := ledger.EventStatus(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", status)
}

func TestLedgerDuplicateDelivery(t *testing.T) {
	ledger, applier, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := ledger.Ingest(ctx, testEvent("evt_1"))
		require.NoError(t, err)
		assert.False(t, res.Processed)
		assert.True(t, res.Idempotent)
	}

	assert.Equal(t, 1, applier.callCount(), "the business effect happens exactly once")

	count, err := ledger.CountEvents(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLedgerConcurrentDuplicates(t *testing.T) {
	ledger, applier, _ := newTestLedger(t)
	ctx := context.Background()

	const deliveries = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	processed := 0

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Ingest(ctx, testEvent("evt_race"))
			if err != nil {
				return
			}
			if res.Processed {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, processed, "exactly one racing delivery may win")
	assert.Equal(t, 1, applier.callCount())

	count, err := ledger.CountEvents(ctx, "evt_race")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLedgerDistinctEventsAllProcess(t *testing.T) {
	ledger, applier, _ := newTestLedger(t)
	ctx := context.Background()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		res, err := ledger.Ingest(ctx, testEvent(id))
		require.NoError(t, err)
		assert.True(t, res.Processed)
	}
	assert.Equal(t, 3, applier.callCount())
}

func TestLedgerMissingEventID(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.Ingest(context.Background(), Event{Type: "x", CustomerID: "c"})
	assert.Error(t, err)
}

func TestLedgerApplyFailure(t *testing.T) {
	ledger, applier, _ := newTestLedger(t)
	ctx := context.Background()
	applier.setErr(errors.New("downstream unavailable"))

	res, err := ledger.Ingest(ctx, testEvent("evt_fail"))
	require.Error(t, err)
	assert.False(t, res.Processed)
	assert.False(t, res.Idempotent)

	status, err := ledger.EventStatus(ctx, "evt_fail")
	require.NoError(t, err)
	assert.Equal(t, "failed", status)

	// A provider redelivery of a failed event is still a duplicate. Recovery
	// belongs to the reconciliation sweep, not the delivery path.
	res, err = ledger.Ingest(ctx, testEvent("evt_fail"))
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, 1, applier.callCount())
}

func TestLedgerRetryFailed(t *testing.T) {
	ledger, applier, _ := newTestLedger(t)
	ctx := context.Background()

	applier.setErr(errors.New("downstream unavailable"))
	_, err := ledger.Ingest(ctx, testEvent("evt_retry"))
	require.Error(t, err)

	applier.setErr(nil)
	recovered, err := ledger.RetryFailed(ctx, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	status, err := ledger.EventStatus(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, "completed", status)
}

func TestLedgerRetryPreservesEventPayload(t *testing.T) {
	ledger, applier, _ := newTestLedger(t)
	ctx := context.Background()

	cancellation := Event{
		ProviderEventID:    "evt_cancel",
		Type:               "customer.subscription.updated",
		CustomerID:         "cus_123",
		SubscriptionStatus: "canceled",
		PeriodStart:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:          time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	applier.setErr(errors.New("downstream unavailable"))
	_, err := ledger.Ingest(ctx, cancellation)
	require.Error(t, err)

	applier.setErr(nil)
	recovered, err := ledger.RetryFailed(ctx, 5, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), recovered)

	// The re-applied event must carry the original payload. A retry that
	// loses the subscription status would turn a cancellation into an
	// activation.
	got := applier.lastApplied()
	assert.Equal(t, "canceled", got.SubscriptionStatus)
	assert.True(t, got.PeriodStart.Equal(cancellation.PeriodStart))
	assert.True(t, got.PeriodEnd.Equal(cancellation.PeriodEnd))
}

func TestLedgerRetryBudgetExhausted(t *testing.T) {
	ledger, applier, database := newTestLedger(t)
	ctx := context.Background()

	applier.setErr(errors.New("permanently broken"))
	_, err := ledger.Ingest(ctx, testEvent("evt_doomed"))
	require.Error(t, err)

	// Burn through the retry budget.
	for i := 0; i < 3; i++ {
		_, err := ledger.RetryFailed(ctx, 2, 100)
		require.NoError(t, err)
	}

	var retries int
	require.NoError(t, database.QueryRowContext(ctx,
		"SELECT retry_count FROM webhook_events WHERE provider_event_id = ?;", "evt_doomed").Scan(&retries))
	assert.Greater(t, retries, 2)

	before := applier.callCount()
	_, err = ledger.RetryFailed(ctx, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, before, applier.callCount(), "over-budget events are left alone")
}

func TestLedgerRequeueStale(t *testing.T) {
	ledger, applier, database := newTestLedger(t)
	ctx := context.Background()

	// A crash between claim and completion strands the row in 'processing'.
	staleMs := time.Now().Add(-time.Hour).UTC().UnixMilli()
	_, err := database.ExecContext(ctx, `
INSERT INTO webhook_events
  (id, provider_event_id, event_type, status, customer_id, subscription_status, created_at_ms, updated_at_ms)
VALUES (?, 'evt_stranded', 'customer.subscription.updated', 'processing', 'cus_123', 'canceled', ?, ?);`,
		uuid.NewString(), staleMs, staleMs)
	require.NoError(t, err)

	n, err := ledger.RequeueStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	status, err := ledger.EventStatus(ctx, "evt_stranded")
	require.NoError(t, err)
	assert.Equal(t, "failed", status)

	// The next retry pass recovers it with the original payload intact.
	recovered, err := ledger.RetryFailed(ctx, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)
	assert.Equal(t, "canceled", applier.lastApplied().SubscriptionStatus)
}

func TestLedgerRequeueStaleIgnoresFreshRows(t *testing.T) {
	ledger, _, database := newTestLedger(t)
	ctx := context.Background()

	nowMs := time.Now().UTC().UnixMilli()
	_, err := database.ExecContext(ctx, `
INSERT INTO webhook_events (id, provider_event_id, event_type, status, customer_id, created_at_ms, updated_at_ms)
VALUES (?, 'evt_in_flight', 'invoice.payment_succeeded', 'processing', 'cus_123', ?, ?);`,
		uuid.NewString(), nowMs, nowMs)
	require.NoError(t, err)

	n, err := ledger.RequeueStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "rows still inside the window are presumed in flight")
}
