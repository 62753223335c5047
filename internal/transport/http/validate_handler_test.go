package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Radot1/POSPal-sub001/internal/db"
	"github.com/Radot1/POSPal-sub001/internal/ledger"
	"github.com/Radot1/POSPal-sub001/internal/subscription"
)

func validFingerprint(fill string) string {
	return strings.Repeat(fill, 64)
}

func newValidateFixture(t *testing.T) (*ValidateHandler, *subscription.Authority) {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	authority := subscription.NewAuthority(database, discardLogger())
	return NewValidateHandler(authority, discardLogger()), authority
}

func seedSubscription(t *testing.T, authority *subscription.Authority, customerID, eventType string) {
	t.Helper()
	require.NoError(t, authority.Apply(context.Background(), ledger.Event{
		ProviderEventID: "evt_seed_" + customerID,
		Type:            eventType,
		CustomerID:      customerID,
		PeriodEnd:       time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func postValidate(t *testing.T, handler *ValidateHandler, token, fingerprint string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"hardware_fingerprint":%q,"customer_token":%q}`, fingerprint, token)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

func decodeValidate(t *testing.T, rr *httptest.ResponseRecorder) ValidateResponse {
	t.Helper()
	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestValidateHandlerActiveCustomer(t *testing.T) {
	handler, authority := newValidateFixture(t)
	seedSubscription(t, authority, "cus_123", "invoice.payment_succeeded")

	rr := postValidate(t, handler, "cus_123", validFingerprint("a"))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeValidate(t, rr)
	assert.True(t, resp.Licensed)
	assert.True(t, resp.Active)
	assert.Equal(t, subscription.StatusActive, resp.SubscriptionStatus)
	assert.False(t, resp.MachineMismatch)
	assert.Equal(t, "cus_123", resp.CustomerID)
}

func TestValidateHandlerUnknownCustomer(t *testing.T) {
	handler, _ := newValidateFixture(t)

	rr := postValidate(t, handler, "cus_ghost", validFingerprint("a"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestValidateHandlerRegistersFirstMachine(t *testing.T) {
	handler, authority := newValidateFixture(t)
	seedSubscription(t, authority, "cus_123", "invoice.payment_succeeded")

	rr := postValidate(t, handler, "cus_123", validFingerprint("a"))
	require.Equal(t, http.StatusOK, rr.Code)

	sub, err := authority.Get(context.Background(), "cus_123")
	require.NoError(t, err)
	assert.Equal(t, validFingerprint("a"), sub.MachineFingerprint,
		"the first validating machine is registered")
}

func TestValidateHandlerReportsMachineMismatch(t *testing.T) {
	handler, authority := newValidateFixture(t)
	seedSubscription(t, authority, "cus_123", "invoice.payment_succeeded")

	require.Equal(t, http.StatusOK, postValidate(t, handler, "cus_123", validFingerprint("a")).Code)

	rr := postValidate(t, handler, "cus_123", validFingerprint("b"))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeValidate(t, rr)
	assert.True(t, resp.MachineMismatch)

	sub, err := authority.Get(context.Background(), "cus_123")
	require.NoError(t, err)
	assert.Equal(t, validFingerprint("a"), sub.MachineFingerprint,
		"a mismatching machine never steals the registration")
}

func TestValidateHandlerCanceledCustomer(t *testing.T) {
	handler, authority := newValidateFixture(t)
	seedSubscription(t, authority, "cus_123", "customer.subscription.deleted")

	rr := postValidate(t, handler, "cus_123", validFingerprint("a"))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeValidate(t, rr)
	assert.False(t, resp.Licensed)
	assert.False(t, resp.Active)
	assert.Equal(t, subscription.StatusCanceled, resp.SubscriptionStatus)
}

func TestValidateHandlerRequestValidation(t *testing.T) {
	handler, _ := newValidateFixture(t)

	tests := []struct {
		name        string
		token       string
		fingerprint string
	}{
		{"fingerprint too short", "cus_123", "abc123"},
		{"fingerprint not hex", "cus_123", strings.Repeat("z", 64)},
		{"missing token", "", validFingerprint("a")},
		{"token too short", "ab", validFingerprint("a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postValidate(t, handler, tt.token, tt.fingerprint)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}
