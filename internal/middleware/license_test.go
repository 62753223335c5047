package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Radot1/POSPal-sub001/internal/license"
)

type staticState license.State

func (s staticState) CurrentState() license.State {
	return license.State(s)
}

func gatedRequest(t *testing.T, state license.State, path string) *httptest.ResponseRecorder {
	t.Helper()
	gate := NewLicenseGate(staticState(state), nil)
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
	return rr
}

func TestLicenseGateByState(t *testing.T) {
	tests := []struct {
		state      license.State
		wantStatus int
	}{
		{license.StateActive, http.StatusOK},
		{license.StateTrial, http.StatusOK},
		{license.StateGracePeriod, http.StatusOK},
		{license.StateExpired, http.StatusForbidden},
		{license.StateInvalid, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			rr := gatedRequest(t, tt.state, "/api/orders")
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestLicenseGateExcludedPaths(t *testing.T) {
	// Even a blocked installation must be able to check status, activate, and
	// stay observable.
	paths := []string{
		"/healthz",
		"/metrics",
		"/ws",
		"/api/license/status",
		"/api/license/activate",
		"/static/app.css",
	}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rr := gatedRequest(t, license.StateExpired, path)
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}
}

func TestLicenseGateErrorCodes(t *testing.T) {
	t.Run("expired explains renewal", func(t *testing.T) {
		rr := gatedRequest(t, license.StateExpired, "/api/orders")
		assert.Contains(t, rr.Body.String(), "LICENSE_EXPIRED")
	})

	t.Run("invalid explains machine binding", func(t *testing.T) {
		rr := gatedRequest(t, license.StateInvalid, "/api/orders")
		assert.Contains(t, rr.Body.String(), "MACHINE_MISMATCH")
	})
}
