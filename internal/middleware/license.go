package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apierrors "github.com/Radot1/POSPal-sub001/internal/errors"
	"github.com/Radot1/POSPal-sub001/internal/license"
)

// StateReader is the narrow enforcement surface the gate consumes. It must
// be synchronous and free of network side effects.
type StateReader interface {
	CurrentState() license.State
}

// LicenseGate blocks gated operations (printing, order taking) when the
// resolved license state is blocking. The check reads the last resolution
// kept current by the background refresh — it never waits on the network.
type LicenseGate struct {
	reader          StateReader
	logger          *slog.Logger
	excludePaths    map[string]bool
	excludePrefixes []string
}

// NewLicenseGate creates the gate middleware. Status, activation, health,
// and the websocket surface stay reachable so an expired installation can
// still recover.
func NewLicenseGate(reader StateReader, logger *slog.Logger) *LicenseGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseGate{
		reader: reader,
		logger: logger.With(slog.String("component", "license_gate")),
		excludePaths: map[string]bool{
			"/":            true,
			"/healthz":     true,
			"/ws":          true,
			"/metrics":     true,
			"/favicon.ico": true,
		},
		excludePrefixes: []string{
			"/api/license/",
			"/static/",
		},
	}
}

func (g *LicenseGate) excluded(path string) bool {
	if g.excludePaths[path] {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware is the chi-compatible enforcement middleware.
func (g *LicenseGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		state := g.reader.CurrentState()
		if state.Blocking() {
			g.logger.Warn("request blocked by license state",
				slog.String("path", r.URL.Path),
				slog.String("state", state.String()))
			if state == license.StateInvalid {
				render.Render(w, r, apierrors.ErrMachineMismatch)
			} else {
				render.Render(w, r, apierrors.ErrLicenseExpired)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}
