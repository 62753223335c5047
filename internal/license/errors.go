package license

import (
	"errors"
	"fmt"
)

// Error taxonomy for the validation engine. Local failures always degrade to
// a functional state; only authoritative denial or an exhausted grace window
// surfaces as a blocking condition.
var (
	// ErrNetwork marks timeouts and transport failures. It feeds the circuit
	// breaker and is never interpreted as "unlicensed".
	ErrNetwork = errors.New("license server unreachable")

	// ErrCacheCorrupted marks an unreadable or undecryptable cache file.
	// Treated as a cache miss, forcing the fallback chain.
	ErrCacheCorrupted = errors.New("license cache corrupted or unreadable")

	// ErrHardwareMismatch marks a cached record bound to a different
	// fingerprint. It forces remote re-validation; it escalates to Invalid
	// only when the server confirms a different authorized machine.
	ErrHardwareMismatch = errors.New("cached record bound to a different machine")

	// ErrGracePeriodExceeded is enforcement-visible: the offline allowance
	// has run out. Recoverable by any successful validation.
	ErrGracePeriodExceeded = errors.New("offline grace period exceeded")

	// ErrNoLicense means no cache, no legacy record, and no reachable server.
	ErrNoLicense = errors.New("no license information available")
)

// NetworkError wraps a transport-level failure with the operation that hit it.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
}

// IsNetworkError reports whether err is a transport failure that should count
// against the circuit breaker.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}
