package license

import (
	"time"
)

// State is the resolved license posture for this installation. Exactly one
// value holds at any time.
type State string

const (
	StateTrial       State = "trial"
	StateActive      State = "active"
	StateGracePeriod State = "grace_period"
	StateExpired     State = "expired"
	// StateInvalid is reserved for an authoritative "different machine"
	// answer or unrecoverable cache corruption. It is terminal until a fresh
	// remote validation succeeds.
	StateInvalid State = "invalid"
)

// Blocking reports whether enforcement gates (printing, order taking) must
// refuse operations in this state.
func (s State) Blocking() bool {
	return s == StateExpired || s == StateInvalid
}

func (s State) String() string {
	return string(s)
}

// Source identifies which step of the fallback chain produced a resolution.
type Source string

const (
	SourceCloud  Source = "cloud"
	SourceCache  Source = "cache"
	SourceLegacy Source = "legacy"
	SourceTrial  Source = "trial"
)

// Record is the cached license state persisted by the encrypted cache. It is
// mutated only by the orchestrator after a genuine validation outcome and is
// replaced atomically on write.
type Record struct {
	CustomerID     string    `json:"customer_id"`
	Token          string    `json:"token"`
	Fingerprint    string    `json:"fingerprint"`
	Status         State     `json:"status"`
	ValidUntil     time.Time `json:"valid_until"`
	LastValidated  time.Time `json:"last_validated"`
	TrialStartedAt time.Time `json:"trial_started_at,omitempty"`
}

// Resolution is the orchestrator's answer to "may this installation
// operate". Enforcement reads the last resolution; it never triggers I/O.
type Resolution struct {
	State         State     `json:"state"`
	Source        Source    `json:"source"`
	DaysRemaining int       `json:"days_remaining"`
	ResolvedAt    time.Time `json:"resolved_at"`
	Message       string    `json:"message,omitempty"`
}

// Attempt records one validation attempt for diagnosis. Ephemeral, never
// authoritative.
type Attempt struct {
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Outcome   string    `json:"outcome"`
}
