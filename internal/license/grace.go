package license

import (
	"time"
)

// GracePosture classifies how far into the offline allowance an installation
// is. Thresholds are monotonic: ample time is silent, approaching expiry is a
// non-blocking warning, past the window is an enforcement block.
type GracePosture string

const (
	GraceOK      GracePosture = "ok"
	GraceWarning GracePosture = "warning"
	GraceExpired GracePosture = "expired"
)

// GraceOutcome is the result of the grace period calculation. The calculator
// never blocks operation itself; the orchestrator maps its posture to
// GracePeriod or Expired.
type GraceOutcome struct {
	DaysRemaining int           `json:"days_remaining"`
	Posture       GracePosture  `json:"posture"`
	Elapsed       time.Duration `json:"elapsed"`
}

// ComputeGrace converts elapsed offline time into a license posture. Pure
// function of its inputs: days_remaining strictly decreases as now advances
// with lastValidated fixed, and the posture flips to expired exactly at the
// window boundary.
func ComputeGrace(now, lastValidated time.Time, windowDays, warningDays int) GraceOutcome {
	elapsed := now.Sub(lastValidated)
	if elapsed < 0 {
		// Clock moved backwards relative to the last validation. Treat as
		// zero elapsed; the next successful validation resets the anchor.
		elapsed = 0
	}

	elapsedDays := int(elapsed / (24 * time.Hour))
	remaining := windowDays - elapsedDays

	outcome := GraceOutcome{Elapsed: elapsed}

	switch {
	case elapsed >= time.Duration(windowDays)*24*time.Hour:
		outcome.DaysRemaining = 0
		outcome.Posture = GraceExpired
	case remaining <= warningDays:
		outcome.DaysRemaining = remaining
		outcome.Posture = GraceWarning
	default:
		outcome.DaysRemaining = remaining
		outcome.Posture = GraceOK
	}

	return outcome
}
