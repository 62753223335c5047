package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Radot1/POSPal-sub001/internal/config"
	"github.com/Radot1/POSPal-sub001/internal/security"
)

// attemptRingSize bounds the diagnostic attempt history.
const attemptRingSize = 32

// Manager is the validation flow orchestrator: the single state machine that
// replaces the historical tangle of competing license checks. It sequences
// Cloud → Cache → Legacy → Trial with cloud-first priority, owns the one
// LicenseState the rest of the application reads, and keeps it current from
// a background refresh loop so enforcement checks never block on network I/O.
type Manager struct {
	cfg          config.LicenseConfig
	cache        *Cache
	fingerprints *security.FingerprintGenerator
	breaker      *Breaker
	migrator     *Migrator
	cloud        CloudValidator
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time

	mu       sync.RWMutex
	current  Resolution
	attempts []Attempt
	onChange func(Resolution)

	// evalMu serializes full evaluations so the background refresh and an
	// on-demand refresh cannot interleave cache writes.
	evalMu sync.Mutex
}

// NewManager wires the orchestrator from its collaborators.
func NewManager(
	cfg config.LicenseConfig,
	cache *Cache,
	fingerprints *security.FingerprintGenerator,
	breaker *Breaker,
	migrator *Migrator,
	cloud CloudValidator,
	metrics *Metrics,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		cache:        cache,
		fingerprints: fingerprints,
		breaker:      breaker,
		migrator:     migrator,
		cloud:        cloud,
		metrics:      metrics,
		logger:       logger.With(slog.String("component", "license_manager")),
		now:          time.Now,
		current: Resolution{
			State:  StateTrial,
			Source: SourceTrial,
		},
	}
}

// SetOnChange registers a callback invoked whenever the resolved state
// transitions. Used by the status hub to push updates to the UI.
func (m *Manager) SetOnChange(fn func(Resolution)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// CurrentState returns the last resolved state without any I/O. This is the
// enforcement query surface consumed by the printing and ordering gates.
func (m *Manager) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.State
}

// Current returns the full last resolution.
func (m *Manager) Current() Resolution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Attempts returns a copy of the recent validation attempt history.
func (m *Manager) Attempts() []Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Attempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// BreakerState exposes the network breaker position for diagnostics.
func (m *Manager) BreakerState() BreakerState {
	return m.breaker.State()
}

// Fingerprint exposes the current machine fingerprint for diagnostics.
func (m *Manager) Fingerprint() security.Fingerprint {
	return m.fingerprints.Generate()
}

// Run drives the background refresh loop. It evaluates once immediately,
// then on every tick, until the context is cancelled. An in-flight remote
// call at shutdown is abandoned without writing partial state; the next
// startup re-evaluates from a clean cache read.
func (m *Manager) Run(ctx context.Context) {
	m.Evaluate(ctx)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("background refresh stopped")
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate executes the full decision chain and updates the owned state.
func (m *Manager) Evaluate(ctx context.Context) Resolution {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()

	start := m.now()
	rec, cacheErr := m.cache.Read()
	if cacheErr != nil {
		m.metrics.RecordCacheCorruption(ctx)
	}
	fp := m.fingerprints.Generate()

	var res Resolution
	if rec != nil && rec.Fingerprint == fp.Digest && m.now().Sub(rec.LastValidated) < m.cfg.CacheTTL {
		// Fresh cache bound to this machine: answer without a network call.
		res = m.resolveFromRecord(*rec, SourceCache)
		m.recordAttempt(SourceCache, "fresh")
	} else {
		res = m.evaluateSlow(ctx, rec, fp)
	}

	res.ResolvedAt = m.now()
	m.setCurrent(res)
	m.metrics.RecordEvaluation(ctx, res.Source, res.State, m.now().Sub(start))

	m.logger.Info("license evaluated",
		slog.String("state", res.State.String()),
		slog.String("source", string(res.Source)),
		slog.Int("days_remaining", res.DaysRemaining))

	return res
}

// Activate performs a forced remote validation with the supplied customer
// token, bypassing cache freshness. Used when the operator enters or changes
// their subscription token.
func (m *Manager) Activate(ctx context.Context, token string) (Resolution, error) {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()

	fp := m.fingerprints.Generate()
	rec, _ := m.cache.Read()

	resp, err := m.cloud.Validate(ctx, ValidateRequest{
		HardwareFingerprint: fp.Digest,
		CustomerToken:       token,
	})
	if err != nil {
		if IsNetworkError(err) {
			m.breaker.RecordFailure()
		}
		m.recordAttempt(SourceCloud, "activation failed: "+err.Error())
		return m.Current(), err
	}
	m.breaker.RecordSuccess()

	res := m.applyCloudResult(ctx, rec, fp, token, resp)
	res.ResolvedAt = m.now()
	m.setCurrent(res)
	return res, nil
}

// evaluateSlow handles every path that cannot be answered from a fresh cache
// record: forced remote validation, grace fallback, legacy migration, trial.
func (m *Manager) evaluateSlow(ctx context.Context, rec *Record, fp security.Fingerprint) Resolution {
	mismatch := rec != nil && rec.Fingerprint != fp.Digest
	if mismatch {
		// Not automatically Invalid: a customer may legitimately reinstall.
		// Force a remote re-validation and let the server decide.
		m.logger.Warn("cached record bound to a different fingerprint, forcing remote validation",
			slog.String("cached", security.MaskDigest(rec.Fingerprint)),
			slog.String("current", security.MaskDigest(fp.Digest)))
	}

	if m.breaker.Allow() {
		token := m.cfg.CustomerToken
		if rec != nil && rec.Token != "" {
			token = rec.Token
		}

		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		resp, err := m.cloud.Validate(reqCtx, ValidateRequest{
			HardwareFingerprint: fp.Digest,
			CustomerToken:       token,
		})
		cancel()

		if err == nil {
			m.breaker.RecordSuccess()
			return m.applyCloudResult(ctx, rec, fp, token, resp)
		}
		if IsNetworkError(err) {
			wasOpen := m.breaker.State() == BreakerOpen
			m.breaker.RecordFailure()
			if !wasOpen && m.breaker.State() == BreakerOpen {
				m.metrics.RecordBreakerOpen(ctx)
			}
		}
		m.recordAttempt(SourceCloud, "failed: "+err.Error())
		m.logger.Warn("remote validation failed, falling back",
			slog.String("error", err.Error()),
			slog.String("breaker", string(m.breaker.State())))
	} else {
		m.recordAttempt(SourceCloud, "skipped: breaker "+string(m.breaker.State()))
	}

	// Invalid is terminal until a fresh remote validation succeeds; no
	// offline fallback may clear it.
	if m.Current().State == StateInvalid {
		return Resolution{
			State:   StateInvalid,
			Source:  SourceCache,
			Message: "subscription registered to a different machine",
		}
	}

	// Remote unavailable: lean on the cached record's validation anchor.
	if rec != nil && !mismatch {
		return m.resolveOffline(*rec)
	}

	// No usable cache: any legacy-format record is migrated and used.
	if legacy, err := m.migrator.Migrate(); err == nil && legacy != nil {
		m.recordAttempt(SourceLegacy, "migrated")
		res := m.resolveOffline(*legacy)
		res.Source = SourceLegacy
		return res
	} else if err != nil {
		m.logger.Warn("legacy migration failed", slog.String("error", err.Error()))
	}

	// First run with no server in reach: start (or resume) the local trial.
	return m.resolveTrial(rec, fp)
}

// applyCloudResult applies the cloud-first rule: the authoritative answer
// always overrides cache, legacy, and trial state.
func (m *Manager) applyCloudResult(ctx context.Context, rec *Record, fp security.Fingerprint, token string, resp *ValidateResponse) Resolution {
	if resp.MachineMismatch {
		// Explicit server confirmation of a different authorized machine is
		// the only path into Invalid.
		m.recordAttempt(SourceCloud, "machine_mismatch")
		if err := m.cache.Invalidate(); err != nil {
			m.logger.Warn("failed to invalidate cache after machine mismatch",
				slog.String("error", err.Error()))
		}
		return Resolution{
			State:   StateInvalid,
			Source:  SourceCloud,
			Message: "subscription registered to a different machine",
		}
	}

	now := m.now()
	newRec := Record{
		CustomerID:    resp.CustomerID,
		Token:         token,
		Fingerprint:   fp.Digest,
		Status:        stateFromCloud(resp),
		ValidUntil:    resp.ValidUntil,
		LastValidated: now,
	}
	if rec != nil {
		newRec.TrialStartedAt = rec.TrialStartedAt
		if newRec.CustomerID == "" {
			newRec.CustomerID = rec.CustomerID
		}
	}

	if err := m.cache.Write(newRec); err != nil {
		m.logger.Error("failed to persist validated record",
			slog.String("error", err.Error()))
	}

	m.recordAttempt(SourceCloud, "validated: "+string(newRec.Status))
	return m.resolveFromRecord(newRec, SourceCloud)
}

// resolveFromRecord derives the resolution for a record that is considered
// current (fresh cache hit or just-validated cloud result).
func (m *Manager) resolveFromRecord(rec Record, source Source) Resolution {
	now := m.now()

	switch rec.Status {
	case StateActive:
		days := 0
		if !rec.ValidUntil.IsZero() {
			days = int(rec.ValidUntil.Sub(now) / (24 * time.Hour))
			if days < 0 {
				days = 0
			}
		}
		return Resolution{State: StateActive, Source: source, DaysRemaining: days}
	case StateTrial:
		return m.resolveTrialRecord(rec, source)
	default:
		return Resolution{
			State:   StateExpired,
			Source:  source,
			Message: "subscription expired; renew to continue",
		}
	}
}

// resolveOffline derives the resolution for a record whose freshness has
// lapsed and whose re-validation is currently impossible: the grace window
// converts elapsed offline time into a posture.
func (m *Manager) resolveOffline(rec Record) Resolution {
	if rec.Status == StateTrial {
		// Trials are tracked locally and need no network anchor.
		return m.resolveTrialRecord(rec, SourceCache)
	}
	if rec.Status != StateActive {
		return Resolution{
			State:   StateExpired,
			Source:  SourceCache,
			Message: "subscription expired; renew to continue",
		}
	}

	grace := ComputeGrace(m.now(), rec.LastValidated, m.cfg.GraceWindowDays, m.cfg.GraceWarningDays)
	m.recordAttempt(SourceCache, "grace: "+string(grace.Posture))

	switch grace.Posture {
	case GraceExpired:
		return Resolution{
			State:   StateExpired,
			Source:  SourceCache,
			Message: ErrGracePeriodExceeded.Error(),
		}
	case GraceWarning:
		return Resolution{
			State:         StateGracePeriod,
			Source:        SourceCache,
			DaysRemaining: grace.DaysRemaining,
			Message:       "validation required soon; connect to the internet",
		}
	default:
		return Resolution{
			State:         StateGracePeriod,
			Source:        SourceCache,
			DaysRemaining: grace.DaysRemaining,
		}
	}
}

// resolveTrial starts a locally tracked trial when no record exists, or
// resumes the one carried in the record.
func (m *Manager) resolveTrial(rec *Record, fp security.Fingerprint) Resolution {
	now := m.now()

	if rec == nil {
		newRec := Record{
			Token:          m.cfg.CustomerToken,
			Fingerprint:    fp.Digest,
			Status:         StateTrial,
			TrialStartedAt: now,
		}
		if err := m.cache.Write(newRec); err != nil {
			m.logger.Error("failed to persist trial record",
				slog.String("error", err.Error()))
		}
		m.recordAttempt(SourceTrial, "started")
		return Resolution{
			State:         StateTrial,
			Source:        SourceTrial,
			DaysRemaining: m.cfg.TrialDays,
		}
	}

	return m.resolveTrialRecord(*rec, SourceTrial)
}

func (m *Manager) resolveTrialRecord(rec Record, source Source) Resolution {
	started := rec.TrialStartedAt
	if started.IsZero() {
		started = rec.LastValidated
	}
	elapsed := int(m.now().Sub(started) / (24 * time.Hour))
	remaining := m.cfg.TrialDays - elapsed

	if remaining <= 0 {
		return Resolution{
			State:   StateExpired,
			Source:  source,
			Message: "trial period ended; subscribe to continue",
		}
	}
	return Resolution{
		State:         StateTrial,
		Source:        source,
		DaysRemaining: remaining,
	}
}

func (m *Manager) setCurrent(res Resolution) {
	m.mu.Lock()
	previous := m.current.State
	m.current = res
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil && previous != res.State {
		onChange(res)
	}
}

func (m *Manager) recordAttempt(source Source, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, Attempt{
		Timestamp: m.now(),
		Source:    source,
		Outcome:   outcome,
	})
	if len(m.attempts) > attemptRingSize {
		m.attempts = m.attempts[len(m.attempts)-attemptRingSize:]
	}
}

func stateFromCloud(resp *ValidateResponse) State {
	switch {
	case resp.Licensed && resp.Active:
		return StateActive
	case resp.SubscriptionStatus == "trialing":
		return StateTrial
	default:
		return StateExpired
	}
}
