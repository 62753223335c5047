package license

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Radot1/POSPal-sub001/internal/config"
	"github.com/Radot1/POSPal-sub001/internal/security"
)

type fakeCloud struct {
	mu    sync.Mutex
	calls int
	resp  ValidateResponse
	err   error
}

func (f *fakeCloud) Validate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func (f *fakeCloud) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCloud) set(resp ValidateResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = resp
	f.err = err
}

type managerFixture struct {
	manager      *Manager
	cloud        *fakeCloud
	cache        *Cache
	breaker      *Breaker
	fingerprints *security.FingerprintGenerator
	legacyPath   string
	clock        time.Time
}

func (f *managerFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.LicenseConfig{
		CustomerToken:    "tok_test",
		CacheFile:        filepath.Join(dir, "license.dat"),
		LegacyFile:       filepath.Join(dir, "license.json"),
		CacheTTL:         5 * time.Minute,
		RefreshInterval:  10 * time.Minute,
		RequestTimeout:   time.Second,
		GraceWindowDays:  10,
		GraceWarningDays: 3,
		TrialDays:        30,
		BreakerThreshold: 3,
		BreakerCooldown:  2 * time.Minute,
	}

	fingerprints := security.NewFingerprintGenerator(nil)
	cache := NewCache(cfg.CacheFile, fingerprints, nil)
	breaker := NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, nil)
	migrator := NewMigrator(cfg.LegacyFile, cache, fingerprints, nil)
	cloud := &fakeCloud{}

	fixture := &managerFixture{
		cloud:        cloud,
		cache:        cache,
		breaker:      breaker,
		fingerprints: fingerprints,
		legacyPath:   cfg.LegacyFile,
		clock:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	manager := NewManager(cfg, cache, fingerprints, breaker, migrator, cloud, nil, nil)
	manager.now = func() time.Time { return fixture.clock }
	fixture.manager = manager
	return fixture
}

func activeResponse() ValidateResponse {
	return ValidateResponse{
		Licensed:           true,
		Active:             true,
		SubscriptionStatus: "active",
		CustomerID:         "cus_123",
		ValidUntil:         time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestManagerFreshInstallValidatesRemotely(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(activeResponse(), nil)

	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, SourceCloud, res.Source)
	assert.Equal(t, 1, f.cloud.callCount())

	rec, err := f.cache.Read()
	require.NoError(t, err)
	require.NotNil(t, rec, "a successful validation must be persisted")
	assert.Equal(t, "cus_123", rec.CustomerID)
	assert.Equal(t, f.fingerprints.Generate().Digest, rec.Fingerprint)
	assert.True(t, rec.LastValidated.Equal(f.clock),
		"the validation anchor is set to the validation time")
}

func TestManagerFreshCacheSkipsNetwork(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(activeResponse(), nil)

	f.manager.Evaluate(context.Background())
	require.Equal(t, 1, f.cloud.callCount())

	f.advance(time.Minute)
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 1, f.cloud.callCount(), "a fresh cache answers without the network")
}

func TestManagerStaleCacheRevalidates(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(activeResponse(), nil)

	f.manager.Evaluate(context.Background())
	f.advance(6 * time.Minute)
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, SourceCloud, res.Source)
	assert.Equal(t, 2, f.cloud.callCount())
}

func TestManagerOfflineGrace(t *testing.T) {
	tests := []struct {
		name      string
		offline   time.Duration
		wantState State
		wantDays  int
	}{
		{"three days offline", 3 * 24 * time.Hour, StateGracePeriod, 7},
		{"eight days offline warns", 8 * 24 * time.Hour, StateGracePeriod, 2},
		{"eleven days offline blocks", 11 * 24 * time.Hour, StateExpired, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			f.cloud.set(activeResponse(), nil)
			f.manager.Evaluate(context.Background())

			f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))
			f.advance(tt.offline)
			res := f.manager.Evaluate(context.Background())

			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, SourceCache, res.Source)
			assert.Equal(t, tt.wantDays, res.DaysRemaining)
		})
	}
}

func TestManagerRecoveryFromGrace(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(activeResponse(), nil)
	f.manager.Evaluate(context.Background())

	f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))
	f.advance(4 * 24 * time.Hour)
	require.Equal(t, StateGracePeriod, f.manager.Evaluate(context.Background()).State)

	f.cloud.set(activeResponse(), nil)
	f.advance(time.Hour)
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, SourceCloud, res.Source)

	rec, err := f.cache.Read()
	require.NoError(t, err)
	assert.True(t, rec.LastValidated.Equal(f.clock), "recovery resets the grace anchor")
}

func TestManagerMachineMismatchIsTerminal(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(activeResponse(), nil)
	f.manager.Evaluate(context.Background())

	mismatch := activeResponse()
	mismatch.MachineMismatch = true
	f.cloud.set(mismatch, nil)
	f.advance(6 * time.Minute)
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateInvalid, res.State)
	assert.True(t, res.State.Blocking())

	rec, err := f.cache.Read()
	assert.NoError(t, err)
	assert.Nil(t, rec, "the cache is invalidated on a confirmed mismatch")

	// Outage after the mismatch: no offline fallback may clear Invalid.
	f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))
	f.advance(time.Minute)
	res = f.manager.Evaluate(context.Background())
	assert.Equal(t, StateInvalid, res.State)
}

func TestManagerMismatchClearedByFreshValidation(t *testing.T) {
	f := newManagerFixture(t)

	mismatch := activeResponse()
	mismatch.MachineMismatch = true
	f.cloud.set(mismatch, nil)
	require.Equal(t, StateInvalid, f.manager.Evaluate(context.Background()).State)

	f.cloud.set(activeResponse(), nil)
	f.advance(time.Minute)
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateActive, res.State,
		"a fresh authoritative success is the only exit from Invalid")
}

func TestManagerRebindsAfterReinstall(t *testing.T) {
	f := newManagerFixture(t)

	// A record bound to different hardware forces a remote check instead of
	// being trusted or condemned locally.
	foreign := testRecord("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, f.cache.Write(foreign))

	f.cloud.set(activeResponse(), nil)
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, 1, f.cloud.callCount())

	rec, err := f.cache.Read()
	require.NoError(t, err)
	assert.Equal(t, f.fingerprints.Generate().Digest, rec.Fingerprint,
		"the record is rebound once the server approves this machine")
}

func TestManagerTrialLifecycle(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))

	res := f.manager.Evaluate(context.Background())
	assert.Equal(t, StateTrial, res.State)
	assert.Equal(t, SourceTrial, res.Source)
	assert.Equal(t, 30, res.DaysRemaining)

	rec, err := f.cache.Read()
	require.NoError(t, err)
	require.NotNil(t, rec, "the trial start is persisted")
	assert.True(t, rec.TrialStartedAt.Equal(f.clock))

	f.advance(10 * 24 * time.Hour)
	res = f.manager.Evaluate(context.Background())
	assert.Equal(t, StateTrial, res.State)
	assert.Equal(t, 20, res.DaysRemaining)

	f.advance(21 * 24 * time.Hour)
	res = f.manager.Evaluate(context.Background())
	assert.Equal(t, StateExpired, res.State, "the trial ends after its allotted days")
}

func TestManagerTrialSurvivesRestart(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))
	f.manager.Evaluate(context.Background())
	f.advance(5 * 24 * time.Hour)

	// A second manager over the same cache dir stands in for a process restart.
	restarted := NewManager(f.manager.cfg, f.cache, f.fingerprints,
		NewBreaker(3, 2*time.Minute, nil),
		NewMigrator(f.legacyPath, f.cache, f.fingerprints, nil),
		f.cloud, nil, nil)
	restarted.now = func() time.Time { return f.clock }

	res := restarted.Evaluate(context.Background())
	assert.Equal(t, StateTrial, res.State)
	assert.Equal(t, 25, res.DaysRemaining, "the trial clock does not reset on restart")
}

func TestManagerLegacyMigrationFallback(t *testing.T) {
	f := newManagerFixture(t)
	legacy := validLegacy()
	legacy.LastCheck = f.clock.Add(-2 * 24 * time.Hour).Format(time.RFC3339)
	writeLegacyFile(t, f.legacyPath, legacy)

	f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, StateGracePeriod, res.State,
		"a migrated active record falls under the grace window")
	assert.Equal(t, SourceLegacy, res.Source)
	assert.Equal(t, 8, res.DaysRemaining)

	rec, err := f.cache.Read()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "key_legacy", rec.Token)
}

func TestManagerUnknownCustomerExpires(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(ValidateResponse{Licensed: false, SubscriptionStatus: "unknown_customer"}, nil)

	res := f.manager.Evaluate(context.Background())
	assert.Equal(t, StateExpired, res.State, "an authoritative denial is not a trial")
}

func TestManagerBreakerShortCircuits(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(activeResponse(), nil)
	f.manager.Evaluate(context.Background())

	f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))
	for i := 0; i < 3; i++ {
		f.advance(6 * time.Minute)
		f.manager.Evaluate(context.Background())
	}
	require.Equal(t, BreakerOpen, f.manager.BreakerState())
	calls := f.cloud.callCount()

	f.advance(6 * time.Minute)
	res := f.manager.Evaluate(context.Background())

	assert.Equal(t, calls, f.cloud.callCount(), "an open breaker skips the network")
	assert.Equal(t, StateGracePeriod, res.State, "the grace window still answers")
}

func TestManagerActivate(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(activeResponse(), nil)

	res, err := f.manager.Activate(context.Background(), "tok_fresh")
	require.NoError(t, err)
	assert.Equal(t, StateActive, res.State)

	rec, err := f.cache.Read()
	require.NoError(t, err)
	assert.Equal(t, "tok_fresh", rec.Token, "activation stores the entered token")
}

func TestManagerActivateNetworkFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.cloud.set(ValidateResponse{}, NetworkError("remote validation", context.DeadlineExceeded))

	_, err := f.manager.Activate(context.Background(), "tok_fresh")
	assert.True(t, IsNetworkError(err))
	assert.Equal(t, StateTrial, f.manager.CurrentState(), "a failed activation changes nothing")
}

func TestManagerOnChangeFiresOnTransition(t *testing.T) {
	f := newManagerFixture(t)

	var mu sync.Mutex
	var transitions []State
	f.manager.SetOnChange(func(res Resolution) {
		mu.Lock()
		transitions = append(transitions, res.State)
		mu.Unlock()
	})

	f.cloud.set(activeResponse(), nil)
	f.manager.Evaluate(context.Background())

	f.advance(time.Minute)
	f.manager.Evaluate(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateActive}, transitions,
		"the callback fires on transitions only, not on every evaluation")
}

func TestManagerCurrentStateNeverBlocks(t *testing.T) {
	f := newManagerFixture(t)
	assert.Equal(t, StateTrial, f.manager.CurrentState(),
		"before the first evaluation the daemon reports the startup default")
	assert.Equal(t, 0, f.cloud.callCount(), "reading state performs no I/O")
}
