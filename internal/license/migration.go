package license

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Radot1/POSPal-sub001/internal/security"
)

// legacyFingerprintLength is the short, differently-derived machine id the
// pre-unification format carried. Its presence is how legacy files are told
// apart from anything newer.
const legacyFingerprintLength = 16

// legacyRecord is the pre-unification on-disk shape: plaintext JSON next to
// the executable.
type legacyRecord struct {
	CustomerID string `json:"customer"`
	LicenseKey string `json:"license_key"`
	MachineID  string `json:"machine_id"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
	LastCheck  string `json:"last_check"`
}

// Migrator upgrades a legacy license file into the unified encrypted cache
// without discarding a still-valid entitlement. It backs up the legacy file
// before converting and can roll the migration back if the converted record
// fails sanity checks. Running it against an already-migrated installation is
// a no-op.
type Migrator struct {
	legacyPath   string
	cache        *Cache
	fingerprints *security.FingerprintGenerator
	logger       *slog.Logger
	now          func() time.Time
}

// NewMigrator creates a migrator for the given legacy file path.
func NewMigrator(legacyPath string, cache *Cache, fingerprints *security.FingerprintGenerator, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		legacyPath:   legacyPath,
		cache:        cache,
		fingerprints: fingerprints,
		logger:       logger.With(slog.String("component", "migration")),
		now:          time.Now,
	}
}

// Detect reports whether a legacy-format license file is present. The legacy
// format is distinguished by its short machine id.
func (m *Migrator) Detect() bool {
	data, err := os.ReadFile(m.legacyPath)
	if err != nil {
		return false
	}
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return false
	}
	return len(legacy.MachineID) == legacyFingerprintLength && legacy.LicenseKey != ""
}

// Migrate converts a detected legacy file into the unified cache format.
// Returns the migrated record, or (nil, nil) when there is nothing to do.
// If the cache already holds a unified record the call is a no-op: no file
// changes, no backup.
func (m *Migrator) Migrate() (*Record, error) {
	if rec, err := m.cache.Read(); err == nil && rec != nil {
		m.logger.Debug("cache already in unified format, migration skipped")
		return rec, nil
	}

	if !m.Detect() {
		return nil, nil
	}

	data, err := os.ReadFile(m.legacyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy license file: %w", err)
	}
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy license file: %w", err)
	}

	// Backup before touching anything, so rollback is always possible.
	backupPath := m.legacyPath + ".bak"
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write migration backup: %w", err)
	}

	rec := m.convert(legacy)

	if err := m.sanityCheck(rec); err != nil {
		m.logger.Error("converted record failed sanity check, rolling back",
			slog.String("error", err.Error()))
		if rbErr := m.Rollback(); rbErr != nil {
			return nil, fmt.Errorf("sanity check failed (%v) and rollback failed: %w", err, rbErr)
		}
		return nil, fmt.Errorf("migration sanity check failed: %w", err)
	}

	if err := m.cache.Write(rec); err != nil {
		if rbErr := m.Rollback(); rbErr != nil {
			return nil, fmt.Errorf("cache write failed (%v) and rollback failed: %w", err, rbErr)
		}
		return nil, fmt.Errorf("failed to write migrated record: %w", err)
	}

	// Retire the legacy file so the next run detects nothing. The backup
	// stays behind for rollback.
	if err := os.Rename(m.legacyPath, m.legacyPath+".migrated"); err != nil {
		m.logger.Warn("failed to retire legacy license file",
			slog.String("error", err.Error()))
	}

	m.logger.Info("legacy license migrated to unified format",
		slog.String("customer_id", legacy.CustomerID),
		slog.String("status", rec.Status.String()))

	return &rec, nil
}

// Rollback restores the pre-migration legacy file from its backup and
// removes the converted cache entry.
func (m *Migrator) Rollback() error {
	backupPath := m.legacyPath + ".bak"
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("migration backup unavailable: %w", err)
	}
	if err := os.WriteFile(m.legacyPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to restore legacy license file: %w", err)
	}
	os.Remove(m.legacyPath + ".migrated")
	if err := m.cache.Invalidate(); err != nil {
		return fmt.Errorf("failed to drop migrated cache entry: %w", err)
	}
	m.logger.Info("migration rolled back", slog.String("legacy_path", m.legacyPath))
	return nil
}

// convert rebuilds the legacy record in the unified shape. The legacy machine
// id cannot be compared with the current fingerprint algorithm, so the record
// is rebound to this machine; the next remote validation settles ownership.
func (m *Migrator) convert(legacy legacyRecord) Record {
	fp := m.fingerprints.Generate()

	rec := Record{
		CustomerID:  legacy.CustomerID,
		Token:       legacy.LicenseKey,
		Fingerprint: fp.Digest,
		Status:      mapLegacyStatus(legacy.Status),
	}

	if t, err := time.Parse("2006-01-02", legacy.ExpiresAt); err == nil {
		rec.ValidUntil = t
	}
	if t, err := time.Parse(time.RFC3339, legacy.LastCheck); err == nil {
		rec.LastValidated = t
	} else {
		rec.LastValidated = m.now()
	}

	return rec
}

func (m *Migrator) sanityCheck(rec Record) error {
	if len(rec.Fingerprint) != security.FingerprintLength {
		return fmt.Errorf("fingerprint has unexpected length %d", len(rec.Fingerprint))
	}
	if rec.Token == "" {
		return fmt.Errorf("record has no subscription token")
	}
	if rec.Status == "" {
		return fmt.Errorf("record has no status")
	}
	return nil
}

func mapLegacyStatus(status string) State {
	switch status {
	case "active", "valid", "licensed":
		return StateActive
	case "trial":
		return StateTrial
	default:
		return StateExpired
	}
}
