package license

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Radot1/POSPal-sub001/internal/security"
)

// Cache persists the last known license record as a single encrypted blob on
// disk. The encryption key is derived from the current hardware fingerprint,
// so a copied cache file is unreadable on a different machine. Writers are
// serialized with a mutex; the atomic temp+rename write means readers never
// observe a half-written file.
type Cache struct {
	path         string
	fingerprints *security.FingerprintGenerator
	logger       *slog.Logger
	mu           sync.Mutex
}

// NewCache creates a cache bound to the given file path.
func NewCache(path string, fingerprints *security.FingerprintGenerator, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		path:         path,
		fingerprints: fingerprints,
		logger:       logger.With(slog.String("component", "license_cache")),
	}
}

// Read loads and decrypts the cached record. A missing file returns
// (nil, nil). A corrupted or undecryptable file returns
// (nil, ErrCacheCorrupted); callers treat both as a cache miss. Reading never
// refreshes LastValidated — only a genuine validation outcome does.
func (c *Cache) Read() (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		c.logger.Warn("cache file unreadable",
			slog.String("path", c.path),
			slog.String("error", err.Error()))
		return nil, ErrCacheCorrupted
	}

	fp := c.fingerprints.Generate()
	plaintext, err := security.DecryptBlob(blob, fp.Digest)
	if err != nil {
		c.logger.Warn("cache file undecryptable, treating as miss",
			slog.String("path", c.path),
			slog.String("fingerprint", security.MaskDigest(fp.Digest)))
		return nil, ErrCacheCorrupted
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		c.logger.Warn("cache payload malformed, treating as miss",
			slog.String("error", err.Error()))
		return nil, ErrCacheCorrupted
	}

	return &rec, nil
}

// Write encrypts and persists the record atomically: write-to-temp then
// rename-over, so a crash mid-write never yields a corrupted file.
func (c *Cache) Write(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal license record: %w", err)
	}

	fp := c.fingerprints.Generate()
	blob, err := security.EncryptBlob(plaintext, fp.Digest)
	if err != nil {
		return fmt.Errorf("failed to encrypt license record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".license-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	c.logger.Debug("license cache written",
		slog.String("path", c.path),
		slog.String("status", rec.Status.String()),
		slog.Time("last_validated", rec.LastValidated))

	return nil
}

// Invalidate removes the cache file. Missing file is not an error.
func (c *Cache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	c.logger.Info("license cache invalidated", slog.String("path", c.path))
	return nil
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}
