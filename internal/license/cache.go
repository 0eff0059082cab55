package license

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const settingsKeyLicense = "license_key"

// Cache holds the process-wide decoded license in memory, refreshed from Postgres on Load and updated in place by
// the renewal loop and the admin license-key update endpoint, mirroring the template's permission-cache shape of a
// mutex-guarded value plus a Postgres-backed source of truth.
type Cache struct {
	db *pgxpool.Pool

	mu      sync.RWMutex
	current *License
}

// NewCache constructs an empty Cache backed by db.
func NewCache(db *pgxpool.Pool) *Cache {
	return &Cache{db: db}
}

// Get returns the currently cached license, or nil if none is loaded.
func (c *Cache) Get() *License {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// set replaces the cached license.
func (c *Cache) set(lic *License) {
	c.mu.Lock()
	c.current = lic
	c.mu.Unlock()
}

// loadKey reads the raw base64 license key stored in settings, returning "" if none is configured.
func (c *Cache) loadKey(ctx context.Context) (string, error) {
	var value string
	err := c.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, settingsKeyLicense).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load license key: %w", err)
	}
	return value, nil
}

// saveKey upserts the raw base64 license key into settings.
func (c *Cache) saveKey(ctx context.Context, encoded string) error {
	_, err := c.db.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		settingsKeyLicense, encoded,
	)
	if err != nil {
		return fmt.Errorf("save license key: %w", err)
	}
	return nil
}

// Load reads the license key from settings, decodes and verifies it, and populates the cache. A missing key is not
// an error: the cache is simply left empty, matching an unlicensed (community) deployment.
func (c *Cache) Load(ctx context.Context) error {
	encoded, err := c.loadKey(ctx)
	if err != nil {
		return err
	}
	if encoded == "" {
		c.set(nil)
		return nil
	}

	lic, err := FromBase64(encoded)
	if err != nil {
		return err
	}
	c.set(lic)
	return nil
}

// Update decodes and verifies a new license key, persists it, and replaces the cached license. Passing an empty
// string clears the license (reverting to community limits).
func (c *Cache) Update(ctx context.Context, encoded string) error {
	if encoded == "" {
		if err := c.saveKey(ctx, ""); err != nil {
			return err
		}
		c.set(nil)
		return nil
	}

	lic, err := FromBase64(encoded)
	if err != nil {
		return err
	}
	if err := c.saveKey(ctx, encoded); err != nil {
		return err
	}
	c.set(lic)
	return nil
}
