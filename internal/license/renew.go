package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/defguard/defguard-core/internal/config"
)

// Version is reported to the license server as part of the renewal request's User-Agent header.
const Version = "dev"

const renewHTTPTimeout = 10 * time.Second

type renewRequest struct {
	Key string `json:"key"`
}

type renewResponse struct {
	Key string `json:"key"`
}

// renew exchanges the currently stored license key for a freshly signed one from the license server. It does not
// update the cache or persist the new key; callers do that only after successfully decoding the response.
func renew(ctx context.Context, serverURL, oldKey string) (string, error) {
	if oldKey == "" {
		return "", ErrNotFound
	}

	body, err := json.Marshal(renewRequest{Key: oldKey})
	if err != nil {
		return "", fmt.Errorf("marshal renewal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build renewal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("DefGuard/%s", Version))

	client := &http.Client{Timeout: renewHTTPTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServerError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrServerError, resp.StatusCode, msg)
	}

	var parsed renewResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrServerError, err)
	}
	return parsed.Key, nil
}

// RunPeriodicCheck runs the license renewal loop until ctx is canceled. The sleep interval adapts to the license's
// state: CheckPeriodNoLicense when no license is cached at all, CheckPeriodRenewalWindow while a renewal is pending
// or was just attempted, and CheckPeriod otherwise.
func RunPeriodicCheck(ctx context.Context, cache *Cache, cfg *config.Config, logger zerolog.Logger) {
	log := logger.With().Str("component", "license").Logger()
	log.Info().Dur("check_period", cfg.CheckPeriod).Msg("Starting periodic license renewal check")

	interval := cfg.CheckPeriod
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		lic := cache.Get()
		if lic == nil {
			interval = cfg.CheckPeriodNoLicense
			continue
		}

		if !lic.RequiresRenewal() {
			interval = cfg.CheckPeriod
			continue
		}
		if lic.IsMaxOverdue() {
			log.Warn().Msg("License has expired and reached its maximum overdue time")
			interval = cfg.CheckPeriod
			continue
		}

		interval = cfg.CheckPeriodRenewalWindow
		if err := renewAndSave(ctx, cache, cfg.LicenseServerURL); err != nil {
			log.Warn().Err(err).Dur("retry_in", interval).Msg("Failed to renew license")
			continue
		}
		interval = cfg.CheckPeriod
		log.Info().Msg("Successfully renewed license")
	}
}

func renewAndSave(ctx context.Context, cache *Cache, serverURL string) error {
	oldKey, err := cache.loadKey(ctx)
	if err != nil {
		return err
	}
	newKey, err := renew(ctx, serverURL, oldKey)
	if err != nil {
		return err
	}
	return cache.Update(ctx, newKey)
}
