package license

import (
	"context"
	"fmt"

	"github.com/defguard/defguard-core/internal/device"
	"github.com/defguard/defguard-core/internal/network"
	"github.com/defguard/defguard-core/internal/user"
)

// Counters exposes the object counts a license's Limits are checked against. A separate interface (rather than
// depending on user.Repository/network.Repository/device.Repository directly) keeps this package's test surface
// small and makes the three real counts swappable for a fake in tests.
type Counters interface {
	CountUsers(ctx context.Context) (uint32, error)
	CountLocations(ctx context.Context) (uint32, error)
	CountDevices(ctx context.Context) (uint32, error)
}

// RepoCounters implements Counters against the real user/network/device repositories.
type RepoCounters struct {
	Users     user.Repository
	Locations network.Repository
	Devices   device.Repository
}

func (c RepoCounters) CountUsers(ctx context.Context) (uint32, error) {
	users, err := c.Users.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return uint32(len(users)), nil
}

func (c RepoCounters) CountLocations(ctx context.Context) (uint32, error) {
	locs, err := c.Locations.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return uint32(len(locs)), nil
}

func (c RepoCounters) CountDevices(ctx context.Context) (uint32, error) {
	return c.Devices.CountAll(ctx)
}

// Validate checks the cached license against current usage: a max-overdue or hard-expired license always fails, and
// a license carrying Limits fails if any object count it bounds has been exceeded. A nil license (no license
// configured at all) is treated as the unlimited community tier and always passes; callers that need to gate
// enterprise-only features check Cache.Get() == nil separately.
func Validate(ctx context.Context, lic *License, counters Counters) error {
	if lic == nil {
		return nil
	}
	if lic.IsMaxOverdue() {
		return ErrExpired
	}
	if lic.Limits == nil {
		return nil
	}

	if lic.Limits.Users > 0 {
		n, err := counters.CountUsers(ctx)
		if err != nil {
			return err
		}
		if n > lic.Limits.Users {
			return fmt.Errorf("%w: %d users exceeds limit of %d", ErrLimitsExceeded, n, lic.Limits.Users)
		}
	}
	if lic.Limits.Locations > 0 {
		n, err := counters.CountLocations(ctx)
		if err != nil {
			return err
		}
		if n > lic.Limits.Locations {
			return fmt.Errorf("%w: %d locations exceeds limit of %d", ErrLimitsExceeded, n, lic.Limits.Locations)
		}
	}
	if lic.Limits.Devices > 0 {
		n, err := counters.CountDevices(ctx)
		if err != nil {
			return err
		}
		if n > lic.Limits.Devices {
			return fmt.Errorf("%w: %d devices exceeds limit of %d", ErrLimitsExceeded, n, lic.Limits.Devices)
		}
	}
	return nil
}
