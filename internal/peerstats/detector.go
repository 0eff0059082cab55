// Package peerstats implements the connected/disconnected peer transition detector: a periodic sweep comparing each
// reporting peer's latest WireGuard handshake against its location's disconnect threshold, publishing a GatewayEvent
// on every transition so other components (audit logging, mail notifications) can react without polling the database
// themselves.
package peerstats

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/defguard/defguard-core/internal/device"
	"github.com/defguard/defguard-core/internal/events"
	"github.com/defguard/defguard-core/internal/network"
)

// peerKey identifies one (device, location) pair tracked across sweeps.
type peerKey struct {
	DeviceID   uuid.UUID
	LocationID uuid.UUID
}

// Detector tracks the last-known connected state of every reporting peer and publishes transitions as they occur.
type Detector struct {
	locations network.Repository
	devices   device.Repository
	bus       *events.Bus
	log       zerolog.Logger

	connected map[peerKey]bool
}

// NewDetector constructs a Detector. bus may be nil, in which case transitions are logged but not published.
func NewDetector(locations network.Repository, devices device.Repository, bus *events.Bus, logger zerolog.Logger) *Detector {
	return &Detector{
		locations: locations,
		devices:   devices,
		bus:       bus,
		log:       logger.With().Str("component", "peerstats").Logger(),
		connected: make(map[peerKey]bool),
	}
}

// Run sweeps every location on scanInterval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, scanInterval time.Duration) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep checks every location's reporting peers against its disconnect threshold and publishes a GatewayEvent for
// every connected/disconnected transition found. Errors loading a single location's data are logged and skipped so
// one bad location does not stall the whole sweep.
func (d *Detector) sweep(ctx context.Context) {
	locs, err := d.locations.ListAll(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to list locations for peer stats sweep")
		return
	}

	now := time.Now()
	for _, loc := range locs {
		threshold := time.Duration(loc.DisconnectThreshold) * time.Second
		if threshold <= 0 {
			continue
		}

		stats, err := d.devices.LatestStats(ctx, loc.ID)
		if err != nil {
			d.log.Warn().Err(err).Str("location", loc.Name).Msg("Failed to load latest peer stats")
			continue
		}

		for _, s := range stats {
			key := peerKey{DeviceID: s.DeviceID, LocationID: s.LocationID}
			nowConnected := !s.LatestHandshake.IsZero() && now.Sub(s.LatestHandshake) <= threshold

			wasConnected, tracked := d.connected[key]
			d.connected[key] = nowConnected
			if tracked && wasConnected == nowConnected {
				continue
			}

			d.log.Info().
				Str("device_id", s.DeviceID.String()).
				Str("location", loc.Name).
				Bool("connected", nowConnected).
				Msg("Peer connection state changed")

			if d.bus != nil {
				d.bus.Publish(events.Event{
					Kind: events.KindGateway,
					Payload: events.GatewayEvent{
						LocationID: loc.ID,
						Connected:  nowConnected,
					},
				})
			}
		}
	}
}
