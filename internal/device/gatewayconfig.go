package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/defguard/defguard-core/internal/gatewayrpc"
	"github.com/defguard/defguard-core/internal/network"
)

// ErrUnauthorizedPeer is returned by ConfigBuilder.ResolveDeviceID when a reported public key does not belong to any
// authorized NetworkDevice in the given location.
var ErrUnauthorizedPeer = errors.New("public key does not belong to an authorized peer in this location")

// ConfigBuilder answers a Gateway's Config and Stats requests against the Device/NetworkDevice/Location tables. It
// satisfies internal/gatewayrpc.ConfigProvider and internal/gatewayrpc.StatsSink structurally; the Hub holds no
// import on this package, only on the interfaces.
type ConfigBuilder struct {
	locations network.Repository
	devices   Repository
}

// NewConfigBuilder constructs a ConfigBuilder over the given repositories.
func NewConfigBuilder(locations network.Repository, devices Repository) *ConfigBuilder {
	return &ConfigBuilder{locations: locations, devices: devices}
}

// BuildConfiguration assembles the full peer list for a location, in device.id order, exactly as
// internal/device.Repository.ListByLocation returns it. Only authorized NetworkDevices (those that completed
// Client-MFA, or were added to a location with MFA disabled) are included.
func (b *ConfigBuilder) BuildConfiguration(ctx context.Context, locationID uuid.UUID, gatewayName string) (gatewayrpc.Configuration, error) {
	loc, err := b.locations.GetByID(ctx, locationID)
	if err != nil {
		return gatewayrpc.Configuration{}, fmt.Errorf("load location: %w", err)
	}

	networkDevices, err := b.devices.ListByLocation(ctx, locationID)
	if err != nil {
		return gatewayrpc.Configuration{}, fmt.Errorf("load network devices: %w", err)
	}

	peers := make([]gatewayrpc.Peer, 0, len(networkDevices))
	for _, nd := range networkDevices {
		if !nd.IsAuthorized {
			continue
		}
		peers = append(peers, gatewayrpc.Peer{
			PublicKey:           nd.DevicePubkey,
			AllowedIPs:          nd.WireguardIPs,
			PresharedKey:        nd.PresharedKey,
			PersistentKeepalive: loc.KeepaliveInterval,
		})
	}

	address := strings.Join(loc.CIDRs, ",")
	return gatewayrpc.Configuration{
		Name:    gatewayName,
		Port:    loc.ListenPort,
		PrivKey: loc.GatewayPrivkey,
		Address: address,
		Peers:   peers,
	}, nil
}

// ResolveDeviceID finds the Device owning publicKey within locationID, returning ErrUnauthorizedPeer if none exists
// or if it has not yet completed Client-MFA authorization for that location.
func (b *ConfigBuilder) ResolveDeviceID(ctx context.Context, locationID uuid.UUID, publicKey string) (uuid.UUID, error) {
	nd, err := b.devices.GetNetworkDeviceByPubkey(ctx, locationID, publicKey)
	if err != nil {
		if errors.Is(err, ErrNetworkDeviceNotFound) {
			return uuid.Nil, ErrUnauthorizedPeer
		}
		return uuid.Nil, fmt.Errorf("resolve peer: %w", err)
	}
	if !nd.IsAuthorized {
		return uuid.Nil, ErrUnauthorizedPeer
	}
	return nd.DeviceID, nil
}

// RecordStats persists one reported peer stats sample for the (device, location) pair, ingesting at-least-once:
// stats writes are never deduplicated by collected_at, consistent with session.go's handling of partially-applied
// batches.
func (b *ConfigBuilder) RecordStats(ctx context.Context, deviceID, locationID uuid.UUID, entry gatewayrpc.PeerStatsEntry, collectedAt time.Time) error {
	var handshake time.Time
	if entry.LatestHandshake > 0 {
		handshake = time.Unix(entry.LatestHandshake, 0)
	}
	return b.devices.RecordStats(ctx, deviceID, locationID, StatsEntry{
		Endpoint:        entry.Endpoint,
		Upload:          entry.Upload,
		Download:        entry.Download,
		LatestHandshake: handshake,
		AllowedIPs:      entry.AllowedIPs,
	}, collectedAt)
}
