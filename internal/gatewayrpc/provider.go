package gatewayrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/defguard/defguard-core/internal/device"
	"github.com/defguard/defguard-core/internal/network"
)

// Provider implements ConfigProvider and StatsSink against the Location and Device/NetworkDevice repositories. It is
// the only place that translates the internal VPN data model into the wire shapes a Gateway understands.
type Provider struct {
	locations network.Repository
	devices   device.Repository
}

// NewProvider constructs a Provider over the given repositories.
func NewProvider(locations network.Repository, devices device.Repository) *Provider {
	return &Provider{locations: locations, devices: devices}
}

// BuildConfiguration assembles the full peer list for a location: every NetworkDevice that has completed
// authorization (or whose location does not require Client-MFA), translated into a WireGuard peer entry.
func (p *Provider) BuildConfiguration(ctx context.Context, locationID uuid.UUID, gatewayName string) (Configuration, error) {
	loc, err := p.locations.GetByID(ctx, locationID)
	if err != nil {
		return Configuration{}, fmt.Errorf("load location: %w", err)
	}

	peers, err := p.devices.ListByLocation(ctx, locationID)
	if err != nil {
		return Configuration{}, fmt.Errorf("list peers: %w", err)
	}

	wirePeers := make([]Peer, 0, len(peers))
	for _, nd := range peers {
		if loc.MFAMode != network.MFADisabled && !nd.IsAuthorized {
			continue
		}
		wirePeers = append(wirePeers, Peer{
			PublicKey:           nd.DevicePubkey,
			AllowedIPs:          nd.WireguardIPs,
			PresharedKey:        nd.PresharedKey,
			PersistentKeepalive: loc.KeepaliveInterval,
		})
	}

	address := ""
	if len(loc.CIDRs) > 0 {
		address = loc.CIDRs[0]
	}

	return Configuration{
		Name:    gatewayName,
		Port:    loc.ListenPort,
		PrivKey: loc.GatewayPrivkey,
		Address: address,
		Peers:   wirePeers,
	}, nil
}

// ResolveDeviceID maps a reported WireGuard public key to the Device it belongs to, rejecting keys that are not an
// authorized peer within locationID.
func (p *Provider) ResolveDeviceID(ctx context.Context, locationID uuid.UUID, publicKey string) (uuid.UUID, error) {
	nd, err := p.devices.GetNetworkDeviceByPubkey(ctx, locationID, publicKey)
	if err != nil {
		return uuid.Nil, ErrUnauthorizedPeer
	}
	if !nd.IsAuthorized {
		return uuid.Nil, ErrUnauthorizedPeer
	}
	return nd.DeviceID, nil
}

// RecordStats persists one reported stats sample for a (device, location) pair.
func (p *Provider) RecordStats(ctx context.Context, deviceID, locationID uuid.UUID, entry PeerStatsEntry, collectedAt time.Time) error {
	return p.devices.RecordStats(ctx, deviceID, locationID, device.StatsEntry{
		Endpoint:        entry.Endpoint,
		Upload:          entry.Upload,
		Download:        entry.Download,
		LatestHandshake: time.Unix(entry.LatestHandshake, 0).UTC(),
		AllowedIPs:      entry.AllowedIPs,
	}, collectedAt)
}
