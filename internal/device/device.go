// Package device implements the Device and NetworkDevice entities: a WireGuard keypair owned by a user (or, for
// device_type Network, representing a site-to-site peer) and its per-Location peer configuration.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("device not found")
	ErrNetworkDeviceNotFound = errors.New("network device not found")
	ErrPubkeyExists       = errors.New("a device with this public key already exists")
	ErrPubkeyIsGatewayKey = errors.New("device public key collides with a location's gateway key")
	ErrNameRequired       = errors.New("device name must not be empty")
	ErrNoFreeAddress      = errors.New("no free address available in any configured CIDR")
)

// Type distinguishes a peer carried by an end-user from one representing a whole remote network (site-to-site).
type Type string

const (
	TypeUser    Type = "user"
	TypeNetwork Type = "network"
)

// Device is a WireGuard keypair belonging to one user, shared across every Location it is authorized to join. Its
// pubkey must never collide with a Location's gateway key, which would let a peer impersonate a Gateway.
type Device struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Name       string
	Pubkey     string
	DeviceType Type
	Configured bool
	CreatedAt  time.Time
}

// CreateParams groups the inputs for adding a new Device.
type CreateParams struct {
	UserID     uuid.UUID
	Name       string
	Pubkey     string
	DeviceType Type
}

// NetworkDevice is the join between a Device and a Location it has been added to: its assigned address(es) inside
// that Location's CIDRs, and whether Client-MFA authorization has been completed for this pairing.
type NetworkDevice struct {
	ID            uuid.UUID
	DeviceID      uuid.UUID
	LocationID    uuid.UUID
	WireguardIPs  []string
	PresharedKey  string
	IsAuthorized  bool
	AuthorizedAt  *time.Time
	CreatedAt     time.Time
}

// Repository defines the data-access contract for Device and NetworkDevice operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	GetByPubkey(ctx context.Context, pubkey string) (*Device, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetConfigured(ctx context.Context, id uuid.UUID, configured bool) error

	// AddToLocation reserves the next free address(es) for deviceID inside locationID's CIDRs and inserts the
	// NetworkDevice row in one transaction, returning ErrNoFreeAddress if the location's address space is exhausted.
	AddToLocation(ctx context.Context, deviceID, locationID uuid.UUID) (*NetworkDevice, error)
	RemoveFromLocation(ctx context.Context, deviceID, locationID uuid.UUID) error
	GetNetworkDevice(ctx context.Context, deviceID, locationID uuid.UUID) (*NetworkDevice, error)
	GetNetworkDeviceByPubkey(ctx context.Context, locationID uuid.UUID, pubkey string) (*NetworkDevice, error)
	ListByLocation(ctx context.Context, locationID uuid.UUID) ([]NetworkDeviceWithPeer, error)

	// Authorize flips is_authorized and stamps authorized_at, setting the PSK minted for this pairing by the
	// Client-MFA engine after a successful challenge.
	Authorize(ctx context.Context, networkDeviceID uuid.UUID, presharedKey string, authorizedAt time.Time) error

	RecordStats(ctx context.Context, deviceID, locationID uuid.UUID, entry StatsEntry, collectedAt time.Time) error
	LatestStats(ctx context.Context, locationID uuid.UUID) ([]LatestStat, error)

	// CountAll returns the total number of devices, as consumed by the license limits gate.
	CountAll(ctx context.Context) (uint32, error)
}

// NetworkDeviceWithPeer pairs a NetworkDevice with the Device it belongs to, as needed to build a Gateway's peer
// list (pubkey comes from Device, allowed IPs and PSK come from NetworkDevice).
type NetworkDeviceWithPeer struct {
	NetworkDevice
	DevicePubkey string
	DeviceUserID uuid.UUID
}

// StatsEntry is the device-local shape of one reported WireGuard handshake/traffic sample, decoupled from the
// gatewayrpc wire format so this package has no dependency on the transport layer.
type StatsEntry struct {
	Endpoint        string
	Upload          int64
	Download        int64
	LatestHandshake time.Time
	AllowedIPs      string
}

// LatestStat is the most recent stats sample recorded for one (device, location) pair, as consumed by the
// peer-stats disconnect detector.
type LatestStat struct {
	DeviceID        uuid.UUID
	LocationID      uuid.UUID
	LatestHandshake time.Time
	CollectedAt     time.Time
}
