// Package network implements the Location entity: a VPN network served by one or more Gateways, the CIDRs its peers
// are addressed from, and the policy knobs (MFA mode, ACL defaults, allowed groups) that govern who may join it.
package network

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("location not found")
	ErrAlreadyExists    = errors.New("location name already taken")
	ErrNameRequired     = errors.New("location name must not be empty")
	ErrNoCIDRs          = errors.New("location must have at least one CIDR")
	ErrInvalidCIDR      = errors.New("invalid CIDR")
	ErrInvalidMFAMode   = errors.New("invalid MFA mode")
)

// MFAMode controls whether connecting to a Location requires a Client-MFA challenge in addition to a valid
// WireGuard peer configuration.
type MFAMode string

const (
	MFADisabled MFAMode = "disabled"
	MFAInternal MFAMode = "internal" // TOTP, email code, biometric, or recovery code against the local user
	MFAExternal MFAMode = "external" // delegated to the organization's OpenID provider
)

func (m MFAMode) Valid() bool {
	switch m {
	case MFADisabled, MFAInternal, MFAExternal:
		return true
	default:
		return false
	}
}

// Location is one VPN network: a Gateway keypair, the address space its peers draw from, and the access policy
// applied at connection time.
type Location struct {
	ID                  uuid.UUID
	Name                string
	CIDRs               []string
	ListenPort          int
	PublicEndpoint      string
	GatewayPubkey       string
	GatewayPrivkey      string
	DNSSuggestions      []string
	AllowedIPs          []string
	KeepaliveInterval   int // seconds
	DisconnectThreshold int // seconds; the peer-stats detector keys off this (the Hub liveness scan takes its own threshold)
	MFAMode             MFAMode
	ACLEnabled          bool
	ACLDefaultAllow     bool
	AllowedGroups       []uuid.UUID
}

// CreateParams groups the inputs for creating a new Location.
type CreateParams struct {
	Name                string
	CIDRs               []string
	ListenPort          int
	PublicEndpoint      string
	GatewayPubkey       string
	GatewayPrivkey      string
	DNSSuggestions      []string
	AllowedIPs          []string
	KeepaliveInterval   int
	DisconnectThreshold int
	MFAMode             MFAMode
	ACLEnabled          bool
	ACLDefaultAllow     bool
	AllowedGroups       []uuid.UUID
}

// UpdateParams groups the mutable fields of a Location. Gateway keypair and name are immutable after creation: the
// keypair is burned into already-deployed Gateway configs and the name is used as a stable label in ACL rules.
type UpdateParams struct {
	CIDRs               []string
	PublicEndpoint      string
	DNSSuggestions      []string
	AllowedIPs          []string
	KeepaliveInterval   int
	DisconnectThreshold int
	MFAMode             MFAMode
	ACLEnabled          bool
	ACLDefaultAllow     bool
	AllowedGroups       []uuid.UUID
}

// ValidateName checks that a location name is non-empty.
func ValidateName(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	return nil
}

// ValidateCIDRs checks that every entry parses as a CIDR, returning the parsed networks in order.
func ValidateCIDRs(cidrs []string) ([]*net.IPNet, error) {
	if len(cidrs) == 0 {
		return nil, ErrNoCIDRs
	}
	parsed := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, ErrInvalidCIDR
		}
		parsed = append(parsed, n)
	}
	return parsed, nil
}

// Repository defines the data-access contract for Location operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) error
	GetByID(ctx context.Context, id uuid.UUID) (*Location, error)
	GetByName(ctx context.Context, name string) (*Location, error)
	ListAll(ctx context.Context) ([]Location, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// AllowedForUser reports whether the location's allowed-groups set is empty (meaning unrestricted) or intersects
	// with the user's group membership.
	AllowedForUser(ctx context.Context, locationID, userID uuid.UUID) (bool, error)
}
