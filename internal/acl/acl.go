// Package acl implements ACL rules and the firewall configuration compiler that turns them into the deterministic,
// ordered rule list a Gateway enforces for one Location.
package acl

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("ACL rule not found")
	ErrNameRequired     = errors.New("ACL rule name must not be empty")
	ErrAlreadyModified  = errors.New("ACL rule already has a pending modification")
	ErrNotApplied       = errors.New("only an Applied rule can be modified")
)

// State is a rule's position in the New -> Applied -> Modified lifecycle. A rule starts New, becomes Applied when
// an operator pushes it live, and a subsequent edit to an Applied rule clones it into a Modified pending child
// (carrying ParentID) rather than mutating the live rule in place, so the Gateway never sees a half-edited rule.
type State string

const (
	StateNew      State = "new"
	StateApplied  State = "applied"
	StateModified State = "modified"
	StateDeleted  State = "deleted"
)

// Protocol identifies an IP protocol number an ACL rule matches. Named constants cover the protocols WireGuard
// traffic realistically carries; any other protocol number is still representable as a raw Protocol value.
type Protocol int

const (
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
	ProtocolICMP Protocol = 1
)

// Rule is one ACL entry: an allow or deny verdict for traffic between a source set (users, groups, devices) and a
// destination set (raw CIDRs and/or aliases), scoped to one or more Locations.
type Rule struct {
	ID           uuid.UUID
	ParentID     *uuid.UUID
	Name         string
	State        State
	Allow        bool
	Ports        []string // "80", "1000-2000"
	Protocols    []Protocol
	Destinations []string // raw CIDRs; alias-derived destinations are resolved at compile time
	AliasIDs     []uuid.UUID
	ExpiresAt    *time.Time
	LocationIDs  []uuid.UUID
	SourceUsers  []uuid.UUID
	SourceGroups []uuid.UUID
	SourceDevices []uuid.UUID
	CreatedAt    time.Time
}

// Alias is a named, reusable destination set (a "production database", "internal DNS", etc.) that rules reference
// by ID instead of repeating its destinations inline.
type Alias struct {
	ID           uuid.UUID
	Name         string
	Destinations []string
	Ports        []string
	Protocols    []Protocol
}

// CreateParams groups the inputs for creating a new Rule. New rules always start in StateNew.
type CreateParams struct {
	Name          string
	Allow         bool
	Ports         []string
	Protocols     []Protocol
	Destinations  []string
	AliasIDs      []uuid.UUID
	ExpiresAt     *time.Time
	LocationIDs   []uuid.UUID
	SourceUsers   []uuid.UUID
	SourceGroups  []uuid.UUID
	SourceDevices []uuid.UUID
}

// ValidateName checks that a rule name is non-empty.
func ValidateName(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	return nil
}

// Repository defines the data-access contract for ACL rules and aliases.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	ListByLocation(ctx context.Context, locationID uuid.UUID) ([]Rule, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Apply transitions a New or Modified rule to Applied. For a Modified rule this also deletes its parent and
	// takes over the parent's ID-independent identity (the modification becomes the live rule).
	Apply(ctx context.Context, id uuid.UUID) error

	// Modify clones an Applied rule into a new Modified child carrying ParentID, leaving the live Applied rule
	// untouched until the clone is Applied. Returns ErrNotApplied if the rule is not currently Applied, and
	// ErrAlreadyModified if a pending child already exists.
	Modify(ctx context.Context, id uuid.UUID, params CreateParams) (uuid.UUID, error)

	CreateAlias(ctx context.Context, alias Alias) (uuid.UUID, error)
	GetAlias(ctx context.Context, id uuid.UUID) (*Alias, error)
	ListAliases(ctx context.Context) ([]Alias, error)
}
