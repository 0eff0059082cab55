// Package group implements the Group entity: named permission bundles that users are assigned to. The IsAdmin
// permission is distinguished because it gates the administrator role checked throughout the rest of the system
// (directory sync admin protection, last-admin deletion guard, ACL management authorization).
package group

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("group not found")
	ErrAlreadyExists = errors.New("group name already taken")
	ErrNameRequired  = errors.New("group name must not be empty")
)

// Group is a named collection of users sharing a permission bundle.
type Group struct {
	ID      uuid.UUID
	Name    string
	IsAdmin bool
}

// CreateParams groups the inputs for creating a new group.
type CreateParams struct {
	Name    string
	IsAdmin bool
}

// ValidateName checks that a group name is non-empty. Group names otherwise have no character-set restriction since
// they are operator-chosen labels, not network-facing identifiers.
func ValidateName(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	return nil
}

// Repository defines the data-access contract for group operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Group, error)
	GetByName(ctx context.Context, name string) (*Group, error)
	ListAll(ctx context.Context) ([]Group, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// AddMember adds a user to an existing group; adding a current member is a no-op. A group that does not exist is
	// not created.
	AddMember(ctx context.Context, groupID, userID uuid.UUID) error
	RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error
	Members(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
	UserGroups(ctx context.Context, userID uuid.UUID) ([]Group, error)

	// SetMembers replaces the full membership of a group with exactly the given user set, in a single transaction.
	// Used by the directory sync reconciler to union remote membership into the local group for a sync cycle.
	SetMembers(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error
}
