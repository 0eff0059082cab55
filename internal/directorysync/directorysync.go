// Package directorysync implements the directory sync engine: periodic reconciliation of the local user/group graph
// against an external identity provider. Provider is the driver contract a backend implements; GoogleProvider
// is the only backend in this package. Reconciler runs the reconciliation algorithm against whichever Provider is configured.
package directorysync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidProviderConfiguration is returned by a Provider's Prepare when its configuration is missing or
	// unparseable key material (a service-account JSON, an API key, a client secret).
	ErrInvalidProviderConfiguration = errors.New("invalid directory sync provider configuration")
)

// RequestError wraps a failed page fetch against a provider's API, carrying enough of the response to diagnose a
// misconfiguration without logging full response bodies (which may include remote user PII).
type RequestError struct {
	Status int
	Body   string // truncated response body prefix
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("directory sync request failed: status %d: %s", e.Status, e.Body)
}

// BehaviorPolicy governs what happens to a local user whose remote directory account is inactive or absent.
type BehaviorPolicy string

const (
	PolicyKeep    BehaviorPolicy = "keep"
	PolicyDisable BehaviorPolicy = "disable"
	PolicyDelete  BehaviorPolicy = "delete"
)

// SyncTarget selects which parts of the reconciliation algorithm a cycle runs.
type SyncTarget string

const (
	SyncTargetAll    SyncTarget = "all"
	SyncTargetUsers  SyncTarget = "users"
	SyncTargetGroups SyncTarget = "groups"
)

const maxBodyPreview = 256

func truncateBody(b []byte) string {
	if len(b) > maxBodyPreview {
		return string(b[:maxBodyPreview])
	}
	return string(b)
}

// DirectoryUser is the provider-independent shape of one remote user, as returned by Provider.GetAllUsers.
type DirectoryUser struct {
	Email  string
	Active bool
}

// DirectoryGroup is the provider-independent shape of one remote group, as returned by Provider.GetGroups.
type DirectoryGroup struct {
	ID   string
	Name string
}

// Provider is the driver interface each directory backend implements. AllUsersCache lets GetGroupMembers resolve
// group membership without a per-member lookup when the caller already holds the full user list for this cycle.
type Provider interface {
	// Prepare refreshes the provider's access token if it has expired. Called once at the start of every cycle.
	Prepare(ctx context.Context) error
	GetAllUsers(ctx context.Context) ([]DirectoryUser, error)
	GetGroups(ctx context.Context) ([]DirectoryGroup, error)
	GetGroupMembers(ctx context.Context, g DirectoryGroup, allUsersCache []DirectoryUser) ([]string, error)
	GetUserGroups(ctx context.Context, email string) ([]DirectoryGroup, error)
	TestConnection(ctx context.Context) error
}
