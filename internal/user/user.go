// Package user implements the core identity entity: accounts, credentials, and MFA method enrollment.
package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("email or username already taken")
	ErrInvalidToken  = errors.New("invalid or expired verification token")
	ErrTombstoned    = errors.New("email or username was previously used by a deleted account")
	ErrLastAdmin     = errors.New("cannot remove the last active administrator")
	ErrVerificationCooldown = errors.New("a verification email was sent too recently")
)

// MFAMethod identifies one of the methods a user may enroll to satisfy MFA challenges. A user may have more than one
// enrolled at a time; the enabled set is tracked independently per method on the Credentials row.
type MFAMethod string

const (
	MFAMethodTOTP      MFAMethod = "totp"
	MFAMethodEmail     MFAMethod = "email"
	MFAMethodWebAuthn  MFAMethod = "webauthn"
	MFAMethodBiometric MFAMethod = "biometric"
)

// User holds the core identity fields read from the database.
type User struct {
	ID            uuid.UUID
	Username      string
	Email         string
	Phone         *string
	IsActive      bool
	MFAEnabled    bool
	EmailVerified bool
	OpenIDSub     *string
	CreatedAt     time.Time
}

// Credentials extends User with the password hash and the per-method MFA enrollment state. Only repository methods
// that serve the authentication path return this type; all other read methods return *User to prevent credential
// leakage at the type level.
type Credentials struct {
	User
	PasswordHash     string
	TOTPSecret       *string // AES-256-GCM encrypted, base32-decoded on use
	EmailMFAEnabled  bool
	WebAuthnBound    bool
	BiometricPubkey  *string
}

// EnabledMethods returns the set of MFA methods currently configured on the account.
func (c *Credentials) EnabledMethods() []MFAMethod {
	var methods []MFAMethod
	if c.TOTPSecret != nil {
		methods = append(methods, MFAMethodTOTP)
	}
	if c.EmailMFAEnabled {
		methods = append(methods, MFAMethodEmail)
	}
	if c.WebAuthnBound {
		methods = append(methods, MFAMethodWebAuthn)
	}
	if c.BiometricPubkey != nil {
		methods = append(methods, MFAMethodBiometric)
	}
	return methods
}

// HasMethod reports whether the given MFA method is configured on the account.
func (c *Credentials) HasMethod(m MFAMethod) bool {
	for _, enabled := range c.EnabledMethods() {
		if enabled == m {
			return true
		}
	}
	return false
}

// MFARecoveryCode represents a single unused recovery code stored in the database.
type MFARecoveryCode struct {
	ID       uuid.UUID
	CodeHash string
}

// CreateParams groups the inputs for creating a new user. When VerifyToken is non-empty, an email_verifications row is
// inserted in the same transaction. OpenIDSub is set when the account originates from an external OIDC first-login.
type CreateParams struct {
	Email        string
	Username     string
	Phone        *string
	PasswordHash string
	OpenIDSub    *string
	VerifyToken  string
	VerifyExpiry time.Time
}

// UpdateParams groups the optional fields for updating a user profile.
type UpdateParams struct {
	Email     *string
	Phone     *string
	IsActive  *bool
	OpenIDSub *string
}

// TombstoneType identifies the kind of identifier stored in a deletion tombstone.
type TombstoneType string

const (
	TombstoneEmail    TombstoneType = "email"
	TombstoneUsername TombstoneType = "username"
)

// Tombstone represents an HMAC hash of an identifier that belonged to a deleted account, used to prevent
// re-registration with the same email or username.
type Tombstone struct {
	IdentifierType TombstoneType
	HMACHash       string
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByOpenIDSub(ctx context.Context, sub string) (*User, error)
	GetCredentialsByID(ctx context.Context, id uuid.UUID) (*Credentials, error)
	VerifyEmail(ctx context.Context, token string) (uuid.UUID, error)
	ReplaceVerificationToken(ctx context.Context, userID uuid.UUID, token string, expiry time.Time, cooldown time.Duration) error
	RecordLoginAttempt(ctx context.Context, email, ipAddress string, success bool) error
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error)
	EnableTOTP(ctx context.Context, userID uuid.UUID, encryptedSecret string, codeHashes []string) error
	DisableTOTP(ctx context.Context, userID uuid.UUID) error
	SetEmailMFA(ctx context.Context, userID uuid.UUID, enabled bool) error
	SetBiometricPubkey(ctx context.Context, userID uuid.UUID, pubkey *string) error
	GetUnusedRecoveryCodes(ctx context.Context, userID uuid.UUID) ([]MFARecoveryCode, error)
	UseRecoveryCode(ctx context.Context, codeID uuid.UUID) error
	ReplaceRecoveryCodes(ctx context.Context, userID uuid.UUID, codeHashes []string) error
	DeleteWithTombstones(ctx context.Context, id uuid.UUID, tombstones []Tombstone) error
	CheckTombstone(ctx context.Context, identifierType TombstoneType, hmacHash string) (bool, error)
	CountActiveAdmins(ctx context.Context, excluding uuid.UUID) (int, error)
	ListAll(ctx context.Context) ([]User, error)
}
