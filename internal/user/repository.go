package user

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/defguard/defguard-core/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, username, email, phone, is_active, mfa_enabled, email_verified, openid_sub, created_at`

// selectCredentialsColumns lists the columns returned by queries that produce a *Credentials. The order must match
// scanCredentials.
const selectCredentialsColumns = `id, username, email, phone, is_active, mfa_enabled, email_verified, openid_sub,
	created_at, password_hash, totp_secret, email_mfa_enabled, webauthn_bound, biometric_pubkey`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.Phone, &u.IsActive, &u.MFAEnabled, &u.EmailVerified, &u.OpenIDSub, &u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func scanCredentials(row pgx.Row) (*Credentials, error) {
	var c Credentials
	err := row.Scan(
		&c.ID, &c.Username, &c.Email, &c.Phone, &c.IsActive, &c.MFAEnabled, &c.EmailVerified, &c.OpenIDSub, &c.CreatedAt,
		&c.PasswordHash, &c.TOTPSecret, &c.EmailMFAEnabled, &c.WebAuthnBound, &c.BiometricPubkey,
	)
	if err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	return &c, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new user and, when params.VerifyToken is non-empty, an email verification row, all inside a single
// transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	var userID uuid.UUID
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO users (email, username, phone, password_hash, openid_sub, is_active)
			 VALUES ($1, $2, $3, $4, $5, true)
			 RETURNING id`,
			params.Email, params.Username, params.Phone, params.PasswordHash, params.OpenIDSub,
		).Scan(&userID)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert user: %w", err)
		}

		if params.VerifyToken != "" {
			_, err = tx.Exec(ctx,
				`INSERT INTO email_verifications (user_id, token, expires_at)
				 VALUES ($1, $2, $3)`,
				userID, params.VerifyToken, params.VerifyExpiry,
			)
			if err != nil {
				return fmt.Errorf("insert email verification: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

// GetByID returns the user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByUsername returns the user matching the given username.
func (r *PGRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by username: %w", err)
	}
	return u, nil
}

// GetByOpenIDSub returns the user linked to the given external OIDC subject identifier.
func (r *PGRepository) GetByOpenIDSub(ctx context.Context, sub string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE openid_sub = $1`, sub))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by openid sub: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user with credentials matching the given email address. This serves the authentication path.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx,
		`SELECT `+selectCredentialsColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return c, nil
}

// GetCredentialsByID returns the user with credentials matching the given ID. Used by MFA flows that need the
// password hash and MFA enrollment state after ticket-based user identification.
func (r *PGRepository) GetCredentialsByID(ctx context.Context, id uuid.UUID) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx,
		`SELECT `+selectCredentialsColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials by id: %w", err)
	}
	return c, nil
}

// VerifyEmail consumes a verification token and marks the user as verified, all within a single transaction.
func (r *PGRepository) VerifyEmail(ctx context.Context, token string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE email_verifications
			 SET consumed_at = NOW()
			 WHERE token = $1 AND consumed_at IS NULL AND expires_at > NOW()
			 RETURNING user_id`,
			token,
		).Scan(&userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvalidToken
			}
			return fmt.Errorf("consume verification token: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE users SET email_verified = true WHERE id = $1`, userID)
		if err != nil {
			return fmt.Errorf("update email_verified: %w", err)
		}

		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

// ReplaceVerificationToken inserts a fresh email verification token for userID, refusing to do so if the most recent
// token for that user was issued less than cooldown ago (rate-limits the resend-verification endpoint).
func (r *PGRepository) ReplaceVerificationToken(ctx context.Context, userID uuid.UUID, token string, expiry time.Time, cooldown time.Duration) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var lastCreated time.Time
		err := tx.QueryRow(ctx,
			`SELECT created_at FROM email_verifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`,
			userID,
		).Scan(&lastCreated)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("query last verification token: %w", err)
		}
		if err == nil && time.Since(lastCreated) < cooldown {
			return ErrVerificationCooldown
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO email_verifications (user_id, token, expires_at) VALUES ($1, $2, $3)`,
			userID, token, expiry,
		)
		if err != nil {
			return fmt.Errorf("insert verification token: %w", err)
		}
		return nil
	})
}

// RecordLoginAttempt writes an entry to the login_attempts table.
func (r *PGRepository) RecordLoginAttempt(ctx context.Context, email, ipAddress string, success bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO login_attempts (email, ip_address, success) VALUES ($1, $2::inet, $3)`,
		email, ipAddress, success,
	)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

// UpdatePasswordHash updates the stored password hash for a user, used for lazy hash rotation when Argon2 parameters
// change.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, userID)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// Update applies the non-nil fields in params to the user row and returns the updated user. Returns ErrNotFound if no
// row matches the given ID.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error) {
	var setClauses []string
	var args []any

	if params.Email != nil {
		args = append(args, *params.Email)
		setClauses = append(setClauses, "email = $"+strconv.Itoa(len(args)))
	}
	if params.Phone != nil {
		args = append(args, *params.Phone)
		setClauses = append(setClauses, "phone = $"+strconv.Itoa(len(args)))
	}
	if params.IsActive != nil {
		args = append(args, *params.IsActive)
		setClauses = append(setClauses, "is_active = $"+strconv.Itoa(len(args)))
	}
	if params.OpenIDSub != nil {
		args = append(args, *params.OpenIDSub)
		setClauses = append(setClauses, "openid_sub = $"+strconv.Itoa(len(args)))
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := "UPDATE users SET " + strings.Join(setClauses, ", ") +
		" WHERE id = $" + strconv.Itoa(len(args)) +
		" RETURNING " + selectColumns

	u, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// EnableTOTP atomically sets the user's TOTP secret and mfa_enabled flag, and inserts the initial set of recovery code
// hashes. All operations run in a single transaction.
func (r *PGRepository) EnableTOTP(ctx context.Context, userID uuid.UUID, encryptedSecret string, codeHashes []string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE users SET totp_secret = $1, mfa_enabled = true WHERE id = $2`,
			encryptedSecret, userID,
		)
		if err != nil {
			return fmt.Errorf("update TOTP columns: %w", err)
		}
		return copyRecoveryCodes(ctx, tx, userID, codeHashes)
	})
}

// DisableTOTP clears the user's TOTP secret and recomputes mfa_enabled from the remaining configured methods.
func (r *PGRepository) DisableTOTP(ctx context.Context, userID uuid.UUID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE users SET totp_secret = NULL WHERE id = $1`, userID)
		if err != nil {
			return fmt.Errorf("clear TOTP secret: %w", err)
		}
		_, err = tx.Exec(ctx, `DELETE FROM mfa_recovery_codes WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("delete recovery codes: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE users SET mfa_enabled = (email_mfa_enabled OR webauthn_bound OR biometric_pubkey IS NOT NULL)
			 WHERE id = $1`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("recompute mfa_enabled: %w", err)
		}
		return nil
	})
}

// SetEmailMFA enables or disables the email-code MFA method for a user and recomputes mfa_enabled.
func (r *PGRepository) SetEmailMFA(ctx context.Context, userID uuid.UUID, enabled bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET email_mfa_enabled = $1,
		 mfa_enabled = ($1 OR totp_secret IS NOT NULL OR webauthn_bound OR biometric_pubkey IS NOT NULL)
		 WHERE id = $2`,
		enabled, userID,
	)
	if err != nil {
		return fmt.Errorf("set email mfa: %w", err)
	}
	return nil
}

// SetBiometricPubkey binds (or clears, when pubkey is nil) the enrolled biometric authenticator public key.
func (r *PGRepository) SetBiometricPubkey(ctx context.Context, userID uuid.UUID, pubkey *string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET biometric_pubkey = $1,
		 mfa_enabled = ($1 IS NOT NULL OR totp_secret IS NOT NULL OR email_mfa_enabled OR webauthn_bound)
		 WHERE id = $2`,
		pubkey, userID,
	)
	if err != nil {
		return fmt.Errorf("set biometric pubkey: %w", err)
	}
	return nil
}

// GetUnusedRecoveryCodes returns all recovery codes for the user that have not been consumed.
func (r *PGRepository) GetUnusedRecoveryCodes(ctx context.Context, userID uuid.UUID) ([]MFARecoveryCode, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, code_hash FROM mfa_recovery_codes WHERE user_id = $1 AND used_at IS NULL`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unused recovery codes: %w", err)
	}
	defer rows.Close()

	var codes []MFARecoveryCode
	for rows.Next() {
		var c MFARecoveryCode
		if err := rows.Scan(&c.ID, &c.CodeHash); err != nil {
			return nil, fmt.Errorf("scan recovery code: %w", err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// UseRecoveryCode marks a recovery code as consumed by setting its used_at timestamp.
func (r *PGRepository) UseRecoveryCode(ctx context.Context, codeID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE mfa_recovery_codes SET used_at = NOW() WHERE id = $1`, codeID)
	if err != nil {
		return fmt.Errorf("mark recovery code used: %w", err)
	}
	return nil
}

// ReplaceRecoveryCodes deletes all existing recovery codes for the user and inserts new ones in a single transaction.
func (r *PGRepository) ReplaceRecoveryCodes(ctx context.Context, userID uuid.UUID, codeHashes []string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM mfa_recovery_codes WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("delete old recovery codes: %w", err)
		}
		return copyRecoveryCodes(ctx, tx, userID, codeHashes)
	})
}

// copyRecoveryCodes bulk-inserts recovery code hashes using CopyFrom, collapsing all rows into a single round trip.
func copyRecoveryCodes(ctx context.Context, tx pgx.Tx, userID uuid.UUID, codeHashes []string) error {
	rows := make([][]any, len(codeHashes))
	for i, hash := range codeHashes {
		rows[i] = []any{userID, hash}
	}

	_, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"mfa_recovery_codes"},
		[]string{"user_id", "code_hash"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy recovery codes: %w", err)
	}
	return nil
}

// DeleteWithTombstones inserts deletion tombstones and deletes the user in a single transaction, refusing to delete
// the last active administrator. Tombstone inserts use ON CONFLICT DO NOTHING so that re-deleting a restored account
// (or overlapping identifiers) is idempotent.
func (r *PGRepository) DeleteWithTombstones(ctx context.Context, id uuid.UUID, tombstones []Tombstone) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var isAdmin bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS(
				SELECT 1 FROM user_groups ug
				JOIN groups g ON g.id = ug.group_id
				WHERE ug.user_id = $1 AND g.is_admin
			)`, id,
		).Scan(&isAdmin)
		if err != nil {
			return fmt.Errorf("check admin membership: %w", err)
		}
		if isAdmin {
			var remaining int
			err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM user_groups ug
				 JOIN groups g ON g.id = ug.group_id
				 JOIN users u ON u.id = ug.user_id
				 WHERE g.is_admin AND u.is_active AND u.id != $1`, id,
			).Scan(&remaining)
			if err != nil {
				return fmt.Errorf("count remaining admins: %w", err)
			}
			if remaining == 0 {
				return ErrLastAdmin
			}
		}

		for _, t := range tombstones {
			_, err := tx.Exec(ctx,
				`INSERT INTO deletion_tombstones (identifier_type, hmac_hash)
				 VALUES ($1, $2)
				 ON CONFLICT (identifier_type, hmac_hash) DO NOTHING`,
				string(t.IdentifierType), t.HMACHash,
			)
			if err != nil {
				return fmt.Errorf("insert tombstone: %w", err)
			}
		}

		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// CheckTombstone returns true if a deletion tombstone exists for the given identifier type and HMAC hash.
func (r *PGRepository) CheckTombstone(ctx context.Context, identifierType TombstoneType, hmacHash string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deletion_tombstones WHERE identifier_type = $1 AND hmac_hash = $2)`,
		string(identifierType), hmacHash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return exists, nil
}

// CountActiveAdmins counts active users who belong to an IsAdmin group, excluding the given user ID (pass uuid.Nil to
// count all).
func (r *PGRepository) CountActiveAdmins(ctx context.Context, excluding uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT u.id) FROM users u
		 JOIN user_groups ug ON ug.user_id = u.id
		 JOIN groups g ON g.id = ug.group_id
		 WHERE g.is_admin AND u.is_active AND u.id != $1`,
		excluding,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active admins: %w", err)
	}
	return count, nil
}

// ListAll returns every user row, ordered by username. Used by the directory sync reconciler to build its local view.
func (r *PGRepository) ListAll(ctx context.Context) ([]User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// purgeBatchSize is the maximum number of rows deleted per batch to avoid long-running transactions.
const purgeBatchSize = 1000

// PurgeLoginAttempts deletes login attempt rows older than the given cutoff in batches.
func (r *PGRepository) PurgeLoginAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	if r.db == nil {
		return 0, fmt.Errorf("purge login attempts: database pool is nil")
	}

	const query = `DELETE FROM login_attempts WHERE ctid IN (SELECT ctid FROM login_attempts WHERE created_at < $1 LIMIT 1000)`

	var total int64
	for {
		tag, err := r.db.Exec(ctx, query, olderThan)
		if err != nil {
			return total, fmt.Errorf("purge login attempts: %w", err)
		}
		affected := tag.RowsAffected()
		total += affected
		if affected < purgeBatchSize {
			break
		}
	}
	return total, nil
}

// PurgeTombstones deletes deletion tombstone rows older than the given cutoff in batches.
func (r *PGRepository) PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	if r.db == nil {
		return 0, fmt.Errorf("purge deletion tombstones: database pool is nil")
	}

	const query = `DELETE FROM deletion_tombstones WHERE ctid IN (SELECT ctid FROM deletion_tombstones WHERE created_at < $1 LIMIT 1000)`

	var total int64
	for {
		tag, err := r.db.Exec(ctx, query, olderThan)
		if err != nil {
			return total, fmt.Errorf("purge deletion tombstones: %w", err)
		}
		affected := tag.RowsAffected()
		total += affected
		if affected < purgeBatchSize {
			break
		}
	}
	return total, nil
}
