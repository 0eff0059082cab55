// Package bootstrap seeds the database on first run: the initial administrator account and the admin group that
// gates every privileged operation elsewhere in the system.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/defguard/defguard-core/internal/auth"
	"github.com/defguard/defguard-core/internal/config"
)

var sanitizeUsername = regexp.MustCompile(`[^a-zA-Z0-9_.]`)

// AdminGroupName is the name of the group seeded on first run with IsAdmin set. Membership in this group is what the
// rest of the system checks to authorize privileged operations and to enforce the last-admin deletion guard.
const AdminGroupName = "admins"

// IsFirstRun returns true when the groups table has no rows, meaning no prior RunFirstInit has executed.
func IsFirstRun(ctx context.Context, db *pgxpool.Pool) (bool, error) {
	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM groups").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check first run: %w", err)
	}
	return count == 0, nil
}

// deriveOwnerUsername returns configured if set, otherwise derives a username from the local part of email with
// characters outside [A-Za-z0-9_.] stripped.
func deriveOwnerUsername(configured, email string) string {
	if configured != "" {
		return configured
	}
	username := email
	if idx := strings.Index(username, "@"); idx > 0 {
		username = username[:idx]
	}
	return sanitizeUsername.ReplaceAllString(username, "")
}

// RunFirstInit seeds the database with the admin group and the initial administrator account inside a single
// transaction. It uses cfg.InitOwnerUsername (INIT_OWNER_USERNAME, default "admin"), and derives a username from the
// email local part only when that value is empty.
func RunFirstInit(ctx context.Context, db *pgxpool.Pool, cfg *config.Config) error {
	if cfg.InitOwnerEmail == "" || cfg.InitOwnerPassword == "" {
		return fmt.Errorf("INIT_OWNER_EMAIL and INIT_OWNER_PASSWORD must be set for first-run initialization")
	}

	ownerEmail, _, err := auth.ValidateEmail(cfg.InitOwnerEmail)
	if err != nil {
		return fmt.Errorf("invalid INIT_OWNER_EMAIL: %w", err)
	}

	hash, err := auth.HashPassword(
		cfg.InitOwnerPassword,
		cfg.Argon2Memory,
		cfg.Argon2Iterations,
		cfg.Argon2Parallelism,
		cfg.Argon2SaltLength,
		cfg.Argon2KeyLength,
	)
	if err != nil {
		return fmt.Errorf("hash owner password: %w", err)
	}

	username := deriveOwnerUsername(cfg.InitOwnerUsername, ownerEmail)
	if err := auth.ValidateUsername(username); err != nil {
		return fmt.Errorf("owner username %q is invalid: %w", username, err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin init transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Warn().Err(err).Msg("init transaction rollback failed")
		}
	}()

	var ownerID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO users (email, username, password_hash, is_active, email_verified)
		 VALUES ($1, $2, $3, true, true)
		 RETURNING id`,
		ownerEmail, username, hash,
	).Scan(&ownerID)
	if err != nil {
		return fmt.Errorf("insert owner user: %w", err)
	}

	var adminGroupID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO groups (name, is_admin) VALUES ($1, true) RETURNING id`,
		AdminGroupName,
	).Scan(&adminGroupID)
	if err != nil {
		return fmt.Errorf("insert admin group: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO user_groups (group_id, user_id) VALUES ($1, $2)`,
		adminGroupID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("assign owner to admin group: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit init transaction: %w", err)
	}

	log.Info().Str("username", username).Str("email", ownerEmail).Msg("Seeded initial administrator account")
	return nil
}
