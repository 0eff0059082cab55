package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/defguard/defguard-core/internal/postgres"
)

const selectColumns = `id, name, cidrs, listen_port, public_endpoint, gateway_pubkey, gateway_privkey,
	dns_suggestions, allowed_ips, keepalive_interval, disconnect_threshold, mfa_mode, acl_enabled, acl_default_allow`

// PGRepository is the pgx-backed implementation of Repository.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository constructs a PGRepository over db.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func scanLocation(row pgx.Row) (*Location, error) {
	var l Location
	var mode string
	if err := row.Scan(&l.ID, &l.Name, &l.CIDRs, &l.ListenPort, &l.PublicEndpoint, &l.GatewayPubkey,
		&l.GatewayPrivkey, &l.DNSSuggestions, &l.AllowedIPs, &l.KeepaliveInterval, &l.DisconnectThreshold,
		&mode, &l.ACLEnabled, &l.ACLDefaultAllow); err != nil {
		return nil, err
	}
	l.MFAMode = MFAMode(mode)
	return &l, nil
}

func (r *PGRepository) loadAllowedGroups(ctx context.Context, tx pgxQuerier, locationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `SELECT group_id FROM location_allowed_groups WHERE location_id = $1`, locationID)
	if err != nil {
		return nil, fmt.Errorf("query allowed groups: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan allowed group: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting loadAllowedGroups run inside or outside a
// transaction.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	if err := ValidateName(params.Name); err != nil {
		return uuid.Nil, err
	}
	if _, err := ValidateCIDRs(params.CIDRs); err != nil {
		return uuid.Nil, err
	}
	if params.MFAMode != "" && !params.MFAMode.Valid() {
		return uuid.Nil, ErrInvalidMFAMode
	}
	mode := params.MFAMode
	if mode == "" {
		mode = MFADisabled
	}

	var id uuid.UUID
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO locations (name, cidrs, listen_port, public_endpoint, gateway_pubkey, gateway_privkey,
				dns_suggestions, allowed_ips, keepalive_interval, disconnect_threshold, mfa_mode, acl_enabled,
				acl_default_allow)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 RETURNING id`,
			params.Name, params.CIDRs, params.ListenPort, params.PublicEndpoint, params.GatewayPubkey,
			params.GatewayPrivkey, params.DNSSuggestions, params.AllowedIPs, params.KeepaliveInterval,
			params.DisconnectThreshold, string(mode), params.ACLEnabled, params.ACLDefaultAllow,
		).Scan(&id)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert location: %w", err)
		}
		return insertAllowedGroups(ctx, tx, id, params.AllowedGroups)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func insertAllowedGroups(ctx context.Context, tx pgx.Tx, locationID uuid.UUID, groupIDs []uuid.UUID) error {
	for _, gid := range groupIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO location_allowed_groups (location_id, group_id) VALUES ($1, $2)`,
			locationID, gid,
		); err != nil {
			return fmt.Errorf("insert allowed group: %w", err)
		}
	}
	return nil
}

func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) error {
	if _, err := ValidateCIDRs(params.CIDRs); err != nil {
		return err
	}
	if params.MFAMode != "" && !params.MFAMode.Valid() {
		return ErrInvalidMFAMode
	}

	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE locations SET cidrs = $2, public_endpoint = $3, dns_suggestions = $4, allowed_ips = $5,
				keepalive_interval = $6, disconnect_threshold = $7, mfa_mode = $8, acl_enabled = $9,
				acl_default_allow = $10
			 WHERE id = $1`,
			id, params.CIDRs, params.PublicEndpoint, params.DNSSuggestions, params.AllowedIPs,
			params.KeepaliveInterval, params.DisconnectThreshold, string(params.MFAMode), params.ACLEnabled,
			params.ACLDefaultAllow,
		)
		if err != nil {
			return fmt.Errorf("update location: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM location_allowed_groups WHERE location_id = $1`, id); err != nil {
			return fmt.Errorf("clear allowed groups: %w", err)
		}
		return insertAllowedGroups(ctx, tx, id, params.AllowedGroups)
	})
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Location, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM locations WHERE id = $1`, id)
	l, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query location: %w", err)
	}
	l.AllowedGroups, err = r.loadAllowedGroups(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (r *PGRepository) GetByName(ctx context.Context, name string) (*Location, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM locations WHERE name = $1`, name)
	l, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query location: %w", err)
	}
	l.AllowedGroups, err = r.loadAllowedGroups(ctx, r.db, l.ID)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (r *PGRepository) ListAll(ctx context.Context) ([]Location, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM locations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range locations {
		groups, err := r.loadAllowedGroups(ctx, r.db, locations[i].ID)
		if err != nil {
			return nil, err
		}
		locations[i].AllowedGroups = groups
	}
	return locations, nil
}

func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM locations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) AllowedForUser(ctx context.Context, locationID, userID uuid.UUID) (bool, error) {
	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM location_allowed_groups WHERE location_id = $1`, locationID,
	).Scan(&total); err != nil {
		return false, fmt.Errorf("count allowed groups: %w", err)
	}
	if total == 0 {
		return true, nil
	}

	var matched bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM location_allowed_groups lag
			JOIN user_groups ug ON ug.group_id = lag.group_id
			WHERE lag.location_id = $1 AND ug.user_id = $2
		)`, locationID, userID,
	).Scan(&matched)
	if err != nil {
		return false, fmt.Errorf("check group membership: %w", err)
	}
	return matched, nil
}
