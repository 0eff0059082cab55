package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/defguard/defguard-core/internal/postgres"
)

const selectColumns = `id, name, is_admin`

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.IsAdmin); err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	return &g, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed group repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	if err := ValidateName(params.Name); err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO groups (name, is_admin) VALUES ($1, $2) RETURNING id`,
		params.Name, params.IsAdmin,
	).Scan(&id)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return uuid.Nil, ErrAlreadyExists
		}
		return uuid.Nil, fmt.Errorf("insert group: %w", err)
	}
	return id, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Group, error) {
	g, err := scanGroup(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM groups WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query group by id: %w", err)
	}
	return g, nil
}

func (r *PGRepository) GetByName(ctx context.Context, name string) (*Group, error) {
	g, err := scanGroup(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM groups WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query group by name: %w", err)
	}
	return g, nil
}

func (r *PGRepository) ListAll(ctx context.Context) ([]Group, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) AddMember(ctx context.Context, groupID, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_groups (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (r *PGRepository) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM user_groups WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

func (r *PGRepository) Members(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM user_groups WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PGRepository) UserGroups(ctx context.Context, userID uuid.UUID) ([]Group, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.id, g.name, g.is_admin FROM groups g
		 JOIN user_groups ug ON ug.group_id = g.id
		 WHERE ug.user_id = $1
		 ORDER BY g.name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query user groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// SetMembers replaces the full membership of a group with exactly the given user set in a single transaction. Rows
// not present in userIDs are removed; rows already present are left untouched so join-table metadata (if any is added
// later) is not churned on every sync cycle.
func (r *PGRepository) SetMembers(ctx context.Context, groupID uuid.UUID, userIDs []uuid.UUID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM user_groups WHERE group_id = $1 AND user_id != ALL($2)`,
			groupID, userIDs,
		)
		if err != nil {
			return fmt.Errorf("prune stale members: %w", err)
		}

		for _, uid := range userIDs {
			_, err := tx.Exec(ctx,
				`INSERT INTO user_groups (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				groupID, uid,
			)
			if err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
		}
		return nil
	})
}
