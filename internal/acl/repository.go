package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/defguard/defguard-core/internal/postgres"
)

const ruleColumns = `id, parent_id, name, state, allow, ports, protocols, destinations, expires_at, created_at`

// PGRepository is the pgx-backed implementation of Repository.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository constructs a PGRepository over db.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	var state string
	var protocols []int32
	if err := row.Scan(&r.ID, &r.ParentID, &r.Name, &state, &r.Allow, &r.Ports, &protocols, &r.Destinations,
		&r.ExpiresAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.State = State(state)
	for _, p := range protocols {
		r.Protocols = append(r.Protocols, Protocol(p))
	}
	return &r, nil
}

func protocolsToInt32(protocols []Protocol) []int32 {
	out := make([]int32, len(protocols))
	for i, p := range protocols {
		out[i] = int32(p)
	}
	return out
}

func (r *PGRepository) loadAssociations(ctx context.Context, tx pgxQuerier, ruleID uuid.UUID, rule *Rule) error {
	var err error
	if rule.LocationIDs, err = queryUUIDs(ctx, tx, `SELECT location_id FROM acl_rule_locations WHERE rule_id = $1`, ruleID); err != nil {
		return err
	}
	if rule.AliasIDs, err = queryUUIDs(ctx, tx, `SELECT alias_id FROM acl_rule_aliases WHERE rule_id = $1`, ruleID); err != nil {
		return err
	}
	if rule.SourceUsers, err = queryUUIDs(ctx, tx, `SELECT user_id FROM acl_rule_source_users WHERE rule_id = $1`, ruleID); err != nil {
		return err
	}
	if rule.SourceGroups, err = queryUUIDs(ctx, tx, `SELECT group_id FROM acl_rule_source_groups WHERE rule_id = $1`, ruleID); err != nil {
		return err
	}
	if rule.SourceDevices, err = queryUUIDs(ctx, tx, `SELECT device_id FROM acl_rule_source_devices WHERE rule_id = $1`, ruleID); err != nil {
		return err
	}
	return nil
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryUUIDs(ctx context.Context, q pgxQuerier, sql string, arg uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("query associations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertAssociations(ctx context.Context, tx pgx.Tx, table, column string, ruleID uuid.UUID, ids []uuid.UUID) error {
	for _, id := range ids {
		sql := fmt.Sprintf(`INSERT INTO %s (rule_id, %s) VALUES ($1, $2)`, table, column)
		if _, err := tx.Exec(ctx, sql, ruleID, id); err != nil {
			return fmt.Errorf("insert %s association: %w", table, err)
		}
	}
	return nil
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	if err := ValidateName(params.Name); err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO acl_rules (name, state, allow, ports, protocols, destinations, expires_at)
			 VALUES ($1, 'new', $2, $3, $4, $5, $6) RETURNING id`,
			params.Name, params.Allow, params.Ports, protocolsToInt32(params.Protocols), params.Destinations,
			params.ExpiresAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert ACL rule: %w", err)
		}
		if err := insertAssociations(ctx, tx, "acl_rule_locations", "location_id", id, params.LocationIDs); err != nil {
			return err
		}
		if err := insertAssociations(ctx, tx, "acl_rule_aliases", "alias_id", id, params.AliasIDs); err != nil {
			return err
		}
		if err := insertAssociations(ctx, tx, "acl_rule_source_users", "user_id", id, params.SourceUsers); err != nil {
			return err
		}
		if err := insertAssociations(ctx, tx, "acl_rule_source_groups", "group_id", id, params.SourceGroups); err != nil {
			return err
		}
		return insertAssociations(ctx, tx, "acl_rule_source_devices", "device_id", id, params.SourceDevices)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	row := r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM acl_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query ACL rule: %w", err)
	}
	if err := r.loadAssociations(ctx, r.db, id, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *PGRepository) ListByLocation(ctx context.Context, locationID uuid.UUID) ([]Rule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+prefixed("ar", ruleColumns)+` FROM acl_rules ar
		 JOIN acl_rule_locations arl ON arl.rule_id = ar.id
		 WHERE arl.location_id = $1
		 ORDER BY ar.name`,
		locationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ACL rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range rules {
		if err := r.loadAssociations(ctx, r.db, rules[i].ID, &rules[i]); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func prefixed(alias, columns string) string {
	out := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if col != "" {
				out = append(out, col)
			}
			start = i + 1
		}
	}
	return out
}

func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM acl_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ACL rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Apply(ctx context.Context, id uuid.UUID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var parentID *uuid.UUID
		var state string
		if err := tx.QueryRow(ctx, `SELECT parent_id, state FROM acl_rules WHERE id = $1`, id).
			Scan(&parentID, &state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load ACL rule: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE acl_rules SET state = 'applied', parent_id = NULL WHERE id = $1`, id); err != nil {
			return fmt.Errorf("apply ACL rule: %w", err)
		}
		if parentID != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM acl_rules WHERE id = $1`, *parentID); err != nil {
				return fmt.Errorf("delete superseded ACL rule: %w", err)
			}
		}
		return nil
	})
}

func (r *PGRepository) Modify(ctx context.Context, id uuid.UUID, params CreateParams) (uuid.UUID, error) {
	var childID uuid.UUID
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var state string
		if err := tx.QueryRow(ctx, `SELECT state FROM acl_rules WHERE id = $1`, id).Scan(&state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load ACL rule: %w", err)
		}
		if State(state) != StateApplied {
			return ErrNotApplied
		}

		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM acl_rules WHERE parent_id = $1`, id).Scan(&existing); err != nil {
			return fmt.Errorf("check pending modification: %w", err)
		}
		if existing > 0 {
			return ErrAlreadyModified
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO acl_rules (parent_id, name, state, allow, ports, protocols, destinations, expires_at)
			 VALUES ($1, $2, 'modified', $3, $4, $5, $6, $7) RETURNING id`,
			id, params.Name, params.Allow, params.Ports, protocolsToInt32(params.Protocols), params.Destinations,
			params.ExpiresAt,
		).Scan(&childID)
		if err != nil {
			return fmt.Errorf("insert modified ACL rule: %w", err)
		}
		if err := insertAssociations(ctx, tx, "acl_rule_locations", "location_id", childID, params.LocationIDs); err != nil {
			return err
		}
		if err := insertAssociations(ctx, tx, "acl_rule_aliases", "alias_id", childID, params.AliasIDs); err != nil {
			return err
		}
		if err := insertAssociations(ctx, tx, "acl_rule_source_users", "user_id", childID, params.SourceUsers); err != nil {
			return err
		}
		if err := insertAssociations(ctx, tx, "acl_rule_source_groups", "group_id", childID, params.SourceGroups); err != nil {
			return err
		}
		return insertAssociations(ctx, tx, "acl_rule_source_devices", "device_id", childID, params.SourceDevices)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return childID, nil
}

func (r *PGRepository) CreateAlias(ctx context.Context, alias Alias) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO acl_aliases (name, destinations, ports, protocols) VALUES ($1, $2, $3, $4) RETURNING id`,
		alias.Name, alias.Destinations, alias.Ports, protocolsToInt32(alias.Protocols),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert ACL alias: %w", err)
	}
	return id, nil
}

func (r *PGRepository) GetAlias(ctx context.Context, id uuid.UUID) (*Alias, error) {
	var a Alias
	var protocols []int32
	err := r.db.QueryRow(ctx, `SELECT id, name, destinations, ports, protocols FROM acl_aliases WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Destinations, &a.Ports, &protocols)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query ACL alias: %w", err)
	}
	for _, p := range protocols {
		a.Protocols = append(a.Protocols, Protocol(p))
	}
	return &a, nil
}

func (r *PGRepository) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, destinations, ports, protocols FROM acl_aliases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query ACL aliases: %w", err)
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		var a Alias
		var protocols []int32
		if err := rows.Scan(&a.ID, &a.Name, &a.Destinations, &a.Ports, &protocols); err != nil {
			return nil, fmt.Errorf("scan ACL alias: %w", err)
		}
		for _, p := range protocols {
			a.Protocols = append(a.Protocols, Protocol(p))
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}
