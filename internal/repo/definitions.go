package repo

import (
	"context"
	"database/sql"
	"fmt"

	"approvalq/internal/domain"
)

// UpsertDefinition stores def and replaces its level chain. CreatedAt is kept on update.
func (r Repo) UpsertDefinition(ctx context.Context, tx *sql.Tx, def domain.WorkflowDefinition) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO workflow_definitions(request_type,created_at,updated_at) VALUES (?,?,?)
ON CONFLICT(request_type) DO UPDATE SET updated_at=excluded.updated_at`,
		def.RequestType, def.CreatedAt, def.UpdatedAt); err != nil {
		return fmt.Errorf("upsert definition: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM workflow_levels WHERE request_type=?`, def.RequestType); err != nil {
		return fmt.Errorf("clear levels: %w", err)
	}
	for i, role := range def.Levels {
		if _, err := q.ExecContext(ctx, `INSERT INTO workflow_levels(request_type,level,role_id) VALUES (?,?,?)`,
			def.RequestType, i+1, role); err != nil {
			return fmt.Errorf("insert level %d: %w", i+1, err)
		}
	}
	return nil
}

func (r Repo) GetDefinition(ctx context.Context, tx *sql.Tx, requestType string) (domain.WorkflowDefinition, error) {
	q := r.q(tx)
	var def domain.WorkflowDefinition
	err := q.QueryRowContext(ctx, `SELECT request_type,created_at,updated_at FROM workflow_definitions WHERE request_type=?`, requestType).
		Scan(&def.RequestType, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return def, ErrNotFound
	}
	if err != nil {
		return def, err
	}
	rows, err := q.QueryContext(ctx, `SELECT role_id FROM workflow_levels WHERE request_type=? ORDER BY level`, requestType)
	if err != nil {
		return def, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return def, err
		}
		def.Levels = append(def.Levels, role)
	}
	return def, rows.Err()
}

func (r Repo) ListDefinitions(ctx context.Context, tx *sql.Tx) ([]domain.WorkflowDefinition, error) {
	rows, err := r.q(tx).QueryContext(ctx, `
SELECT d.request_type, d.created_at, d.updated_at, l.role_id
FROM workflow_definitions d
LEFT JOIN workflow_levels l ON l.request_type=d.request_type
ORDER BY d.request_type, l.level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowDefinition
	for rows.Next() {
		var (
			def  domain.WorkflowDefinition
			role sql.NullString
		)
		if err := rows.Scan(&def.RequestType, &def.CreatedAt, &def.UpdatedAt, &role); err != nil {
			return nil, err
		}
		if n := len(res); n == 0 || res[n-1].RequestType != def.RequestType {
			res = append(res, def)
		}
		if role.Valid {
			last := &res[len(res)-1]
			last.Levels = append(last.Levels, role.String)
		}
	}
	return res, rows.Err()
}

// DeleteDefinition removes a definition unless pending requests still route through it.
func (r Repo) DeleteDefinition(ctx context.Context, tx *sql.Tx, requestType string) error {
	q := r.q(tx)
	var pending int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE type=? AND status='Pending'`, requestType).Scan(&pending); err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("%w: %d pending requests of type %s", ErrDefinitionInUse, pending, requestType)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE request_type=?`, requestType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DefinitionsByType indexes the current definitions for a pending snapshot.
func (r Repo) DefinitionsByType(ctx context.Context, tx *sql.Tx) (map[string]domain.WorkflowDefinition, error) {
	defs, err := r.ListDefinitions(ctx, tx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.WorkflowDefinition, len(defs))
	for _, d := range defs {
		out[d.RequestType] = d
	}
	return out, nil
}
