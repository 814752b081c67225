package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"approvalq/internal/domain"
)

const userColumns = `id,email,COALESCE(name,''),COALESCE(role_id,''),COALESCE(access_level,''),COALESCE(branch,''),password_hash,created_at,updated_at`

// CreateUser inserts u. A role, when named, must exist.
func (r Repo) CreateUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	q := r.q(tx)
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("email required")
	}
	if u.RoleID != "" {
		if _, err := r.GetRole(ctx, tx, u.RoleID); err != nil {
			return fmt.Errorf("role %s: %w", u.RoleID, err)
		}
	}
	_, err := q.ExecContext(ctx, `INSERT INTO users(id,email,name,role_id,access_level,branch,password_hash,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, nullable(u.Name), nullable(u.RoleID), nullable(u.AccessLevel), nullable(u.Branch), u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s already exists", ErrConflict, u.Email)
	}
	return err
}

// UpdateUser applies the non-nil fields of ch to user id.
func (r Repo) UpdateUser(ctx context.Context, tx *sql.Tx, id string, ch domain.UserChanges, now string) (domain.User, error) {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, nullable(*v))
		}
	}
	if ch.Email != nil {
		fields = append(fields, "email=?")
		args = append(args, *ch.Email)
	}
	set("name", ch.Name)
	set("role_id", ch.RoleID)
	set("access_level", ch.AccessLevel)
	set("branch", ch.Branch)
	if ch.RoleID != nil && *ch.RoleID != "" {
		if _, err := r.GetRole(ctx, tx, *ch.RoleID); err != nil {
			return domain.User{}, fmt.Errorf("role %s: %w", *ch.RoleID, err)
		}
	}
	if len(fields) == 0 {
		return r.GetUser(ctx, tx, id)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if isUniqueViolation(err) {
		return domain.User{}, fmt.Errorf("%w: email already in use", ErrConflict)
	}
	if err != nil {
		return domain.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return r.GetUser(ctx, tx, id)
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.TrimSpace(email)))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.RoleID, &u.AccessLevel, &u.Branch, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

const roleColumns = `id,name,COALESCE(module,''),COALESCE(permissions_json,''),created_at,updated_at`

func (r Repo) CreateRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	if strings.TrimSpace(role.Name) == "" {
		return fmt.Errorf("role name required")
	}
	perms, err := marshalPermissions(role.Permissions)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO roles(id,name,module,permissions_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		role.ID, role.Name, nullable(role.Module), perms, role.CreatedAt, role.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: role %s already exists", ErrConflict, role.ID)
	}
	return err
}

// UpdateRole applies the non-nil fields of ch. Permissions, when set, replace the whole map.
func (r Repo) UpdateRole(ctx context.Context, tx *sql.Tx, id string, ch domain.RoleChanges, now string) (domain.Role, error) {
	var (
		fields []string
		args   []any
	)
	if ch.Name != nil {
		if strings.TrimSpace(*ch.Name) == "" {
			return domain.Role{}, fmt.Errorf("role name cannot be empty")
		}
		fields = append(fields, "name=?")
		args = append(args, *ch.Name)
	}
	if ch.Module != nil {
		fields = append(fields, "module=?")
		args = append(args, nullable(*ch.Module))
	}
	if ch.Permissions != nil {
		perms, err := marshalPermissions(ch.Permissions)
		if err != nil {
			return domain.Role{}, err
		}
		fields = append(fields, "permissions_json=?")
		args = append(args, perms)
	}
	if len(fields) == 0 {
		return r.GetRole(ctx, tx, id)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE roles SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.Role{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Role{}, fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	return r.GetRole(ctx, tx, id)
}

func (r Repo) GetRole(ctx context.Context, tx *sql.Tx, id string) (domain.Role, error) {
	return scanRole(r.q(tx).QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id=?`, id))
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func scanRole(row rowScanner) (domain.Role, error) {
	var (
		role  domain.Role
		perms string
	)
	err := row.Scan(&role.ID, &role.Name, &role.Module, &perms, &role.CreatedAt, &role.UpdatedAt)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if err != nil {
		return role, err
	}
	if perms != "" {
		if err := json.Unmarshal([]byte(perms), &role.Permissions); err != nil {
			return role, fmt.Errorf("decode permissions for role %s: %w", role.ID, err)
		}
	}
	return role, nil
}

func marshalPermissions(perms map[string][]string) (any, error) {
	if len(perms) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
