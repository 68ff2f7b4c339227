package pg

import (
	"context"
	"database/sql"
	"errors"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/ids"
)

type roleStore struct {
	db *sql.DB
}

func scanRole(row interface{ Scan(...any) error }) (*auth.Role, error) {
	var (
		r    auth.Role
		desc sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &desc, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Description = fromNull(desc)
	return &r, nil
}

func (s *roleStore) Create(ctx context.Context, r *auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, description, created_at)
		values ($1, $2, $3, $4)
	`, r.ID, r.Name, nullIfEmpty(r.Description), r.CreatedAt)
	return mapAuthErr(err)
}

func (s *roleStore) GetByID(ctx context.Context, id string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `select id, name, description, created_at from roles where id = $1`, id)
	return scanRole(row)
}

func (s *roleStore) GetByName(ctx context.Context, name string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `select id, name, description, created_at from roles where name = $1`, name)
	return scanRole(row)
}

func (s *roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, description, created_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *roleStore) Update(ctx context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		update roles set
			name        = coalesce($2, name),
			description = coalesce($3, description)
		where id = $1
		returning id, name, description, created_at
	`, id, upd.Name, upd.Description)
	r, err := scanRole(row)
	if err != nil {
		return nil, mapAuthErr(err)
	}
	return r, nil
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return mapAuthErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Ensure inserts the role if absent. The unique name index arbitrates
// races: on conflict the insert changes nothing and the surviving row
// is read back.
func (s *roleStore) Ensure(ctx context.Context, name, description string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, created_at)
		values ($1, $2, $3, now())
		on conflict (name) do update set name = excluded.name
		returning id, name, description, created_at
	`, ids.New(), name, nullIfEmpty(description))
	return scanRole(row)
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, created_at)
		values ($1, $2, now())
	`, userID, roleID)
	return mapAuthErr(err)
}

func (s *roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *roleStore) RolesForUser(ctx context.Context, userID string) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.created_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *roleStore) UserHasRole(ctx context.Context, userID, roleName string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1
			from user_roles ur
			join roles r on r.id = ur.role_id
			where ur.user_id = $1 and r.name = $2
		)
	`, userID, roleName).Scan(&exists)
	return exists, err
}

type permissionStore struct {
	db *sql.DB
}

const permissionColumns = `id, name, description, resource, action, created_at`

func scanPermission(row interface{ Scan(...any) error }) (*auth.Permission, error) {
	var (
		p                      auth.Permission
		desc, resource, action sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &desc, &resource, &action, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Description = fromNull(desc)
	p.Resource = fromNull(resource)
	p.Action = fromNull(action)
	return &p, nil
}

func (s *permissionStore) Create(ctx context.Context, p *auth.Permission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permissions (id, name, description, resource, action, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, nullIfEmpty(p.Description), nullIfEmpty(p.Resource), nullIfEmpty(p.Action), p.CreatedAt)
	return mapAuthErr(err)
}

func (s *permissionStore) GetByID(ctx context.Context, id string) (*auth.Permission, error) {
	row := s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, id)
	return scanPermission(row)
}

func (s *permissionStore) GetByName(ctx context.Context, name string) (*auth.Permission, error) {
	row := s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name)
	return scanPermission(row)
}

func (s *permissionStore) List(ctx context.Context) ([]*auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *permissionStore) Update(ctx context.Context, id string, upd auth.PermissionUpdate) (*auth.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		update permissions set
			description = coalesce($2, description),
			resource    = coalesce($3, resource),
			action      = coalesce($4, action)
		where id = $1
		returning `+permissionColumns, id, upd.Description, upd.Resource, upd.Action)
	p, err := scanPermission(row)
	if err != nil {
		return nil, mapAuthErr(err)
	}
	return p, nil
}

func (s *permissionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return mapAuthErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *permissionStore) GrantToRole(ctx context.Context, roleID, permissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
	`, roleID, permissionID)
	return mapAuthErr(err)
}

func (s *permissionStore) RevokeFromRole(ctx context.Context, roleID, permissionID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *permissionStore) PermissionsForRole(ctx context.Context, roleID string) ([]*auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.description, p.resource, p.action, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NamesForUser walks user -> roles -> permissions in one query; the
// distinct collapses permissions reachable through several roles.
func (s *permissionStore) NamesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *permissionStore) UserHasPermission(ctx context.Context, userID, permissionName string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1
			from role_permissions rp
			join user_roles ur on ur.role_id = rp.role_id
			join permissions p on p.id = rp.permission_id
			where ur.user_id = $1 and p.name = $2
		)
	`, userID, permissionName).Scan(&exists)
	return exists, err
}
