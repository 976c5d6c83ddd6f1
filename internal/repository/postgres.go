package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/valora-session/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository         = (*PostgresUserRepo)(nil)
	_ RoleRepository         = (*PostgresRoleRepo)(nil)
	_ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db      DB
	timeout time.Duration
}

func NewPostgresUserRepo(db DB, timeout time.Duration) *PostgresUserRepo {
	return &PostgresUserRepo{db: db, timeout: timeout}
}

const userColumns = `id, email, email_verified, password_hash, name, status, last_login_at, created_at, updated_at`

const selectUserByEmailSQL = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

const selectUserByIDSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

const insertUserSQL = `INSERT INTO users (id, email, email_verified, password_hash, name, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + userColumns

const touchLastLoginSQL = `UPDATE users SET last_login_at = $2, updated_at = NOW() WHERE id = $1`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.EmailVerified,
		&u.PasswordHash,
		&u.Name,
		&u.Status,
		&u.LastLoginAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	u, err := scanUser(r.db.QueryRow(ctx, selectUserByEmailSQL, email))
	if err != nil {
		return domain.User{}, notFound("get user", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	u, err := scanUser(r.db.QueryRow(ctx, selectUserByIDSQL, userID))
	if err != nil {
		return domain.User{}, notFound("get user by id", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	created, err := scanUser(r.db.QueryRow(ctx, insertUserSQL,
		user.ID,
		user.Email,
		user.EmailVerified,
		user.PasswordHash,
		user.Name,
		user.Status,
	))
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

func (r *PostgresUserRepo) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.db.Exec(ctx, touchLastLoginSQL, userID, at); err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// PostgresRoleRepo implements RoleRepository over user_roles and role_permissions.
type PostgresRoleRepo struct {
	db      DB
	timeout time.Duration
}

func NewPostgresRoleRepo(db DB, timeout time.Duration) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: db, timeout: timeout}
}

const selectRoleNamesSQL = `SELECT r.name FROM roles r
JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = $1
ORDER BY r.name`

const hasPermissionSQL = `SELECT EXISTS (
SELECT 1 FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1 AND p.name = $2)`

const assignRoleSQL = `INSERT INTO user_roles (user_id, role_id)
SELECT $1, id FROM roles WHERE name = $2
ON CONFLICT DO NOTHING`

func (r *PostgresRoleRepo) RoleNames(ctx context.Context, userID int64) ([]string, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.db.Query(ctx, selectRoleNamesSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0, 2)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return names, nil
}

func (r *PostgresRoleRepo) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var ok bool
	if err := r.db.QueryRow(ctx, hasPermissionSQL, userID, permission).Scan(&ok); err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return ok, nil
}

func (r *PostgresRoleRepo) AssignRole(ctx context.Context, userID int64, role string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	tag, err := r.db.Exec(ctx, assignRoleSQL, userID, role)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1)`, role).Scan(&exists); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
		if !exists {
			return fmt.Errorf("assign role %s: %w", role, domain.ErrNotFound)
		}
	}
	return nil
}
