package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/valora-session/internal/domain"
)

// PostgresRefreshTokenRepo stores refresh tokens in the refresh_tokens table.
// Single use is enforced by the conditional update in ConsumeIfActive.
type PostgresRefreshTokenRepo struct {
	db      DB
	timeout time.Duration
}

func NewPostgresRefreshTokenRepo(db DB, timeout time.Duration) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db, timeout: timeout}
}

const refreshColumns = `id, user_id, token_hash, access_token_jti, expires_at, device_info, ip_address, user_agent, created_at, revoked, revoked_at, replaced_by`

const insertRefreshSQL = `INSERT INTO refresh_tokens (id, user_id, token_hash, access_token_jti, expires_at, device_info, ip_address, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at`

const selectRefreshByHashSQL = `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token_hash = $1`

const consumeRefreshSQL = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = NOW()
WHERE token_hash = $1 AND revoked = FALSE AND expires_at > NOW()`

const markReplacedSQL = `UPDATE refresh_tokens SET replaced_by = $2, revoked = TRUE, revoked_at = COALESCE(revoked_at, NOW())
WHERE token_hash = $1`

const revokeByHashSQL = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = NOW()
WHERE token_hash = $1 AND revoked = FALSE`

const revokeByJTISQL = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = NOW()
WHERE access_token_jti = $1 AND revoked = FALSE`

const revokeAllForUserSQL = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = NOW()
WHERE user_id = $1 AND revoked = FALSE`

const revokeOldestActiveSQL = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = NOW()
WHERE id = (
SELECT id FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > NOW()
ORDER BY created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED)`

const countActiveSQL = `SELECT COUNT(*) FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > NOW()`

const listActiveSQL = `SELECT ` + refreshColumns + ` FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > NOW()
ORDER BY created_at DESC`

const deleteStaleSQL = `DELETE FROM refresh_tokens
WHERE expires_at < NOW() OR (revoked = TRUE AND revoked_at < $1)`

func scanRefresh(row pgx.Row) (domain.RefreshToken, error) {
	var (
		t   domain.RefreshToken
		jti *string
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.TokenHash,
		&jti,
		&t.ExpiresAt,
		&t.DeviceInfo,
		&t.IPAddress,
		&t.UserAgent,
		&t.CreatedAt,
		&t.Revoked,
		&t.RevokedAt,
		&t.ReplacedBy,
	)
	if jti != nil {
		t.AccessTokenJTI = *jti
	}
	return t, err
}

func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	err := r.db.QueryRow(ctx, insertRefreshSQL,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.AccessTokenJTI,
		token.ExpiresAt,
		token.DeviceInfo,
		token.IPAddress,
		token.UserAgent,
	).Scan(&token.CreatedAt)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("create refresh token: %w", err)
	}
	return token, nil
}

func (r *PostgresRefreshTokenRepo) GetByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	t, err := scanRefresh(r.db.QueryRow(ctx, selectRefreshByHashSQL, tokenHash))
	if err != nil {
		return domain.RefreshToken{}, notFound("get refresh token", err)
	}
	return t, nil
}

func (r *PostgresRefreshTokenRepo) ConsumeIfActive(ctx context.Context, tokenHash string) (bool, error) {
	n, err := r.exec(ctx, "consume refresh token", consumeRefreshSQL, tokenHash)
	return n == 1, err
}

func (r *PostgresRefreshTokenRepo) MarkReplaced(ctx context.Context, tokenHash string, replacedBy int64) error {
	_, err := r.exec(ctx, "mark refresh token replaced", markReplacedSQL, tokenHash, replacedBy)
	return err
}

func (r *PostgresRefreshTokenRepo) RevokeByHash(ctx context.Context, tokenHash string) error {
	_, err := r.exec(ctx, "revoke refresh token", revokeByHashSQL, tokenHash)
	return err
}

func (r *PostgresRefreshTokenRepo) RevokeByAccessJTI(ctx context.Context, jti string) (int64, error) {
	return r.exec(ctx, "revoke refresh token by jti", revokeByJTISQL, jti)
}

func (r *PostgresRefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	return r.exec(ctx, "revoke user refresh tokens", revokeAllForUserSQL, userID)
}

func (r *PostgresRefreshTokenRepo) RevokeOldestActive(ctx context.Context, userID int64) (bool, error) {
	n, err := r.exec(ctx, "revoke oldest refresh token", revokeOldestActiveSQL, userID)
	return n == 1, err
}

func (r *PostgresRefreshTokenRepo) CountActive(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var n int
	if err := r.db.QueryRow(ctx, countActiveSQL, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active refresh tokens: %w", err)
	}
	return n, nil
}

func (r *PostgresRefreshTokenRepo) ListActive(ctx context.Context, userID int64) ([]domain.RefreshToken, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.db.Query(ctx, listActiveSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.RefreshToken
	for rows.Next() {
		t, err := scanRefresh(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	return tokens, nil
}

func (r *PostgresRefreshTokenRepo) DeleteStale(ctx context.Context, revokedBefore time.Time) (int64, error) {
	return r.exec(ctx, "delete stale refresh tokens", deleteStaleSQL, revokedBefore)
}

func (r *PostgresRefreshTokenRepo) exec(ctx context.Context, op, sql string, args ...any) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}
