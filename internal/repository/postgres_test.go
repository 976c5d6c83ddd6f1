package repository_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/repository"
)

func TestUserGetByEmail(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewPostgresUserRepo(mock, time.Second)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("a@example.com").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "email", "email_verified", "password_hash", "name", "status", "last_login_at", "created_at", "updated_at",
		}).AddRow(int64(1), "a@example.com", true, "$argon2id$...", "A", "ACTIVE", (*time.Time)(nil), now, now))

	user, err := repo.GetByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.Equal(t, int64(1), user.ID)
	require.True(t, user.Active())
	require.Nil(t, user.LastLoginAt)
}

func TestUserGetByIDNotFound(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewPostgresUserRepo(mock, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 404)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoleNamesAndPermission(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewPostgresRoleRepo(mock, time.Second)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("JOIN user_roles ur ON ur.role_id = r.id")).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("ADMIN").AddRow("USER"))
	mock.ExpectQuery(regexp.QuoteMeta("JOIN role_permissions rp")).
		WithArgs(int64(1), "SESSION_REVOKE").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	roles, err := repo.RoleNames(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"ADMIN", "USER"}, roles)

	ok, err := repo.HasPermission(ctx, 1, "SESSION_REVOKE")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAssignUnknownRole(t *testing.T) {
	mock := newMock(t)
	repo := repository.NewPostgresRoleRepo(mock, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_roles")).
		WithArgs(int64(1), "GHOST").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1)")).
		WithArgs("GHOST").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.AssignRole(context.Background(), 1, "GHOST")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
