// Package memory provides in-memory repositories intended for tests and dev.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/repository"
)

var (
	_ repository.RefreshTokenRepository = (*RefreshTokens)(nil)
	_ repository.UserRepository         = (*Users)(nil)
	_ repository.RoleRepository         = (*Roles)(nil)
)

// RefreshTokens keeps refresh rows in a map guarded by one mutex, which gives
// ConsumeIfActive the same compare-and-set semantics as the SQL update.
type RefreshTokens struct {
	mu     sync.Mutex
	byID   map[int64]*domain.RefreshToken
	byHash map[string]int64
	Now    func() time.Time
}

// NewRefreshTokens creates an empty store.
func NewRefreshTokens() *RefreshTokens {
	return &RefreshTokens{
		byID:   make(map[int64]*domain.RefreshToken),
		byHash: make(map[string]int64),
		Now:    time.Now,
	}
}

func (s *RefreshTokens) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byHash[token.TokenHash]; dup {
		return domain.RefreshToken{}, errDuplicate
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = s.Now()
	}
	row := token
	s.byID[row.ID] = &row
	s.byHash[row.TokenHash] = row.ID
	return row, nil
}

func (s *RefreshTokens) GetByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.lookup(tokenHash)
	if !ok {
		return domain.RefreshToken{}, domain.ErrNotFound
	}
	return copyRow(row), nil
}

func (s *RefreshTokens) ConsumeIfActive(ctx context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.lookup(tokenHash)
	if !ok || row.Revoked || row.Expired(s.Now()) {
		return false, nil
	}
	s.revoke(row)
	return true, nil
}

func (s *RefreshTokens) MarkReplaced(ctx context.Context, tokenHash string, replacedBy int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.lookup(tokenHash)
	if !ok {
		return nil
	}
	id := replacedBy
	row.ReplacedBy = &id
	if !row.Revoked {
		s.revoke(row)
	}
	return nil
}

func (s *RefreshTokens) RevokeByHash(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.lookup(tokenHash); ok && !row.Revoked {
		s.revoke(row)
	}
	return nil
}

func (s *RefreshTokens) RevokeByAccessJTI(ctx context.Context, jti string) (int64, error) {
	return s.revokeWhere(func(r *domain.RefreshToken) bool { return r.AccessTokenJTI == jti }), nil
}

func (s *RefreshTokens) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	return s.revokeWhere(func(r *domain.RefreshToken) bool { return r.UserID == userID }), nil
}

func (s *RefreshTokens) RevokeOldestActive(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.active(userID)
	if len(active) == 0 {
		return false, nil
	}
	s.revoke(active[len(active)-1])
	return true, nil
}

func (s *RefreshTokens) CountActive(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active(userID)), nil
}

func (s *RefreshTokens) ListActive(ctx context.Context, userID int64) ([]domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.active(userID)
	out := make([]domain.RefreshToken, 0, len(active))
	for _, row := range active {
		out = append(out, copyRow(row))
	}
	return out, nil
}

func (s *RefreshTokens) DeleteStale(ctx context.Context, revokedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var n int64
	for id, row := range s.byID {
		stale := row.Expired(now) || (row.Revoked && row.RevokedAt != nil && row.RevokedAt.Before(revokedBefore))
		if stale {
			delete(s.byHash, row.TokenHash)
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// All returns every row, oldest first.
func (s *RefreshTokens) All() []domain.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RefreshToken, 0, len(s.byID))
	for _, row := range s.byID {
		out = append(out, copyRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *RefreshTokens) lookup(hash string) (*domain.RefreshToken, bool) {
	id, ok := s.byHash[hash]
	if !ok {
		return nil, false
	}
	row, ok := s.byID[id]
	return row, ok
}

// active returns the user's active rows, newest first.
func (s *RefreshTokens) active(userID int64) []*domain.RefreshToken {
	now := s.Now()
	var rows []*domain.RefreshToken
	for _, row := range s.byID {
		if row.UserID == userID && row.Active(now) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return rows
}

func (s *RefreshTokens) revokeWhere(match func(*domain.RefreshToken) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.byID {
		if !row.Revoked && match(row) {
			s.revoke(row)
			n++
		}
	}
	return n
}

func (s *RefreshTokens) revoke(row *domain.RefreshToken) {
	at := s.Now()
	row.Revoked = true
	row.RevokedAt = &at
}

func copyRow(row *domain.RefreshToken) domain.RefreshToken {
	out := *row
	if row.ReplacedBy != nil {
		id := *row.ReplacedBy
		out.ReplacedBy = &id
	}
	if row.RevokedAt != nil {
		at := *row.RevokedAt
		out.RevokedAt = &at
	}
	return out
}

type memoryError string

func (e memoryError) Error() string { return string(e) }

const errDuplicate = memoryError("duplicate token hash")

// Users is an in-memory UserRepository keyed by lower-cased email.
type Users struct {
	mu      sync.Mutex
	byID    map[int64]domain.User
	byEmail map[string]int64
}

// NewUsers creates a store seeded with users.
func NewUsers(users ...domain.User) *Users {
	s := &Users{byID: map[int64]domain.User{}, byEmail: map[string]int64{}}
	for _, u := range users {
		_, _ = s.Create(context.Background(), u)
	}
	return s
}

func (s *Users) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *Users) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *Users) Create(ctx context.Context, user domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byEmail[strings.ToLower(user.Email)]; dup {
		return domain.User{}, memoryError("duplicate email")
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	s.byID[user.ID] = user
	s.byEmail[strings.ToLower(user.Email)] = user.ID
	return user, nil
}

func (s *Users) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.LastLoginAt = &at
	s.byID[userID] = u
	return nil
}

// SetStatus changes the account status.
func (s *Users) SetStatus(userID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID[userID]
	u.Status = status
	s.byID[userID] = u
}

// Roles is an in-memory RoleRepository.
type Roles struct {
	mu          sync.Mutex
	permissions map[string][]string
	assigned    map[int64][]string
}

// NewRoles creates a store with the given role → permissions catalogue.
func NewRoles(catalogue map[string][]string) *Roles {
	if catalogue == nil {
		catalogue = map[string][]string{}
	}
	return &Roles{permissions: catalogue, assigned: map[int64][]string{}}
}

func (s *Roles) RoleNames(ctx context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := append([]string(nil), s.assigned[userID]...)
	sort.Strings(names)
	return names, nil
}

func (s *Roles) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range s.assigned[userID] {
		for _, p := range s.permissions[role] {
			if p == permission {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Roles) AssignRole(ctx context.Context, userID int64, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[role]; !ok {
		return domain.ErrNotFound
	}
	for _, r := range s.assigned[userID] {
		if r == role {
			return nil
		}
	}
	s.assigned[userID] = append(s.assigned[userID], role)
	return nil
}

// Revoke drops a role from a user.
func (s *Roles) Revoke(userID int64, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.assigned[userID][:0]
	for _, r := range s.assigned[userID] {
		if r != role {
			kept = append(kept, r)
		}
	}
	s.assigned[userID] = kept
}
