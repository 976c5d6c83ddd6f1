package domain

import "time"

// UserStatusActive marks an account that may authenticate.
const UserStatusActive = "ACTIVE"

// User is the identity record consulted at login and refresh.
type User struct {
	ID            int64
	Email         string
	EmailVerified bool
	PasswordHash  string
	Name          string
	Status        string
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the account may hold sessions.
func (u User) Active() bool {
	return u.Status == UserStatusActive
}
