package domain

import "time"

// RefreshToken is the durable record of one issued refresh credential.
// Only the keyed hash of the raw secret is stored.
type RefreshToken struct {
	ID             int64
	UserID         int64
	TokenHash      string
	AccessTokenJTI string
	ExpiresAt      time.Time
	DeviceInfo     string
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
	Revoked        bool
	RevokedAt      *time.Time
	ReplacedBy     *int64
}

// Expired reports whether the token is past its expiry at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Rotated reports whether the row was consumed by a successful rotation.
func (t RefreshToken) Rotated() bool {
	return t.ReplacedBy != nil
}

// Active reports whether the row can still be exchanged.
func (t RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

// AccessSession is the fast-store shadow of a live access token.
type AccessSession struct {
	UserID    int64     `json:"userId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ClientInfo is request metadata recorded alongside a refresh token.
type ClientInfo struct {
	DeviceClass string
	IPAddress   string
	UserAgent   string
}
