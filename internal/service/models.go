package service

import (
	"time"

	"github.com/smallbiznis/valora-session/internal/domain"
)

// LoginRequest carries credentials and the client metadata stored with the session.
type LoginRequest struct {
	Email    string
	Password string
	Client   domain.ClientInfo
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	TokenType    string   `json:"tokenType"`
	ExpiresIn    int      `json:"expiresIn"`
	Roles        []string `json:"roles"`
}

// SessionView is one active refresh session as shown to its owner.
type SessionView struct {
	ID        int64     `json:"id,string"`
	Device    string    `json:"device"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserViewModel is the caller's profile.
type UserViewModel struct {
	ID            int64      `json:"id,string"`
	Email         string     `json:"email"`
	Name          string     `json:"name,omitempty"`
	EmailVerified bool       `json:"emailVerified"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	Roles         []string   `json:"roles"`
}

func newSessionView(row domain.RefreshToken) SessionView {
	return SessionView{
		ID:        row.ID,
		Device:    row.DeviceInfo,
		IPAddress: row.IPAddress,
		UserAgent: row.UserAgent,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
}
