package main

import "time"

// User represents a user in the system
type User struct {
	ID         int64
	Email      string
	Name       string
	Password   string
	IsVerified bool
	CreatedAt  time.Time
}

// RefreshToken is the server-side record of one issued refresh token, keyed by its jti.
type RefreshToken struct {
	ID        string
	UserID    int64
	ExpiresAt int64
	Revoked   bool
	// ReplacedBy is the id this token was rotated into, RotatedAt when (unix ms).
	ReplacedBy string
	RotatedAt  int64
	CreatedAt  time.Time
}

// userView is the user snapshot returned to clients.
type userView struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	IsVerified bool   `json:"isVerified"`
}

func viewOf(u *User) userView {
	return userView{ID: u.ID, Email: u.Email, Name: u.Name, IsVerified: u.IsVerified}
}

type authResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	TokenExpiry  string   `json:"tokenExpiry,omitempty"`
	User         userView `json:"user"`
}
