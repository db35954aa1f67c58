// Package session persists the signed-in state of one client context.
//
// A session is four entries in a key/value backend: the access token, the
// refresh token, the access token expiry and a snapshot of the user. They are
// written and removed as a group. The store itself does no locking; callers
// that race writes (the refresh coordinator) serialize them.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry names in the backend.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyTokenExpiry  = "tokenExpiry"
	KeyUser         = "user"
)

// Keys lists every entry that makes up a session.
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyTokenExpiry, KeyUser}

// ErrNoSession means the caller is not signed in.
var ErrNoSession = errors.New("no session")

// User is the profile snapshot taken at sign-in.
type User struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	IsVerified bool   `json:"isVerified"`
}

type Session struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the access token's expiry.
	ExpiresAt time.Time
	User      User
}

// Remaining is the access token's lifetime left at now. Negative once expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Backend is a string key/value store. Set and Remove apply to all given keys
// or fail as a whole where the medium allows it.
type Backend interface {
	Get(ctx context.Context, keys []string) (map[string]string, error)
	Set(ctx context.Context, entries map[string]string) error
	Remove(ctx context.Context, keys []string) error
}

// Syncer is implemented by backends that cache entries another process or
// context can change underneath them.
type Syncer interface {
	Sync(ctx context.Context) error
}

type Store struct {
	backend Backend
	log     zerolog.Logger
}

type StoreOption func(*Store)

func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

func NewStore(b Backend, opts ...StoreOption) *Store {
	s := &Store{backend: b, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync brings a caching backend up to date with its shared storage. It is a
// no-op for other backends.
func (s *Store) Sync(ctx context.Context) error {
	sy, ok := s.backend.(Syncer)
	if !ok {
		return nil
	}
	if err := sy.Sync(ctx); err != nil {
		return fmt.Errorf("session: sync: %w", err)
	}
	return nil
}

// Read returns the stored session, or ErrNoSession when there is none or the
// stored entries cannot be decoded.
func (s *Store) Read(ctx context.Context) (*Session, error) {
	entries, err := s.backend.Get(ctx, Keys)
	if err != nil {
		return nil, fmt.Errorf("session: read: %w", err)
	}
	access, refresh := entries[KeyAccessToken], entries[KeyRefreshToken]
	if access == "" || refresh == "" {
		return nil, ErrNoSession
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, entries[KeyTokenExpiry])
	if err != nil {
		s.log.Warn().Err(err).Msg("stored token expiry is unreadable")
		return nil, fmt.Errorf("%w: unreadable %s", ErrNoSession, KeyTokenExpiry)
	}

	var user User
	if raw := entries[KeyUser]; raw != "" {
		if err := json.UnmarshalFromString(raw, &user); err != nil {
			s.log.Warn().Err(err).Msg("stored user snapshot is unreadable")
			return nil, fmt.Errorf("%w: unreadable %s", ErrNoSession, KeyUser)
		}
	}

	return &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         user,
	}, nil
}

// Write replaces the stored session.
func (s *Store) Write(ctx context.Context, sess *Session) error {
	if sess == nil || sess.AccessToken == "" || sess.RefreshToken == "" {
		return errors.New("session: access and refresh tokens are required")
	}
	user, err := json.MarshalToString(sess.User)
	if err != nil {
		return fmt.Errorf("session: encode user: %w", err)
	}
	err = s.backend.Set(ctx, map[string]string{
		KeyAccessToken:  sess.AccessToken,
		KeyRefreshToken: sess.RefreshToken,
		KeyTokenExpiry:  sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
		KeyUser:         user,
	})
	if err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// Clear removes every session entry. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Remove(ctx, Keys); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
