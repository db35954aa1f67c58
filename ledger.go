package main

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRefreshUnknown is returned for a refresh token id the ledger never recorded.
	ErrRefreshUnknown = errors.New("refresh token unknown")
	// ErrRefreshReused is returned when a refresh token id is presented after it was retired.
	ErrRefreshReused = errors.New("refresh token reused")
)

// RefreshLedger tracks issued refresh token ids so each one is exchanged once.
type RefreshLedger interface {
	Record(ctx context.Context, id string, userID int64, expiresAt time.Time) error
	// Rotate retires id and records successor in one step. Presenting id again
	// returns ErrRefreshReused, except within the grace window while the
	// previous successor is still unused: then that successor is retired in
	// favour of the new one and retry is true.
	Rotate(ctx context.Context, id, successor string, userID int64, expiresAt time.Time) (retry bool, err error)
	// Revoke retires id without issuing a replacement. Revoking twice is not an error.
	Revoke(ctx context.Context, id string) error
	RevokeUser(ctx context.Context, userID int64) error
}

// planRotation decides what presenting old does. successor is the record old
// was last rotated into, if any.
func planRotation(old, successor *RefreshToken, now time.Time, grace time.Duration) (retry bool, err error) {
	switch {
	case old == nil:
		return false, ErrRefreshUnknown
	case !old.Revoked:
		return false, nil
	case grace > 0 && old.ReplacedBy != "" && successor != nil && !successor.Revoked &&
		now.Sub(time.UnixMilli(old.RotatedAt)) <= grace:
		return true, nil
	default:
		return false, ErrRefreshReused
	}
}

// dbLedger keeps the ledger in the refresh_tokens table of the user database.
type dbLedger struct {
	db    DB
	grace time.Duration
	now   func() time.Time
}

func newDBLedger(db DB, grace time.Duration) *dbLedger {
	return &dbLedger{db: db, grace: grace, now: time.Now}
}

func (l *dbLedger) Record(ctx context.Context, id string, userID int64, expiresAt time.Time) error {
	return l.db.CreateRefreshToken(ctx, id, userID, expiresAt.Unix())
}

func (l *dbLedger) Rotate(ctx context.Context, id, successor string, userID int64, expiresAt time.Time) (bool, error) {
	next := RefreshToken{ID: successor, UserID: userID, ExpiresAt: expiresAt.Unix()}
	return l.db.RotateRefreshToken(ctx, id, next, l.now(), l.grace)
}

func (l *dbLedger) Revoke(ctx context.Context, id string) error {
	prev, err := l.db.RevokeRefreshToken(ctx, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return ErrRefreshUnknown
	}
	return nil
}

func (l *dbLedger) RevokeUser(ctx context.Context, userID int64) error {
	return l.db.RevokeAllRefreshTokensForUser(ctx, userID)
}
