package main

import (
	"context"
	"fmt"
	"time"

	"github.com/example/promptvault/internal/token"
	"golang.org/x/crypto/bcrypt"
)

func hashPassword(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.DefaultCost)
	return string(b), err
}

func comparePassword(hash, p string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) == nil
}

// dummyHash is compared against when the email is unknown, so a miss costs as
// much as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("promptvault-timing-equalizer"), bcrypt.DefaultCost)

func identityOf(u *User) token.Identity {
	return token.Identity{SubjectID: u.ID, Email: u.Email, IsVerified: u.IsVerified}
}

// issueTokens signs a new pair for u and records the refresh token id so it can be used once.
func (a *App) issueTokens(ctx context.Context, u *User) (token.Pair, error) {
	pair, err := a.Codec.Issue(identityOf(u))
	if err != nil {
		return token.Pair{}, fmt.Errorf("sign tokens: %w", err)
	}
	if err := a.Ledger.Record(ctx, pair.RefreshID, u.ID, pair.RefreshExpiresAt); err != nil {
		return token.Pair{}, fmt.Errorf("record refresh token: %w", err)
	}
	return pair, nil
}

func (a *App) authResponse(u *User, pair token.Pair, withExpiry bool) authResponse {
	resp := authResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         viewOf(u),
	}
	if withExpiry {
		resp.TokenExpiry = pair.AccessExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}
