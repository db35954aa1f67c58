// Package token signs and verifies the access/refresh token pair.
package token

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrTokenInvalid covers malformed, mis-signed and wrong-algorithm tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for a well-signed token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	errMissingSecret = errors.New("token: access and refresh secrets are required")
	errSharedSecret  = errors.New("token: access and refresh secrets must differ")
)

// Identity is the subject a token pair is issued for.
type Identity struct {
	SubjectID  int64
	Email      string
	IsVerified bool
}

// Claims is the payload carried by both token kinds. Refresh tokens also carry ID (jti).
type Claims struct {
	Email      string `json:"email"`
	IsVerified bool   `json:"isVerified"`
	jwt.RegisteredClaims
}

// SubjectID parses the numeric user id out of the sub claim.
func (c *Claims) SubjectID() int64 {
	id, _ := strconv.ParseInt(c.Subject, 10, 64)
	return id
}

func (c *Claims) Identity() Identity {
	return Identity{SubjectID: c.SubjectID(), Email: c.Email, IsVerified: c.IsVerified}
}

// Pair is the result of Issue.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	// RefreshID is the jti of RefreshToken, recorded by the server's refresh ledger.
	RefreshID string
}

type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	// Now overrides the wall clock, mostly for tests.
	Now func() time.Time
}

// Codec is safe for concurrent use; it holds no mutable state.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errMissingSecret
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errSharedSecret
	}
	c := &Codec{
		accessSecret:  append([]byte(nil), cfg.AccessSecret...),
		refreshSecret: append([]byte(nil), cfg.RefreshSecret...),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           cfg.Now,
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = DefaultRefreshTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// AccessTTL reports the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// Issue signs a new access/refresh pair for id. Timestamps are truncated to whole
// seconds so that AccessExpiresAt matches the exp claim exactly.
func (c *Codec) Issue(id Identity) (Pair, error) {
	now := c.now().Truncate(time.Second)
	accessExp := now.Add(c.accessTTL)
	refreshExp := now.Add(c.refreshTTL)
	jti := uuid.NewString()

	// iat has whole-second resolution; the jti keeps two pairs signed in the
	// same second apart.
	access, err := c.sign(c.accessSecret, id, now, accessExp, uuid.NewString())
	if err != nil {
		return Pair{}, err
	}
	refresh, err := c.sign(c.refreshSecret, id, now, refreshExp, jti)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		RefreshID:        jti,
	}, nil
}

func (c *Codec) sign(secret []byte, id Identity, iat, exp time.Time, jti string) (string, error) {
	claims := Claims{
		Email:      id.Email,
		IsVerified: id.IsVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.SubjectID, 10),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccess checks signature and expiry of an access token. The returned error is
// always ErrTokenExpired or ErrTokenInvalid.
func (c *Codec) VerifyAccess(tokenStr string) (*Claims, error) {
	return c.verify(tokenStr, c.accessSecret)
}

// VerifyRefresh is VerifyAccess for refresh tokens. A valid refresh token always has a jti.
func (c *Codec) VerifyRefresh(tokenStr string) (*Claims, error) {
	claims, err := c.verify(tokenStr, c.refreshSecret)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (c *Codec) verify(tokenStr string, secret []byte) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenInvalid
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}
	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		// jwt only reports expiry after the signature checked out.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ExpiryUnverified reads the exp claim without checking the signature. Clients use it
// to learn a token's lifetime when the server did not send one.
func ExpiryUnverified(tokenStr string) (time.Time, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return time.Time{}, ErrTokenInvalid
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrTokenInvalid
	}
	return claims.ExpiresAt.Time, nil
}
