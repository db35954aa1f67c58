// Package authclient is the HTTP client used by every client context: the
// extension background worker, the page-level API client and promptctl.
//
// Requests made through Do carry the current access token. The token is
// refreshed ahead of expiry, and a 401 from the server triggers exactly one
// forced refresh and one retry.
package authclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/promptvault/internal/refresh"
	"github.com/example/promptvault/internal/session"
	"github.com/example/promptvault/internal/token"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotAuthenticated is returned before any network call when there is no
	// usable session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAuthenticationExpired means the server kept rejecting the session and it
	// has been cleared.
	ErrAuthenticationExpired = errors.New("authentication expired")
	// ErrInvalidCredentials is returned by Login for a wrong email or password.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

const DefaultRequestTimeout = 30 * time.Second

// Mode selects the sign-in endpoint and how the token expiry is learned.
type Mode string

const (
	// ModeExtension signs in through /auth/extension-login, which reports tokenExpiry.
	ModeExtension Mode = "extension"
	// ModeWeb signs in through /auth/login and reads the expiry from the access token.
	ModeWeb Mode = "web"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

type Config struct {
	BaseURL string
	Mode    Mode
	// Store holds the session. Defaults to an in-memory store.
	Store *session.Store
	// HTTPClient defaults to a client with RequestTimeout.
	HTTPClient       *http.Client
	RequestTimeout   time.Duration
	RefreshTimeout   time.Duration
	RefreshThreshold time.Duration
	// RateLimit paces outbound requests when positive.
	RateLimit rate.Limit
	Burst     int
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Client struct {
	base    *url.URL
	mode    Mode
	http    *http.Client
	coord   *refresh.Coordinator
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("authclient: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeExtension
	}
	if cfg.Mode != ModeExtension && cfg.Mode != ModeWeb {
		return nil, fmt.Errorf("authclient: unknown mode %q", cfg.Mode)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Store == nil {
		cfg.Store = session.NewStore(session.NewMemoryBackend(), session.WithLogger(cfg.Logger))
	}

	c := &Client{base: base, mode: cfg.Mode, http: cfg.HTTPClient, log: cfg.Logger}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	opts := []refresh.Option{refresh.WithLogger(cfg.Logger)}
	if cfg.RefreshTimeout > 0 {
		opts = append(opts, refresh.WithTimeout(cfg.RefreshTimeout))
	}
	if cfg.RefreshThreshold > 0 {
		opts = append(opts, refresh.WithThreshold(cfg.RefreshThreshold))
	}
	if cfg.Now != nil {
		opts = append(opts, refresh.WithClock(cfg.Now))
	}
	c.coord = refresh.New(cfg.Store, c, opts...)
	return c, nil
}

// Session returns the stored session or session.ErrNoSession.
func (c *Client) Session(ctx context.Context) (*session.Session, error) {
	return c.coord.Session(ctx)
}

// AccessToken returns a usable access token, refreshing it if it is close to expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.coord.AccessToken(ctx)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type authResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	TokenExpiry  string       `json:"tokenExpiry,omitempty"`
	User         session.User `json:"user"`
}

func (r *authResponse) session() (*session.Session, error) {
	if r.AccessToken == "" || r.RefreshToken == "" {
		return nil, errors.New("response is missing tokens")
	}
	var (
		expiresAt time.Time
		err       error
	)
	if r.TokenExpiry != "" {
		expiresAt, err = time.Parse(time.RFC3339, r.TokenExpiry)
	} else {
		expiresAt, err = token.ExpiryUnverified(r.AccessToken)
	}
	if err != nil {
		return nil, fmt.Errorf("token expiry: %w", err)
	}
	return &session.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         r.User,
	}, nil
}

// Login signs in and stores the new session.
func (c *Client) Login(ctx context.Context, email, password string) (*session.User, error) {
	path := "/auth/extension-login"
	if c.mode == ModeWeb {
		path = "/auth/login"
	}
	return c.signIn(ctx, path, credentials{Email: email, Password: password})
}

// Register creates an account and stores the session it comes with.
func (c *Client) Register(ctx context.Context, email, password, name string) (*session.User, error) {
	return c.signIn(ctx, "/auth/register", credentials{Email: email, Password: password, Name: name})
}

func (c *Client) signIn(ctx context.Context, path string, in credentials) (*session.User, error) {
	var out authResponse
	if err := c.postJSON(ctx, path, in, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		return nil, err
	}
	sess, err := out.session()
	if err != nil {
		return nil, fmt.Errorf("authclient: %s: %w", path, err)
	}
	if err := c.coord.Establish(ctx, sess); err != nil {
		return nil, err
	}
	c.log.Debug().Int64("user_id", sess.User.ID).Time("expires_at", sess.ExpiresAt).Msg("signed in")
	return &sess.User, nil
}

// Refresh exchanges refreshToken for a new session. It is called by the
// coordinator and does not touch the store.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	var out authResponse
	err := c.postJSON(ctx, "/auth/extension-refresh", map[string]string{"refreshToken": refreshToken}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && isRejection(apiErr.Status) {
			return nil, fmt.Errorf("%w: %w", refresh.ErrRefreshRejected, err)
		}
		return nil, err
	}
	return out.session()
}

func isRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Logout revokes the refresh token on the server and clears the session. A
// failed revoke call is logged; the local session is cleared regardless.
func (c *Client) Logout(ctx context.Context) error {
	sess, err := c.coord.Session(ctx)
	if err == nil {
		if err := c.postJSON(ctx, "/auth/logout", map[string]string{"refreshToken": sess.RefreshToken}, nil); err != nil {
			c.log.Warn().Err(err).Msg("server-side logout failed")
		}
	}
	return c.coord.Invalidate(ctx)
}

// NewRequest builds a request against the server. in, when not nil, is sent as
// a JSON body that can be replayed on retry.
func (c *Client) NewRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req with the session's access token. See the package doc for the
// retry policy. A non-401 response is returned as is, whatever its status.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := replayable(req); err != nil {
		return nil, err
	}

	tok, err := c.coord.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}

	resp, err := c.attempt(ctx, req, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	tok, err = c.coord.ForceRefresh(ctx, tok)
	if err != nil {
		if errors.Is(err, refresh.ErrRefreshRejected) || errors.Is(err, session.ErrNoSession) {
			c.invalidate(ctx)
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationExpired, err)
		}
		return nil, err
	}

	resp, err = c.attempt(ctx, req, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		c.invalidate(ctx)
		return nil, fmt.Errorf("%w: server rejected a freshly refreshed token", ErrAuthenticationExpired)
	}
	return resp, nil
}

// DoJSON is Do for JSON endpoints. Non-2xx responses become *APIError.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) invalidate(ctx context.Context) {
	if err := c.coord.Invalidate(ctx); err != nil {
		c.log.Error().Err(err).Msg("clear expired session")
	}
}

func (c *Client) attempt(ctx context.Context, req *http.Request, tok string) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	return c.send(r)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return c.http.Do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	req, err := c.NewRequest(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) resolve(path string) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

// replayable makes sure req's body can be read once per attempt.
func replayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("authclient: buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
