package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/promptvault/internal/authclient"
	"github.com/example/promptvault/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveServer struct {
	*httptest.Server
	app       *App
	db        *MemDB
	refreshes atomic.Int32
	// dropRefreshes is how many refresh answers to lose after the server handled them.
	dropRefreshes atomic.Int32
}

func startServer(t *testing.T) *liveServer {
	t.Helper()
	a, db := newTestApp(t)
	s := &liveServer{app: a, db: db}
	routes := a.Routes()
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/extension-refresh" && r.Method == http.MethodPost {
			s.refreshes.Add(1)
			if s.dropRefreshes.Add(-1) >= 0 {
				routes.ServeHTTP(httptest.NewRecorder(), r)
				http.Error(w, "upstream connection closed", http.StatusBadGateway)
				return
			}
		}
		routes.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *liveServer) client(t *testing.T, mode authclient.Mode) (*authclient.Client, *session.Store) {
	t.Helper()
	store := session.NewStore(session.NewMemoryBackend())
	c, err := authclient.New(authclient.Config{
		BaseURL: s.URL,
		Mode:    mode,
		Store:   store,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return c, store
}

// rewrite edits the stored session in place.
func rewrite(t *testing.T, store *session.Store, edit func(*session.Session)) {
	t.Helper()
	ctx := context.Background()
	sess, err := store.Read(ctx)
	require.NoError(t, err)
	edit(sess)
	require.NoError(t, store.Write(ctx, sess))
}

type meResponse struct {
	Data struct {
		Email string `json:"email"`
	} `json:"data"`
}

func TestClientServerConcurrentRefresh(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	c, store := srv.client(t, authclient.ModeExtension)

	_, err := c.Register(ctx, "e2e@example.com", "correct-horse", "E2E")
	require.NoError(t, err)
	before, err := store.Read(ctx)
	require.NoError(t, err)

	// the session believes its access token is about to expire
	rewrite(t, store, func(s *session.Session) { s.ExpiresAt = time.Now().Add(10 * time.Second) })

	const callers = 3
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out meResponse
			if err := c.DoJSON(ctx, http.MethodGet, "/api/me", nil, &out); err != nil {
				errs <- err
				return
			}
			if out.Data.Email != "e2e@example.com" {
				errs <- errors.New("unexpected email " + out.Data.Email)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.EqualValues(t, 1, srv.refreshes.Load())
	after, err := store.Read(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.RefreshToken, after.RefreshToken)
	assert.Greater(t, after.Remaining(time.Now()), 10*time.Minute)
}

func TestClientServerRetryAfterRejectedAccessToken(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	c, store := srv.client(t, authclient.ModeExtension)
	_, err := c.Register(ctx, "retry@example.com", "correct-horse", "")
	require.NoError(t, err)

	// the server no longer accepts this access token, but the refresh token is good
	rewrite(t, store, func(s *session.Session) { s.AccessToken = "revoked.access.token" })

	var out meResponse
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/me", nil, &out))
	assert.Equal(t, "retry@example.com", out.Data.Email)
	assert.EqualValues(t, 1, srv.refreshes.Load())
}

func TestClientServerTokenReuseEndsSession(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	c, store := srv.client(t, authclient.ModeExtension)
	_, err := c.Register(ctx, "reuse@example.com", "correct-horse", "")
	require.NoError(t, err)

	stolen, err := store.Read(ctx)
	require.NoError(t, err)

	// the legitimate client rotates its refresh token, then rotates the new one
	for i := 0; i < 2; i++ {
		rewrite(t, store, func(s *session.Session) { s.ExpiresAt = time.Now().Add(time.Second) })
		require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/me", nil, nil))
	}
	require.EqualValues(t, 2, srv.refreshes.Load())

	// someone replays the old one, which revokes everything
	rec := serve(t, srv.app.Routes(), call{method: http.MethodPost, path: "/auth/extension-refresh",
		body: map[string]string{"refreshToken": stolen.RefreshToken}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeTokenReuse, decodeAs[APIError](t, rec).Code)

	// the client's next refresh is rejected and the session is gone
	rewrite(t, store, func(s *session.Session) { s.AccessToken = "revoked.access.token" })
	err = c.DoJSON(ctx, http.MethodGet, "/api/me", nil, nil)
	require.ErrorIs(t, err, authclient.ErrAuthenticationExpired)

	_, err = c.Session(ctx)
	require.ErrorIs(t, err, session.ErrNoSession)
	err = c.DoJSON(ctx, http.MethodGet, "/api/me", nil, nil)
	require.ErrorIs(t, err, authclient.ErrNotAuthenticated)
}

func TestClientServerTransientRefreshFailure(t *testing.T) {
	srv := startServer(t)
	users := &failingUsers{DB: srv.db}
	srv.app.DB = users
	ctx := context.Background()
	c, store := srv.client(t, authclient.ModeExtension)
	_, err := c.Register(ctx, "transient@example.com", "correct-horse", "")
	require.NoError(t, err)

	rewrite(t, store, func(s *session.Session) { s.ExpiresAt = time.Now().Add(10 * time.Second) })
	before, err := store.Read(ctx)
	require.NoError(t, err)

	// the refresh hits a 500; the call goes out with the still-valid token
	users.n.Store(1)
	var out meResponse
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/me", nil, &out))
	assert.Equal(t, "transient@example.com", out.Data.Email)
	require.EqualValues(t, 1, srv.refreshes.Load())
	kept, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.RefreshToken, kept.RefreshToken)

	// the next call refreshes with the same refresh token and succeeds
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/me", nil, &out))
	require.EqualValues(t, 2, srv.refreshes.Load())
	after, err := store.Read(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.RefreshToken, after.RefreshToken)
	assert.Greater(t, after.Remaining(time.Now()), 10*time.Minute)
}

func TestClientServerLostRefreshAnswer(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	c, store := srv.client(t, authclient.ModeExtension)
	_, err := c.Register(ctx, "lost@example.com", "correct-horse", "")
	require.NoError(t, err)

	// the server rotates, but the answer never reaches the client
	rewrite(t, store, func(s *session.Session) { s.ExpiresAt = time.Now().Add(10 * time.Second) })
	srv.dropRefreshes.Store(1)
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/me", nil, nil))
	require.EqualValues(t, 1, srv.refreshes.Load())

	// repeating the retired token inside the grace window gets a fresh pair
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/me", nil, nil))
	require.EqualValues(t, 2, srv.refreshes.Load())
	after, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Greater(t, after.Remaining(time.Now()), 10*time.Minute)

	rewrite(t, store, func(s *session.Session) { s.AccessToken = "revoked.access.token" })
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/me", nil, nil), "the re-issued pair rotates normally")
	assert.EqualValues(t, 3, srv.refreshes.Load())
}

func TestClientServerWebMode(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	ext, _ := srv.client(t, authclient.ModeExtension)
	_, err := ext.Register(ctx, "web@example.com", "correct-horse", "")
	require.NoError(t, err)

	web, store := srv.client(t, authclient.ModeWeb)
	_, err = web.Login(ctx, "web@example.com", "wrong-password")
	require.ErrorIs(t, err, authclient.ErrInvalidCredentials)

	u, err := web.Login(ctx, "web@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "web@example.com", u.Email)

	sess, err := store.Read(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), sess.ExpiresAt, 5*time.Second)

	require.NoError(t, web.Logout(ctx))
	_, err = store.Read(ctx)
	require.ErrorIs(t, err, session.ErrNoSession)

	rec := serve(t, srv.app.Routes(), call{method: http.MethodPost, path: "/auth/extension-refresh",
		body: map[string]string{"refreshToken": sess.RefreshToken}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "logout revoked the refresh token")
}

func TestClientServerNonAuthErrorsPassThrough(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	c, _ := srv.client(t, authclient.ModeExtension)
	_, err := c.Register(ctx, "unverified@example.com", "correct-horse", "")
	require.NoError(t, err)

	err = c.DoJSON(ctx, http.MethodPost, "/api/generate", GenerateRequest{Template: "hi"}, nil)
	var apiErr *authclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, codeNotVerified, apiErr.Code)
	assert.EqualValues(t, 0, srv.refreshes.Load())

	_, err = c.Session(ctx)
	assert.NoError(t, err, "a 403 leaves the session alone")
}
