package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cfg "github.com/example/promptvault/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig() *cfg.Config {
	return &cfg.Config{
		AccessTokenSecret:     "test-access-secret",
		RefreshTokenSecret:    "test-refresh-secret",
		AccessTokenTTL:        15 * time.Minute,
		RefreshTokenTTL:       24 * time.Hour,
		RefreshReuseGrace:     30 * time.Second,
		RateLimitWindow:       time.Second,
		RateLimitMax:          1000,
		RateLimitMaxKeys:      1000,
		GenerationLimitWindow: time.Minute,
		GenerationLimitMax:    3,
		CORSAllowedOrigins:    []string{"https://app.example.com"},
		RefreshLedger:         "db",
	}
}

func newTestApp(t *testing.T, mutate ...func(*cfg.Config)) (*App, *MemDB) {
	t.Helper()
	c := testConfig()
	for _, m := range mutate {
		m(c)
	}
	db := NewMemoryDB()
	a, err := NewApp(c, db, nil, zerolog.Nop())
	require.NoError(t, err)
	return a, db
}

type call struct {
	method string
	path   string
	body   interface{}
	header map[string]string
}

func serve(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

// signUp registers email and returns the auth response.
func signUp(t *testing.T, h http.Handler, email string) authResponse {
	t.Helper()
	rec := serve(t, h, call{method: http.MethodPost, path: "/auth/register", body: map[string]string{
		"email": email, "password": "correct-horse", "name": "Test User",
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[authResponse](t, rec)
}

func extensionLogin(t *testing.T, h http.Handler, email string) authResponse {
	t.Helper()
	rec := serve(t, h, call{method: http.MethodPost, path: "/auth/extension-login", body: map[string]string{
		"email": email, "password": "correct-horse",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeAs[authResponse](t, rec)
}
