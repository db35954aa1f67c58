package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var logouts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/extension-login", func(w http.ResponseWriter, r *http.Request) {
		var in struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Password != "hunter22" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error_code":"INVALID_CREDENTIALS","error_message":"Invalid email or password"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "access-1",
			"refreshToken": "refresh-1",
			"tokenExpiry":  time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"user":         map[string]any{"id": 9, "email": in.Email, "isVerified": true},
		})
	})
	mux.HandleFunc("GET /api/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":9,"email":"cli@example.com","isVerified":true}}`))
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Template  string            `json:"template"`
			Variables map[string]string `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]string{"text": in.Template + "|" + in.Variables["topic"]}})
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		logouts.Add(1)
		_, _ = w.Write([]byte(`{"success":true,"data":{"revoked":true}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &logouts
}

func run(t *testing.T, server, backend, path string, args ...string) (string, error) {
	t.Helper()
	a := &app{v: viper.New()}
	root := a.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", server, "--session-backend", backend, "--session-path", path}, args...))
	err := root.ExecuteContext(context.Background())
	if a.closer != nil {
		require.NoError(t, a.closer())
	}
	return out.String(), err
}

func TestSessionLifecycle(t *testing.T) {
	srv, logouts := fakeServer(t)

	for _, backend := range []string{"sqlite", "file"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "session")
			t.Setenv("PROMPTVAULT_PASSWORD", "hunter22")

			out, err := run(t, srv.URL, backend, path, "status")
			require.NoError(t, err)
			assert.Contains(t, out, "not signed in")

			out, err = run(t, srv.URL, backend, path, "login", "--email", "cli@example.com")
			require.NoError(t, err)
			assert.Contains(t, out, "signed in as cli@example.com")

			out, err = run(t, srv.URL, backend, path, "status")
			require.NoError(t, err)
			assert.Contains(t, out, "cli@example.com (id 9, verified true)")
			assert.Contains(t, out, "valid for")

			out, err = run(t, srv.URL, backend, path, "whoami")
			require.NoError(t, err)
			assert.Contains(t, out, "cli@example.com (id 9, verified true)")

			out, err = run(t, srv.URL, backend, path, "generate", "-t", "about {{topic}}", "--var", "topic=go")
			require.NoError(t, err)
			assert.Contains(t, out, "about {{topic}}|go")

			before := logouts.Load()
			out, err = run(t, srv.URL, backend, path, "logout")
			require.NoError(t, err)
			assert.Contains(t, out, "signed out")
			assert.Equal(t, before+1, logouts.Load())

			_, err = run(t, srv.URL, backend, path, "whoami")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not signed in")
		})
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv, _ := fakeServer(t)
	t.Setenv("PROMPTVAULT_PASSWORD", "nope")
	_, err := run(t, srv.URL, "file", filepath.Join(t.TempDir(), "s.json"), "login", "-e", "cli@example.com")
	require.Error(t, err)
	assert.Equal(t, "invalid email or password", err.Error())
}

func TestUnknownBackend(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1", "etcd", filepath.Join(t.TempDir(), "x"), "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session backend")
}
