package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HandleMe returns the caller's identity as carried by the verified access token.
// GET /api/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeMissingToken, "Authentication required")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"id":         claims.SubjectID(),
		"email":      claims.Email,
		"isVerified": claims.IsVerified,
		"expiresAt":  claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

// HandleGenerate renders a prompt template for a verified user.
// POST /api/generate
func (a *App) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var in GenerateRequest
	if !a.decodeBody(w, r, &in) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	out, err := a.Generator.Generate(ctx, in)
	var missing *MissingVariablesError
	if errors.As(err, &missing) {
		writeErrorDetails(w, http.StatusBadRequest, codeInvalidRequest, "Template variables missing", missing.Error())
		return
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("generate")
		writeError(w, http.StatusBadGateway, codeGenerationFailed, "Generation failed")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"text": out})
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports whether the database and the refresh ledger answer.
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	for _, dep := range []interface{}{a.DB, a.Ledger} {
		if p, ok := dep.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
