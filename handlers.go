package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/example/promptvault/internal/token"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type creds struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type registration struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// decodeBody reads a JSON body into v and validates it. On failure it has
// already written the 400 response.
func (a *App) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, codeInvalidRequest, "Request validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in registration
	if !a.decodeBody(w, r, &in) {
		return
	}

	hashed, err := hashPassword(in.Password)
	if err != nil {
		writeInternal(w, r, err, "hash password")
		return
	}
	user, err := a.DB.CreateUser(r.Context(), in.Email, strings.TrimSpace(in.Name), hashed, a.autoVerify)
	if errors.Is(err, ErrUserExists) {
		writeError(w, http.StatusConflict, codeUserExists, "User with this email already exists")
		return
	}
	if err != nil {
		writeInternal(w, r, err, "create user")
		return
	}
	pair, err := a.issueTokens(r.Context(), user)
	if err != nil {
		writeInternal(w, r, err, "issue tokens")
		return
	}
	zerolog.Ctx(r.Context()).Info().Int64("user_id", user.ID).Msg("user registered")
	writeJSON(w, http.StatusCreated, a.authResponse(user, pair, false))
}

// login is shared by the web and extension sign-in endpoints; the extension
// variant also reports the access token expiry.
func (a *App) login(w http.ResponseWriter, r *http.Request, withExpiry bool) {
	var in creds
	if !a.decodeBody(w, r, &in) {
		return
	}
	user, err := a.DB.GetUserByEmail(r.Context(), in.Email)
	if err != nil {
		writeInternal(w, r, err, "load user")
		return
	}
	if user == nil {
		_ = comparePassword(string(dummyHash), in.Password)
		a.Metrics.logins.WithLabelValues("invalid_credentials").Inc()
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "Invalid email or password")
		return
	}
	if !comparePassword(user.Password, in.Password) {
		a.Metrics.logins.WithLabelValues("invalid_credentials").Inc()
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "Invalid email or password")
		return
	}

	pair, err := a.issueTokens(r.Context(), user)
	if err != nil {
		writeInternal(w, r, err, "issue tokens")
		return
	}
	a.Metrics.logins.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, a.authResponse(user, pair, withExpiry))
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	a.login(w, r, false)
}

func (a *App) HandleExtensionLogin(w http.ResponseWriter, r *http.Request) {
	a.login(w, r, true)
}

// HandleExtensionRefresh exchanges a refresh token for a new pair. Each refresh
// token is exchanged once; presenting a retired one revokes every refresh token
// of its owner. A repeat within the reuse grace window, before the pair it was
// exchanged for has been used, is answered with another pair instead.
func (a *App) HandleExtensionRefresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if !a.decodeBody(w, r, &in) {
		return
	}
	log := zerolog.Ctx(r.Context())

	claims, err := a.Codec.VerifyRefresh(in.RefreshToken)
	if errors.Is(err, token.ErrTokenExpired) {
		a.Metrics.refreshes.WithLabelValues("expired").Inc()
		writeError(w, http.StatusUnauthorized, codeTokenExpired, "Refresh token has expired")
		return
	}
	if err != nil {
		a.Metrics.refreshes.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusUnauthorized, codeInvalidToken, "Invalid refresh token")
		return
	}

	// Nothing is retired until the new pair is ready, so a failure up to the
	// rotation leaves the presented token usable.
	user, err := a.DB.GetUserByID(r.Context(), claims.SubjectID())
	if err != nil {
		writeInternal(w, r, err, "load user")
		return
	}
	if user == nil {
		a.Metrics.refreshes.WithLabelValues("user_not_found").Inc()
		writeError(w, http.StatusUnauthorized, codeUserNotFound, "User no longer exists")
		return
	}
	pair, err := a.Codec.Issue(identityOf(user))
	if err != nil {
		writeInternal(w, r, err, "sign tokens")
		return
	}

	retry, err := a.Ledger.Rotate(r.Context(), claims.ID, pair.RefreshID, user.ID, pair.RefreshExpiresAt)
	switch {
	case errors.Is(err, ErrRefreshReused):
		log.Warn().Int64("user_id", user.ID).Str("jti", claims.ID).Msg("refresh token reuse detected; revoking all sessions")
		if rerr := a.Ledger.RevokeUser(r.Context(), user.ID); rerr != nil {
			log.Error().Err(rerr).Msg("revoke user refresh tokens")
		}
		a.Metrics.refreshes.WithLabelValues("reused").Inc()
		writeError(w, http.StatusUnauthorized, codeTokenReuse, "Token reuse detected - all tokens revoked")
		return
	case errors.Is(err, ErrRefreshUnknown):
		a.Metrics.refreshes.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusUnauthorized, codeInvalidToken, "Invalid refresh token")
		return
	case err != nil:
		writeInternal(w, r, err, "rotate refresh token")
		return
	}

	result := "success"
	if retry {
		log.Info().Int64("user_id", user.ID).Str("jti", claims.ID).Msg("refresh token repeated within grace window")
		result = "retry"
	}
	a.Metrics.refreshes.WithLabelValues(result).Inc()
	writeJSON(w, http.StatusOK, a.authResponse(user, pair, true))
}

// HandleLogout revokes the presented refresh token. Logging out twice is fine.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if !a.decodeBody(w, r, &in) {
		return
	}
	claims, err := a.Codec.VerifyRefresh(in.RefreshToken)
	if errors.Is(err, token.ErrTokenExpired) {
		// nothing left to revoke
		writeSuccess(w, http.StatusOK, map[string]bool{"revoked": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidToken, "Invalid refresh token")
		return
	}
	err = a.Ledger.Revoke(r.Context(), claims.ID)
	if errors.Is(err, ErrRefreshUnknown) {
		writeError(w, http.StatusBadRequest, codeInvalidToken, "Token not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err, "revoke refresh token")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}
