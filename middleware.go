package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/promptvault/internal/token"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type claimsKey struct{}

// ClaimsFromContext returns the verified access token claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return c, ok && c != nil
}

// clientIP is the identifier for the general limiter. Forwarding headers are
// only trusted behind a known proxy.
func (a *App) clientIP(r *http.Request) string {
	if a.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit enforces the general per-IP budget. Preflights are not counted.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		d := a.rateLimiter.Decide(a.clientIP(r))
		if !d.Allowed {
			a.Metrics.admissionDenied.WithLabelValues("general").Inc()
			writeRateLimited(w, d, a.now())
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		next.ServeHTTP(w, r)
	})
}

// GenerationLimit enforces the per-user generation budget. It must run after RequireAuth.
func (a *App) GenerationLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, codeMissingToken, "Authentication required")
			return
		}
		d := a.genLimiter.Decide(claims.Subject)
		if !d.Allowed {
			a.Metrics.admissionDenied.WithLabelValues("generation").Inc()
			writeRateLimited(w, d, a.now())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// RequireAuth verifies the bearer access token and stores its claims in the
// request context. OPTIONS requests carry no credentials and pass through.
func (a *App) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="promptvault"`)
			writeError(w, http.StatusUnauthorized, codeMissingToken, "Authorization bearer token required")
			return
		}
		claims, err := a.Codec.VerifyAccess(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="promptvault", error="invalid_token"`)
			if errors.Is(err, token.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, codeTokenExpired, "Access token has expired")
				return
			}
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "Access token is invalid")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		l := zerolog.Ctx(ctx).With().Str("sub", claims.Subject).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(ctx)))
	})
}

// RequireVerified rejects users who have not verified their email. It must run after RequireAuth.
func RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, codeMissingToken, "Authentication required")
			return
		}
		if !claims.IsVerified {
			writeError(w, http.StatusForbidden, codeNotVerified, "Email address not verified")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extensionCORS allows any origin; browser extensions call from their own
// chrome-extension:// origin and carry no cookies.
func extensionCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:       []string{"*"},
		AllowedMethods:       []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type", "Authorization"},
		MaxAge:               3600,
		OptionsSuccessStatus: http.StatusOK,
	})
}

// webCORS allows the configured web app origins with credentials.
func webCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:       origins,
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:       []string{"Retry-After", "X-Request-ID"},
		AllowCredentials:     true,
		MaxAge:               3600,
		OptionsSuccessStatus: http.StatusOK,
	})
}

// allowAnyOrigin marks a response as readable from any origin, with or without an Origin header.
func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// optionsOK answers a bare OPTIONS request (one the CORS layer did not treat
// as a preflight) with 200 and no body.
func optionsOK(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// RequestLogger assigns a request id, puts a request-scoped logger in the
// context and writes one access log line per request.
func (a *App) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)

		l := a.Log.With().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(l.WithContext(r.Context())))

		duration := time.Since(start)
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		a.Metrics.requestDurations.
			WithLabelValues(route, r.Method, strconv.Itoa(wrapped.statusCode)).
			Observe(duration.Seconds())

		ev := l.Info()
		if wrapped.statusCode >= http.StatusInternalServerError {
			ev = l.Error()
		}
		ev.Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Str("remote_ip", a.clientIP(r)).
			Msg("request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
