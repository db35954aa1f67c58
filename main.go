package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cfg "github.com/example/promptvault/internal/config"
	"github.com/example/promptvault/internal/ratelimit"
	"github.com/example/promptvault/internal/token"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type App struct {
	DB        DB
	Ledger    RefreshLedger
	Codec     *token.Codec
	Generator Generator
	Metrics   *Metrics
	Log       zerolog.Logger

	rateLimiter ratelimit.Policy
	genLimiter  ratelimit.Policy
	validate    *validator.Validate
	autoVerify  bool
	trustProxy  bool
	corsOrigins []string
	now         func() time.Time
}

// NewApp wires the server's components from c. ledger may be nil, in which
// case refresh token ids are tracked in db.
func NewApp(c *cfg.Config, db DB, ledger RefreshLedger, log zerolog.Logger) (*App, error) {
	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte(c.AccessTokenSecret),
		RefreshSecret: []byte(c.RefreshTokenSecret),
		AccessTTL:     c.AccessTokenTTL,
		RefreshTTL:    c.RefreshTokenTTL,
		Issuer:        "promptvault",
	})
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = newDBLedger(db, c.RefreshReuseGrace)
	}
	return &App{
		DB:        db,
		Ledger:    ledger,
		Codec:     codec,
		Generator: templateGenerator{},
		Metrics:   NewMetrics(),
		Log:       log,
		rateLimiter: ratelimit.Policy{
			Limiter:     ratelimit.New(ratelimit.WithMaxEntries(c.RateLimitMaxKeys)),
			Window:      c.RateLimitWindow,
			MaxRequests: c.RateLimitMax,
		},
		genLimiter: ratelimit.Policy{
			Limiter:     ratelimit.New(ratelimit.WithMaxEntries(c.RateLimitMaxKeys)),
			Window:      c.GenerationLimitWindow,
			MaxRequests: c.GenerationLimitMax,
		},
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		autoVerify:  c.AutoVerifyUsers,
		trustProxy:  c.TrustProxyHeaders,
		corsOrigins: c.CORSAllowedOrigins,
		now:         time.Now,
	}, nil
}

// Routes builds the HTTP router.
func (a *App) Routes() http.Handler {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(a.RequestLogger)
	r.Use(SecurityHeaders)

	// Health check endpoints (no auth or admission)
	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", a.Metrics.Handler()).Methods("GET")

	// Extension endpoints answer any origin. Admission runs inside CORS so a
	// 429 is readable by the caller.
	ext := r.NewRoute().Subrouter()
	ext.Use(extensionCORS().Handler)
	ext.Use(allowAnyOrigin)
	ext.Use(a.RateLimit)
	ext.HandleFunc("/auth/extension-login", optionsOK(a.HandleExtensionLogin)).Methods("POST", "OPTIONS")
	ext.HandleFunc("/auth/extension-refresh", optionsOK(a.HandleExtensionRefresh)).Methods("POST", "OPTIONS")

	// Web app endpoints
	web := r.NewRoute().Subrouter()
	web.Use(webCORS(a.corsOrigins).Handler)
	web.Use(a.RateLimit)
	web.HandleFunc("/auth/register", optionsOK(a.HandleRegister)).Methods("POST", "OPTIONS")
	web.HandleFunc("/auth/login", optionsOK(a.HandleLogin)).Methods("POST", "OPTIONS")
	web.HandleFunc("/auth/logout", optionsOK(a.HandleLogout)).Methods("POST", "OPTIONS")

	// Protected API
	api := web.PathPrefix("/api").Subrouter()
	api.Use(a.RequireAuth)
	api.HandleFunc("/me", optionsOK(a.HandleMe)).Methods("GET", "OPTIONS")
	generate := RequireVerified(a.GenerationLimit(http.HandlerFunc(a.HandleGenerate)))
	api.HandleFunc("/generate", optionsOK(generate.ServeHTTP)).Methods("POST", "OPTIONS")

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(c *cfg.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if c.LogFormat == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(level).With().Timestamp().Str("service", "promptvault").Logger()
}

func openDB(c *cfg.Config, log zerolog.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres config error: %w", err)
		}

		// Apply migrations before connecting
		log.Info().Msg("applying database migrations")
		if err := ApplyMigrations("./migrations", dsn, log); err != nil {
			log.Warn().Err(err).Msg("migration error (continuing anyway)")
		}

		p, err := NewPostgresDB(dsn)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("connected to PostgreSQL database")
		return p, nil
	case "memory":
		log.Warn().Msg("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

func openLedger(c *cfg.Config, log zerolog.Logger) (RefreshLedger, error) {
	if c.RefreshLedger != "redis" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}
	log.Info().Str("addr", c.RedisAddr).Msg("refresh ledger on redis")
	return newRedisLedger(rdb, c.RefreshReuseGrace), nil
}

// purgeExpiredTokens deletes expired refresh token rows once per interval until ctx ends.
func (a *App) purgeExpiredTokens(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.DB.DeleteExpiredRefreshTokens(ctx, a.now().Unix())
			if err != nil {
				a.Log.Warn().Err(err).Msg("purge expired refresh tokens")
				continue
			}
			if n > 0 {
				a.Log.Debug().Int64("deleted", n).Msg("purged expired refresh tokens")
			}
		}
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(c)
	zerolog.DefaultContextLogger = &log

	db, err := openDB(c, log)
	if err != nil {
		log.Fatal().Err(err).Str("adapter", c.DBAdapter).Msg("database init")
	}
	ledger, err := openLedger(c, log)
	if err != nil {
		log.Fatal().Err(err).Msg("refresh ledger init")
	}
	app, err := NewApp(c, db, ledger, log)
	if err != nil {
		log.Fatal().Err(err).Msg("app init")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go app.purgeExpiredTokens(ctx, time.Hour)

	srv := &http.Server{
		Handler:           app.Routes(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      45 * time.Second,
	}

	go func() {
		log.Info().Str("port", c.Port).Str("db", c.DBAdapter).Str("ledger", c.RefreshLedger).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	for _, dep := range []interface{}{app.Ledger, app.DB} {
		if closer, ok := dep.(interface{ close() error }); ok {
			_ = closer.close()
		}
	}
	log.Info().Msg("server exited properly")
}
