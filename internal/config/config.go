package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAccessSecret  = "change-me"
	defaultRefreshSecret = "change-me-refresh"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	Env        string
	LogLevel   string
	LogFormat  string

	// Token signing. The two secrets must differ.
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	// RefreshReuseGrace is how long a rotated refresh token may be presented
	// again and answered with a fresh pair instead of counting as reuse.
	// Zero disables the grace window.
	RefreshReuseGrace time.Duration

	// Admission control
	RateLimitWindow       time.Duration
	RateLimitMax          int
	RateLimitMaxKeys      int
	GenerationLimitWindow time.Duration
	GenerationLimitMax    int
	TrustProxyHeaders     bool

	CORSAllowedOrigins []string
	AutoVerifyUsers    bool

	// RefreshLedger is "db" or "redis".
	RefreshLedger string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	// Build DSN from individual components
	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // Default to disable for local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_ADAPTER", "postgres")
	v.SetDefault("SQLITE_FILE", "./data/promptvault.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("JWT_SECRET", defaultAccessSecret)
	v.SetDefault("REFRESH_TOKEN_SECRET", defaultRefreshSecret)
	v.SetDefault("ACCESS_TOKEN_TTL", time.Hour)
	v.SetDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	v.SetDefault("REFRESH_REUSE_GRACE", 30*time.Second)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_MAX_KEYS", 65536)
	v.SetDefault("GENERATION_LIMIT_WINDOW", time.Hour)
	v.SetDefault("GENERATION_LIMIT_MAX", 10)
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTO_VERIFY_USERS", false)
	v.SetDefault("REFRESH_LEDGER", "db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "promptvault")
	v.SetDefault("POSTGRES_PASSWORD", "promptvault")
	v.SetDefault("POSTGRES_DB", "promptvault")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
}

// New reads the configuration from the environment.
func New() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	// older deployments use the DB_* names
	for key, alias := range map[string]string{
		"POSTGRES_HOST":     "DB_HOST",
		"POSTGRES_PORT":     "DB_PORT",
		"POSTGRES_USER":     "DB_USER",
		"POSTGRES_PASSWORD": "DB_PASSWORD",
		"POSTGRES_DB":       "DB_NAME",
		"POSTGRES_SSLMODE":  "DB_SSLMODE",
	} {
		_ = v.BindEnv(key, key, alias)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	c := &Config{
		Port:       v.GetString("PORT"),
		DBAdapter:  strings.ToLower(v.GetString("DB_ADAPTER")),
		SQLiteFile: v.GetString("SQLITE_FILE"),
		Env:        strings.ToLower(v.GetString("ENV")),
		LogLevel:   v.GetString("LOG_LEVEL"),
		LogFormat:  strings.ToLower(v.GetString("LOG_FORMAT")),

		AccessTokenSecret:  v.GetString("ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret: v.GetString("REFRESH_TOKEN_SECRET"),
		AccessTokenTTL:     v.GetDuration("ACCESS_TOKEN_TTL"),
		RefreshTokenTTL:    v.GetDuration("REFRESH_TOKEN_TTL"),
		RefreshReuseGrace:  v.GetDuration("REFRESH_REUSE_GRACE"),

		RateLimitWindow:       v.GetDuration("RATE_LIMIT_WINDOW"),
		RateLimitMax:          v.GetInt("RATE_LIMIT_MAX"),
		RateLimitMaxKeys:      v.GetInt("RATE_LIMIT_MAX_KEYS"),
		GenerationLimitWindow: v.GetDuration("GENERATION_LIMIT_WINDOW"),
		GenerationLimitMax:    v.GetInt("GENERATION_LIMIT_MAX"),
		TrustProxyHeaders:     v.GetBool("TRUST_PROXY_HEADERS"),

		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		AutoVerifyUsers:    v.GetBool("AUTO_VERIFY_USERS"),

		RefreshLedger: strings.ToLower(v.GetString("REFRESH_LEDGER")),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		PostgresDSN:      v.GetString("POSTGRES_DSN"),
		PostgresHost:     v.GetString("POSTGRES_HOST"),
		PostgresPort:     v.GetString("POSTGRES_PORT"),
		PostgresUser:     v.GetString("POSTGRES_USER"),
		PostgresPassword: v.GetString("POSTGRES_PASSWORD"),
		PostgresDB:       v.GetString("POSTGRES_DB"),
		PostgresSSLMode:  v.GetString("POSTGRES_SSLMODE"),
	}
	if c.Env == "" {
		c.Env = strings.ToLower(v.GetString("NODE_ENV"))
	}
	if c.AccessTokenSecret == "" {
		c.AccessTokenSecret = v.GetString("JWT_SECRET")
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.RefreshLedger {
	case "db":
	case "redis":
		if c.RedisAddr == "" {
			return nil, errors.New("REDIS_ADDR must be set when REFRESH_LEDGER=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported REFRESH_LEDGER: %s (supported: db, redis)", c.RefreshLedger)
	}

	if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
		return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	// Validate secrets in production
	if c.IsProduction() {
		if c.AccessTokenSecret == defaultAccessSecret || c.RefreshTokenSecret == defaultRefreshSecret {
			return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set in production")
		}
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return nil, errors.New("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}
	if c.RefreshReuseGrace < 0 {
		return nil, errors.New("REFRESH_REUSE_GRACE must not be negative")
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMax <= 0 {
		return nil, errors.New("RATE_LIMIT_WINDOW and RATE_LIMIT_MAX must be positive")
	}
	if c.GenerationLimitWindow <= 0 || c.GenerationLimitMax <= 0 {
		return nil, errors.New("GENERATION_LIMIT_WINDOW and GENERATION_LIMIT_MAX must be positive")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
