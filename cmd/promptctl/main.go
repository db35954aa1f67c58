// Command promptctl signs in to a promptvault server and calls its API with
// the stored session.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/promptvault/internal/authclient"
	"github.com/example/promptvault/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v      *viper.Viper
	log    zerolog.Logger
	client *authclient.Client
	closer func() error
}

func main() {
	a := &app{v: viper.New()}
	root := a.rootCmd()
	err := root.Execute()
	if a.closer != nil {
		_ = a.closer()
	}
	if err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "promptctl",
		Short:         "Command line client for a promptvault server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	f := root.PersistentFlags()
	f.String("server", "http://localhost:8080", "server base URL")
	f.String("mode", string(authclient.ModeExtension), "sign-in flow: extension or web")
	f.String("session-backend", "sqlite", "where the session is kept: sqlite or file")
	f.String("session-path", defaultSessionPath(), "session database or file path")
	f.Duration("timeout", authclient.DefaultRequestTimeout, "per-request timeout")
	f.Float64("rate", 0, "maximum outbound requests per second (0 disables pacing)")
	f.BoolP("verbose", "v", false, "debug logging")
	_ = a.v.BindPFlags(f)

	a.v.SetEnvPrefix("PROMPTVAULT")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.loginCmd(),
		a.registerCmd(),
		a.logoutCmd(),
		a.statusCmd(),
		a.whoamiCmd(),
		a.generateCmd(),
	)
	return root
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "promptvault", "session.db")
}

func (a *app) setup() error {
	level := zerolog.WarnLevel
	if a.v.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	a.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	backend, closer, err := openBackend(a.v.GetString("session-backend"), a.v.GetString("session-path"))
	if err != nil {
		return err
	}
	a.closer = closer

	c, err := authclient.New(authclient.Config{
		BaseURL:        a.v.GetString("server"),
		Mode:           authclient.Mode(a.v.GetString("mode")),
		Store:          session.NewStore(backend, session.WithLogger(a.log)),
		RequestTimeout: a.v.GetDuration("timeout"),
		RateLimit:      rateLimit(a.v.GetFloat64("rate")),
		Burst:          1,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

func openBackend(kind, path string) (session.Backend, func() error, error) {
	switch kind {
	case "sqlite":
		b, err := session.NewSQLiteBackend(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open session database: %w", err)
		}
		return b, b.Close, nil
	case "file":
		b, err := session.NewFileBackend(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open session file: %w", err)
		}
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q (supported: sqlite, file)", kind)
	}
}

// explain turns client errors into something a person can act on.
func explain(err error) error {
	switch {
	case errors.Is(err, authclient.ErrNotAuthenticated):
		return errors.New("not signed in; run `promptctl login`")
	case errors.Is(err, authclient.ErrAuthenticationExpired):
		return errors.New("session expired; run `promptctl login` again")
	case errors.Is(err, authclient.ErrInvalidCredentials):
		return errors.New("invalid email or password")
	}
	return err
}
