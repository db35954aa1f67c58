package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/example/promptvault/internal/config"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "./migrations", "Directory holding the migration files")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if cfg.DBAdapter != "postgres" {
		log.Fatal().Str("adapter", cfg.DBAdapter).Msg("migrations only apply to PostgreSQL; the sqlite adapter creates its schema on open")
	}
	dsn, err := cfg.BuildPostgresDSN()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres config")
	}

	m, closeDB, err := open(*dir, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open migrator")
	}
	defer closeDB()

	switch *command {
	case "up":
		err = step(m, *steps, m.Up)
	case "down":
		err = step(m, -*steps, m.Down)
	case "version":
		v, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return
		}
		if verr != nil {
			log.Fatal().Err(verr).Msg("read version")
		}
		if dirty {
			fmt.Printf("schema is dirty at version %d\n", v)
			closeDB()
			os.Exit(1)
		}
		fmt.Printf("schema version %d\n", v)
		return
	case "force":
		if *version == 0 {
			log.Fatal().Msg("force needs -version")
		}
		err = m.Force(int(*version))
	default:
		log.Fatal().Str("command", *command).Msg("unknown command (supported: up, down, version, force)")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", *command).Msg("migration failed")
	}
	log.Info().Str("command", *command).Msg("done")
}

// step runs n steps when n is non-zero and all otherwise.
func step(m *migrate.Migrate, n int, all func() error) error {
	var err error
	if n != 0 {
		err = m.Steps(n)
	} else {
		err = all()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func open(dir, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, func() { db.Close() }, nil
}
