// Package store persists driving samples, automatically detected trips and lifetime aggregates in sqlite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DefaultTripIdleTimeout = 5 * time.Minute
	DefaultTripStartSpeed  = 1.0
	// DefaultCleanupAge is age of synced trips that CleanupSyncedTrips removes when called with zero age
	DefaultCleanupAge = 90 * 24 * time.Hour
)

var (
	// ErrTripNotFound is returned when trip with given ID does not exist
	ErrTripNotFound = errors.New("trip not found")
)

// Config is configuration for Store
type Config struct {
	// Path is sqlite database file path. Parent directory is created when missing.
	Path string
	// TripIdleTimeout is how long vehicle has to stand still before active trip is ended.
	TripIdleTimeout time.Duration
	// TripStartSpeedKmh is speed above which trip is started and below which vehicle is considered standing.
	TripStartSpeedKmh float64

	Logger *zerolog.Logger
}

// Store is sqlite backed persistence. It implements tripcomputer.LifetimeSource, soh.Source and monitor.SampleSink.
type Store struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger

	mu           sync.Mutex
	activeTrip   string
	lastMovingAt time.Time
	lastSample   Sample

	timeNow func() time.Time
}

// Open opens (creates) database and runs schema migrations. Trips left open by previous run are finalized.
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.Path == "" {
		return nil, errors.New("store: database path is required")
	}
	if config.TripIdleTimeout <= 0 {
		config.TripIdleTimeout = DefaultTripIdleTimeout
	}
	if config.TripStartSpeedKmh <= 0 {
		config.TripStartSpeedKmh = DefaultTripStartSpeed
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// pragmas like foreign_keys are per connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s failed: %w", pragma, err)
		}
	}

	s := &Store{
		db:      db,
		config:  config,
		logger:  logger,
		timeNow: time.Now,
	}
	if err := s.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.finalizeOpenTrips(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info().Str("path", config.Path).Msg("database opened")
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: failed to read migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: failed to create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	// Note: m is not closed because it would close the underlying database connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns applied migration version
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var version uint
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: failed to read schema version: %w", err)
	}
	return version, nil
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct {
	logger zerolog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msgf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Close ends active trip and closes database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var endErr error
	if s.activeTrip != "" {
		endErr = s.endTrip(context.Background(), s.lastSample.Time)
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return endErr
}

// Vacuum rebuilds database file to reclaim space left by deleted rows
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("store: vacuum failed: %w", err)
	}
	s.logger.Info().Msg("database vacuumed")
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
