// Package store keeps the record of the most recent fired action in SQLite,
// so operators can see when the radar last changed anything. Only one row is
// ever kept.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/radar.lights/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite handle.
type DB struct {
	*sql.DB
}

// LastAction describes the most recent action the gate fired.
type LastAction struct {
	SessionID     string
	FiredAt       time.Time
	PeakAmplitude float64
	PeakIndex     int
	// Commands summarises what each actuator was sent, e.g.
	// "light/1=on+param volume/=none".
	Commands string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp runs all pending migrations up to the latest version.
// Returns nil if no migrations were needed (already at latest version).
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty state.
// Returns 0, false, nil if no migrations have been applied yet.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return monitoring.Verbose()
}

// RecordLastAction replaces the stored last action.
func (db *DB) RecordLastAction(ctx context.Context, a LastAction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO last_action (id, session_id, fired_unix_nanos, peak_amplitude, peak_index, commands)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			fired_unix_nanos = excluded.fired_unix_nanos,
			peak_amplitude = excluded.peak_amplitude,
			peak_index = excluded.peak_index,
			commands = excluded.commands
	`, a.SessionID, a.FiredAt.UnixNano(), a.PeakAmplitude, a.PeakIndex, a.Commands)
	if err != nil {
		return fmt.Errorf("record last action: %w", err)
	}
	return nil
}

// LastAction returns the stored last action. ok is false when nothing has
// fired yet.
func (db *DB) LastAction(ctx context.Context) (a LastAction, ok bool, err error) {
	var nanos int64
	err = db.QueryRowContext(ctx, `
		SELECT session_id, fired_unix_nanos, peak_amplitude, peak_index, commands
		FROM last_action WHERE id = 1
	`).Scan(&a.SessionID, &nanos, &a.PeakAmplitude, &a.PeakIndex, &a.Commands)
	if errors.Is(err, sql.ErrNoRows) {
		return LastAction{}, false, nil
	}
	if err != nil {
		return LastAction{}, false, fmt.Errorf("read last action: %w", err)
	}
	a.FiredAt = time.Unix(0, nanos).UTC()
	return a, true, nil
}
