package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"medscribe/internal/errors"
	"medscribe/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

const component = "postgres"

type Options struct {
	URL          string
	Attempts     int
	Delay        time.Duration
	MaxOpenConns int
}

// Open connects and pings, retrying while the database comes up.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 20
	}

	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, errors.New(err).Component(component).Category(errors.CategoryConfiguration).Build()
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger := logging.NewLogger(ctx).WithField("component", component)
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			logger.Infof("connected to database")
			return db, nil
		}
		if attempt >= opts.Attempts {
			break
		}
		logger.Warnf("waiting for database (%d/%d): %v", attempt, opts.Attempts, err)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(opts.Delay):
		}
	}
	_ = db.Close()
	return nil, errors.Newf("database unreachable after %d attempts: %v", opts.Attempts, err).
		Component(component).
		Category(errors.CategoryDatabase).
		Build()
}

// newMigrate opens a dedicated connection for the migration run. The caller
// closes it.
func newMigrate(url string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	return m, nil
}

func closeMigrate(ctx context.Context, m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		logging.NewLogger(ctx).WithField("component", component).Warnf("close migrations: %v", err)
	}
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, url string) error {
	m, err := newMigrate(url)
	if err != nil {
		return err
	}
	defer closeMigrate(ctx, m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	logging.NewLogger(ctx).WithFields(map[string]any{
		"component": component,
		"version":   version,
		"dirty":     dirty,
	}).Infof("migrations applied")
	return nil
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, url string, steps int) error {
	if steps <= 0 {
		return errors.Validation(component, "steps", "steps must be positive")
	}
	m, err := newMigrate(url)
	if err != nil {
		return err
	}
	defer closeMigrate(ctx, m)

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	logging.NewLogger(ctx).WithField("component", component).Infof("rolled back %d migrations", steps)
	return nil
}
