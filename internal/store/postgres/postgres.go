// Package postgres provides a store.Provider backed by Postgres. A stream's
// head row holds its length; commits compare-and-set that row against the
// length observed when the key was watched.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/streamstore/internal/config"
	"github.com/jensholdgaard/streamstore/internal/store"
)

//go:embed migrations/001_initial.sql
var initialSchema string

func init() {
	store.Register("postgres", open)
}

// open is the store.Driver for the "postgres" backend.
func open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Provider, error) {
	db, err := Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logger.InfoContext(ctx, "connected to postgres",
		slog.String("host", cfg.Postgres.Host),
		slog.String("dbname", cfg.Postgres.DBName),
	)
	return NewProvider(db), nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Migrate creates the stream tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, initialSchema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
