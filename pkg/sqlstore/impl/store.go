package impl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3" // sqlite3 migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedmesh/go-feedmesh/pkg/metrics"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl/migrations"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore implements sqlstore.Store on SQLite.
type SQLStore struct {
	db   *sql.DB
	q    dbtx
	inTx bool
	log  zerolog.Logger
}

var _ sqlstore.Store = (*SQLStore)(nil)

// New opens the database, runs migrations and registers db stats metrics.
func New(dbURI string) (*SQLStore, error) {
	log := logger.With().Str("component", "sqlstore").Logger()

	attrs := append([]attribute.KeyValue{attribute.String("name", "feedstore")}, metrics.BaseAttrs...)
	db, err := otelsql.Open("sqlite3", dbURI, otelsql.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("connecting to db: %s", err)
	}
	if err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(attrs...)); err != nil {
		return nil, fmt.Errorf("registering dbstats: %s", err)
	}

	if err := executeMigration(dbURI); err != nil {
		return nil, fmt.Errorf("initializing db connection: %s", err)
	}

	return &SQLStore{db: db, q: db, log: log}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s.inTx {
		return errors.New("close inside transaction")
	}
	return s.db.Close()
}

// WithTx implements sqlstore.Store.
func (s *SQLStore) WithTx(ctx context.Context, fn func(sqlstore.Store) error) error {
	if s.inTx {
		return errors.New("nested transactions are forbidden")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning txn: %s", err)
	}
	txStore := &SQLStore{db: s.db, q: tx, inTx: true, log: s.log}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rolling back txn")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing txn: %s", err)
	}
	return nil
}

func closeRows(rows *sql.Rows, log zerolog.Logger) {
	if err := rows.Close(); err != nil {
		log.Warn().Err(err).Msg("closing rows")
	}
}

func executeMigration(dbURI string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("creating migration source: %s", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+dbURI)
	if err != nil {
		return fmt.Errorf("creating migration: %s", err)
	}
	defer func() {
		if _, err := m.Close(); err != nil {
			logger.Error().Err(err).Msg("closing db migration")
		}
	}()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migration up: %s", err)
	}

	version, dirty, err := m.Version()
	logger.Info().
		Uint("dbVersion", version).
		Bool("dirty", dirty).
		Err(err).
		Msg("database migration executed")
	return nil
}
