// Package postgres implements every repository on PostgreSQL through pgx.
// Unique constraints back the name and assignment invariants; SQLSTATE 23505
// is translated into the conflict errors the services expect.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/audit"
	"github.com/1sec-project/accessguard/internal/directory"
	"github.com/1sec-project/accessguard/internal/rbac"
	"github.com/1sec-project/accessguard/internal/response"
)

//go:embed schema.sql
var schema string

var (
	_ rbac.PermissionRepository   = (*Store)(nil)
	_ rbac.RoleRepository         = (*Store)(nil)
	_ rbac.AssignmentRepository   = (*Store)(nil)
	_ anomaly.EventSource         = (*Store)(nil)
	_ anomaly.BaselineStore       = (*Store)(nil)
	_ anomaly.AnomalyRepository   = (*Store)(nil)
	_ anomaly.AlertRepository     = (*Store)(nil)
	_ response.PolicyRepository   = (*Store)(nil)
	_ response.ResponseRepository = (*Store)(nil)
	_ directory.UserStore         = (*Store)(nil)
	_ directory.DeviceStore       = (*Store)(nil)
	_ audit.Sink                  = (*Store)(nil)
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store holds the connection pool shared by every repository.
type Store struct {
	pool   *pgxpool.Pool
	db     dbtx
	logger zerolog.Logger
}

// Open connects to dsn and pings the server.
func Open(ctx context.Context, dsn string, maxConns int32, logger zerolog.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool, logger), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		db:     pool,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	s.logger.Info().Msg("schema migrated")
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// withTx runs fn in a transaction bound to a copy of the store.
func (s *Store) withTx(ctx context.Context, fn func(tx *Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(&Store{pool: s.pool, db: tx, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// constraintError returns the violated constraint name when err is a
// Postgres error with the given SQLSTATE.
func constraintError(err error, code string) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == code {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isUniqueViolation(err error) bool {
	_, ok := constraintError(err, codeUniqueViolation)
	return ok
}

// noRows maps pgx.ErrNoRows onto the domain's not-found error.
func noRows(err error, id string, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, notFound)
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	err := json.Unmarshal(data, &out)
	return out, err
}
