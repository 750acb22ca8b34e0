package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "centroid_blobs"

// PostgresBackend keeps each blob as one row keyed by name. Writes are a
// single upsert and Copy is a single INSERT ... SELECT, so both are atomic.
type PostgresBackend struct {
	db    *sql.DB
	table string
}

func NewPostgres(ctx context.Context, dsn, table string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultTable
	}
	s := &PostgresBackend{db: db, table: pq.QuoteIdentifier(table)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresBackend) migrate(ctx context.Context) error {
	// Advisory lock so replicas starting together do not race on DDL.
	const lockID = 52_413_007

	var acquired bool
	err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	_, err = s.db.ExecContext(ctx, s.createTableSQL())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresBackend) createTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		name TEXT PRIMARY KEY,
		data BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
}

func (s *PostgresBackend) readSQL() string {
	return `SELECT data FROM ` + s.table + ` WHERE name=$1`
}

func (s *PostgresBackend) writeSQL() string {
	return `INSERT INTO ` + s.table + `(name, data, updated_at) VALUES($1,$2,now())
		ON CONFLICT (name) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`
}

func (s *PostgresBackend) copySQL() string {
	return `INSERT INTO ` + s.table + `(name, data, updated_at)
		SELECT $2, data, now() FROM ` + s.table + ` WHERE name=$1
		ON CONFLICT (name) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`
}

func (s *PostgresBackend) Read(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, s.readSQL(), name).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(name)
		}
		return nil, fmt.Errorf("storage: select %s: %w", name, err)
	}
	return data, nil
}

func (s *PostgresBackend) Write(ctx context.Context, name string, data []byte) error {
	if _, err := s.db.ExecContext(ctx, s.writeSQL(), name, data); err != nil {
		return fmt.Errorf("storage: upsert %s: %w", name, err)
	}
	return nil
}

func (s *PostgresBackend) Copy(ctx context.Context, src, dst string) error {
	res, err := s.db.ExecContext(ctx, s.copySQL(), src, dst)
	if err != nil {
		return fmt.Errorf("storage: copy %s -> %s: %w", src, dst, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(src)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresBackend) Close() error {
	return s.db.Close()
}

var _ Backend = (*PostgresBackend)(nil)
