package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS courier_blobs (
  location   TEXT PRIMARY KEY,
  data       BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
`

const postgresOpTimeout = 5 * time.Second

// PostgresStorage keeps blobs in a postgres table. It suits relay
// deployments where several hosts share one durable store, each owning
// distinct locations.
type PostgresStorage struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return &PostgresStorage{db: db, nowFn: time.Now}, nil
}

func (s *PostgresStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStorage) Read(location string) ([]byte, error) {
	if err := validateLocation(location); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM courier_blobs WHERE location = $1`, location).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: read %q: %w", location, err)
	}
	return data, nil
}

func (s *PostgresStorage) Write(location string, data []byte) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO courier_blobs(location, data, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (location) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		location, data, s.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("postgres: write %q: %w", location, err)
	}
	return nil
}

func (s *PostgresStorage) Delete(location string) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM courier_blobs WHERE location = $1`, location); err != nil {
		return fmt.Errorf("postgres: delete %q: %w", location, err)
	}
	return nil
}
