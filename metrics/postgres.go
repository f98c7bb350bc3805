package metrics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS execution_metrics (
		id          BIGSERIAL PRIMARY KEY,
		recorded_at TIMESTAMPTZ NOT NULL,
		runtime     TEXT NOT NULL,
		success     BOOLEAN NOT NULL,
		duration    DOUBLE PRECISION NOT NULL,
		warm        BOOLEAN NOT NULL
	)`

var _ Store = (*PostgresStore)(nil)

// PostgresStore appends records to the execution_metrics table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the table when missing
func NewPostgresStore(logger *zap.Logger, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create table: %w", err)
	}

	logger.Info("metrics store connected", zap.String("store", "postgres"))
	return &PostgresStore{pool: pool}, nil
}

// Record inserts rec
func (s *PostgresStore) Record(ctx context.Context, rec MetricRecord) error {
	query := `INSERT INTO execution_metrics (recorded_at, runtime, success, duration, warm) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, rec.Timestamp.UTC(), rec.Runtime, rec.Success, rec.Duration, rec.Warm); err != nil {
		return fmt.Errorf("postgres: insert record: %w", err)
	}
	return nil
}

// Records returns all rows in insertion order
func (s *PostgresStore) Records(ctx context.Context) ([]MetricRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT recorded_at, runtime, success, duration, warm FROM execution_metrics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query records: %w", err)
	}
	defer rows.Close()

	var records []MetricRecord
	for rows.Next() {
		var rec MetricRecord
		if err := rows.Scan(&rec.Timestamp, &rec.Runtime, &rec.Success, &rec.Duration, &rec.Warm); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
