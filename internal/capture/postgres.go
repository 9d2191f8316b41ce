package capture

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore archives forwarded lines in a shared PostgreSQL database
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to dsn and creates the archive table
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS captured_lines (
		id BIGSERIAL PRIMARY KEY,
		attach_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		process TEXT NOT NULL,
		line TEXT NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_captured_lines_attach ON captured_lines(attach_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Write archives one record
func (s *PostgresStore) Write(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captured_lines (attach_id, pid, process, line, captured_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.AttachID, r.PID, r.Process, r.Line, r.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to archive line: %w", err)
	}
	return nil
}

// Recent returns up to n archived records, newest first. n <= 0 means all.
func (s *PostgresStore) Recent(ctx context.Context, n int) ([]Record, error) {
	query := `SELECT attach_id, pid, process, line, captured_at FROM captured_lines ORDER BY id DESC`
	args := []any{}
	if n > 0 {
		query += ` LIMIT $1`
		args = append(args, n)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query captured lines: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.AttachID, &r.PID, &r.Process, &r.Line, &r.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan captured line: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of archived lines
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captured_lines`).Scan(&n)
	return n, err
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
