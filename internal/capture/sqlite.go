package capture

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore archives forwarded lines in a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the archive at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL so the queries command can read while the daemon writes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS captured_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attach_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		process TEXT NOT NULL,
		line TEXT NOT NULL,
		captured_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_captured_lines_attach ON captured_lines(attach_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write archives one record
func (s *SQLiteStore) Write(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captured_lines (attach_id, pid, process, line, captured_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.AttachID, r.PID, r.Process, r.Line, r.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to archive line: %w", err)
	}
	return nil
}

// Recent returns up to n archived records, newest first. n <= 0 means all.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]Record, error) {
	query := `SELECT attach_id, pid, process, line, captured_at FROM captured_lines ORDER BY id DESC`
	args := []any{}
	if n > 0 {
		query += ` LIMIT ?`
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captured_lines`).Scan(&n)
	return n, err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ Sink = (*ConsoleSink)(nil)
	_ Sink = MultiSink(nil)
)
