package capture

import (
	"context"
	"strings"
)

// Archive is a Sink that can also be read back
type Archive interface {
	Sink
	Recent(ctx context.Context, n int) ([]Record, error)
	Count(ctx context.Context) (int64, error)
}

// Open returns a PostgreSQL archive for postgres:// DSNs and a SQLite
// archive at the given path otherwise.
func Open(dsn string) (Archive, error) {
	if IsPostgresDSN(dsn) {
		return NewPostgresStore(dsn)
	}
	return NewSQLiteStore(dsn)
}

// IsPostgresDSN reports whether dsn names a PostgreSQL database
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

var (
	_ Archive = (*SQLiteStore)(nil)
	_ Archive = (*PostgresStore)(nil)
)
