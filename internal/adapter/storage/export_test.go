package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// DB exposes the handle to tests that inspect rows directly.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func OpenSQLite(t *testing.T) *SQLStore {
	t.Helper()

	s, err := Open(context.Background(), DriverSQLite, ":memory:?_pragma=foreign_keys(1)", PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func OpenMySQL(t *testing.T) *SQLStore {
	t.Helper()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/sales?parseTime=true"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s, err := Open(ctx, DriverMySQL, dsn, PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ForEachStore runs fn against an in-memory SQLite store and, when reachable, MySQL.
func ForEachStore(t *testing.T, fn func(t *testing.T, s *SQLStore)) {
	t.Run(DriverSQLite, func(t *testing.T) { fn(t, OpenSQLite(t)) })
	t.Run(DriverMySQL, func(t *testing.T) { fn(t, OpenMySQL(t)) })
}
