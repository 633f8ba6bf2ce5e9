// Package pgtest connects tests to a disposable Postgres named by PG_TEST_DSN.
package pgtest

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildtrack/buildtrack/internal/platform/db"
)

// EnvDSN names the variable holding the test database DSN.
const EnvDSN = "PG_TEST_DSN"

// Pool opens a migrated pool and closes it on cleanup. The test is skipped
// when PG_TEST_DSN is unset or in -short mode.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skip(EnvDSN + " not set")
	}
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 8, ApplicationName: "buildtrack-test"})
	if err != nil {
		t.Fatalf("pgtest: connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.Migrate(ctx, pool, nil); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	return pool
}

// Suffix returns a short random token for unique usernames, slugs and emails.
func Suffix() string {
	return uuid.NewString()[:8]
}

// User inserts a user with a unique username and returns its id.
func User(t testing.TB, pool *pgxpool.Pool) int64 {
	t.Helper()
	name := "pgtest-" + Suffix()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (username, email, password_hash) VALUES ($1, $2, 'x') RETURNING id`,
		name, name+"@example.test").Scan(&id)
	if err != nil {
		t.Fatalf("pgtest: insert user: %v", err)
	}
	return id
}
