// internal/storage/postgres/pgtest/pgtest.go
package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"kitabu/internal/storage/postgres"
)

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Open connects to the PostgreSQL database described by the PG* environment
// variables, migrates it and empties every table. It skips the test if the
// connection cannot be established.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, getEnv("PGDRIVER", "postgres"), connStr)
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE TABLE events, loans, members, books CASCADE"); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return db
}
