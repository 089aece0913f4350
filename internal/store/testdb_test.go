package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/brendanlong/burrow-runtime/internal/common/database"
	"github.com/brendanlong/burrow-runtime/internal/config"
)

// newTestDB opens a connection to a real Postgres instance for integration
// tests. These tables have real foreign keys and unique constraints that a
// mock can't exercise honestly, so the repository tests talk to the genuine
// database rather than a fake. Point BURROW_TEST_DATABASE_HOST (and
// friends) at a throwaway Postgres instance to run them; otherwise they
// skip, since no such instance is assumed to exist in every environment
// this module is built in.
func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Host:     envOr("BURROW_TEST_DATABASE_HOST", "localhost"),
		Port:     5432,
		User:     envOr("BURROW_TEST_DATABASE_USER", "burrow"),
		Password: envOr("BURROW_TEST_DATABASE_PASSWORD", ""),
		DBName:   envOr("BURROW_TEST_DATABASE_NAME", "burrow_test"),
		SSLMode:  "disable",
		MaxConns: 5,
		MinConns: 1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		t.Skipf("no reachable test database, skipping: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Skipf("test database not reachable, skipping: %v", err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	t.Cleanup(db.Close)
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
