// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/kizuna-ai-lab/sokuji/migrations"
)

// preserved tables hold seed data or migration state.
var preserved = map[string]bool{
	"plans":            true,
	"goose_db_version": true,
}

// PGTest returns a migrated PostgreSQL connection plus a cleanup function.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a throwaway
// postgres:16-alpine container is started; the test is skipped under
// -short or when no container runtime is available. Cleanup truncates all
// application tables except the seeded plan catalog.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		dbURL = startContainer(t, ctx)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	if testing.Short() {
		t.Skip("POSTGRES_URL not set and -short given, skipping integration test")
	}

	startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(startCtx, "postgres:16-alpine",
		postgres.WithDatabase("sokuji_test"),
		postgres.WithUsername("sokuji"),
		postgres.WithPassword("sokuji"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("POSTGRES_URL not set and no container runtime available: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(startCtx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return dsn
}

// truncateAll empties every application table between tests.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil && !preserved[name] {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables
		_, _ = db.ExecContext(ctx, stmt)
	}
}
