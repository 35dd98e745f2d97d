// Package testutil starts PostgreSQL for store integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Postgres returns a database with every migration applied. Tables are
// truncated when the test ends.
//
// POSTGRES_URL points the tests at an existing server. Without it a
// postgres:16-alpine container is started; the test is skipped under
// -short or when Docker is unavailable.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		dsn = startContainer(t, ctx)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("testutil: open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("testutil: ping postgres: %v", err)
	}
	if err := migrate(ctx, db, migrationsDir(t)); err != nil {
		t.Fatalf("testutil: migrate: %v", err)
	}
	t.Cleanup(func() {
		if err := truncate(context.Background(), db); err != nil {
			t.Logf("testutil: truncate: %v", err)
		}
	})
	return db
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tokensentry"),
		postgres.WithUsername("tokensentry"),
		postgres.WithPassword("tokensentry"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("testutil: start postgres: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("testutil: postgres dsn: %v", err)
	}
	return dsn
}

func migrate(ctx context.Context, db *sql.DB, dir string) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(dir))
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// migrationsDir finds migrations/ in the working directory or one of its
// parents.
func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("testutil: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("testutil: no migrations directory above the working directory")
		}
		dir = parent
	}
}

// truncate empties every public table except goose's bookkeeping.
func truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return err
	}
	var idents []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		idents = append(idents, pq.QuoteIdentifier(name))
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return err
	}
	for _, ident := range idents {
		if _, err := db.ExecContext(ctx, "TRUNCATE "+ident+" CASCADE"); err != nil {
			return err
		}
	}
	return nil
}
