package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zirconsol/drshaq-backend/pkg/config"
	"github.com/zirconsol/drshaq-backend/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	loadCfgFn = config.Load
	openDBFn  = func(ctx context.Context, cfg config.Config) (migratorDBCloser, error) {
		requireTLS := strings.EqualFold(strings.TrimSpace(os.Getenv("DATABASE_REQUIRE_TLS")), "true")
		return store.NewPostgresPool(ctx, cfg.DatabaseURL, requireTLS)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg, err := loadCfgFn()
	if err != nil {
		logFatalf("config: %v", err)
		return
	}

	pool, err := openDBFn(ctx, cfg)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, "migrations", nil, nil, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// validateMigrationPath rejects glob results that resolve outside the
// migrations directory.
func validateMigrationPath(dir, file string) (string, error) {
	clean := filepath.Clean(file)
	if !strings.HasPrefix(clean, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, dir)
	}
	return clean, nil
}

// runMigrations applies every unapplied *.sql file in dir, in filename
// order, one transaction per file. The schema_migrations ledger keys on
// the base filename, so reruns are no-ops.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	dir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if readFile == nil {
		// #nosec G304 -- paths are checked with validateMigrationPath first.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	dir = filepath.Clean(dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		clean, err := validateMigrationPath(dir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(clean)
		var applied bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, db, clean, name, readFile); err != nil {
			return err
		}
		logf("applied migration %s", name)
	}

	logf("migrations current: %d on disk", len(files))
	return nil
}

// applyMigration runs one file and marks it in the ledger atomically.
func applyMigration(ctx context.Context, db migrationDB, path, name string, readFile func(string) ([]byte, error)) error {
	stmts, err := readFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(stmts)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", path, err)
	}
	return nil
}
