// Package migrate applies the embedded control plane schema with version tracking.
//
// Migrations are embedded in the binary at compile time, so a control plane
// always carries the schema it needs.
//
// # Usage
//
// Call Run() after establishing a database connection but before starting services:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	if err := migrate.Run(ctx, pool, logger); err != nil {
//	    log.Fatal("migration failed:", err)
//	}
//
// # Migration Files
//
// Migrations are SQL files in the migrations directory named NNN_name.sql,
// applied in version order, each in its own transaction.
//
// # Concurrency
//
// Several control plane replicas may start at once. Run holds a Postgres
// advisory lock on one connection for the whole pass, so exactly one replica
// applies pending migrations and the others find the schema up to date.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockID is an arbitrary constant shared by all replicas.
const advisoryLockID int64 = 0x6469616c6572 // "dialer"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record represents a completed migration in the database.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status contains information about the current migration state.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
}

// Run executes all pending database migrations.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrate")

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil {
			logger.Warn("failed to release migration lock", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	available, err := getAvailableMigrations()
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}

	pending := pendingMigrations(available, applied)
	for _, mig := range pending {
		logger.Info("applying migration", "version", mig.version, "name", mig.name)
		if err := applyMigration(ctx, conn, mig); err != nil {
			return fmt.Errorf("applying migration %03d_%s: %w", mig.version, mig.name, err)
		}
	}

	if len(pending) == 0 {
		logger.Info("database schema is up to date", "version", len(applied))
	} else {
		logger.Info("migrations complete", "applied", len(pending), "total", len(applied)+len(pending))
	}
	return nil
}

// GetStatus returns the current migration status for diagnostics.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = 'schema_migrations'
		)
	`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring connection: %w", err)
		}
		defer conn.Release()
		if status.Applied, err = appliedMigrations(ctx, conn); err != nil {
			return nil, err
		}
	}

	available, err := getAvailableMigrations()
	if err != nil {
		return nil, err
	}
	for _, m := range pendingMigrations(available, status.Applied) {
		status.Pending = append(status.Pending, fmt.Sprintf("%03d_%s", m.version, m.name))
	}
	return status, nil
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) ([]Record, error) {
	rows, err := conn.Query(ctx, `
		SELECT version, name, applied_at
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var m Record
		if err := rows.Scan(&m.Version, &m.Name, &m.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	return records, rows.Err()
}

// migration represents a migration file to be applied.
type migration struct {
	version int
	name    string
	sql     string
}

// pendingMigrations returns available migrations not yet recorded, in order.
func pendingMigrations(available []migration, applied []Record) []migration {
	done := make(map[int]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	var out []migration
	for _, m := range available {
		if !done[m.version] {
			out = append(out, m)
		}
	}
	return out
}

// getAvailableMigrations reads all migration files from the embedded filesystem.
func getAvailableMigrations() ([]migration, error) {
	return readMigrations(migrationsFS, "migrations")
}

func readMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing migration filename %s: %w", entry.Name(), err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{
			version: version,
			name:    name,
			sql:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

// parseMigrationFilename extracts version and name from a migration filename.
// Expected format: NNN_name.sql (e.g., "001_initial_schema.sql")
func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")

	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version number in %s: %w", filename, err)
	}
	return version, parts[1], nil
}

// applyMigration executes a single migration within a transaction.
func applyMigration(ctx context.Context, conn *pgxpool.Conn, mig migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	if _, err := tx.Exec(ctx, mig.sql); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name) VALUES ($1, $2)
	`, mig.version, mig.name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
