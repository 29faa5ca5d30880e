package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MigrationStatus describes one *.up.sql file and whether it has run.
type MigrationStatus struct {
	Version   string
	Applied   bool
	AppliedAt time.Time
}

func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	files, err := migrationFiles(migrationsDir, ".up.sql")
	if err != nil {
		return err
	}

	for _, file := range files {
		version := filepath.Base(file)
		if migrated, err := isMigrated(ctx, db, version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute migration %s: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
				return fmt.Errorf("record migration %s: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// RollbackMigration reverts the most recently applied migration using its
// matching *.down.sql file. It returns the reverted version, or "" when
// nothing was applied.
func RollbackMigration(ctx context.Context, db *sql.DB, migrationsDir string) (string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return "", err
	}

	var version string
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read last migration: %w", err)
	}

	downFile := filepath.Join(migrationsDir, strings.TrimSuffix(version, ".up.sql")+".down.sql")
	contents, err := os.ReadFile(downFile)
	if err != nil {
		return "", fmt.Errorf("read down migration for %s: %w", version, err)
	}

	err = inTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("execute down migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, version); err != nil {
			return fmt.Errorf("forget migration %s: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

func MigrationStatuses(ctx context.Context, db *sql.DB, migrationsDir string) ([]MigrationStatus, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	files, err := migrationFiles(migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}

	applied := map[string]time.Time{}
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			version string
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		version := filepath.Base(file)
		at, ok := applied[version]
		statuses = append(statuses, MigrationStatus{Version: version, Applied: ok, AppliedAt: at})
	}
	return statuses, nil
}

func migrationFiles(migrationsDir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, suffix) {
			files = append(files, filepath.Join(migrationsDir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
