package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"RiskGate/internal/clock"

	"github.com/rs/zerolog"
)

//go:embed migrations
var migrationFS embed.FS

// Migrator runs SQL migration files in order.
// Compatible with golang-migrate file naming: {version}_{name}.up.sql / .down.sql
// Each dialect has its own directory under migrations/.
type Migrator struct {
	db     *DB
	files  fs.FS
	dir    string
	clock  clock.Clock
	logger zerolog.Logger
}

// NewMigrator uses the embedded migrations for db's dialect.
func NewMigrator(db *DB, clk clock.Clock, logger zerolog.Logger) *Migrator {
	dir := "migrations/postgres"
	if db.Dialect == SQLite {
		dir = "migrations/sqlite"
	}
	return &Migrator{db: db, files: migrationFS, dir: dir, clock: clk, logger: logger}
}

// Up applies all pending up-migrations in order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}

	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	count := 0
	for _, f := range files {
		version := extractVersion(f)
		if applied[version] {
			continue
		}

		content, err := fs.ReadFile(m.files, path.Join(m.dir, f))
		if err != nil {
			return count, fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("begin tx for %s: %w", f, err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("exec migration %s: %w", f, err)
		}

		if _, err := tx.ExecContext(ctx,
			m.db.Rebind(`INSERT INTO schema_migrations (version, filename, applied_at_us) VALUES ($1, $2, $3)`),
			version, f, toMicros(m.clock.Now()),
		); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("record migration %s: %w", f, err)
		}

		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("commit migration %s: %w", f, err)
		}

		count++
		m.logger.Info().Str("file", f).Str("dialect", string(m.db.Dialect)).Msg("applied migration")
	}

	return count, nil
}

// Down rolls back the last applied migration. It reports false when there
// was nothing to roll back.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return false, err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := fs.ReadFile(m.files, path.Join(m.dir, downFile))
	if err != nil {
		return false, fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("exec down migration %s: %w", downFile, err)
	}

	if _, err := tx.ExecContext(ctx,
		m.db.Rebind(`DELETE FROM schema_migrations WHERE version = $1`), version,
	); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("remove migration record %s: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return true, nil
}

// Applied lists applied versions in ascending order.
func (m *Migrator) Applied(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	set, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version       TEXT PRIMARY KEY,
			filename      TEXT NOT NULL,
			applied_at_us BIGINT NOT NULL
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, m.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix from a migration filename.
// e.g. "000001_audit.up.sql" -> "000001"
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}
