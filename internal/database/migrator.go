package database

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/config"
)

const migrationsDir = "migrations"

type migration struct {
	version    string
	script     string
	noTx       bool
	statements []string
}

// loadMigrations reads *.sql files from dir ordered by file name.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		out = append(out, parseMigration(strings.TrimSuffix(entry.Name(), ".sql"), string(contents)))
	}
	return out, nil
}

func parseMigration(version, contents string) migration {
	m := migration{version: version, script: strings.TrimSpace(contents)}
	for _, line := range strings.Split(m.script, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "-- +no-transaction") {
			m.noTx = true
			break
		}
	}
	if m.noTx {
		m.statements = splitSQLStatements(m.script)
	}
	return m
}

// RunMigrations applies the embedded migrations that are not yet recorded in
// schema_migrations. Each file runs in its own transaction unless it is marked
// "-- +no-transaction".
func RunMigrations(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "migrator").Logger()

	connConfig, err := pgx.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}
	// Simple protocol lets multi-statement files run in a single Exec.
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return fmt.Errorf("connect database for migrations: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations(migrationsFS, migrationsDir)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		var exists bool
		if err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", m.version, err)
		}
		if exists {
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return err
		}
		applied++
		logger.Info().Str("migration", m.version).Bool("transactional", !m.noTx).Msg("Applied migration")
	}

	logger.Info().Int("applied", applied).Int("total", len(migrations)).Msg("Migrations up to date")
	return nil
}

func applyMigration(ctx context.Context, conn *pgx.Conn, m migration) error {
	if m.noTx {
		for _, stmt := range m.statements {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.version, err)
			}
		}
		if _, err := conn.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
		return nil
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if m.script != "" {
		if _, err := tx.Exec(ctx, m.script); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.version, err)
	}
	return nil
}

func splitSQLStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var statements []string
	for _, part := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
