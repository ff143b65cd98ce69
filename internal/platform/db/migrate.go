package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Migration is one schema change loaded from the migrations directory.
// NNNN_name.sql holds the forward SQL; an optional NNNN_name.down.sql holds
// the revert.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationStatus reports whether a known migration has been applied to a
// schema.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies versioned SQL files to a Postgres schema, tracking state
// in a _migrations table inside that schema so every tenant migrates
// independently.
type Migrator struct {
	pool *pgxpool.Pool
	dir  string
	log  zerolog.Logger
}

func NewMigrator(pool *pgxpool.Pool, migrationsDir string, log zerolog.Logger) *Migrator {
	return &Migrator{
		pool: pool,
		dir:  migrationsDir,
		log:  log.With().Str("component", "migrate").Logger(),
	}
}

// Load reads the migrations directory and returns migrations sorted by
// version. Files without a numeric prefix are ignored; two files claiming
// the same version is an error.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		down := strings.HasSuffix(name, ".down.sql")
		base := strings.TrimSuffix(name, ".sql")
		base = strings.TrimSuffix(base, ".down")
		prefix, rest, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: rest}
			byVersion[version] = mig
		}
		if down {
			if mig.DownSQL != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", version)
			}
			mig.DownSQL = string(content)
		} else {
			if mig.UpSQL != "" {
				return nil, fmt.Errorf("duplicate migration version %d (%s)", version, name)
			}
			mig.Name = rest
			mig.UpSQL = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpSQL == "" {
			return nil, fmt.Errorf("version %d has a down file but no up file", mig.Version)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func (m *Migrator) ensureTable(ctx context.Context, schema string) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s._migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, quoteIdent(schema)))
	if err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

// Applied returns the apply time of every recorded version in the schema.
func (m *Migrator) Applied(ctx context.Context, schema string) (map[int]time.Time, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s._migrations", quoteIdent(schema)))
	if err != nil {
		return nil, fmt.Errorf("query applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// Up applies every pending migration to the schema in version order, each in
// its own transaction. Returns how many were applied.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if err := m.ensureTable(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := m.Load()
	if err != nil {
		return 0, err
	}
	applied, err := m.Applied(ctx, schema)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if _, done := applied[mig.Version]; done {
			continue
		}
		if err := m.apply(ctx, schema, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.log.Info().Str("schema", schema).Int("version", mig.Version).Str("name", mig.Name).Msg("migration applied")
		count++
	}
	return count, nil
}

// Down reverts the highest applied migration. It fails when that migration
// has no down file. Returns the reverted version, or 0 when nothing was
// applied.
func (m *Migrator) Down(ctx context.Context, schema string) (int, error) {
	if err := m.ensureTable(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := m.Load()
	if err != nil {
		return 0, err
	}
	applied, err := m.Applied(ctx, schema)
	if err != nil {
		return 0, err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		mig := migrations[i]
		if _, done := applied[mig.Version]; !done {
			continue
		}
		if mig.DownSQL == "" {
			return 0, fmt.Errorf("migration %d (%s) has no down file", mig.Version, mig.Name)
		}
		if err := m.revert(ctx, schema, mig); err != nil {
			return 0, fmt.Errorf("revert migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.log.Info().Str("schema", schema).Int("version", mig.Version).Str("name", mig.Name).Msg("migration reverted")
		return mig.Version, nil
	}
	return 0, nil
}

// Status lists every known migration with its applied state for the schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx, schema); err != nil {
		return nil, err
	}
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := m.Applied(ctx, schema)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			st.Applied = true
			at := at
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) error {
	return m.inSchemaTx(ctx, schema, func(ctx context.Context, exec func(sql string, args ...interface{}) error) error {
		if err := exec(mig.UpSQL); err != nil {
			return err
		}
		return exec("INSERT INTO _migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name)
	})
}

func (m *Migrator) revert(ctx context.Context, schema string, mig Migration) error {
	return m.inSchemaTx(ctx, schema, func(ctx context.Context, exec func(sql string, args ...interface{}) error) error {
		if err := exec(mig.DownSQL); err != nil {
			return err
		}
		return exec("DELETE FROM _migrations WHERE version = $1", mig.Version)
	})
}

// inSchemaTx runs fn in a transaction whose search_path is pinned to the
// schema. SET LOCAL keeps the path from outliving the transaction.
func (m *Migrator) inSchemaTx(ctx context.Context, schema string, fn func(ctx context.Context, exec func(sql string, args ...interface{}) error) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+quoteIdent(schema)+", public"); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	exec := func(sql string, args ...interface{}) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	}
	if err := fn(ctx, exec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
