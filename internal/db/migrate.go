package db

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// SchemaVersion is the schema the binary expects. The migrator refuses to
// run against a database stamped with a newer version: schemas evolve
// forward only.
const SchemaVersion = "1.0.0"

// Migration is a single forward-only SQL migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
	Filename    string
}

// Migrator applies SQL migrations from a directory.
type Migrator struct {
	pool Pool
	dir  string
}

// NewMigrator creates a migration runner.
func NewMigrator(pool Pool, dir string) *Migrator {
	return &Migrator{pool: pool, dir: dir}
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			description TEXT,
			schema_version TEXT
		);
	`
	_, err := m.pool.Exec(ctx, query)
	return err
}

func (m *Migrator) currentVersion(ctx context.Context) (int, string, error) {
	var version int
	var schema string
	query := `
		SELECT COALESCE(MAX(version), 0),
			COALESCE((SELECT schema_version FROM schema_migrations ORDER BY version DESC LIMIT 1), '0.0.0')
		FROM schema_migrations
	`
	if err := m.pool.QueryRow(ctx, query).Scan(&version, &schema); err != nil {
		return 0, "", fmt.Errorf("failed to get current version: %w", err)
	}
	return version, schema, nil
}

func (m *Migrator) loadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		// Filenames are NNN_description.sql.
		parts := strings.SplitN(strings.TrimSuffix(name, ".sql"), "_", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := os.ReadFile(m.dir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.ReplaceAll(parts[1], "_", " "),
			SQL:         string(content),
			Filename:    name,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Run applies all pending migrations in order, each inside its own
// transaction.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations: %w", err)
	}

	current, stamped, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	stampedVer, err := semver.NewVersion(stamped)
	if err != nil {
		return fmt.Errorf("invalid stamped schema version %q: %w", stamped, err)
	}
	binaryVer := semver.MustParse(SchemaVersion)
	if stampedVer.GreaterThan(binaryVer) {
		return fmt.Errorf("database schema %s is newer than binary schema %s", stamped, SchemaVersion)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}

		tx, err := m.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}

		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Filename, err)
		}

		record := `INSERT INTO schema_migrations (version, description, schema_version) VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, record, mig.Version, mig.Description, SchemaVersion); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}

		log.Info().
			Int("version", mig.Version).
			Str("file", mig.Filename).
			Msg("Migration applied")
		applied++
	}

	log.Info().Int("applied", applied).Int("current", current).Msg("Migrations complete")
	return nil
}
