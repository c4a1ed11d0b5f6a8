package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/izavyalov-dev/redirectory/persist/migrations"
)

// DefaultDocument is the row name used when none is configured.
const DefaultDocument = "revisions"

// Postgres stores the document as one row of the documents table.
type Postgres struct {
	db   *sql.DB
	name string
}

// NewPostgres wraps db, which must be opened with the pgx driver.
func NewPostgres(db *sql.DB, name string) *Postgres {
	if name == "" {
		name = DefaultDocument
	}
	return &Postgres{db: db, name: name}
}

func (p *Postgres) Load(ctx context.Context) ([]byte, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = $1`, p.name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", p.name, err)
	}
	return body, nil
}

func (p *Postgres) Store(ctx context.Context, data []byte) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO documents (name, body, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`, p.name, data)
		if err != nil {
			return fmt.Errorf("store document %s: %w", p.name, err)
		}
		return nil
	})
}

// ApplyMigrations runs SQL migrations in order, skipping those already recorded.
func (p *Postgres) ApplyMigrations(ctx context.Context) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSchemaMigrationsTable(ctx, tx); err != nil {
			return err
		}
		applied, err := loadAppliedMigrations(ctx, tx)
		if err != nil {
			return err
		}
		for _, migration := range migrations.All {
			if _, ok := applied[migration.ID]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, migration.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, NOW())`, migration.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.ID, err)
			}
		}
		return nil
	})
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureSchemaMigrationsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`)
	return err
}

func loadAppliedMigrations(ctx context.Context, tx *sql.Tx) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = struct{}{}
	}
	return applied, rows.Err()
}
