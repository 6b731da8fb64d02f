package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const schemaVersion = 1

// bootstrapLockID keys the advisory lock that serializes schema setup across replicas.
const bootstrapLockID int64 = 0x636f6e7472616374

// EnsureBootstrapped applies scripts/initdb.sql once per schema version.
// Replicas starting together wait on an advisory lock and re-check the
// version, so the script runs at most once.
func EnsureBootstrapped(ctx context.Context, db *sql.DB) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	tx, err := db.BeginTx(ctxBoot, nil)
	if err != nil {
		return fmt.Errorf("begin bootstrap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctxBoot, `SELECT pg_advisory_xact_lock($1)`, bootstrapLockID); err != nil {
		return fmt.Errorf("acquire bootstrap lock: %w", err)
	}

	current, err := schemaApplied(ctxBoot, tx)
	if err != nil {
		return err
	}
	if current {
		return tx.Commit()
	}

	script, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}
	if _, err := tx.ExecContext(ctxBoot, string(script)); err != nil {
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

func schemaApplied(ctx context.Context, tx *sql.Tx) (bool, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'contractdocs_meta'
		)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("meta table check failed: %w", err)
	}
	if !exists {
		return false, nil
	}

	var hasVersion bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM contractdocs_meta WHERE version = $1)`, schemaVersion).
		Scan(&hasVersion); err != nil {
		return false, fmt.Errorf("meta version check failed: %w", err)
	}
	return hasVersion, nil
}
