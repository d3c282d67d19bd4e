package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

// The run log schema ships as embedded SQL and is applied at most once
// per version. The schema_version table it maintains doubles as the
// write-intent target AppendEvent touches to upgrade its transaction
// to an immediate one, so it must exist before any event is written.

//go:embed migrations/001_initial_schema.sql
var runLogSchema string

type schemaStep struct {
	version int
	name    string
	script  string
}

var schemaSteps = []schemaStep{
	{version: 1, name: "run_log", script: runLogSchema},
}

// runMigrations brings the database up to the latest schema version.
// Already-applied steps are skipped, so calling it on every open is safe.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}

	applied, err := appliedSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range schemaSteps {
		if step.version <= applied {
			continue
		}
		if err := applySchemaStep(ctx, db, step); err != nil {
			return err
		}
	}
	return nil
}

// appliedSchemaVersion returns the highest recorded version, ignoring
// the negative sentinel rows AppendEvent may leave behind on crash.
func appliedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var applied int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version WHERE version > 0`,
	).Scan(&applied)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return applied, nil
}

// applySchemaStep runs one step's statements and records its version,
// all inside a single transaction.
func applySchemaStep(ctx context.Context, db *sql.DB, step schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema step %d: %w", step.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range sqlStatements(step.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema step %d (%s): %w", step.version, step.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`,
		step.version, step.name,
	); err != nil {
		return fmt.Errorf("record schema step %d: %w", step.version, err)
	}
	return tx.Commit()
}

// sqlStatements splits an SQL script into executable statements. The
// embedded scripts use `--` line comments and `;` terminators only, so
// comment lines are dropped up front and the rest splits on semicolons.
func sqlStatements(script string) []string {
	var code []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		code = append(code, line)
	}

	var stmts []string
	for _, chunk := range strings.Split(strings.Join(code, "\n"), ";") {
		if stmt := strings.TrimSpace(chunk); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
