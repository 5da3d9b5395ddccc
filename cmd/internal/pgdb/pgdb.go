// Package pgdb holds the PostgreSQL schema and identifier helpers shared by the Postgres-backed stores.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is used when no schema is configured.
const DefaultSchema = "chat"

//go:embed schema.sql
var schemaSQL string

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain unquoted identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// Ident returns schema.table safely quoted.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// CheckSchema trims and validates a schema name.
func CheckSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("pgdb: empty schema")
	}
	if !ValidIdent(schema) {
		return "", errors.New("pgdb: invalid schema identifier")
	}
	return schema, nil
}

// SchemaSQL renders the DDL for schema.
func SchemaSQL(schema string) (string, error) {
	schema, err := CheckSchema(schema)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// Migrate applies the idempotent DDL inside one transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("pgdb: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize concurrent migrators (several replicas booting at once).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "chatd.migrate."+schema); err != nil {
		return fmt.Errorf("migrate lock: %w", err)
	}
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return tx.Commit(ctx)
}

// DropSchema removes schema and everything in it. Used by integration tests.
func DropSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema, err := CheckSchema(schema)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	return err
}
