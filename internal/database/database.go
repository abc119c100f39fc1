package database

import (
	"context"
	_ "embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"fnrunner/internal/config"
)

//go:embed schema.sql
var schema string

func New(conf *config.Config) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// EnsureSchema creates the `fn` schema and its tables when they do not exist yet
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
