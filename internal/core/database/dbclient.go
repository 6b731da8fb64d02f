package db

import (
	"context"

	"github.com/markdave123-py/contractdocs/internal/config"
	"github.com/markdave123-py/contractdocs/internal/core"
)

var (
	_ core.DbClient = (*DatabaseClient)(nil)
	_ core.DbClient = (*MemoryClient)(nil)
)

// Open returns the Postgres client when DATABASE_URL is set and the in-process store otherwise.
func Open(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg.DatabaseURL == "" {
		return NewMemoryClient(), nil
	}
	return NewDatabaseClient(ctx, cfg)
}
