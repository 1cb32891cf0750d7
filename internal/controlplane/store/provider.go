package store

import (
	"context"
	"fmt"

	"github.com/ai-village/villaged/internal/common/config"
)

// Provide builds the configured MetadataStore implementation.
func Provide(ctx context.Context, cfg config.DatabaseConfig) (MetadataStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN(), cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
