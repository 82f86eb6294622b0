// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/persistence/file"
	"github.com/stewardhq/steward/pkg/persistence/postgresql"
	"github.com/stewardhq/steward/pkg/persistence/redis"
)

// NewPersistence builds a persistence layer from a database URL. The URL
// scheme selects the backend: postgres://, redis://, or file:// (default).
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "redis", "rediss":
		return redis.NewPersistence(ctx, logger, databaseURL)
	case "file":
		return file.NewPersistence(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider in %q", databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
