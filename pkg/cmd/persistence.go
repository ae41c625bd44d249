// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/planline/planline/pkg/persistence"
	"github.com/planline/planline/pkg/persistence/memory"
	"github.com/planline/planline/pkg/persistence/postgresql"
)

// NewPersistence selects the store from the URL scheme: postgres URLs get
// the durable store, "memory://" the in-process one for development and
// tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "memory":
		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported database URL %q, expected postgres:// or memory://", databaseURL)
	}
}

func parseProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return scheme
}
