// Package staging persists fetched shards between the fetch and load stages.
//
// A shard is written all-or-nothing under its deterministic name and overwritten
// on re-fetch. List only ever returns fully written shards.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
)

// ErrNotFound is returned when a named shard is not staged
var ErrNotFound = errors.New("staging: shard not found")

// Store is the shard handoff between fetch and load
type Store interface {
	// Put writes the shard atomically, replacing any previous version
	Put(ctx context.Context, shard *domain.Shard) error
	// Get reads a staged shard by name
	Get(ctx context.Context, name string) (*domain.Shard, error)
	// List returns the names of all staged shards in lexical order
	List(ctx context.Context) ([]string, error)
	// Delete removes a staged shard; deleting an absent shard is not an error
	Delete(ctx context.Context, name string) error
}

// New builds the store selected by the configuration
func New(ctx context.Context, cfg config.StagingConfig, logger *slog.Logger) (Store, error) {
	codec := Codec{Compress: cfg.Compress}

	switch cfg.Backend {
	case config.StagingFS, "":
		return NewOSStore(cfg.Dir, codec, logger)
	case config.StagingS3:
		return NewS3Store(ctx, cfg, codec, logger)
	default:
		return nil, fmt.Errorf("staging: unknown backend %q", cfg.Backend)
	}
}
