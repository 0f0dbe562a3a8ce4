// Package storage selects the conversation store backend.
package storage

import (
	"context"
	"fmt"

	"github.com/zhouzirui/hearth/backend/internal/config"
	"github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/storage/postgres"
	"github.com/zhouzirui/hearth/backend/internal/storage/sqlite"
)

// Open returns the store named by cfg.Driver. The caller closes it.
func Open(ctx context.Context, cfg config.StoreConfig) (chat.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return chat.NewMemoryStore(), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
