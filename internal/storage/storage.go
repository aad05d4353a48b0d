// Package storage selects the durable store backing the control plane.
package storage

import (
	"fmt"

	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
	"github.com/tjfontaine/switchboard/internal/storage/memory"
	"github.com/tjfontaine/switchboard/internal/storage/sqldb"
)

// Open returns the store described by cfg.
func Open(cfg config.StorageConfig) (ports.Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		driver := cfg.Database.Driver
		if driver == "" {
			driver = "sqlite"
		}
		return sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Database.DSN})
	case "postgres":
		driver := cfg.Database.Driver
		if driver == "" || driver == "sqlite" {
			driver = "pgx"
		}
		return sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Database.DSN})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
