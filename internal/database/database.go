// Package database opens the engine's row store connection and manages
// its connection pool, including transaction retry for transient
// failures.
package database

import (
	"fmt"

	glebarez "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config selects the backing database.
type Config struct {
	// Driver is one of postgres, mysql, sqlite, memory.
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string. Ignored for the
	// memory driver.
	DSN  string     `yaml:"dsn" json:"dsn"`
	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig returns a file-less in-memory database, suitable for
// development and tests.
func DefaultConfig() Config {
	return Config{
		Driver: "memory",
		Pool:   DefaultPoolConfig(),
	}
}

// Open connects to the configured database. The sqlite driver is the
// cgo one and expects a file path DSN; memory uses the pure-Go sqlite
// and needs no DSN.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "memory", "":
		dialector = glebarez.Open(":memory:")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite, memory)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}
