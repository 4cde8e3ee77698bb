package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Open connects to the configured database, migrates it and returns the
// store along with a function releasing the connection. The memory driver
// ignores dsn and keeps everything in process.
func Open(ctx context.Context, driver, dsn string) (*Store, func() error, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMemory:
		return New(NewMemory()), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gorm open %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("gorm db handle: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}

	g := NewGorm(db)
	if err := g.AutoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return New(g), sqlDB.Close, nil
}
