// Package datastore opens the SQL database backing the persistent cache
// storage and migrates its schema.
package datastore

import (
	"fmt"
	"time"

	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/datastore/entities"
	"github.com/tphakala/offlinecache/internal/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// Models lists every entity managed by AutoMigrate.
var Models = []any{
	&entities.CacheGeneration{},
	&entities.CacheEntry{},
	&entities.Registration{},
}

// Open connects to the database selected by settings and migrates the schema.
// The memory storage type has no database; callers must not call Open for it.
func Open(settings *conf.StorageSettings) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch settings.Type {
	case conf.StorageSQLite:
		// WAL keeps readers unblocked while the worker stores fetched responses.
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", settings.Path))
	case conf.StorageMySQL:
		dialector = mysql.Open(settings.DSN)
	default:
		return nil, errors.Newf("unsupported storage type %q", settings.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryStorage).
			Context("type", settings.Type).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if settings.Type == conf.StorageSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the cache tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryStorage).
			Context("operation", "migrate").
			Build()
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
