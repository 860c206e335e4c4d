package config

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/storage"
)

// OpenStorage builds the store selected by cfg.Storage.Driver. The returned
// close function releases its connections and is never nil.
func OpenStorage(cfg Config) (storage.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Storage.Driver {
	case DriverMemory, "":
		return storage.NewMemoryStorage(), noop, nil

	case DriverRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	case DriverMySQL, DriverSQLite:
		db, err := storage.OpenSQL(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, noop, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, noop, fmt.Errorf("failed to get sql handle: %w", err)
		}
		if cfg.Storage.Driver == DriverSQLite {
			// sqlite has a single writer
			sqlDB.SetMaxOpenConns(1)
		}
		store := storage.NewSQLStorage(db)
		if err := store.AutoMigrate(); err != nil {
			_ = sqlDB.Close()
			return nil, noop, err
		}
		return store, sqlDB.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
