package database

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	ExistingDB *gorm.DB
	Dialector  gorm.Dialector
	Logger     logger.Interface

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// EnsureSchema creates the live dataset table when it is missing.
	EnsureSchema bool
	Tables       TableNames
}

type Option func(*Config)

func SetupDB(opts ...Option) (*gorm.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var db *gorm.DB
	switch {
	case cfg.ExistingDB != nil:
		db = cfg.ExistingDB
	case cfg.Dialector != nil:
		gormCfg := &gorm.Config{}
		if cfg.Logger != nil {
			gormCfg.Logger = cfg.Logger
		}
		opened, err := gorm.Open(cfg.Dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		db = opened
		configureConnectionPool(db, cfg)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if cfg.EnsureSchema {
		if err := EnsureDatasetSchema(db, cfg.Tables); err != nil {
			return nil, fmt.Errorf("database: ensure dataset schema: %w", err)
		}
		log.Info("Dataset schema ready", "table", cfg.Tables.Live)
	}

	return db, nil
}

func defaultConfig() Config {
	return Config{
		Logger:          silentLogger(),
		MaxOpenConns:    32,
		MaxIdleConns:    32,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
		EnsureSchema:    true,
		Tables:          DefaultTableNames(),
	}
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

func WithDSN(dsn string) Option {
	return func(cfg *Config) {
		cfg.Dialector = postgres.Open(dsn)
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithPool(maxOpen, maxIdle int, lifetime, idle time.Duration) Option {
	return func(cfg *Config) {
		cfg.MaxOpenConns = maxOpen
		cfg.MaxIdleConns = maxIdle
		cfg.ConnMaxLifetime = lifetime
		cfg.ConnMaxIdleTime = idle
	}
}

func WithTables(tables TableNames) Option {
	return func(cfg *Config) {
		cfg.Tables = tables
	}
}

func WithEnsureSchema(enabled bool) Option {
	return func(cfg *Config) {
		cfg.EnsureSchema = enabled
	}
}

func configureConnectionPool(db *gorm.DB, cfg Config) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxIdle := cfg.MaxIdleConns
	if cfg.MaxOpenConns > 0 && maxIdle > cfg.MaxOpenConns {
		maxIdle = cfg.MaxOpenConns
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// Ping checks that the database answers.
func Ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database: not initialised")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
