package db

import (
	"fmt"
	"time"

	"github.com/malwarebo/unlockd/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

type DB struct {
	*gorm.DB
}

func (db *DB) GetDB() *gorm.DB {
	return db.DB
}

// CreateDB connects to the primary database and registers optional read
// replicas. TranslateError is required: the stores rely on
// gorm.ErrDuplicatedKey to implement insert-or-fetch idempotency.
func CreateDB(primaryDSN string, replicaDSNs ...string) (*DB, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	gormDB, err := gorm.Open(postgres.Open(primaryDSN), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %v", err)
	}

	if len(replicaDSNs) > 0 {
		resolverConfig := dbresolver.Config{}
		for _, replicaDSN := range replicaDSNs {
			resolverConfig.Replicas = append(resolverConfig.Replicas, postgres.Open(replicaDSN))
		}

		err = gormDB.Use(dbresolver.Register(resolverConfig).
			SetConnMaxIdleTime(time.Hour).
			SetConnMaxLifetime(24 * time.Hour).
			SetMaxIdleConns(10).
			SetMaxOpenConns(100))
		if err != nil {
			return nil, fmt.Errorf("failed to configure read replicas: %v", err)
		}
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %v", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return &DB{gormDB}, nil
}

// Migrate creates or updates the owned tables. The ingestion_jobs table is
// included here because this service provides the lease-store implementation.
func (db *DB) Migrate() error {
	return db.DB.AutoMigrate(
		&models.Unlock{},
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.ProviderCircuit{},
		&models.IngestionJob{},
	)
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %v", err)
	}
	return sqlDB.Close()
}
