package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database holds the GORM connection and is the central access point
// for all store operations.
type Database struct {
	db *gorm.DB
}

// DB returns the underlying GORM instance for advanced operations.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Connect establishes the database connection and configures the pool.
func Connect(host string, port int, dbname, user, password string) (*Database, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		host, port, dbname, user, password)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// InitSchema performs auto-migration for all core tables.
func (d *Database) InitSchema() error {
	err := d.db.AutoMigrate(
		&Position{},
		&Order{},
		&Execution{},
		&AccountSnapshot{},
		&TradeFeedback{},
		&TrapPatternWeight{},
		&SystemConfig{},
		&DecisionLog{},
		&DailyPick{},
	)
	if err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
