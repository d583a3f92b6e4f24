package postgres

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voltgrid/csms/internal/domain"
)

// NewConnection initializes a new PostgreSQL connection using GORM.
// TranslateError is enabled so unique violations surface as
// gorm.ErrDuplicatedKey regardless of driver.
func NewConnection(url string, logQueries bool, log *zap.Logger) (*gorm.DB, error) {
	logMode := logger.Warn
	if logQueries {
		logMode = logger.Info
	}

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger:         logger.Default.LogMode(logMode),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	log.Info("Successfully connected to PostgreSQL")
	return db, nil
}

// RunMigrations creates or updates the five tables the central system owns.
func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.ChargePoint{},
		&domain.Connector{},
		&domain.Transaction{},
		&domain.MeterValue{},
		&domain.Message{},
	)
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
