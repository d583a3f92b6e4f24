package postgres

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

type TransactionRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewTransactionRepository(db *gorm.DB, log *zap.Logger) ports.TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	if tx.Status == "" {
		tx.Status = domain.TransactionStatusActive
	}
	result := r.db.WithContext(ctx).Create(tx)
	if result.Error != nil {
		r.log.Error("Failed to create transaction",
			zap.String("charge_point_id", tx.ChargePointID),
			zap.Error(result.Error),
		)
		return result.Error
	}
	return nil
}

// Stop completes the transaction and derives energy_delivered from the two
// meter readings.
func (r *TransactionRepository) Stop(ctx context.Context, id int, stopTime time.Time, meterStop int, reason domain.StopReason) error {
	var tx domain.Transaction
	if err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return err
	}

	delivered := meterStop - tx.MeterStart
	result := r.db.WithContext(ctx).Model(&tx).Updates(map[string]interface{}{
		"stop_time":        stopTime,
		"meter_stop":       meterStop,
		"energy_delivered": delivered,
		"stop_reason":      reason,
		"status":           domain.TransactionStatusCompleted,
	})
	if result.Error != nil {
		r.log.Error("Failed to stop transaction", zap.Int("transaction_id", id), zap.Error(result.Error))
		return result.Error
	}
	return nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id int) (*domain.Transaction, error) {
	var tx domain.Transaction
	result := r.db.WithContext(ctx).First(&tx, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &tx, nil
}

func (r *TransactionRepository) FindActiveByChargePoint(ctx context.Context, cpID string) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	result := r.db.WithContext(ctx).
		Where("charge_point_id = ? AND stop_time IS NULL", cpID).
		Order("start_time asc").
		Find(&txs)
	if result.Error != nil {
		return nil, result.Error
	}
	return txs, nil
}
