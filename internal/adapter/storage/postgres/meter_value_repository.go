package postgres

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

type MeterValueRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewMeterValueRepository(db *gorm.DB, log *zap.Logger) ports.MeterValueRepository {
	return &MeterValueRepository{
		db:  db,
		log: log,
	}
}

func (r *MeterValueRepository) CreateBatch(ctx context.Context, values []domain.MeterValue) error {
	if len(values) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Create(&values)
	if result.Error != nil {
		r.log.Error("Failed to insert meter values",
			zap.Int("count", len(values)),
			zap.Error(result.Error),
		)
		return result.Error
	}
	return nil
}

func (r *MeterValueRepository) LastForTransaction(ctx context.Context, txID int, measurand string) (*domain.MeterValue, error) {
	var mv domain.MeterValue
	result := r.db.WithContext(ctx).
		Where("transaction_id = ? AND measurand = ?", txID, measurand).
		Order("timestamp desc").
		First(&mv)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &mv, nil
}
