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

type ChargePointRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewChargePointRepository(db *gorm.DB, log *zap.Logger) ports.ChargePointRepository {
	return &ChargePointRepository{
		db:  db,
		log: log,
	}
}

// Upsert creates the station row on first contact and applies partial
// updates. Stations routinely send StatusNotification or MeterValues before
// BootNotification, so creation cannot be tied to boot.
func (r *ChargePointRepository) Upsert(ctx context.Context, id string, fields map[string]interface{}) (*domain.ChargePoint, error) {
	var cp domain.ChargePoint
	err := r.db.WithContext(ctx).First(&cp, "id = ?", id).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		cp = domain.ChargePoint{
			ID:     id,
			Status: domain.ChargePointStatusUnknown,
		}
		if err := r.db.WithContext(ctx).Create(&cp).Error; err != nil {
			// Lost a create race with a concurrent frame; reload.
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				r.log.Error("Failed to create charge point", zap.String("charge_point_id", id), zap.Error(err))
				return nil, err
			}
			if err := r.db.WithContext(ctx).First(&cp, "id = ?", id).Error; err != nil {
				return nil, err
			}
		}
	}

	if len(fields) > 0 {
		if err := r.db.WithContext(ctx).Model(&cp).Updates(fields).Error; err != nil {
			r.log.Error("Failed to update charge point", zap.String("charge_point_id", id), zap.Error(err))
			return nil, err
		}
	}
	return &cp, nil
}

func (r *ChargePointRepository) FindByID(ctx context.Context, id string) (*domain.ChargePoint, error) {
	var cp domain.ChargePoint
	result := r.db.WithContext(ctx).Preload("Connectors").First(&cp, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &cp, nil
}

func (r *ChargePointRepository) UpdateConnection(ctx context.Context, id string, connected bool, at time.Time) error {
	fields := map[string]interface{}{"is_connected": connected}
	if connected {
		fields["last_connect_at"] = at
	}
	_, err := r.Upsert(ctx, id, fields)
	return err
}

func (r *ChargePointRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := r.Upsert(ctx, id, map[string]interface{}{"last_heartbeat_at": at})
	return err
}

func (r *ChargePointRepository) UpdateStatus(ctx context.Context, id string, status domain.ChargePointStatus) error {
	result := r.db.WithContext(ctx).Model(&domain.ChargePoint{}).Where("id = ?", id).Update("status", status)
	return result.Error
}
