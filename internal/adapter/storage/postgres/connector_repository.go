package postgres

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

type ConnectorRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewConnectorRepository(db *gorm.DB, log *zap.Logger) ports.ConnectorRepository {
	return &ConnectorRepository{
		db:  db,
		log: log,
	}
}

// Upsert replaces the status fields unconditionally, keyed by
// (charge_point_id, connector_id).
func (r *ConnectorRepository) Upsert(ctx context.Context, cpID string, connectorID int, status domain.ChargePointStatus, errorCode, vendorErrorCode string) (*domain.Connector, error) {
	conn := domain.Connector{
		ChargePointID:   cpID,
		ConnectorID:     connectorID,
		Status:          status,
		ErrorCode:       errorCode,
		VendorErrorCode: vendorErrorCode,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "charge_point_id"}, {Name: "connector_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "error_code", "vendor_error_code", "updated_at"}),
	}).Create(&conn).Error
	if err != nil {
		r.log.Error("Failed to upsert connector",
			zap.String("charge_point_id", cpID),
			zap.Int("connector_id", connectorID),
			zap.Error(err),
		)
		return nil, err
	}

	if conn.ID == 0 {
		// ON CONFLICT DO UPDATE does not return the id; fetch it.
		if err := r.db.WithContext(ctx).
			Where("charge_point_id = ? AND connector_id = ?", cpID, connectorID).
			First(&conn).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return &conn, nil
}

func (r *ConnectorRepository) FindByChargePoint(ctx context.Context, cpID string) ([]domain.Connector, error) {
	var conns []domain.Connector
	result := r.db.WithContext(ctx).
		Where("charge_point_id = ?", cpID).
		Order("connector_id asc").
		Find(&conns)
	if result.Error != nil {
		return nil, result.Error
	}
	return conns, nil
}
