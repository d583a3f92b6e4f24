package postgres

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

type MessageRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewMessageRepository(db *gorm.DB, log *zap.Logger) ports.MessageRepository {
	return &MessageRepository{
		db:  db,
		log: log,
	}
}

func (r *MessageRepository) Insert(ctx context.Context, m *domain.Message) error {
	result := r.db.WithContext(ctx).Create(m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ports.ErrDuplicateMessage
		}
		r.log.Error("Failed to insert message",
			zap.String("charge_point_id", m.ChargePointID),
			zap.String("unique_id", m.UniqueID),
			zap.Error(result.Error),
		)
		return result.Error
	}
	return nil
}

func (r *MessageRepository) LinkReply(ctx context.Context, callID, replyID uint) error {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", callID).
		Update("reply_id", replyID)
	return result.Error
}

func (r *MessageRepository) SetAction(ctx context.Context, id uint, action string) error {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Update("action", action)
	return result.Error
}

func (r *MessageRepository) SetTransaction(ctx context.Context, id uint, txID int) error {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Update("transaction_id", txID)
	return result.Error
}

func (r *MessageRepository) FindCall(ctx context.Context, actor domain.MessageActor, uniqueID string) (*domain.Message, error) {
	var m domain.Message
	result := r.db.WithContext(ctx).
		Where("actor = ? AND unique_id = ? AND message_type = ?", actor, uniqueID, domain.MessageTypeCall).
		First(&m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &m, nil
}
