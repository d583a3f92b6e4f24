package ports

import (
	"context"
	"errors"
	"time"

	"github.com/voltgrid/csms/internal/domain"
)

// ErrDuplicateMessage is returned by MessageRepository.Insert when a frame
// with the same (actor, unique_id) was already recorded. Callers treat the
// duplicate as an idempotent no-op.
var ErrDuplicateMessage = errors.New("duplicate message unique id")

type ChargePointRepository interface {
	// Upsert creates the row if missing (status Unknown) and applies the
	// given column updates. Absent fields keep their stored values.
	Upsert(ctx context.Context, id string, fields map[string]interface{}) (*domain.ChargePoint, error)
	FindByID(ctx context.Context, id string) (*domain.ChargePoint, error)
	UpdateConnection(ctx context.Context, id string, connected bool, at time.Time) error
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status domain.ChargePointStatus) error
}

type ConnectorRepository interface {
	// Upsert replaces the status fields unconditionally and returns the row.
	Upsert(ctx context.Context, cpID string, connectorID int, status domain.ChargePointStatus, errorCode, vendorErrorCode string) (*domain.Connector, error)
	FindByChargePoint(ctx context.Context, cpID string) ([]domain.Connector, error)
}

type TransactionRepository interface {
	// Create assigns the integer id into tx.ID.
	Create(ctx context.Context, tx *domain.Transaction) error
	// Stop completes the transaction: stop fields plus the derived
	// energy_delivered = meter_stop - meter_start.
	Stop(ctx context.Context, id int, stopTime time.Time, meterStop int, reason domain.StopReason) error
	FindByID(ctx context.Context, id int) (*domain.Transaction, error)
	FindActiveByChargePoint(ctx context.Context, cpID string) ([]domain.Transaction, error)
}

type MeterValueRepository interface {
	CreateBatch(ctx context.Context, values []domain.MeterValue) error
	// LastForTransaction returns the most recent sample matching the
	// measurand, or nil when the transaction has none.
	LastForTransaction(ctx context.Context, txID int, measurand string) (*domain.MeterValue, error)
}

type MessageRepository interface {
	// Insert records a frame; ErrDuplicateMessage on (actor, unique_id) reuse.
	Insert(ctx context.Context, m *domain.Message) error
	LinkReply(ctx context.Context, callID, replyID uint) error
	SetAction(ctx context.Context, id uint, action string) error
	SetTransaction(ctx context.Context, id uint, txID int) error
	FindCall(ctx context.Context, actor domain.MessageActor, uniqueID string) (*domain.Message, error)
}

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping() error
	Close() error
}
