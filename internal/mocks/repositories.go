package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

// MockChargePointRepository is an in-memory ChargePointRepository. Func
// fields override individual methods when set.
type MockChargePointRepository struct {
	mu           sync.Mutex
	ChargePoints map[string]*domain.ChargePoint

	UpsertFunc           func(ctx context.Context, id string, fields map[string]interface{}) (*domain.ChargePoint, error)
	FindByIDFunc         func(ctx context.Context, id string) (*domain.ChargePoint, error)
	UpdateConnectionFunc func(ctx context.Context, id string, connected bool, at time.Time) error
	UpdateHeartbeatFunc  func(ctx context.Context, id string, at time.Time) error
	UpdateStatusFunc     func(ctx context.Context, id string, status domain.ChargePointStatus) error
}

func NewMockChargePointRepository() *MockChargePointRepository {
	return &MockChargePointRepository{ChargePoints: make(map[string]*domain.ChargePoint)}
}

func (m *MockChargePointRepository) Upsert(ctx context.Context, id string, fields map[string]interface{}) (*domain.ChargePoint, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, id, fields)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.ChargePoints[id]
	if !ok {
		cp = &domain.ChargePoint{ID: id, Status: domain.ChargePointStatusUnknown}
		m.ChargePoints[id] = cp
	}
	applyChargePointFields(cp, fields)
	return cp, nil
}

func (m *MockChargePointRepository) FindByID(ctx context.Context, id string) (*domain.ChargePoint, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChargePoints[id], nil
}

func (m *MockChargePointRepository) UpdateConnection(ctx context.Context, id string, connected bool, at time.Time) error {
	if m.UpdateConnectionFunc != nil {
		return m.UpdateConnectionFunc(ctx, id, connected, at)
	}
	fields := map[string]interface{}{"is_connected": connected}
	if connected {
		fields["last_connect_at"] = at
	}
	_, err := m.Upsert(ctx, id, fields)
	return err
}

func (m *MockChargePointRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	if m.UpdateHeartbeatFunc != nil {
		return m.UpdateHeartbeatFunc(ctx, id, at)
	}
	_, err := m.Upsert(ctx, id, map[string]interface{}{"last_heartbeat_at": at})
	return err
}

func (m *MockChargePointRepository) UpdateStatus(ctx context.Context, id string, status domain.ChargePointStatus) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, id, status)
	}
	_, err := m.Upsert(ctx, id, map[string]interface{}{"status": status})
	return err
}

func applyChargePointFields(cp *domain.ChargePoint, fields map[string]interface{}) {
	for key, value := range fields {
		switch key {
		case "vendor":
			cp.Vendor, _ = value.(string)
		case "model":
			cp.Model, _ = value.(string)
		case "serial_number":
			cp.SerialNumber, _ = value.(string)
		case "firmware_version":
			cp.FirmwareVersion, _ = value.(string)
		case "iccid":
			cp.ICCID, _ = value.(string)
		case "imsi":
			cp.IMSI, _ = value.(string)
		case "status":
			if s, ok := value.(domain.ChargePointStatus); ok {
				cp.Status = s
			}
		case "error_code":
			cp.ErrorCode, _ = value.(string)
		case "vendor_error_code":
			cp.VendorErrorCode, _ = value.(string)
		case "vendor_status_info":
			cp.VendorStatusInfo, _ = value.(string)
		case "vendor_status_id":
			cp.VendorStatusID, _ = value.(string)
		case "is_connected":
			cp.IsConnected, _ = value.(bool)
		case "last_heartbeat_at":
			cp.LastHeartbeatAt = timePtr(value)
		case "last_boot_at":
			cp.LastBootAt = timePtr(value)
		case "last_connect_at":
			cp.LastConnectAt = timePtr(value)
		case "last_tx_start_at":
			cp.LastTxStartAt = timePtr(value)
		case "last_tx_stop_at":
			cp.LastTxStopAt = timePtr(value)
		}
	}
}

func timePtr(value interface{}) *time.Time {
	if t, ok := value.(time.Time); ok {
		return &t
	}
	if t, ok := value.(*time.Time); ok {
		return t
	}
	return nil
}

// MockConnectorRepository is an in-memory ConnectorRepository.
type MockConnectorRepository struct {
	mu         sync.Mutex
	nextID     uint
	Connectors map[string]map[int]*domain.Connector

	UpsertFunc            func(ctx context.Context, cpID string, connectorID int, status domain.ChargePointStatus, errorCode, vendorErrorCode string) (*domain.Connector, error)
	FindByChargePointFunc func(ctx context.Context, cpID string) ([]domain.Connector, error)
}

func NewMockConnectorRepository() *MockConnectorRepository {
	return &MockConnectorRepository{Connectors: make(map[string]map[int]*domain.Connector)}
}

func (m *MockConnectorRepository) Upsert(ctx context.Context, cpID string, connectorID int, status domain.ChargePointStatus, errorCode, vendorErrorCode string) (*domain.Connector, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, cpID, connectorID, status, errorCode, vendorErrorCode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Connectors[cpID] == nil {
		m.Connectors[cpID] = make(map[int]*domain.Connector)
	}
	conn, ok := m.Connectors[cpID][connectorID]
	if !ok {
		m.nextID++
		conn = &domain.Connector{ID: m.nextID, ChargePointID: cpID, ConnectorID: connectorID}
		m.Connectors[cpID][connectorID] = conn
	}
	conn.Status = status
	conn.ErrorCode = errorCode
	conn.VendorErrorCode = vendorErrorCode
	return conn, nil
}

func (m *MockConnectorRepository) FindByChargePoint(ctx context.Context, cpID string) ([]domain.Connector, error) {
	if m.FindByChargePointFunc != nil {
		return m.FindByChargePointFunc(ctx, cpID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Connector
	for _, conn := range m.Connectors[cpID] {
		out = append(out, *conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out, nil
}

// MockTransactionRepository is an in-memory TransactionRepository with
// server-generated integer ids.
type MockTransactionRepository struct {
	mu           sync.Mutex
	nextID       int
	Transactions map[int]*domain.Transaction

	CreateFunc                  func(ctx context.Context, tx *domain.Transaction) error
	StopFunc                    func(ctx context.Context, id int, stopTime time.Time, meterStop int, reason domain.StopReason) error
	FindByIDFunc                func(ctx context.Context, id int) (*domain.Transaction, error)
	FindActiveByChargePointFunc func(ctx context.Context, cpID string) ([]domain.Transaction, error)
}

func NewMockTransactionRepository() *MockTransactionRepository {
	return &MockTransactionRepository{Transactions: make(map[int]*domain.Transaction)}
}

func (m *MockTransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tx.ID = m.nextID
	if tx.Status == "" {
		tx.Status = domain.TransactionStatusActive
	}
	clone := *tx
	m.Transactions[tx.ID] = &clone
	return nil
}

func (m *MockTransactionRepository) Stop(ctx context.Context, id int, stopTime time.Time, meterStop int, reason domain.StopReason) error {
	if m.StopFunc != nil {
		return m.StopFunc(ctx, id, stopTime, meterStop, reason)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.Transactions[id]
	if !ok {
		return nil
	}
	energy := meterStop - tx.MeterStart
	tx.StopTime = &stopTime
	tx.MeterStop = &meterStop
	tx.EnergyDelivered = &energy
	tx.StopReason = &reason
	tx.Status = domain.TransactionStatusCompleted
	return nil
}

func (m *MockTransactionRepository) FindByID(ctx context.Context, id int) (*domain.Transaction, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.Transactions[id]
	if !ok {
		return nil, nil
	}
	clone := *tx
	return &clone, nil
}

func (m *MockTransactionRepository) FindActiveByChargePoint(ctx context.Context, cpID string) ([]domain.Transaction, error) {
	if m.FindActiveByChargePointFunc != nil {
		return m.FindActiveByChargePointFunc(ctx, cpID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range m.Transactions {
		if tx.ChargePointID == cpID && tx.StopTime == nil {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// MockMeterValueRepository is an in-memory MeterValueRepository.
type MockMeterValueRepository struct {
	mu     sync.Mutex
	Values []domain.MeterValue

	CreateBatchFunc        func(ctx context.Context, values []domain.MeterValue) error
	LastForTransactionFunc func(ctx context.Context, txID int, measurand string) (*domain.MeterValue, error)
}

func NewMockMeterValueRepository() *MockMeterValueRepository {
	return &MockMeterValueRepository{}
}

func (m *MockMeterValueRepository) CreateBatch(ctx context.Context, values []domain.MeterValue) error {
	if m.CreateBatchFunc != nil {
		return m.CreateBatchFunc(ctx, values)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Values = append(m.Values, values...)
	return nil
}

func (m *MockMeterValueRepository) LastForTransaction(ctx context.Context, txID int, measurand string) (*domain.MeterValue, error) {
	if m.LastForTransactionFunc != nil {
		return m.LastForTransactionFunc(ctx, txID, measurand)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *domain.MeterValue
	for i := range m.Values {
		mv := &m.Values[i]
		if mv.TransactionID == nil || *mv.TransactionID != txID || mv.Measurand != measurand {
			continue
		}
		if last == nil || mv.Timestamp.After(last.Timestamp) {
			last = mv
		}
	}
	if last == nil {
		return nil, nil
	}
	clone := *last
	return &clone, nil
}

// MockMessageRepository is an in-memory MessageRepository enforcing the
// (actor, unique_id) uniqueness the database schema guarantees.
type MockMessageRepository struct {
	mu       sync.Mutex
	nextID   uint
	Messages []*domain.Message

	InsertFunc         func(ctx context.Context, msg *domain.Message) error
	LinkReplyFunc      func(ctx context.Context, callID, replyID uint) error
	SetActionFunc      func(ctx context.Context, id uint, action string) error
	SetTransactionFunc func(ctx context.Context, id uint, txID int) error
	FindCallFunc       func(ctx context.Context, actor domain.MessageActor, uniqueID string) (*domain.Message, error)
}

func NewMockMessageRepository() *MockMessageRepository {
	return &MockMessageRepository{}
}

func (m *MockMessageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Messages {
		if existing.Actor == msg.Actor && existing.UniqueID == msg.UniqueID {
			return ports.ErrDuplicateMessage
		}
	}
	m.nextID++
	msg.ID = m.nextID
	m.Messages = append(m.Messages, msg)
	return nil
}

func (m *MockMessageRepository) LinkReply(ctx context.Context, callID, replyID uint) error {
	if m.LinkReplyFunc != nil {
		return m.LinkReplyFunc(ctx, callID, replyID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.ID == callID {
			id := replyID
			msg.ReplyID = &id
		}
	}
	return nil
}

func (m *MockMessageRepository) SetAction(ctx context.Context, id uint, action string) error {
	if m.SetActionFunc != nil {
		return m.SetActionFunc(ctx, id, action)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.ID == id {
			msg.Action = action
		}
	}
	return nil
}

func (m *MockMessageRepository) SetTransaction(ctx context.Context, id uint, txID int) error {
	if m.SetTransactionFunc != nil {
		return m.SetTransactionFunc(ctx, id, txID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.ID == id {
			tx := txID
			msg.TransactionID = &tx
		}
	}
	return nil
}

func (m *MockMessageRepository) FindCall(ctx context.Context, actor domain.MessageActor, uniqueID string) (*domain.Message, error) {
	if m.FindCallFunc != nil {
		return m.FindCallFunc(ctx, actor, uniqueID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.Actor == actor && msg.UniqueID == uniqueID && msg.MessageType == domain.MessageTypeCall {
			return msg, nil
		}
	}
	return nil, nil
}
