package domain

import (
	"time"
)

type TransactionStatus string

const (
	TransactionStatusActive    TransactionStatus = "Active"
	TransactionStatusCompleted TransactionStatus = "Completed"
)

// StopReason mirrors the OCPP 1.6 StopTransaction reason enum.
type StopReason string

const (
	StopReasonEmergencyStop  StopReason = "EmergencyStop"
	StopReasonEVDisconnected StopReason = "EVDisconnected"
	StopReasonHardReset      StopReason = "HardReset"
	StopReasonLocal          StopReason = "Local"
	StopReasonOther          StopReason = "Other"
	StopReasonPowerLoss      StopReason = "PowerLoss"
	StopReasonReboot         StopReason = "Reboot"
	StopReasonRemote         StopReason = "Remote"
	StopReasonSoftReset      StopReason = "SoftReset"
	StopReasonUnlockCommand  StopReason = "UnlockCommand"
	StopReasonDeAuthorized   StopReason = "DeAuthorized"
)

// Transaction is one charging session. The integer ID is assigned by the
// database on StartTransaction and is the authoritative OCPP transactionId.
type Transaction struct {
	ID            int               `json:"id" gorm:"primaryKey;autoIncrement"`
	ChargePointID string            `json:"charge_point_id" gorm:"index;size:128"`
	ConnectorID   int               `json:"connector_id"`
	IDTag         string            `json:"id_tag"`
	StartTime     time.Time         `json:"start_time"`
	StopTime      *time.Time        `json:"stop_time,omitempty"`
	MeterStart    int               `json:"meter_start"` // Wh
	MeterStop     *int              `json:"meter_stop,omitempty"`
	// EnergyDelivered = MeterStop - MeterStart, filled when the transaction completes.
	EnergyDelivered *int        `json:"energy_delivered,omitempty"`
	StopReason      *StopReason `json:"stop_reason,omitempty"`
	Status          TransactionStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (t *Transaction) IsActive() bool {
	return t.Status == TransactionStatusActive
}

// Canonical defaults applied to sampled values whose optional fields are
// omitted on the wire.
const (
	MeasurandEnergyActiveImport = "Energy.Active.Import.Register"
	DefaultMeterValueUnit       = "Wh"
	DefaultMeterValueContext    = "Sample.Periodic"
	DefaultMeterValueFormat     = "Raw"
	DefaultMeterValueLocation   = "Outlet"
)

// MeterValue is one flattened sampledValue owned by a transaction (or by a
// bare connector when the station reports outside a transaction).
type MeterValue struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	TransactionID *int       `json:"transaction_id,omitempty" gorm:"index"`
	ChargePointID string     `json:"charge_point_id" gorm:"index;size:128"`
	ConnectorID   int        `json:"connector_id"`
	Timestamp     time.Time  `json:"timestamp"`
	Measurand     string     `json:"measurand"`
	Value         float64    `json:"value"`
	Unit          string     `json:"unit"`
	Context       string     `json:"context"`
	Format        string     `json:"format"`
	Location      string     `json:"location"`
	Phase         string     `json:"phase"`
	// IsFinal marks readings taken from a StopTransaction transactionData block.
	IsFinal   bool      `json:"is_final"`
	CreatedAt time.Time `json:"created_at"`
}
