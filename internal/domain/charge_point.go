package domain

import (
	"time"
)

type ChargePointStatus string

const (
	ChargePointStatusAvailable     ChargePointStatus = "Available"
	ChargePointStatusPreparing     ChargePointStatus = "Preparing"
	ChargePointStatusCharging      ChargePointStatus = "Charging"
	ChargePointStatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	ChargePointStatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	ChargePointStatusFinishing     ChargePointStatus = "Finishing"
	ChargePointStatusReserved      ChargePointStatus = "Reserved"
	ChargePointStatusUnavailable   ChargePointStatus = "Unavailable"
	ChargePointStatusFaulted       ChargePointStatus = "Faulted"

	// ChargePointStatusUnknown is assigned when a station is created lazily
	// from its first inbound message, before any StatusNotification arrived.
	ChargePointStatusUnknown ChargePointStatus = "Unknown"
)

type ChargePoint struct {
	ID               string            `json:"id" gorm:"primaryKey;size:128"`
	Vendor           string            `json:"vendor"`
	Model            string            `json:"model"`
	SerialNumber     string            `json:"serial_number"`
	FirmwareVersion  string            `json:"firmware_version"`
	ICCID            string            `json:"iccid"`
	IMSI             string            `json:"imsi"`
	Status           ChargePointStatus `json:"status"`
	ErrorCode        string            `json:"error_code"`
	VendorErrorCode  string            `json:"vendor_error_code"`
	VendorStatusInfo string            `json:"vendor_status_info"`
	VendorStatusID   string            `json:"vendor_status_id"`
	IsConnected      bool              `json:"is_connected"`
	RouteHint        string            `json:"route_hint"` // which frontend instance owns the socket
	LastHeartbeatAt  *time.Time        `json:"last_heartbeat_at,omitempty"`
	LastBootAt       *time.Time        `json:"last_boot_at,omitempty"`
	LastConnectAt    *time.Time        `json:"last_connect_at,omitempty"`
	LastTxStartAt    *time.Time        `json:"last_tx_start_at,omitempty"`
	LastTxStopAt     *time.Time        `json:"last_tx_stop_at,omitempty"`
	Connectors       []Connector       `json:"connectors,omitempty" gorm:"foreignKey:ChargePointID"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Connector is one physical socket on a station. ConnectorID follows OCPP
// numbering: 1-based for sockets, 0 means the station as a whole and never
// gets a row here.
type Connector struct {
	ID              uint              `json:"id" gorm:"primaryKey"`
	ChargePointID   string            `json:"charge_point_id" gorm:"uniqueIndex:ux_connectors_cp_conn;size:128"`
	ConnectorID     int               `json:"connector_id" gorm:"uniqueIndex:ux_connectors_cp_conn"`
	Status          ChargePointStatus `json:"status"`
	ErrorCode       string            `json:"error_code"`
	VendorErrorCode string            `json:"vendor_error_code"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
