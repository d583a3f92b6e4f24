package v16

// Subprotocol is the WebSocket subprotocol token for OCPP 1.6-J. The server
// always selects it, even when the client forgot to offer it.
const Subprotocol = "ocpp1.6"

// Call actions initiated by the station.
const (
	ActionBootNotification              = "BootNotification"
	ActionHeartbeat                     = "Heartbeat"
	ActionStatusNotification            = "StatusNotification"
	ActionStartTransaction              = "StartTransaction"
	ActionStopTransaction               = "StopTransaction"
	ActionMeterValues                   = "MeterValues"
	ActionAuthorize                     = "Authorize"
	ActionDataTransfer                  = "DataTransfer"
	ActionDiagnosticsStatusNotification = "DiagnosticsStatusNotification"
	ActionFirmwareStatusNotification    = "FirmwareStatusNotification"
)

// Call actions initiated by the central system.
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
)

// ErrorCode is an OCPP 1.6-J CallError code.
type ErrorCode string

const (
	ErrNotImplemented               ErrorCode = "NotImplemented"
	ErrNotSupported                 ErrorCode = "NotSupported"
	ErrInternalError                ErrorCode = "InternalError"
	ErrProtocolError                ErrorCode = "ProtocolError"
	ErrSecurityError                ErrorCode = "SecurityError"
	ErrFormationViolation           ErrorCode = "FormationViolation"
	ErrPropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	ErrOccurenceConstraintViolation ErrorCode = "OccurenceConstraintViolation"
	ErrTypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	ErrGenericError                 ErrorCode = "GenericError"
)

// Authorization status values for idTagInfo.
const (
	AuthorizationAccepted = "Accepted"
	AuthorizationBlocked  = "Blocked"
	AuthorizationInvalid  = "Invalid"
)

// Registration status values for BootNotification replies.
const (
	RegistrationAccepted = "Accepted"
	RegistrationPending  = "Pending"
	RegistrationRejected = "Rejected"
)

// DataTransfer status values.
const (
	DataTransferAccepted = "Accepted"
	DataTransferRejected = "Rejected"
)

// Request payloads, field names per OCPP 1.6 (lowerCamelCase).

type bootNotificationReq struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	ICCID                   string `json:"iccid,omitempty"`
	IMSI                    string `json:"imsi,omitempty"`
}

type statusNotificationReq struct {
	ConnectorID     int    `json:"connectorId"`
	ErrorCode       string `json:"errorCode"`
	Status          string `json:"status"`
	Info            string `json:"info,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
	VendorID        string `json:"vendorId,omitempty"`
	VendorErrorCode string `json:"vendorErrorCode,omitempty"`
}

type startTransactionReq struct {
	ConnectorID   int    `json:"connectorId"`
	IDTag         string `json:"idTag"`
	MeterStart    int    `json:"meterStart"`
	Timestamp     string `json:"timestamp"`
	ReservationID *int   `json:"reservationId,omitempty"`
}

type stopTransactionReq struct {
	TransactionID   int              `json:"transactionId"`
	MeterStop       int              `json:"meterStop"`
	Timestamp       string           `json:"timestamp"`
	Reason          string           `json:"reason,omitempty"`
	IDTag           string           `json:"idTag,omitempty"`
	TransactionData []meterValueWire `json:"transactionData,omitempty"`
}

type meterValuesReq struct {
	ConnectorID   int              `json:"connectorId"`
	TransactionID *int             `json:"transactionId,omitempty"`
	MeterValue    []meterValueWire `json:"meterValue"`
}

type meterValueWire struct {
	Timestamp    string             `json:"timestamp"`
	SampledValue []sampledValueWire `json:"sampledValue"`
}

type sampledValueWire struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type authorizeReq struct {
	IDTag string `json:"idTag"`
}

type dataTransferReq struct {
	VendorID  string `json:"vendorId"`
	MessageID string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}
