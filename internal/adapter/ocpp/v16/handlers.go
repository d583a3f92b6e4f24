package v16

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/service/station"
	"github.com/voltgrid/csms/internal/service/transaction"
)

// HandlerConfig carries the tunables the handlers need.
type HandlerConfig struct {
	// HeartbeatInterval is advertised in BootNotification replies.
	HeartbeatInterval time.Duration
	// AutoRemoteStart sends a RemoteStartTransaction when a connector
	// reports Preparing.
	AutoRemoteStart      bool
	AutoRemoteStartIDTag string
}

// Handlers binds the station and transaction services to the OCPP actions.
type Handlers struct {
	stations *station.Service
	txs      *transaction.Service
	cfg      HandlerConfig
	log      *zap.Logger
}

func NewHandlers(stations *station.Service, txs *transaction.Service, cfg HandlerConfig, log *zap.Logger) *Handlers {
	if cfg.AutoRemoteStartIDTag == "" {
		cfg.AutoRemoteStartIDTag = "anonymous"
	}
	return &Handlers{stations: stations, txs: txs, cfg: cfg, log: log}
}

// Register wires every supported action into the pipeline.
func (h *Handlers) Register(p *Pipeline) {
	p.Use(ActionBootNotification, h.BootNotification())
	p.Use(ActionHeartbeat, h.Heartbeat())
	p.Use(ActionStatusNotification, h.StatusNotification())
	p.Use(ActionStartTransaction, h.StartTransaction())
	p.Use(ActionStopTransaction, h.StopTransaction())
	p.Use(ActionMeterValues, h.MeterValues())
	p.Use(ActionAuthorize, h.Authorize())
	p.Use(ActionDataTransfer, h.DataTransfer())
	p.Use(ActionDiagnosticsStatusNotification, h.Acknowledge())
	p.Use(ActionFirmwareStatusNotification, h.Acknowledge())

	if h.cfg.AutoRemoteStart {
		p.Hook(ActionStatusNotification, PhaseAfter, h.AutoRemoteStartHook())
	}
}

// BootNotification persists the station identity, closes transactions the
// reboot orphaned and replies with the heartbeat interval.
func (h *Handlers) BootNotification() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var payload bootNotificationReq
			if err := json.Unmarshal(req.Call.Payload, &payload); err != nil {
				return malformedPayload(err), nil
			}

			now := time.Now().UTC()
			if err := h.stations.RecordBoot(ctx, req.ChargePointID,
				payload.ChargePointVendor, payload.ChargePointModel,
				serialNumber(payload), payload.FirmwareVersion,
				payload.ICCID, payload.IMSI, now); err != nil {
				return nil, err
			}

			if err := h.txs.CloseOrphans(ctx, req.ChargePointID, domain.StopReasonReboot); err != nil {
				return nil, err
			}

			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			resp.Payload = map[string]interface{}{
				"currentTime": now,
				"interval":    int(h.cfg.HeartbeatInterval.Seconds()),
				"status":      RegistrationAccepted,
			}
			return resp, nil
		}
	}
}

// Heartbeat stamps last_heartbeat_at and returns the server clock.
func (h *Handlers) Heartbeat() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			now := time.Now().UTC()
			if err := h.stations.RecordHeartbeat(ctx, req.ChargePointID, now); err != nil {
				return nil, err
			}
			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			resp.Payload = map[string]interface{}{"currentTime": now}
			return resp, nil
		}
	}
}

// StatusNotification records station or connector status. Connector 0 is the
// station itself.
func (h *Handlers) StatusNotification() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var payload statusNotificationReq
			if err := json.Unmarshal(req.Call.Payload, &payload); err != nil {
				return malformedPayload(err), nil
			}

			if err := h.stations.RecordStatus(ctx, req.ChargePointID,
				payload.ConnectorID, domain.ChargePointStatus(payload.Status),
				payload.ErrorCode, payload.Info, payload.VendorID,
				payload.VendorErrorCode); err != nil {
				return nil, err
			}

			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			resp.Extra["connector_id"] = payload.ConnectorID
			resp.Extra["status"] = payload.Status
			return resp, nil
		}
	}
}

// Authorize accepts every idTag. There is no local authorization list.
func (h *Handlers) Authorize() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var payload authorizeReq
			if err := json.Unmarshal(req.Call.Payload, &payload); err != nil {
				return malformedPayload(err), nil
			}
			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			resp.Payload = map[string]interface{}{
				"idTagInfo": map[string]interface{}{"status": AuthorizationAccepted},
			}
			return resp, nil
		}
	}
}

// DataTransfer rejects vendor extensions; none are recognized.
func (h *Handlers) DataTransfer() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var payload dataTransferReq
			if err := json.Unmarshal(req.Call.Payload, &payload); err != nil {
				return malformedPayload(err), nil
			}
			h.log.Debug("DataTransfer rejected",
				zap.String("charge_point_id", req.ChargePointID),
				zap.String("vendor_id", payload.VendorID),
				zap.String("message_id", payload.MessageID),
			)
			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			resp.Payload = map[string]interface{}{"status": DataTransferRejected}
			return resp, nil
		}
	}
}

// Acknowledge answers notification-only actions with the empty payload.
func (h *Handlers) Acknowledge() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return next
	}
}

func malformedPayload(err error) *Response {
	return &Response{
		ErrorCode:        ErrFormationViolation,
		ErrorDescription: "malformed payload: " + err.Error(),
	}
}

func serialNumber(p bootNotificationReq) string {
	if p.ChargePointSerialNumber != "" {
		return p.ChargePointSerialNumber
	}
	return p.ChargeBoxSerialNumber
}
