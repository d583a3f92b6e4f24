package v16

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
)

// StartTransaction opens a server-side transaction and hands the generated id
// back to the station. A start on a connector with a dangling transaction
// closes the old one first.
func (h *Handlers) StartTransaction() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var payload startTransactionReq
			if err := json.Unmarshal(req.Call.Payload, &payload); err != nil {
				return malformedPayload(err), nil
			}

			startTime := parseTimestampOrNow(payload.Timestamp, h.log, req.ChargePointID)
			tx, err := h.txs.Start(ctx, req.ChargePointID, payload.ConnectorID,
				payload.IDTag, payload.MeterStart, startTime)
			if err != nil {
				return nil, err
			}

			if err := h.stations.RecordStatus(ctx, req.ChargePointID,
				payload.ConnectorID, domain.ChargePointStatusCharging, "NoError", "", "", ""); err != nil {
				return nil, err
			}

			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			resp.Transaction = tx
			resp.Payload = map[string]interface{}{
				"transactionId": tx.ID,
				"idTagInfo":     map[string]interface{}{"status": AuthorizationAccepted},
			}
			return resp, nil
		}
	}
}

// StopTransaction completes the transaction named in the payload, storing the
// transactionData samples as final meter values.
func (h *Handlers) StopTransaction() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var payload stopTransactionReq
			if err := json.Unmarshal(req.Call.Payload, &payload); err != nil {
				return malformedPayload(err), nil
			}

			stopTime := parseTimestampOrNow(payload.Timestamp, h.log, req.ChargePointID)
			finalValues := flattenMeterValues(payload.TransactionData, h.log, req.ChargePointID)

			err := h.txs.Stop(ctx, req.ChargePointID, payload.TransactionID,
				payload.MeterStop, stopTime, parseStopReason(payload.Reason), finalValues)
			if err != nil {
				return nil, err
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

// MeterValues ingests sampled values, applying the measurement defaults and
// watching the energy register.
func (h *Handlers) MeterValues() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var payload meterValuesReq
			if err := json.Unmarshal(req.Call.Payload, &payload); err != nil {
				return malformedPayload(err), nil
			}

			values := flattenMeterValues(payload.MeterValue, h.log, req.ChargePointID)
			err := h.txs.RecordMeterValues(ctx, req.ChargePointID,
				payload.ConnectorID, payload.TransactionID, values)
			if err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}

// flattenMeterValues turns the nested wire form into flat rows. Samples whose
// value does not parse as a number are dropped with a warning.
func flattenMeterValues(wire []meterValueWire, log *zap.Logger, cpID string) []domain.MeterValue {
	var out []domain.MeterValue
	for _, mv := range wire {
		ts := parseTimestampOrNow(mv.Timestamp, log, cpID)
		for _, sv := range mv.SampledValue {
			value, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				log.Warn("Dropping unparseable sampled value",
					zap.String("charge_point_id", cpID),
					zap.String("value", sv.Value),
					zap.String("measurand", sv.Measurand),
				)
				continue
			}
			out = append(out, domain.MeterValue{
				Timestamp: ts,
				Measurand: sv.Measurand,
				Value:     value,
				Unit:      sv.Unit,
				Context:   sv.Context,
				Format:    sv.Format,
				Location:  sv.Location,
				Phase:     sv.Phase,
			})
		}
	}
	return out
}

var stopReasons = map[string]domain.StopReason{
	string(domain.StopReasonEmergencyStop):  domain.StopReasonEmergencyStop,
	string(domain.StopReasonEVDisconnected): domain.StopReasonEVDisconnected,
	string(domain.StopReasonHardReset):      domain.StopReasonHardReset,
	string(domain.StopReasonLocal):          domain.StopReasonLocal,
	string(domain.StopReasonOther):          domain.StopReasonOther,
	string(domain.StopReasonPowerLoss):      domain.StopReasonPowerLoss,
	string(domain.StopReasonReboot):         domain.StopReasonReboot,
	string(domain.StopReasonRemote):         domain.StopReasonRemote,
	string(domain.StopReasonSoftReset):      domain.StopReasonSoftReset,
	string(domain.StopReasonUnlockCommand):  domain.StopReasonUnlockCommand,
	string(domain.StopReasonDeAuthorized):   domain.StopReasonDeAuthorized,
}

// parseStopReason maps the wire reason to the domain enum. Absent defaults to
// Local per the protocol, unrecognized values to Other.
func parseStopReason(s string) domain.StopReason {
	if s == "" {
		return domain.StopReasonLocal
	}
	if r, ok := stopReasons[s]; ok {
		return r
	}
	return domain.StopReasonOther
}

func parseTimestampOrNow(s string, log *zap.Logger, cpID string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		log.Warn("Unparseable timestamp, using server clock",
			zap.String("charge_point_id", cpID),
			zap.String("timestamp", s),
		)
		return time.Now().UTC()
	}
	return t.UTC()
}
