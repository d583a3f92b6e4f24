package v16

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
)

// AutoRemoteStartHook fires after the StatusNotification reply went out: a
// connector reporting Preparing gets a RemoteStartTransaction so plug-in is
// enough to begin charging.
func (h *Handlers) AutoRemoteStartHook() HookFunc {
	return func(ctx context.Context, req *Request, resp *Response) error {
		connectorID, _ := resp.Extra["connector_id"].(int)
		status, _ := resp.Extra["status"].(string)
		if connectorID == 0 || status != string(domain.ChargePointStatusPreparing) {
			return nil
		}

		call, err := NewCall(uuid.NewString(), ActionRemoteStartTransaction, map[string]interface{}{
			"connectorId": connectorID,
			"idTag":       h.cfg.AutoRemoteStartIDTag,
		})
		if err != nil {
			return err
		}

		h.log.Info("Connector preparing, requesting remote start",
			zap.String("charge_point_id", req.ChargePointID),
			zap.Int("connector_id", connectorID),
			zap.String("id_tag", h.cfg.AutoRemoteStartIDTag),
		)
		resp.SideEffects = append(resp.SideEffects, call)
		return nil
	}
}
