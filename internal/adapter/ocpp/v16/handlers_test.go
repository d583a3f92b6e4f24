package v16

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/mocks"
	"github.com/voltgrid/csms/internal/observability/events"
	"github.com/voltgrid/csms/internal/service/station"
	"github.com/voltgrid/csms/internal/service/transaction"
)

type handlerFixture struct {
	pipeline *Pipeline
	cps      *mocks.MockChargePointRepository
	conns    *mocks.MockConnectorRepository
	txs      *mocks.MockTransactionRepository
	mvs      *mocks.MockMeterValueRepository
	events   *[]events.Event
}

type captureSink struct {
	events *[]events.Event
}

func (c *captureSink) Handle(ev events.Event) {
	*c.events = append(*c.events, ev)
}

func newHandlerFixture(t *testing.T, cfg HandlerConfig) *handlerFixture {
	t.Helper()
	log := zap.NewNop()

	captured := &[]events.Event{}
	bus := events.NewBus(log)
	bus.Register(&captureSink{events: captured})

	cps := mocks.NewMockChargePointRepository()
	conns := mocks.NewMockConnectorRepository()
	txs := mocks.NewMockTransactionRepository()
	mvs := mocks.NewMockMeterValueRepository()

	stationService := station.NewService(cps, conns, mocks.NewMockCache(), bus, log)
	transactionService := transaction.NewService(txs, mvs, cps, bus, log)

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	pipeline := NewPipeline()
	NewHandlers(stationService, transactionService, cfg, log).Register(pipeline)

	return &handlerFixture{
		pipeline: pipeline,
		cps:      cps,
		conns:    conns,
		txs:      txs,
		mvs:      mvs,
		events:   captured,
	}
}

func (f *handlerFixture) handle(t *testing.T, action, payload string) (*Request, *Response) {
	t.Helper()
	req := &Request{
		ChargePointID: "CP-1",
		Call: &Frame{
			Type:     2,
			UniqueID: "u-1",
			Action:   action,
			Payload:  json.RawMessage(payload),
		},
	}
	resp, err := f.pipeline.Handle(context.Background(), req)
	require.NoError(t, err)
	return req, resp
}

func TestBootNotificationHandler(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{HeartbeatInterval: 45 * time.Second})

	_, resp := f.handle(t, ActionBootNotification,
		`{"chargePointVendor":"VendorX","chargePointModel":"ModelY","firmwareVersion":"2.1","chargeBoxSerialNumber":"SN42"}`)

	assert.Equal(t, RegistrationAccepted, resp.Payload["status"])
	assert.Equal(t, 45, resp.Payload["interval"])
	assert.NotNil(t, resp.Payload["currentTime"])

	cp := f.cps.ChargePoints["CP-1"]
	require.NotNil(t, cp)
	assert.Equal(t, "VendorX", cp.Vendor)
	assert.Equal(t, "ModelY", cp.Model)
	assert.Equal(t, "SN42", cp.SerialNumber)
	assert.Equal(t, "2.1", cp.FirmwareVersion)
	assert.NotNil(t, cp.LastBootAt)
}

func TestBootNotificationClosesOrphans(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})
	orphan := &domain.Transaction{ChargePointID: "CP-1", ConnectorID: 1, MeterStart: 100, StartTime: time.Now()}
	require.NoError(t, f.txs.Create(context.Background(), orphan))

	f.handle(t, ActionBootNotification, `{"chargePointVendor":"V","chargePointModel":"M"}`)

	closed, err := f.txs.FindByID(context.Background(), orphan.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.StopReason)
	assert.Equal(t, domain.StopReasonReboot, *closed.StopReason)
	assert.Equal(t, 100, *closed.MeterStop)
}

func TestHeartbeatHandler(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	_, resp := f.handle(t, ActionHeartbeat, `{}`)

	assert.NotNil(t, resp.Payload["currentTime"])
	cp := f.cps.ChargePoints["CP-1"]
	require.NotNil(t, cp)
	assert.NotNil(t, cp.LastHeartbeatAt)
}

func TestStatusNotificationStationLevel(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	_, resp := f.handle(t, ActionStatusNotification,
		`{"connectorId":0,"errorCode":"NoError","status":"Available","info":"all good","vendorId":"vx"}`)

	assert.Empty(t, resp.Payload)
	cp := f.cps.ChargePoints["CP-1"]
	require.NotNil(t, cp)
	assert.Equal(t, domain.ChargePointStatusAvailable, cp.Status)
	assert.Equal(t, "all good", cp.VendorStatusInfo)
	assert.Equal(t, "vx", cp.VendorStatusID)
	assert.Empty(t, f.conns.Connectors["CP-1"])
}

func TestStatusNotificationConnectorLevel(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	f.handle(t, ActionStatusNotification,
		`{"connectorId":2,"errorCode":"GroundFailure","status":"Faulted","vendorErrorCode":"E17"}`)

	conn := f.conns.Connectors["CP-1"][2]
	require.NotNil(t, conn)
	assert.Equal(t, domain.ChargePointStatusFaulted, conn.Status)
	assert.Equal(t, "GroundFailure", conn.ErrorCode)
	assert.Equal(t, "E17", conn.VendorErrorCode)
}

func TestStartTransactionHandler(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	_, resp := f.handle(t, ActionStartTransaction,
		`{"connectorId":1,"idTag":"tag-1","meterStart":1000,"timestamp":"2024-05-01T10:00:00Z"}`)

	txID, ok := resp.Payload["transactionId"].(int)
	require.True(t, ok)
	assert.Equal(t, 1, txID)
	idTagInfo := resp.Payload["idTagInfo"].(map[string]interface{})
	assert.Equal(t, AuthorizationAccepted, idTagInfo["status"])
	require.NotNil(t, resp.Transaction)

	tx, err := f.txs.FindByID(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, "tag-1", tx.IDTag)
	assert.Equal(t, 1000, tx.MeterStart)
	assert.True(t, tx.IsActive())

	conn := f.conns.Connectors["CP-1"][1]
	require.NotNil(t, conn)
	assert.Equal(t, domain.ChargePointStatusCharging, conn.Status)
}

func TestStartTransactionClosesDanglingTransaction(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	f.handle(t, ActionStartTransaction, `{"connectorId":1,"idTag":"a","meterStart":0,"timestamp":"2024-05-01T10:00:00Z"}`)
	_, resp := f.handle(t, ActionStartTransaction, `{"connectorId":1,"idTag":"b","meterStart":500,"timestamp":"2024-05-01T11:00:00Z"}`)

	assert.Equal(t, 2, resp.Payload["transactionId"])

	first, err := f.txs.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, first.StopReason)
	assert.Equal(t, domain.StopReasonOther, *first.StopReason)

	active, err := f.txs.FindActiveByChargePoint(context.Background(), "CP-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].ID)
}

func TestStopTransactionHandler(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})
	f.handle(t, ActionStartTransaction, `{"connectorId":1,"idTag":"tag","meterStart":1000,"timestamp":"2024-05-01T10:00:00Z"}`)

	_, resp := f.handle(t, ActionStopTransaction,
		`{"transactionId":1,"meterStop":4500,"timestamp":"2024-05-01T12:00:00Z","reason":"EVDisconnected",
		  "transactionData":[{"timestamp":"2024-05-01T12:00:00Z","sampledValue":[{"value":"4500"}]}]}`)

	idTagInfo := resp.Payload["idTagInfo"].(map[string]interface{})
	assert.Equal(t, AuthorizationAccepted, idTagInfo["status"])

	tx, err := f.txs.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, tx.IsActive())
	assert.Equal(t, 4500, *tx.MeterStop)
	assert.Equal(t, 3500, *tx.EnergyDelivered)
	assert.Equal(t, domain.StopReasonEVDisconnected, *tx.StopReason)

	require.Len(t, f.mvs.Values, 1)
	final := f.mvs.Values[0]
	assert.True(t, final.IsFinal)
	assert.Equal(t, domain.MeasurandEnergyActiveImport, final.Measurand)
	assert.Equal(t, 4500.0, final.Value)
}

func TestStopTransactionUnknownIDIsIgnored(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	_, resp := f.handle(t, ActionStopTransaction,
		`{"transactionId":99,"meterStop":0,"timestamp":"2024-05-01T12:00:00Z"}`)

	assert.Empty(t, resp.ErrorCode)
	idTagInfo := resp.Payload["idTagInfo"].(map[string]interface{})
	assert.Equal(t, AuthorizationAccepted, idTagInfo["status"])
}

func TestMeterValuesHandlerAppliesDefaults(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})
	f.handle(t, ActionStartTransaction, `{"connectorId":1,"idTag":"tag","meterStart":0,"timestamp":"2024-05-01T10:00:00Z"}`)

	_, resp := f.handle(t, ActionMeterValues,
		`{"connectorId":1,"transactionId":1,"meterValue":[{"timestamp":"2024-05-01T10:05:00Z","sampledValue":[{"value":"1200"}]}]}`)

	assert.Empty(t, resp.Payload)
	require.Len(t, f.mvs.Values, 1)
	mv := f.mvs.Values[0]
	assert.Equal(t, domain.MeasurandEnergyActiveImport, mv.Measurand)
	assert.Equal(t, domain.DefaultMeterValueUnit, mv.Unit)
	assert.Equal(t, domain.DefaultMeterValueContext, mv.Context)
	assert.Equal(t, domain.DefaultMeterValueFormat, mv.Format)
	assert.Equal(t, domain.DefaultMeterValueLocation, mv.Location)
	require.NotNil(t, mv.TransactionID)
	assert.Equal(t, 1, *mv.TransactionID)
}

func TestAuthorizeHandler(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	_, resp := f.handle(t, ActionAuthorize, `{"idTag":"any-tag"}`)

	idTagInfo := resp.Payload["idTagInfo"].(map[string]interface{})
	assert.Equal(t, AuthorizationAccepted, idTagInfo["status"])
}

func TestDataTransferHandler(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	_, resp := f.handle(t, ActionDataTransfer, `{"vendorId":"vx","messageId":"m1"}`)

	assert.Equal(t, DataTransferRejected, resp.Payload["status"])
}

func TestNotificationActionsAcknowledged(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	for _, action := range []string{ActionDiagnosticsStatusNotification, ActionFirmwareStatusNotification} {
		_, resp := f.handle(t, action, `{"status":"Idle"}`)
		assert.Empty(t, resp.ErrorCode, action)
		assert.Empty(t, resp.Payload, action)
	}
}

func TestMalformedPayloadYieldsFormationViolation(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	_, resp := f.handle(t, ActionBootNotification, `{"chargePointVendor":5}`)

	assert.Equal(t, ErrFormationViolation, resp.ErrorCode)
}

func TestAutoRemoteStartOnPreparing(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{AutoRemoteStart: true, AutoRemoteStartIDTag: "fleet-tag"})

	req, resp := f.handle(t, ActionStatusNotification,
		`{"connectorId":1,"errorCode":"NoError","status":"Preparing"}`)
	require.Empty(t, resp.SideEffects)

	errs := f.pipeline.RunAfterHooks(context.Background(), req, resp)
	require.Empty(t, errs)
	require.Len(t, resp.SideEffects, 1)

	effect := resp.SideEffects[0]
	assert.Equal(t, 2, effect.Type)
	assert.Equal(t, ActionRemoteStartTransaction, effect.Action)
	assert.NotEmpty(t, effect.UniqueID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(effect.Payload, &payload))
	assert.Equal(t, float64(1), payload["connectorId"])
	assert.Equal(t, "fleet-tag", payload["idTag"])
}

func TestAutoRemoteStartSkipsOtherStatuses(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{AutoRemoteStart: true})

	for _, status := range []string{"Available", "Charging", "Faulted"} {
		req, resp := f.handle(t, ActionStatusNotification,
			`{"connectorId":1,"errorCode":"NoError","status":"`+status+`"}`)
		f.pipeline.RunAfterHooks(context.Background(), req, resp)
		assert.Empty(t, resp.SideEffects, status)
	}

	// Station-level Preparing (connector 0) never triggers a start.
	req, resp := f.handle(t, ActionStatusNotification,
		`{"connectorId":0,"errorCode":"NoError","status":"Preparing"}`)
	f.pipeline.RunAfterHooks(context.Background(), req, resp)
	assert.Empty(t, resp.SideEffects)
}
