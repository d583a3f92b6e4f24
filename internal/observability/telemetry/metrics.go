package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voltgrid/csms/internal/observability/events"
)

var (
	CentralUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_central_up",
		Help: "Set to 1 while the central system is running",
	})

	ConnectedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocpp_cp_connected",
		Help: "1 while the charge point has a live WebSocket session",
	}, []string{"charge_point_id"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_messages_total",
		Help: "OCPP frames by charge point, action and direction",
	}, []string{"charge_point_id", "action", "direction"})

	HandlingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocpp_message_handling_seconds",
		Help:    "Time spent handling one inbound call",
		Buckets: prometheus.DefBuckets,
	}, []string{"charge_point_id", "action"})

	BootsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_cp_boots_total",
		Help: "BootNotifications received per charge point",
	}, []string{"charge_point_id"})

	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_cp_disconnects_total",
		Help: "WebSocket disconnects per charge point",
	}, []string{"charge_point_id"})

	DisconnectsActiveTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_cp_disconnects_active_tx_total",
		Help: "Disconnects that happened while a transaction was Active, one increment per active transaction",
	}, []string{"charge_point_id"})

	LastHeartbeatTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocpp_cp_last_heartbeat_timestamp_seconds",
		Help: "Unix time of the last Heartbeat",
	}, []string{"charge_point_id"})

	TxActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocpp_tx_active",
		Help: "1 while a transaction is Active on the connector",
	}, []string{"charge_point_id", "connector_id"})

	TxEnergyWh = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ocpp_tx_energy_wh",
		Help: "Latest Energy.Active.Import.Register reading of the running transaction",
	}, []string{"charge_point_id", "connector_id"})

	TxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_tx_total",
		Help: "Transactions started per charge point",
	}, []string{"charge_point_id"})

	EnergyTotalWh = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_cp_energy_total_wh",
		Help: "Cumulative energy delivered across completed transactions",
	}, []string{"charge_point_id"})

	EnergyJumpTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_energy_jump_total",
		Help: "Implausible jumps between consecutive energy readings within one transaction",
	}, []string{"charge_point_id"})

	CentralCallTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_central_call_timeouts_total",
		Help: "Central-initiated calls that never got a reply",
	}, []string{"charge_point_id", "action"})

	CentralCallRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_central_call_rejections_total",
		Help: "Central-initiated calls answered with a CallError",
	}, []string{"charge_point_id", "action"})
)

// MetricsSink translates observer events into the Prometheus series above.
type MetricsSink struct{}

func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

func (s *MetricsSink) Handle(ev events.Event) {
	switch ev.Kind {
	case events.KindConnect:
		ConnectedGauge.WithLabelValues(ev.ChargePointID).Set(1)

	case events.KindDisconnect:
		// A replaced socket lost the connection but not the station: the
		// successor session owns the connected gauge.
		if !ev.Replaced {
			ConnectedGauge.WithLabelValues(ev.ChargePointID).Set(0)
		}
		DisconnectsTotal.WithLabelValues(ev.ChargePointID).Inc()
		for i := 0; i < ev.ActiveTransactions; i++ {
			DisconnectsActiveTxTotal.WithLabelValues(ev.ChargePointID).Inc()
		}

	case events.KindFrameRecv:
		MessagesTotal.WithLabelValues(ev.ChargePointID, ev.Action, "recv").Inc()

	case events.KindFrameSend:
		MessagesTotal.WithLabelValues(ev.ChargePointID, ev.Action, "send").Inc()

	case events.KindCallHandled:
		HandlingSeconds.WithLabelValues(ev.ChargePointID, ev.Action).Observe(ev.Duration.Seconds())

	case events.KindBoot:
		BootsTotal.WithLabelValues(ev.ChargePointID).Inc()

	case events.KindHeartbeat:
		LastHeartbeatTimestamp.WithLabelValues(ev.ChargePointID).Set(float64(ev.At.Unix()))

	case events.KindTxStart:
		TxTotal.WithLabelValues(ev.ChargePointID).Inc()
		TxActive.WithLabelValues(ev.ChargePointID, strconv.Itoa(ev.ConnectorID)).Set(1)

	case events.KindTxStop:
		TxActive.WithLabelValues(ev.ChargePointID, strconv.Itoa(ev.ConnectorID)).Set(0)
		if ev.EnergyDeliveredWh > 0 {
			EnergyTotalWh.WithLabelValues(ev.ChargePointID).Add(float64(ev.EnergyDeliveredWh))
		}

	case events.KindEnergy:
		TxEnergyWh.WithLabelValues(ev.ChargePointID, strconv.Itoa(ev.ConnectorID)).Set(ev.CurrentWh)

	case events.KindEnergyJump:
		EnergyJumpTotal.WithLabelValues(ev.ChargePointID).Inc()

	case events.KindCallTimeout:
		CentralCallTimeoutsTotal.WithLabelValues(ev.ChargePointID, ev.Action).Inc()

	case events.KindCallRejected:
		CentralCallRejectionsTotal.WithLabelValues(ev.ChargePointID, ev.Action).Inc()
	}
}
