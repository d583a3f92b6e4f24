package audit

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/adapter/queue"
	"github.com/voltgrid/csms/internal/infrastructure/circuitbreaker"
	"github.com/voltgrid/csms/internal/observability/events"
)

// record is the wire shape published for every frame and connection event.
type record struct {
	Type       string          `json:"type"` // "ocpp" or "ws"
	CP         string          `json:"cp"`
	Dir        string          `json:"dir,omitempty"`   // recv | send
	Event      string          `json:"event,omitempty"` // connect | disconnect
	Msg        json.RawMessage `json:"msg,omitempty"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
}

// Sink publishes frame and connection records on the message queue. A circuit
// breaker keeps a dead broker from slowing down the session path: while open,
// records are dropped.
type Sink struct {
	mq      queue.MessageQueue
	subject string
	breaker *circuitbreaker.CircuitBreaker
	log     *zap.Logger
}

func NewSink(mq queue.MessageQueue, subject string, log *zap.Logger) *Sink {
	return &Sink{
		mq:      mq,
		subject: subject,
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name:             "audit-publish",
			FailureThreshold: 5,
		}, log),
		log: log,
	}
}

func (s *Sink) Handle(ev events.Event) {
	var rec record
	switch ev.Kind {
	case events.KindFrameRecv:
		rec = record{Type: "ocpp", CP: ev.ChargePointID, Dir: "recv", Msg: ev.Frame, RemoteAddr: ev.RemoteAddr}
	case events.KindFrameSend:
		rec = record{Type: "ocpp", CP: ev.ChargePointID, Dir: "send", Msg: ev.Frame, RemoteAddr: ev.RemoteAddr}
	case events.KindConnect:
		rec = record{Type: "ws", CP: ev.ChargePointID, Event: "connect", RemoteAddr: ev.RemoteAddr}
	case events.KindDisconnect:
		rec = record{Type: "ws", CP: ev.ChargePointID, Event: "disconnect", RemoteAddr: ev.RemoteAddr}
	default:
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("Failed to marshal audit record", zap.Error(err))
		return
	}

	err = s.breaker.Execute(func() error {
		return s.mq.Publish(s.subject, data)
	})
	if err != nil {
		if circuitbreaker.IsCircuitOpen(err) {
			s.log.Debug("Audit record dropped, circuit open")
			return
		}
		s.log.Warn("Failed to publish audit record",
			zap.String("charge_point_id", ev.ChargePointID),
			zap.Error(err),
		)
	}
}
