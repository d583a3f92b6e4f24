package events

import (
	"time"

	"go.uber.org/zap"
)

// Kind enumerates the domain events the server fans out to observer sinks.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindFrameRecv  Kind = "frame_recv"
	KindFrameSend  Kind = "frame_send"

	KindCallHandled  Kind = "call_handled"
	KindBoot         Kind = "boot"
	KindHeartbeat    Kind = "heartbeat"
	KindStatusChange Kind = "status_change"

	KindTxStart    Kind = "tx_start"
	KindTxStop     Kind = "tx_stop"
	KindEnergy     Kind = "energy"
	KindEnergyJump Kind = "energy_jump"

	KindCallTimeout  Kind = "call_timeout"
	KindCallRejected Kind = "call_rejected"
)

// Event is a flat record; sinks pick the fields relevant to the kind.
type Event struct {
	Kind          Kind
	ChargePointID string
	RemoteAddr    string
	Action        string
	Status        string
	ConnectorID   int
	TransactionID int
	Frame         []byte

	// KindEnergy / KindEnergyJump
	PreviousWh float64
	CurrentWh  float64

	// KindTxStop
	EnergyDeliveredWh int

	// KindDisconnect: number of transactions still Active at disconnect time.
	ActiveTransactions int

	// KindDisconnect: the socket was closed because a newer session for the
	// same station took over. Connectivity state belongs to the successor.
	Replaced bool

	// KindCallHandled
	Duration time.Duration

	At time.Time
}

// Sink consumes events. Implementations must not block the session path for
// long; failures are the sink's problem and never reach the caller.
type Sink interface {
	Handle(ev Event)
}

// Bus fans events out to the registered sinks, in registration order. Events
// for one station are emitted in the order their frames were processed, so
// dispatch is synchronous.
type Bus struct {
	sinks []Sink
	log   *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log}
}

// Register adds a sink. Called at boot, before any session exists.
func (b *Bus) Register(sink Sink) {
	b.sinks = append(b.sinks, sink)
}

func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, sink := range b.sinks {
		b.dispatch(sink, ev)
	}
}

func (b *Bus) dispatch(sink Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Observer sink panicked",
				zap.String("kind", string(ev.Kind)),
				zap.String("charge_point_id", ev.ChargePointID),
				zap.Any("panic", r),
			)
		}
	}()
	sink.Handle(ev)
}
