package v16

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/observability/events"
	"github.com/voltgrid/csms/internal/ports"
)

// SessionConfig tunes the per-station connection behavior.
type SessionConfig struct {
	// HeartbeatInterval is what stations are told on boot; the watchdog
	// closes the connection after 3x this with no inbound traffic.
	HeartbeatInterval time.Duration
	// CommandDelay is the minimum spacing between central-initiated Calls.
	CommandDelay time.Duration
	// ReplyTimeout bounds the wait for a station's CallResult.
	ReplyTimeout time.Duration
}

const outboundQueueSize = 32

// Session is the actor owning one station's WebSocket. The read loop and the
// outbound sender are its only goroutines touching the connection; everything
// else goes through the outbound queue.
type Session struct {
	cpID       string
	remoteAddr string
	conn       *websocket.Conn
	cfg        SessionConfig

	pipeline *Pipeline
	msgs     ports.MessageRepository
	bus      *events.Bus
	log      *zap.Logger

	out       chan *Frame
	waiters   map[string]chan *Frame
	waitersMu sync.Mutex
	writeMu   sync.Mutex

	lastSeen  atomic.Int64 // unix nano of last inbound frame
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSession(cpID, remoteAddr string, conn *websocket.Conn, cfg SessionConfig, pipeline *Pipeline, msgs ports.MessageRepository, bus *events.Bus, log *zap.Logger) *Session {
	s := &Session{
		cpID:       cpID,
		remoteAddr: remoteAddr,
		conn:       conn,
		cfg:        cfg,
		pipeline:   pipeline,
		msgs:       msgs,
		bus:        bus,
		log:        log.With(zap.String("charge_point_id", cpID)),
		out:        make(chan *Frame, outboundQueueSize),
		waiters:    make(map[string]chan *Frame),
		closed:     make(chan struct{}),
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

func (s *Session) ChargePointID() string { return s.cpID }
func (s *Session) RemoteAddr() string    { return s.remoteAddr }

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Run drives the session until the connection dies or Close is called. It
// blocks; the caller owns the goroutine.
func (s *Session) Run(ctx context.Context) {
	go s.sendLoop(ctx)
	go s.watchdog()
	s.readLoop(ctx)
}

// Send queues a central-initiated Call. It fails when the session is closed
// or the queue is full.
func (s *Session) Send(frame *Frame) error {
	select {
	case <-s.closed:
		return errors.New("session closed")
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// Close tears the session down, sending the close frame once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.writeMu.Unlock()
		_ = s.conn.Close()
		close(s.closed)
	})
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Read failed", zap.Error(err))
			}
			s.Close(websocket.CloseNormalClosure, "")
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())

		frame, err := Decode(data)
		if err != nil {
			s.bus.Emit(events.Event{Kind: events.KindFrameRecv, ChargePointID: s.cpID, RemoteAddr: s.remoteAddr, Frame: data})
			var decErr *DecodeError
			if errors.As(err, &decErr) && decErr.UniqueID != "" {
				s.log.Warn("Malformed frame", zap.String("unique_id", decErr.UniqueID), zap.String("reason", decErr.Reason))
				s.writeFrame(NewCallError(decErr.UniqueID, ErrFormationViolation, decErr.Reason))
				continue
			}
			s.log.Warn("Unrecoverable frame, closing", zap.Error(err))
			s.Close(websocket.CloseProtocolError, "malformed message")
			return
		}
		s.bus.Emit(events.Event{Kind: events.KindFrameRecv, ChargePointID: s.cpID, RemoteAddr: s.remoteAddr, Action: frame.Action, Frame: data})

		switch frame.Type {
		case domain.MessageTypeCall:
			s.handleCall(ctx, frame)
		case domain.MessageTypeCallResult, domain.MessageTypeCallError:
			s.handleReply(ctx, frame)
		}

		select {
		case <-s.closed:
			return
		default:
		}
	}
}

// handleCall persists the inbound Call, runs it through the pipeline, writes
// the reply and then fires after hooks and side effects.
func (s *Session) handleCall(ctx context.Context, frame *Frame) {
	started := time.Now()

	ctx, span := otel.Tracer("ocpp/v16").Start(ctx, "ocpp."+frame.Action)
	span.SetAttributes(attribute.String("charge_point_id", s.cpID))
	defer span.End()

	row := &domain.Message{
		ChargePointID: s.cpID,
		Actor:         domain.ActorChargePoint,
		UniqueID:      frame.UniqueID,
		MessageType:   frame.Type,
		Action:        frame.Action,
		Body:          frame.Payload,
	}
	if err := s.msgs.Insert(ctx, row); err != nil {
		if errors.Is(err, ports.ErrDuplicateMessage) {
			s.log.Warn("Duplicate call dropped", zap.String("unique_id", frame.UniqueID), zap.String("action", frame.Action))
			return
		}
		s.log.Error("Failed to persist inbound call", zap.Error(err))
		s.writeFrame(NewCallError(frame.UniqueID, ErrInternalError, "persistence failure"))
		return
	}

	req := &Request{ChargePointID: s.cpID, Call: frame, Message: row}
	resp, err := s.pipeline.Handle(ctx, req)
	if err != nil {
		s.log.Error("Call handling failed", zap.String("action", frame.Action), zap.Error(err))
		resp = &Response{ErrorCode: ErrInternalError, ErrorDescription: "internal error"}
	}

	reply, buildErr := s.buildReply(frame.UniqueID, resp)
	if buildErr != nil {
		s.log.Error("Failed to build reply", zap.Error(buildErr))
		reply = NewCallError(frame.UniqueID, ErrInternalError, "internal error")
	}

	s.persistReply(ctx, row, reply, resp)
	s.writeFrame(reply)

	if resp != nil {
		for _, hookErr := range s.pipeline.RunAfterHooks(ctx, req, resp) {
			s.log.Warn("After hook failed", zap.String("action", frame.Action), zap.Error(hookErr))
		}
		for _, effect := range resp.SideEffects {
			if err := s.Send(effect); err != nil {
				s.log.Warn("Dropping side effect", zap.String("action", effect.Action), zap.Error(err))
			}
		}
	}

	s.bus.Emit(events.Event{
		Kind:          events.KindCallHandled,
		ChargePointID: s.cpID,
		Action:        frame.Action,
		Duration:      time.Since(started),
	})
}

func (s *Session) buildReply(uniqueID string, resp *Response) (*Frame, error) {
	if resp == nil || resp.ErrorCode != "" {
		code := ErrInternalError
		desc := "internal error"
		if resp != nil {
			code = resp.ErrorCode
			desc = resp.ErrorDescription
		}
		return NewCallError(uniqueID, code, desc), nil
	}
	return NewCallResult(uniqueID, resp.Payload)
}

// persistReply stores the outbound reply row and links it to the call. A
// StartTransaction reply also stamps the transaction onto both rows.
func (s *Session) persistReply(ctx context.Context, call *domain.Message, reply *Frame, resp *Response) {
	row := &domain.Message{
		ChargePointID: s.cpID,
		Actor:         domain.ActorCentralSystem,
		UniqueID:      reply.UniqueID,
		MessageType:   reply.Type,
		Action:        call.Action,
		Body:          reply.Payload,
	}
	if reply.Type == domain.MessageTypeCallError {
		row.ErrorCode = string(reply.ErrorCode)
		row.ErrorDescription = reply.ErrorDescription
	}
	if err := s.msgs.Insert(ctx, row); err != nil {
		s.log.Error("Failed to persist reply", zap.Error(err))
		return
	}
	if err := s.msgs.LinkReply(ctx, call.ID, row.ID); err != nil {
		s.log.Error("Failed to link reply", zap.Error(err))
	}
	if resp != nil && resp.Transaction != nil {
		if err := s.msgs.SetTransaction(ctx, call.ID, resp.Transaction.ID); err != nil {
			s.log.Error("Failed to stamp transaction on call", zap.Error(err))
		}
	}
}

// handleReply correlates a CallResult or CallError with the central Call that
// prompted it and wakes the waiting sender.
func (s *Session) handleReply(ctx context.Context, frame *Frame) {
	row := &domain.Message{
		ChargePointID: s.cpID,
		Actor:         domain.ActorChargePoint,
		UniqueID:      frame.UniqueID,
		MessageType:   frame.Type,
		Body:          frame.Payload,
	}
	if frame.Type == domain.MessageTypeCallError {
		row.ErrorCode = string(frame.ErrorCode)
		row.ErrorDescription = frame.ErrorDescription
	}
	if err := s.msgs.Insert(ctx, row); err != nil {
		if errors.Is(err, ports.ErrDuplicateMessage) {
			s.log.Warn("Duplicate reply dropped", zap.String("unique_id", frame.UniqueID))
			return
		}
		s.log.Error("Failed to persist reply", zap.Error(err))
		return
	}

	call, err := s.msgs.FindCall(ctx, domain.ActorCentralSystem, frame.UniqueID)
	if err != nil {
		s.log.Error("Failed to look up originating call", zap.Error(err))
	} else if call == nil {
		s.log.Warn("Reply without a matching call, dropping", zap.String("unique_id", frame.UniqueID))
		return
	} else {
		if err := s.msgs.SetAction(ctx, row.ID, call.Action); err != nil {
			s.log.Error("Failed to stamp action on reply", zap.Error(err))
		}
		if err := s.msgs.LinkReply(ctx, call.ID, row.ID); err != nil {
			s.log.Error("Failed to link reply", zap.Error(err))
		}
	}

	s.waitersMu.Lock()
	waiter := s.waiters[frame.UniqueID]
	delete(s.waiters, frame.UniqueID)
	s.waitersMu.Unlock()

	if waiter == nil {
		s.log.Warn("No sender waiting for reply", zap.String("unique_id", frame.UniqueID))
		return
	}
	waiter <- frame
}

// sendLoop serializes central-initiated Calls: one in flight, spaced by the
// command delay, each awaited until reply or timeout. Station replies never
// pass through here.
func (s *Session) sendLoop(ctx context.Context) {
	var lastSent time.Time
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.out:
			if wait := s.cfg.CommandDelay - time.Since(lastSent); wait > 0 {
				select {
				case <-s.closed:
					return
				case <-time.After(wait):
				}
			}
			s.dispatchCall(ctx, frame)
			lastSent = time.Now()
		}
	}
}

func (s *Session) dispatchCall(ctx context.Context, frame *Frame) {
	row := &domain.Message{
		ChargePointID: s.cpID,
		Actor:         domain.ActorCentralSystem,
		UniqueID:      frame.UniqueID,
		MessageType:   frame.Type,
		Action:        frame.Action,
		Body:          frame.Payload,
	}
	if err := s.msgs.Insert(ctx, row); err != nil {
		s.log.Error("Failed to persist outbound call", zap.String("action", frame.Action), zap.Error(err))
		return
	}

	waiter := make(chan *Frame, 1)
	s.waitersMu.Lock()
	s.waiters[frame.UniqueID] = waiter
	s.waitersMu.Unlock()

	if err := s.writeFrame(frame); err != nil {
		s.waitersMu.Lock()
		delete(s.waiters, frame.UniqueID)
		s.waitersMu.Unlock()
		return
	}

	select {
	case reply := <-waiter:
		if reply.Type == domain.MessageTypeCallError {
			s.log.Warn("Station rejected call",
				zap.String("action", frame.Action),
				zap.String("error_code", string(reply.ErrorCode)),
				zap.String("error_description", reply.ErrorDescription),
			)
			s.bus.Emit(events.Event{Kind: events.KindCallRejected, ChargePointID: s.cpID, Action: frame.Action})
		}
	case <-time.After(s.cfg.ReplyTimeout):
		s.waitersMu.Lock()
		delete(s.waiters, frame.UniqueID)
		s.waitersMu.Unlock()
		s.log.Warn("Reply timeout", zap.String("action", frame.Action), zap.String("unique_id", frame.UniqueID))
		s.bus.Emit(events.Event{Kind: events.KindCallTimeout, ChargePointID: s.cpID, Action: frame.Action})
	case <-s.closed:
	}
}

// watchdog closes the session when the station stays silent for three
// heartbeat intervals, granting one extra interval of grace.
func (s *Session) watchdog() {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	deadline := 3 * s.cfg.HeartbeatInterval
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	graceUsed := false
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastSeen.Load())
			if time.Since(last) <= deadline {
				graceUsed = false
				continue
			}
			if !graceUsed {
				graceUsed = true
				s.log.Warn("Heartbeat overdue, granting grace period", zap.Time("last_seen", last))
				continue
			}
			s.log.Warn("Heartbeat timeout, closing", zap.Time("last_seen", last))
			s.Close(websocket.CloseNormalClosure, "heartbeat timeout")
			return
		}
	}
}

func (s *Session) writeFrame(frame *Frame) error {
	data, err := Encode(frame)
	if err != nil {
		s.log.Error("Failed to encode frame", zap.Error(err))
		return err
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Debug("Write failed", zap.Error(err))
		s.Close(websocket.CloseNormalClosure, "")
		return err
	}
	s.bus.Emit(events.Event{Kind: events.KindFrameSend, ChargePointID: s.cpID, RemoteAddr: s.remoteAddr, Action: frame.Action, Frame: data})
	return nil
}
