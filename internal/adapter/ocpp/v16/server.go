package v16

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/observability/events"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/service/station"
	"github.com/voltgrid/csms/internal/service/transaction"
)

// ServerConfig tunes the WebSocket acceptor.
type ServerConfig struct {
	Addr string
	// PathPrefix is the path stations connect under; the station id is the
	// single segment after it.
	PathPrefix    string
	ShutdownGrace time.Duration
	Session       SessionConfig
}

// Server accepts OCPP 1.6-J WebSocket connections and runs one Session per
// station.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	pipeline *Pipeline
	msgs     ports.MessageRepository
	stations *station.Service
	txs      *transaction.Service
	bus      *events.Bus
	log      *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg ServerConfig, pipeline *Pipeline, msgs ports.MessageRepository, stations *station.Service, txs *transaction.Service, bus *events.Bus, log *zap.Logger) *Server {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/ws/"
	}
	if !strings.HasSuffix(cfg.PathPrefix, "/") {
		cfg.PathPrefix += "/"
	}
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		pipeline: pipeline,
		msgs:     msgs,
		stations: stations,
		txs:      txs,
		bus:      bus,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Stations do not send Origin headers worth checking.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: s}
	return s
}

// Registry exposes the live sessions, for operator surfaces.
func (s *Server) Registry() *Registry { return s.registry }

// Start blocks serving connections until Shutdown.
func (s *Server) Start() error {
	s.log.Info("OCPP server listening",
		zap.String("addr", s.cfg.Addr),
		zap.String("path_prefix", s.cfg.PathPrefix),
	)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every session and stops the listener within the grace
// period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
	}
	for _, sess := range s.registry.All() {
		sess.Close(websocket.CloseNormalClosure, "server shutdown")
	}
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP upgrades the connection and hands it to a Session. The upgrade
// happens even for a bad path so the station gets a proper close frame
// instead of an opaque HTTP error.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cpID := s.stationID(r.URL.Path)
	offered := websocket.Subprotocols(r)

	// The subprotocol is always selected, whether or not the client
	// offered it. Stations that forget the header still speak 1.6-J.
	conn, err := s.upgrader.Upgrade(w, r, http.Header{
		"Sec-Websocket-Protocol": []string{Subprotocol},
	})
	if err != nil {
		s.log.Warn("Upgrade failed", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}

	if cpID == "" {
		s.log.Warn("Rejecting connection with invalid path", zap.String("path", r.URL.Path))
		msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "invalid path")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	if !offers(offered, Subprotocol) {
		s.log.Warn("Client did not offer the ocpp1.6 subprotocol, forcing it",
			zap.String("charge_point_id", cpID),
			zap.Strings("offered", offered),
		)
	}

	s.runSession(r.Context(), cpID, conn, r.RemoteAddr)
}

func (s *Server) runSession(ctx context.Context, cpID string, conn *websocket.Conn, remoteAddr string) {
	now := time.Now().UTC()
	if err := s.stations.EnsureExists(ctx, cpID); err != nil {
		s.log.Error("Failed to ensure charge point row", zap.String("charge_point_id", cpID), zap.Error(err))
		conn.Close()
		return
	}
	if err := s.stations.Connected(ctx, cpID, now); err != nil {
		s.log.Error("Failed to mark charge point connected", zap.String("charge_point_id", cpID), zap.Error(err))
	}

	sess := NewSession(cpID, remoteAddr, conn, s.cfg.Session, s.pipeline, s.msgs, s.bus, s.log)
	if old := s.registry.Register(sess); old != nil {
		s.log.Info("Replacing existing session", zap.String("charge_point_id", cpID))
		old.Close(websocket.CloseNormalClosure, "replaced")
	}
	s.bus.Emit(events.Event{Kind: events.KindConnect, ChargePointID: cpID, RemoteAddr: remoteAddr})
	s.log.Info("Charge point connected", zap.String("charge_point_id", cpID), zap.String("remote_addr", remoteAddr))

	// Detach from the request context: the session outlives handler
	// deadlines and dies with its connection.
	sess.Run(context.Background())

	// Unregister is identity-equal: it returns false when a reconnect
	// already replaced this session, in which case connectivity state
	// belongs to the successor and must not be flipped here. The socket
	// still went away, so the disconnect event is emitted either way.
	replaced := !s.registry.Unregister(sess)
	if !replaced {
		disconnectedAt := time.Now().UTC()
		if err := s.stations.Disconnected(context.Background(), cpID, disconnectedAt); err != nil {
			s.log.Error("Failed to mark charge point disconnected", zap.String("charge_point_id", cpID), zap.Error(err))
		}
	}
	activeTx, err := s.txs.ActiveCount(context.Background(), cpID)
	if err != nil {
		s.log.Warn("Failed to count active transactions at disconnect", zap.String("charge_point_id", cpID), zap.Error(err))
	}
	s.bus.Emit(events.Event{
		Kind:               events.KindDisconnect,
		ChargePointID:      cpID,
		RemoteAddr:         remoteAddr,
		ActiveTransactions: activeTx,
		Replaced:           replaced,
	})
	s.log.Info("Charge point disconnected",
		zap.String("charge_point_id", cpID),
		zap.Int("active_transactions", activeTx),
		zap.Bool("replaced", replaced),
	)
}

// stationID extracts the station id from the request path; empty means the
// path was not exactly prefix + one segment.
func (s *Server) stationID(path string) string {
	if !strings.HasPrefix(path, s.cfg.PathPrefix) {
		return ""
	}
	id := strings.TrimPrefix(path, s.cfg.PathPrefix)
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func offers(protocols []string, want string) bool {
	for _, p := range protocols {
		if p == want {
			return true
		}
	}
	return false
}
