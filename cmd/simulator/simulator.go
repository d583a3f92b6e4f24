package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SimulatorConfig holds the simulator configuration
type SimulatorConfig struct {
	ServerURL       string
	ChargePointID   string
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	ConnectorCount  int
	MeterPeriod     time.Duration
}

// ConnectorState represents a connector's state
type ConnectorState struct {
	ID      int
	Status  string // Available, Preparing, Charging, Finishing, Faulted
	MeterWh int
}

// Simulator simulates an OCPP 1.6-J charge point
type Simulator struct {
	config     *SimulatorConfig
	conn       *websocket.Conn
	log        *zap.Logger
	connectors []ConnectorState

	// Transaction state; the id is assigned by the central system.
	currentTxID       int
	chargingConnector int
	heartbeatInterval int

	pendingMsgs map[string]chan []byte
	mu          sync.RWMutex
	writeMu     sync.Mutex

	stopChan  chan struct{}
	meterStop chan struct{}
	wg        sync.WaitGroup
}

// NewSimulator creates a new charge point simulator
func NewSimulator(config *SimulatorConfig, log *zap.Logger) *Simulator {
	connectors := make([]ConnectorState, config.ConnectorCount)
	for i := 0; i < config.ConnectorCount; i++ {
		connectors[i] = ConnectorState{
			ID:     i + 1,
			Status: "Available",
		}
	}

	return &Simulator{
		config:            config,
		log:               log,
		connectors:        connectors,
		pendingMsgs:       make(map[string]chan []byte),
		stopChan:          make(chan struct{}),
		heartbeatInterval: 300,
	}
}

// Connect connects to the central system and runs the boot sequence.
func (s *Simulator) Connect() error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(s.config.ServerURL, "/"), s.config.ChargePointID)

	dialer := websocket.Dialer{
		Subprotocols: []string{"ocpp1.6"},
	}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.conn = conn
	s.log.Info("Connected to central system",
		zap.String("url", url),
		zap.String("chargePointID", s.config.ChargePointID),
		zap.String("subprotocol", conn.Subprotocol()),
	)

	s.wg.Add(1)
	go s.readMessages()

	resp, err := s.sendBootNotification()
	if err != nil {
		s.log.Error("BootNotification failed", zap.Error(err))
	} else {
		s.log.Info("BootNotification response", zap.Any("response", resp))
		if interval, ok := resp["interval"].(float64); ok && interval > 0 {
			s.heartbeatInterval = int(interval)
		}
	}

	for _, c := range s.connectors {
		if _, err := s.sendStatusNotification(c.ID, c.Status); err != nil {
			s.log.Warn("StatusNotification failed", zap.Int("connector", c.ID), zap.Error(err))
		}
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	return nil
}

// Stop stops the simulator
func (s *Simulator) Stop() {
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Simulator) heartbeatLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-time.After(time.Duration(s.heartbeatInterval) * time.Second):
			if _, err := s.SendHeartbeat(); err != nil {
				s.log.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// readMessages reads and processes incoming messages
func (s *Simulator) readMessages() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				s.log.Error("Read error", zap.Error(err))
				return
			}
			s.handleMessage(message)
		}
	}
}

// handleMessage processes an incoming OCPP frame
func (s *Simulator) handleMessage(data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Error("Invalid message", zap.Error(err))
		return
	}

	if len(raw) < 3 {
		return
	}

	var msgType int
	json.Unmarshal(raw[0], &msgType)

	var msgID string
	json.Unmarshal(raw[1], &msgID)

	switch msgType {
	case 2: // Call from the central system
		var action string
		json.Unmarshal(raw[2], &action)
		payload := json.RawMessage(`{}`)
		if len(raw) > 3 {
			payload = raw[3]
		}
		s.handleServerRequest(msgID, action, payload)

	case 3: // CallResult for our Call
		s.mu.Lock()
		if ch, ok := s.pendingMsgs[msgID]; ok {
			ch <- raw[2]
			delete(s.pendingMsgs, msgID)
		}
		s.mu.Unlock()

	case 4: // CallError
		s.mu.Lock()
		if ch, ok := s.pendingMsgs[msgID]; ok {
			close(ch)
			delete(s.pendingMsgs, msgID)
		}
		s.mu.Unlock()
	}
}

// handleServerRequest answers Calls from the central system
func (s *Simulator) handleServerRequest(msgID, action string, payload json.RawMessage) {
	s.log.Info("Received server request", zap.String("action", action))

	switch action {
	case "RemoteStartTransaction":
		var req struct {
			ConnectorID int    `json:"connectorId"`
			IDTag       string `json:"idTag"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.IDTag == "" {
			s.sendCallResult(msgID, map[string]interface{}{"status": "Rejected"})
			return
		}
		s.sendCallResult(msgID, map[string]interface{}{"status": "Accepted"})
		connector := req.ConnectorID
		if connector == 0 {
			connector = 1
		}
		go func() {
			if _, err := s.StartTransaction(connector, req.IDTag); err != nil {
				s.log.Warn("Remote-triggered start failed", zap.Error(err))
			}
		}()

	case "RemoteStopTransaction":
		var req struct {
			TransactionID int `json:"transactionId"`
		}
		json.Unmarshal(payload, &req)
		s.mu.RLock()
		match := req.TransactionID == s.currentTxID && s.currentTxID != 0
		s.mu.RUnlock()
		if !match {
			s.sendCallResult(msgID, map[string]interface{}{"status": "Rejected"})
			return
		}
		s.sendCallResult(msgID, map[string]interface{}{"status": "Accepted"})
		go func() {
			if _, err := s.StopTransaction("Remote"); err != nil {
				s.log.Warn("Remote-triggered stop failed", zap.Error(err))
			}
		}()

	default:
		s.sendCallError(msgID, "NotImplemented", fmt.Sprintf("action %s not supported", action))
	}
}

// sendCall sends a Call and waits up to 30s for the reply payload.
func (s *Simulator) sendCall(action string, payload interface{}) (map[string]interface{}, error) {
	msgID := uuid.NewString()

	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.pendingMsgs[msgID] = ch
	s.mu.Unlock()

	frame := []interface{}{2, msgID, action, payload}
	if err := s.writeJSON(frame); err != nil {
		s.mu.Lock()
		delete(s.pendingMsgs, msgID)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s rejected by central system", action)
		}
		var result map[string]interface{}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, err
		}
		return result, nil
	case <-time.After(30 * time.Second):
		s.mu.Lock()
		delete(s.pendingMsgs, msgID)
		s.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for %s reply", action)
	case <-s.stopChan:
		return nil, fmt.Errorf("simulator stopped")
	}
}

func (s *Simulator) sendCallResult(msgID string, payload interface{}) {
	s.writeJSON([]interface{}{3, msgID, payload})
}

func (s *Simulator) sendCallError(msgID, code, description string) {
	s.writeJSON([]interface{}{4, msgID, code, description, map[string]interface{}{}})
}

func (s *Simulator) writeJSON(frame []interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) sendBootNotification() (map[string]interface{}, error) {
	return s.sendCall("BootNotification", map[string]interface{}{
		"chargePointVendor":       s.config.Vendor,
		"chargePointModel":        s.config.Model,
		"chargePointSerialNumber": s.config.SerialNumber,
		"firmwareVersion":         s.config.FirmwareVersion,
	})
}

// SendHeartbeat sends a Heartbeat
func (s *Simulator) SendHeartbeat() (map[string]interface{}, error) {
	return s.sendCall("Heartbeat", map[string]interface{}{})
}

// SendAuthorize sends an Authorize for the idTag
func (s *Simulator) SendAuthorize(idTag string) (map[string]interface{}, error) {
	return s.sendCall("Authorize", map[string]interface{}{"idTag": idTag})
}

func (s *Simulator) sendStatusNotification(connectorID int, status string) (map[string]interface{}, error) {
	s.setConnectorStatus(connectorID, status)
	return s.sendCall("StatusNotification", map[string]interface{}{
		"connectorId": connectorID,
		"errorCode":   "NoError",
		"status":      status,
		"timestamp":   time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// StartTransaction begins charging on the connector. The transaction id comes
// back from the central system.
func (s *Simulator) StartTransaction(connectorID int, idTag string) (int, error) {
	s.mu.RLock()
	busy := s.currentTxID != 0
	s.mu.RUnlock()
	if busy {
		return 0, fmt.Errorf("a transaction is already running")
	}

	meterStart := s.connectorMeter(connectorID)
	resp, err := s.sendCall("StartTransaction", map[string]interface{}{
		"connectorId": connectorID,
		"idTag":       idTag,
		"meterStart":  meterStart,
		"timestamp":   time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		return 0, err
	}

	txID := 0
	if v, ok := resp["transactionId"].(float64); ok {
		txID = int(v)
	}
	if txID == 0 {
		return 0, fmt.Errorf("central system returned no transaction id")
	}

	s.mu.Lock()
	s.currentTxID = txID
	s.chargingConnector = connectorID
	s.meterStop = make(chan struct{})
	s.mu.Unlock()

	s.sendStatusNotification(connectorID, "Charging")
	s.log.Info("Transaction started", zap.Int("transactionId", txID), zap.Int("connector", connectorID))

	if s.config.MeterPeriod > 0 {
		s.wg.Add(1)
		go s.meterLoop(txID, connectorID)
	}
	return txID, nil
}

// StopTransaction ends the running transaction.
func (s *Simulator) StopTransaction(reason string) (map[string]interface{}, error) {
	s.mu.Lock()
	txID := s.currentTxID
	connectorID := s.chargingConnector
	stop := s.meterStop
	s.currentTxID = 0
	s.chargingConnector = 0
	s.meterStop = nil
	s.mu.Unlock()

	if txID == 0 {
		return nil, fmt.Errorf("no transaction running")
	}
	if stop != nil {
		close(stop)
	}

	resp, err := s.sendCall("StopTransaction", map[string]interface{}{
		"transactionId": txID,
		"meterStop":     s.connectorMeter(connectorID),
		"timestamp":     time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"reason":        reason,
	})
	if err != nil {
		return nil, err
	}

	s.sendStatusNotification(connectorID, "Available")
	s.log.Info("Transaction stopped", zap.Int("transactionId", txID))
	return resp, nil
}

// SendMeterValue reports the energy register for the charging connector.
func (s *Simulator) SendMeterValue(wh int) (map[string]interface{}, error) {
	s.mu.RLock()
	txID := s.currentTxID
	connectorID := s.chargingConnector
	s.mu.RUnlock()

	if connectorID == 0 {
		connectorID = 1
	}
	s.setConnectorMeter(connectorID, wh)

	payload := map[string]interface{}{
		"connectorId": connectorID,
		"meterValue": []map[string]interface{}{{
			"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05Z"),
			"sampledValue": []map[string]interface{}{{
				"value":     strconv.Itoa(wh),
				"measurand": "Energy.Active.Import.Register",
				"unit":      "Wh",
			}},
		}},
	}
	if txID != 0 {
		payload["transactionId"] = txID
	}
	return s.sendCall("MeterValues", payload)
}

func (s *Simulator) meterLoop(txID, connectorID int) {
	defer s.wg.Done()

	s.mu.RLock()
	stop := s.meterStop
	s.mu.RUnlock()
	if stop == nil {
		return
	}

	ticker := time.NewTicker(s.config.MeterPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		case <-ticker.C:
			// Pretend we deliver roughly 7kW.
			wh := s.connectorMeter(connectorID) + int(7000*s.config.MeterPeriod.Hours())
			if _, err := s.SendMeterValue(wh); err != nil {
				s.log.Warn("MeterValues failed", zap.Error(err))
			}
		}
	}
}

func (s *Simulator) connectorMeter(connectorID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connectors {
		if c.ID == connectorID {
			return c.MeterWh
		}
	}
	return 0
}

func (s *Simulator) setConnectorMeter(connectorID, wh int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.connectors {
		if s.connectors[i].ID == connectorID {
			s.connectors[i].MeterWh = wh
		}
	}
}

func (s *Simulator) setConnectorStatus(connectorID int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.connectors {
		if s.connectors[i].ID == connectorID {
			s.connectors[i].Status = status
		}
	}
}

// RunInteractive reads commands from stdin until quit.
func (s *Simulator) RunInteractive() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if !s.runCommand(strings.Fields(line)) {
				return
			}
		}
		fmt.Print("> ")
	}
}

func (s *Simulator) runCommand(args []string) bool {
	switch args[0] {
	case "quit", "exit":
		s.Stop()
		return false

	case "start":
		connector := 1
		idTag := "test-tag"
		if len(args) > 1 {
			connector, _ = strconv.Atoi(args[1])
		}
		if len(args) > 2 {
			idTag = args[2]
		}
		if txID, err := s.StartTransaction(connector, idTag); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("transaction", txID, "started")
		}

	case "stop":
		if _, err := s.StopTransaction("Local"); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("transaction stopped")
		}

	case "status":
		if len(args) < 3 {
			fmt.Println("usage: status <connector> <state>")
			break
		}
		connector, _ := strconv.Atoi(args[1])
		if _, err := s.sendStatusNotification(connector, args[2]); err != nil {
			fmt.Println("error:", err)
		}

	case "meter":
		if len(args) < 2 {
			fmt.Println("usage: meter <wh>")
			break
		}
		wh, _ := strconv.Atoi(args[1])
		if _, err := s.SendMeterValue(wh); err != nil {
			fmt.Println("error:", err)
		}

	case "heartbeat":
		if resp, err := s.SendHeartbeat(); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("currentTime:", resp["currentTime"])
		}

	case "authorize":
		if len(args) < 2 {
			fmt.Println("usage: authorize <idTag>")
			break
		}
		if resp, err := s.SendAuthorize(args[1]); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("response:", resp)
		}

	case "boot":
		if resp, err := s.sendBootNotification(); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("response:", resp)
		}

	default:
		fmt.Println("unknown command:", args[0])
	}
	return true
}
