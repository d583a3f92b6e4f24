package transaction

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/observability/events"
	"github.com/voltgrid/csms/internal/ports"
)

// EnergyJumpThresholdWh flags meter readings that moved implausibly far from
// the previous sample of the same transaction. Comparison is on the absolute
// delta, so a meter reset inside a transaction trips it too.
const EnergyJumpThresholdWh = 10000

// Service owns the transaction lifecycle: start, stop, orphan closure and
// meter value ingestion.
type Service struct {
	txs ports.TransactionRepository
	mvs ports.MeterValueRepository
	cps ports.ChargePointRepository
	bus *events.Bus
	log *zap.Logger
}

func NewService(txs ports.TransactionRepository, mvs ports.MeterValueRepository, cps ports.ChargePointRepository, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{txs: txs, mvs: mvs, cps: cps, bus: bus, log: log}
}

// Start closes any transaction left dangling on the station, then opens a new
// one. The returned transaction carries the server-generated integer id the
// station must echo in StopTransaction.
func (s *Service) Start(ctx context.Context, cpID string, connectorID int, idTag string, meterStart int, startTime time.Time) (*domain.Transaction, error) {
	if err := s.CloseOrphans(ctx, cpID, domain.StopReasonOther); err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ChargePointID: cpID,
		ConnectorID:   connectorID,
		IDTag:         idTag,
		StartTime:     startTime,
		MeterStart:    meterStart,
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}

	if _, err := s.cps.Upsert(ctx, cpID, map[string]interface{}{"last_tx_start_at": startTime}); err != nil {
		s.log.Warn("Failed to stamp last_tx_start_at", zap.String("charge_point_id", cpID), zap.Error(err))
	}

	s.bus.Emit(events.Event{
		Kind:          events.KindTxStart,
		ChargePointID: cpID,
		ConnectorID:   connectorID,
		TransactionID: tx.ID,
	})
	return tx, nil
}

// CloseOrphans completes every transaction still active on the station. The
// stop meter reading is the last energy register sample the transaction
// recorded, falling back to meter_start when it never reported one.
func (s *Service) CloseOrphans(ctx context.Context, cpID string, reason domain.StopReason) error {
	active, err := s.txs.FindActiveByChargePoint(ctx, cpID)
	if err != nil {
		return fmt.Errorf("finding active transactions: %w", err)
	}
	now := time.Now().UTC()
	for i := range active {
		tx := &active[i]
		meterStop := tx.MeterStart
		last, err := s.mvs.LastForTransaction(ctx, tx.ID, domain.MeasurandEnergyActiveImport)
		if err != nil {
			return fmt.Errorf("finding last meter value for transaction %d: %w", tx.ID, err)
		}
		if last != nil {
			meterStop = int(last.Value)
		}
		if err := s.txs.Stop(ctx, tx.ID, now, meterStop, reason); err != nil {
			return fmt.Errorf("closing orphan transaction %d: %w", tx.ID, err)
		}
		s.log.Warn("Closed orphaned transaction",
			zap.String("charge_point_id", cpID),
			zap.Int("transaction_id", tx.ID),
			zap.String("reason", string(reason)),
		)
		s.bus.Emit(events.Event{
			Kind:              events.KindTxStop,
			ChargePointID:     cpID,
			ConnectorID:       tx.ConnectorID,
			TransactionID:     tx.ID,
			EnergyDeliveredWh: meterStop - tx.MeterStart,
		})
	}
	return nil
}

// Stop completes the transaction and persists the final meter values the
// station attached to its StopTransaction. A stop for an unknown or already
// completed transaction is logged and otherwise ignored.
func (s *Service) Stop(ctx context.Context, cpID string, txID int, meterStop int, stopTime time.Time, reason domain.StopReason, finalValues []domain.MeterValue) error {
	tx, err := s.txs.FindByID(ctx, txID)
	if err != nil {
		return fmt.Errorf("finding transaction %d: %w", txID, err)
	}
	if tx == nil || !tx.IsActive() {
		s.log.Warn("StopTransaction for unknown or completed transaction",
			zap.String("charge_point_id", cpID),
			zap.Int("transaction_id", txID),
		)
		return nil
	}

	if err := s.txs.Stop(ctx, txID, stopTime, meterStop, reason); err != nil {
		return fmt.Errorf("stopping transaction %d: %w", txID, err)
	}

	if len(finalValues) > 0 {
		for i := range finalValues {
			finalValues[i].TransactionID = &txID
			finalValues[i].ChargePointID = cpID
			finalValues[i].IsFinal = true
			applyDefaults(&finalValues[i])
		}
		if err := s.mvs.CreateBatch(ctx, finalValues); err != nil {
			return fmt.Errorf("persisting final meter values: %w", err)
		}
	}

	if _, err := s.cps.Upsert(ctx, cpID, map[string]interface{}{"last_tx_stop_at": stopTime}); err != nil {
		s.log.Warn("Failed to stamp last_tx_stop_at", zap.String("charge_point_id", cpID), zap.Error(err))
	}

	s.bus.Emit(events.Event{
		Kind:              events.KindTxStop,
		ChargePointID:     cpID,
		ConnectorID:       tx.ConnectorID,
		TransactionID:     txID,
		EnergyDeliveredWh: meterStop - tx.MeterStart,
	})
	return nil
}

// RecordMeterValues fills in sample defaults, persists the batch and watches
// the energy register for implausible jumps within a transaction.
func (s *Service) RecordMeterValues(ctx context.Context, cpID string, connectorID int, txID *int, values []domain.MeterValue) error {
	if len(values) == 0 {
		return nil
	}

	var prev *float64
	if txID != nil {
		last, err := s.mvs.LastForTransaction(ctx, *txID, domain.MeasurandEnergyActiveImport)
		if err != nil {
			return fmt.Errorf("finding last meter value: %w", err)
		}
		if last != nil {
			prev = &last.Value
		}
	}

	for i := range values {
		values[i].ChargePointID = cpID
		values[i].ConnectorID = connectorID
		values[i].TransactionID = txID
		applyDefaults(&values[i])

		if txID == nil || values[i].Measurand != domain.MeasurandEnergyActiveImport {
			continue
		}
		cur := values[i].Value
		if prev != nil {
			delta := cur - *prev
			if delta < 0 {
				delta = -delta
			}
			if delta > EnergyJumpThresholdWh {
				s.log.Warn("Energy reading jump detected",
					zap.String("charge_point_id", cpID),
					zap.Int("transaction_id", *txID),
					zap.Float64("previous_wh", *prev),
					zap.Float64("current_wh", cur),
				)
				s.bus.Emit(events.Event{
					Kind:          events.KindEnergyJump,
					ChargePointID: cpID,
					ConnectorID:   connectorID,
					TransactionID: *txID,
					PreviousWh:    *prev,
					CurrentWh:     cur,
				})
			}
		}
		v := cur
		prev = &v
		s.bus.Emit(events.Event{
			Kind:          events.KindEnergy,
			ChargePointID: cpID,
			ConnectorID:   connectorID,
			TransactionID: *txID,
			CurrentWh:     cur,
		})
	}

	if err := s.mvs.CreateBatch(ctx, values); err != nil {
		return fmt.Errorf("persisting meter values: %w", err)
	}
	return nil
}

// ActiveCount reports how many transactions are still open on the station.
func (s *Service) ActiveCount(ctx context.Context, cpID string) (int, error) {
	active, err := s.txs.FindActiveByChargePoint(ctx, cpID)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func applyDefaults(mv *domain.MeterValue) {
	if mv.Measurand == "" {
		mv.Measurand = domain.MeasurandEnergyActiveImport
	}
	if mv.Unit == "" {
		mv.Unit = domain.DefaultMeterValueUnit
	}
	if mv.Context == "" {
		mv.Context = domain.DefaultMeterValueContext
	}
	if mv.Format == "" {
		mv.Format = domain.DefaultMeterValueFormat
	}
	if mv.Location == "" {
		mv.Location = domain.DefaultMeterValueLocation
	}
}
