package station

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/observability/events"
	"github.com/voltgrid/csms/internal/ports"
)

const statusCacheTTL = 24 * time.Hour

// Service owns charge point and connector state. The cache mirrors status and
// connectivity for cheap operator reads; cache failures are logged and never
// fail the handler path.
type Service struct {
	cps   ports.ChargePointRepository
	conns ports.ConnectorRepository
	cache ports.Cache
	bus   *events.Bus
	log   *zap.Logger
}

func NewService(cps ports.ChargePointRepository, conns ports.ConnectorRepository, cache ports.Cache, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{
		cps:   cps,
		conns: conns,
		cache: cache,
		bus:   bus,
		log:   log,
	}
}

// EnsureExists creates the station row lazily on first contact and marks it
// connected. Runs before any handler so that rows referencing the station
// never hit a missing foreign key.
func (s *Service) EnsureExists(ctx context.Context, id string) error {
	_, err := s.cps.Upsert(ctx, id, map[string]interface{}{"is_connected": true})
	return err
}

func (s *Service) Connected(ctx context.Context, id string, at time.Time) error {
	if err := s.cps.UpdateConnection(ctx, id, true, at); err != nil {
		return err
	}
	s.cacheSet(ctx, "cp:"+id+":connected", "1")
	return nil
}

func (s *Service) Disconnected(ctx context.Context, id string, at time.Time) error {
	if err := s.cps.UpdateConnection(ctx, id, false, at); err != nil {
		return err
	}
	s.cacheSet(ctx, "cp:"+id+":connected", "0")
	return nil
}

// RecordBoot persists the identity fields a BootNotification carries and
// stamps last_boot_at.
func (s *Service) RecordBoot(ctx context.Context, id string, vendor, model, serial, firmware, iccid, imsi string, at time.Time) error {
	fields := map[string]interface{}{"last_boot_at": at}
	if vendor != "" {
		fields["vendor"] = vendor
	}
	if model != "" {
		fields["model"] = model
	}
	if serial != "" {
		fields["serial_number"] = serial
	}
	if firmware != "" {
		fields["firmware_version"] = firmware
	}
	if iccid != "" {
		fields["iccid"] = iccid
	}
	if imsi != "" {
		fields["imsi"] = imsi
	}
	if _, err := s.cps.Upsert(ctx, id, fields); err != nil {
		return err
	}
	s.bus.Emit(events.Event{Kind: events.KindBoot, ChargePointID: id})
	return nil
}

func (s *Service) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	if err := s.cps.UpdateHeartbeat(ctx, id, at); err != nil {
		return err
	}
	s.bus.Emit(events.Event{Kind: events.KindHeartbeat, ChargePointID: id, At: at})
	return nil
}

// RecordStatus applies a StatusNotification. connectorID 0 addresses the
// station itself; anything else upserts the connector row.
func (s *Service) RecordStatus(ctx context.Context, id string, connectorID int, status domain.ChargePointStatus, errorCode, info, vendorID, vendorErrorCode string) error {
	if connectorID == 0 {
		fields := map[string]interface{}{
			"status":             status,
			"error_code":         errorCode,
			"vendor_error_code":  vendorErrorCode,
			"vendor_status_info": info,
			"vendor_status_id":   vendorID,
		}
		if _, err := s.cps.Upsert(ctx, id, fields); err != nil {
			return err
		}
		s.cacheSet(ctx, "cp:"+id+":status", string(status))
	} else {
		if _, err := s.conns.Upsert(ctx, id, connectorID, status, errorCode, vendorErrorCode); err != nil {
			return err
		}
	}

	s.bus.Emit(events.Event{
		Kind:          events.KindStatusChange,
		ChargePointID: id,
		ConnectorID:   connectorID,
		Status:        string(status),
	})
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.ChargePoint, error) {
	return s.cps.FindByID(ctx, id)
}

func (s *Service) cacheSet(ctx context.Context, key, value string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, statusCacheTTL); err != nil {
		s.log.Warn("Failed to update status cache", zap.String("key", key), zap.Error(err))
	}
}
